package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const subscriptionColumns = `id, tenant_id, event_type, destination_url, secret, active, headers,
	retry_policy, rate_limit, timeout_ms, filters, transformations, created_at, updated_at`

// prepareNew fills the server-assigned fields of a new subscription and
// validates it.
func prepareNew(sub *domain.Subscription, now time.Time) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Secret == "" {
		secret, err := generateSecret()
		if err != nil {
			return fmt.Errorf("generating secret: %w", err)
		}
		sub.Secret = secret
	}
	sub.CreatedAt = now
	sub.UpdatedAt = now
	return sub.Validate()
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(b), nil
}

// subscriptionJSON holds the JSONB columns of a subscription row.
type subscriptionJSON struct {
	headers, retryPolicy, rateLimit, filters, transformations []byte
}

func encodeSubscription(sub *domain.Subscription) (subscriptionJSON, error) {
	var (
		j   subscriptionJSON
		err error
	)
	headers := sub.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	if j.headers, err = json.Marshal(headers); err != nil {
		return j, fmt.Errorf("encoding headers: %w", err)
	}
	if j.retryPolicy, err = json.Marshal(sub.RetryPolicy); err != nil {
		return j, fmt.Errorf("encoding retry policy: %w", err)
	}
	if j.rateLimit, err = json.Marshal(sub.RateLimit); err != nil {
		return j, fmt.Errorf("encoding rate limit: %w", err)
	}
	filters := sub.Filters
	if filters == nil {
		filters = []domain.Filter{}
	}
	if j.filters, err = json.Marshal(filters); err != nil {
		return j, fmt.Errorf("encoding filters: %w", err)
	}
	transformations := sub.Transformations
	if transformations == nil {
		transformations = []domain.Transformation{}
	}
	if j.transformations, err = json.Marshal(transformations); err != nil {
		return j, fmt.Errorf("encoding transformations: %w", err)
	}
	return j, nil
}

func scanSubscription(row pgx.Row) (domain.Subscription, error) {
	var (
		sub domain.Subscription
		j   subscriptionJSON
	)
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.EventType, &sub.DestinationURL, &sub.Secret, &sub.Active,
		&j.headers, &j.retryPolicy, &j.rateLimit, &sub.TimeoutMs, &j.filters, &j.transformations,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return sub, err
	}
	if err := json.Unmarshal(j.headers, &sub.Headers); err != nil {
		return sub, fmt.Errorf("decoding headers: %w", err)
	}
	if err := json.Unmarshal(j.retryPolicy, &sub.RetryPolicy); err != nil {
		return sub, fmt.Errorf("decoding retry policy: %w", err)
	}
	if err := json.Unmarshal(j.rateLimit, &sub.RateLimit); err != nil {
		return sub, fmt.Errorf("decoding rate limit: %w", err)
	}
	if err := json.Unmarshal(j.filters, &sub.Filters); err != nil {
		return sub, fmt.Errorf("decoding filters: %w", err)
	}
	if err := json.Unmarshal(j.transformations, &sub.Transformations); err != nil {
		return sub, fmt.Errorf("decoding transformations: %w", err)
	}
	return sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]domain.Subscription, error) {
	defer rows.Close()

	subs := []domain.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriptions: %w", err)
	}
	return subs, nil
}

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub domain.Subscription) (*domain.Subscription, error) {
	if err := prepareNew(&sub, time.Now().UTC()); err != nil {
		return nil, err
	}
	j, err := encodeSubscription(&sub)
	if err != nil {
		return nil, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, sub.ID, sub.TenantID, sub.EventType, sub.DestinationURL, sub.Secret, sub.Active,
		j.headers, j.retryPolicy, j.rateLimit, sub.TimeoutMs, j.filters, j.transformations,
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting subscription: %w", err)
	}
	return &sub, nil
}

// GetSubscription returns domain.ErrNotFound for unknown ids.
func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return &sub, nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, tenantID string) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// ActiveSubscriptions returns the active subscriptions whose pattern matches
// eventType: exact, "*", or a "prefix.*" wildcard.
func (s *PostgresStore) ActiveSubscriptions(ctx context.Context, eventType string) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE active = true
		  AND (
			event_type = $1
			OR event_type = '*'
			OR (
				event_type LIKE '%.*'
				AND $1 LIKE REPLACE(event_type, '.*', '.%')
			)
		  )
		ORDER BY created_at, id
	`, eventType)
	if err != nil {
		return nil, fmt.Errorf("finding matching subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// UpdateSubscription applies patch, re-validates and writes the result.
func (s *PostgresStore) UpdateSubscription(ctx context.Context, id string, patch domain.SubscriptionPatch) (*domain.Subscription, error) {
	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.Apply(sub)
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	sub.UpdatedAt = time.Now().UTC()

	j, err := encodeSubscription(sub)
	if err != nil {
		return nil, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET
			destination_url = $2, secret = $3, active = $4, headers = $5, retry_policy = $6,
			rate_limit = $7, timeout_ms = $8, filters = $9, transformations = $10, updated_at = $11
		WHERE id = $1
	`, id, sub.DestinationURL, sub.Secret, sub.Active, j.headers, j.retryPolicy,
		j.rateLimit, sub.TimeoutMs, j.filters, j.transformations, sub.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("updating subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	return sub, nil
}

func (s *PostgresStore) DeleteSubscription(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
