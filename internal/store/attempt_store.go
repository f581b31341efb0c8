package store

import (
	"context"
	"fmt"

	"github.com/Priya8975/sales-webhooks/internal/domain"
)

const attemptColumns = `id, subscription_id, event_id, event_type, host, attempt_number, outcome,
	http_status, latency_ms, error_kind, error_message, started_at, completed_at`

// AttemptFilter narrows ListAttempts. Zero fields match everything.
type AttemptFilter struct {
	SubscriptionID string
	EventID        string
	Outcome        domain.OutcomeKind
	Limit          int
}

func (s *PostgresStore) InsertAttempt(ctx context.Context, a domain.DeliveryAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`, a.ID, a.SubscriptionID, a.EventID, a.EventType, a.Host, a.AttemptNumber, string(a.Outcome),
		nullInt(a.HTTPStatus), a.LatencyMs, nullString(a.ErrorKind), nullString(a.Error),
		a.StartedAt, a.CompletedAt)
	if err != nil {
		return fmt.Errorf("inserting delivery attempt: %w", err)
	}
	return nil
}

// ListAttempts returns attempts newest first.
func (s *PostgresStore) ListAttempts(ctx context.Context, f AttemptFilter) ([]domain.DeliveryAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM delivery_attempts`
	var (
		args       []any
		conditions []string
	)
	if f.SubscriptionID != "" {
		args = append(args, f.SubscriptionID)
		conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", len(args)))
	}
	if f.EventID != "" {
		args = append(args, f.EventID)
		conditions = append(conditions, fmt.Sprintf("event_id = $%d", len(args)))
	}
	if f.Outcome != "" {
		args = append(args, string(f.Outcome))
		conditions = append(conditions, fmt.Sprintf("outcome = $%d", len(args)))
	}
	query += whereClause(conditions) + " ORDER BY completed_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying delivery attempts: %w", err)
	}
	defer rows.Close()

	attempts := []domain.DeliveryAttempt{}
	for rows.Next() {
		var (
			a                  domain.DeliveryAttempt
			outcome            string
			status             *int
			errKind, errString *string
		)
		err := rows.Scan(
			&a.ID, &a.SubscriptionID, &a.EventID, &a.EventType, &a.Host, &a.AttemptNumber, &outcome,
			&status, &a.LatencyMs, &errKind, &errString, &a.StartedAt, &a.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery attempt: %w", err)
		}
		a.Outcome = domain.OutcomeKind(outcome)
		a.HTTPStatus = deref(status)
		a.ErrorKind = deref(errKind)
		a.Error = deref(errString)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delivery attempts: %w", err)
	}
	return attempts, nil
}

func nullInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
