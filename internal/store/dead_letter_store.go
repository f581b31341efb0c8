package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deadLetterColumns = `id, job_id, subscription_id, event_id, event_type, total_attempts,
	last_error, last_http_status, created_at, resolved_at, resolved_by`

// DeadLetterFilter narrows ListDeadLetters. Resolved selects resolved
// entries instead of open ones.
type DeadLetterFilter struct {
	SubscriptionID string
	Resolved       bool
	Limit          int
}

func (s *PostgresStore) SaveDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (id, job_id, subscription_id, event_id, event_type, total_attempts, last_error, last_http_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, dl.ID, dl.JobID, dl.SubscriptionID, dl.EventID, dl.EventType, dl.TotalAttempts,
		nullString(dl.LastError), nullInt(dl.LastHTTPStatus), dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	return nil
}

func scanDeadLetter(row pgx.Row) (domain.DeadLetter, error) {
	var (
		dl      domain.DeadLetter
		lastErr *string
		status  *int
	)
	err := row.Scan(
		&dl.ID, &dl.JobID, &dl.SubscriptionID, &dl.EventID, &dl.EventType, &dl.TotalAttempts,
		&lastErr, &status, &dl.CreatedAt, &dl.ResolvedAt, &dl.ResolvedBy,
	)
	dl.LastError = deref(lastErr)
	dl.LastHTTPStatus = deref(status)
	return dl, err
}

// ListDeadLetters returns dead letters newest first.
func (s *PostgresStore) ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]domain.DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	var args []any
	conditions := []string{"resolved_at IS NULL"}
	if f.Resolved {
		conditions[0] = "resolved_at IS NOT NULL"
	}
	if f.SubscriptionID != "" {
		args = append(args, f.SubscriptionID)
		conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", len(args)))
	}
	query += whereClause(conditions) + " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	letters := []domain.DeadLetter{}
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dead letters: %w", err)
	}
	return letters, nil
}

func (s *PostgresStore) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetter, error) {
	dl, err := scanDeadLetter(s.pool.QueryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("dead letter %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("querying dead letter: %w", err)
	}
	return &dl, nil
}

// ResolveDeadLetter marks an open dead letter resolved. Unknown or already
// resolved ids return domain.ErrNotFound.
func (s *PostgresStore) ResolveDeadLetter(ctx context.Context, id, resolvedBy string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dead_letters SET resolved_at = NOW(), resolved_by = $2
		WHERE id = $1 AND resolved_at IS NULL
	`, id, resolvedBy)
	if err != nil {
		return fmt.Errorf("resolving dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("open dead letter %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
