package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/jackc/pgx/v5"
)

// SaveEvent records an ingested event for audit and replay.
func (s *PostgresStore) SaveEvent(ctx context.Context, e domain.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (id, event_type, tenant_id, source, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.Type, e.TenantID, e.Source, payload, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func scanEvent(row pgx.Row) (domain.Event, error) {
	var (
		e       domain.Event
		payload []byte
	)
	if err := row.Scan(&e.ID, &e.Type, &e.TenantID, &e.Source, &payload, &e.OccurredAt); err != nil {
		return e, err
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&e.Payload); err != nil {
		return e, fmt.Errorf("decoding event payload: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx, `
		SELECT id, event_type, tenant_id, source, payload, occurred_at
		FROM events WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("event %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, eventType string, limit int) ([]domain.Event, error) {
	query := `SELECT id, event_type, tenant_id, source, payload, occurred_at FROM events`
	var args []any
	if eventType != "" {
		args = append(args, eventType)
		query += fmt.Sprintf(" WHERE event_type = $%d", len(args))
	}
	query += " ORDER BY occurred_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}
