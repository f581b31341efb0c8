package store

import (
	"context"
	"fmt"
)

// DeliveryStats are all-time totals from the audit tables. The rolling
// window view lives in the monitor package.
type DeliveryStats struct {
	TotalAttempts       int     `json:"total_attempts"`
	SuccessCount        int     `json:"success_count"`
	FailedCount         int     `json:"failed_count"`
	SuccessRate         float64 `json:"success_rate"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
	OpenDeadLetters     int     `json:"open_dead_letters"`
	ActiveSubscriptions int     `json:"active_subscriptions"`
	TotalEvents         int     `json:"total_events"`
}

func (s *PostgresStore) DeliveryStats(ctx context.Context) (*DeliveryStats, error) {
	var st DeliveryStats

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE outcome = 'success'),
			COUNT(*) FILTER (WHERE outcome <> 'success'),
			COALESCE(AVG(latency_ms), 0)
		FROM delivery_attempts
	`).Scan(&st.TotalAttempts, &st.SuccessCount, &st.FailedCount, &st.AvgLatencyMs)
	if err != nil {
		return nil, fmt.Errorf("querying attempt totals: %w", err)
	}
	if st.TotalAttempts > 0 {
		st.SuccessRate = float64(st.SuccessCount) / float64(st.TotalAttempts)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM dead_letters WHERE resolved_at IS NULL),
			(SELECT COUNT(*) FROM subscriptions WHERE active),
			(SELECT COUNT(*) FROM events)
	`).Scan(&st.OpenDeadLetters, &st.ActiveSubscriptions, &st.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("querying table counts: %w", err)
	}

	return &st, nil
}
