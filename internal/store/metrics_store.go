package store

import (
	"context"
	"fmt"
	"time"
)

// DeliveryMetrics holds aggregated delivery statistics.
type DeliveryMetrics struct {
	TotalDeliveries     int     `json:"total_deliveries"`
	PendingCount        int     `json:"pending_count"`
	SuccessCount        int     `json:"success_count"`
	FailedCount         int     `json:"failed_count"`
	SuccessRate         float64 `json:"success_rate"`
	AvgResponseMs       float64 `json:"avg_response_ms"`
	DueCount            int64   `json:"due_count"`
	ActiveSubscriptions int     `json:"active_subscriptions"`
}

// GetDeliveryMetrics returns aggregated delivery statistics from the database.
func (s *PostgresStore) GetDeliveryMetrics(ctx context.Context) (*DeliveryMetrics, error) {
	var m DeliveryMetrics

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'success') AS success,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COALESCE(AVG(response_time_ms) FILTER (WHERE response_time_ms > 0), 0) AS avg_response_ms
		FROM delivery_attempts
	`).Scan(&m.TotalDeliveries, &m.PendingCount, &m.SuccessCount, &m.FailedCount, &m.AvgResponseMs)
	if err != nil {
		return nil, fmt.Errorf("querying delivery metrics: %w", err)
	}

	if m.TotalDeliveries > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalDeliveries) * 100
	}

	due, err := s.CountDuePending(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	m.DueCount = due

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM subscriptions WHERE is_active = true
	`).Scan(&m.ActiveSubscriptions)
	if err != nil {
		return nil, fmt.Errorf("querying active subscriptions: %w", err)
	}

	return &m, nil
}
