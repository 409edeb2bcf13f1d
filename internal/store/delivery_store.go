package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldline/webhook-dispatcher/internal/domain"
	"github.com/jackc/pgx/v5"
)

const deliveryColumns = `id, subscription_id, event, payload, status, status_code, response_body,
	response_time_ms, error_message, attempt_count, next_attempt_at, created_at, updated_at`

// AttemptResult holds the observed outcome of one transport attempt.
type AttemptResult struct {
	StatusCode     *int
	ResponseBody   string
	ResponseTimeMs int
	ErrorMessage   string
}

func scanDelivery(row pgx.Row) (*domain.DeliveryAttempt, error) {
	var d domain.DeliveryAttempt
	err := row.Scan(
		&d.ID, &d.SubscriptionID, &d.Event, &d.Payload, &d.Status,
		&d.StatusCode, &d.ResponseBody, &d.ResponseTimeMs, &d.ErrorMessage,
		&d.AttemptCount, &d.NextAttemptAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDelivery inserts a pending delivery attempt for one subscription.
// The payload is the exact body that every attempt will send.
func (s *PostgresStore) CreateDelivery(ctx context.Context, subscriptionID, event string, payload []byte) (*domain.DeliveryAttempt, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx, `
		INSERT INTO delivery_attempts (subscription_id, event, payload, status, next_attempt_at)
		VALUES ($1, $2, $3, 'pending', NOW())
		RETURNING `+deliveryColumns,
		subscriptionID, event, payload))
	if err != nil {
		return nil, fmt.Errorf("inserting delivery attempt: %w", err)
	}
	return d, nil
}

// GetDelivery returns a single delivery attempt by ID.
func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*domain.DeliveryAttempt, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+` FROM delivery_attempts WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying delivery attempt: %w", err)
	}
	return d, nil
}

// ListDeliveries returns delivery attempts with optional filtering.
func (s *PostgresStore) ListDeliveries(ctx context.Context, subscriptionID, event, status string, limit int) ([]domain.DeliveryAttempt, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_attempts`
	args := []interface{}{}
	argIdx := 1
	conditions := []string{}

	if subscriptionID != "" {
		conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", argIdx))
		args = append(args, subscriptionID)
		argIdx++
	}
	if event != "" {
		conditions = append(conditions, fmt.Sprintf("event = $%d", argIdx))
		args = append(args, event)
		argIdx++
	}
	if status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, status)
		argIdx++
	}

	if len(conditions) > 0 {
		query += " WHERE "
		for i, c := range conditions {
			if i > 0 {
				query += " AND "
			}
			query += c
		}
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying delivery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.DeliveryAttempt
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery attempt: %w", err)
		}
		attempts = append(attempts, *d)
	}

	if attempts == nil {
		attempts = []domain.DeliveryAttempt{}
	}

	return attempts, nil
}

// ClaimDue atomically leases a batch of pending deliveries whose
// next_attempt_at has passed. SKIP LOCKED keeps concurrent scheduler passes
// from claiming the same rows; the lease keeps a crashed worker's rows out of
// the pollable set only until lease_until expires.
func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int, owner string, leaseUntil time.Time) ([]domain.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT id FROM delivery_attempts
			WHERE status = 'pending'
			  AND next_attempt_at <= $1
			  AND (lease_until IS NULL OR lease_until <= $1)
			ORDER BY next_attempt_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE delivery_attempts AS d
		SET lease_owner = $3, lease_until = $4, updated_at = $1
		FROM candidates
		WHERE d.id = candidates.id
		RETURNING d.id, d.subscription_id, d.event, d.payload, d.status, d.status_code,
			d.response_body, d.response_time_ms, d.error_message, d.attempt_count,
			d.next_attempt_at, d.created_at, d.updated_at
	`, now.UTC(), limit, owner, leaseUntil.UTC())
	if err != nil {
		return nil, fmt.Errorf("claiming due deliveries: %w", err)
	}
	defer rows.Close()

	var attempts []domain.DeliveryAttempt
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning claimed delivery: %w", err)
		}
		attempts = append(attempts, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating claimed deliveries: %w", err)
	}

	return attempts, nil
}

// ClaimByID leases one delivery regardless of next_attempt_at, for the
// immediate first attempt and for manual retries. A failed delivery is
// flipped back to pending; a success is never claimable, and neither is a row
// another worker currently holds. Returns nil when nothing was claimed.
// next_attempt_at is set to now so that a revived row stays visible to the
// polling loop if this process dies before writing the outcome.
func (s *PostgresStore) ClaimByID(ctx context.Context, id, owner string, leaseUntil time.Time) (*domain.DeliveryAttempt, error) {
	now := time.Now().UTC()
	d, err := scanDelivery(s.pool.QueryRow(ctx, `
		UPDATE delivery_attempts
		SET status = 'pending', next_attempt_at = $4, lease_owner = $2, lease_until = $3, updated_at = $4
		WHERE id = $1
		  AND status IN ('pending', 'failed')
		  AND (lease_until IS NULL OR lease_until <= $4)
		RETURNING `+deliveryColumns,
		id, owner, leaseUntil.UTC(), now))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming delivery %s: %w", id, err)
	}
	return d, nil
}

// MarkSuccess records a 2xx outcome and makes the delivery terminal.
func (s *PostgresStore) MarkSuccess(ctx context.Context, id, owner string, attemptCount int, res AttemptResult) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_attempts
		SET status = 'success', status_code = $3, response_body = $4, response_time_ms = $5,
		    error_message = NULL, attempt_count = $6, next_attempt_at = NULL,
		    lease_owner = NULL, lease_until = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		  AND (lease_owner IS NULL OR lease_owner = $2)
	`, id, owner, res.StatusCode, nullIfEmpty(res.ResponseBody), res.ResponseTimeMs, attemptCount)
	if err != nil {
		return fmt.Errorf("marking delivery success: %w", err)
	}
	return nil
}

// MarkRetry records a failed attempt that still has schedule left and sets
// the time of the next one.
func (s *PostgresStore) MarkRetry(ctx context.Context, id, owner string, attemptCount int, nextAttemptAt time.Time, res AttemptResult) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_attempts
		SET status_code = $3, response_body = $4, response_time_ms = $5, error_message = $6,
		    attempt_count = $7, next_attempt_at = $8,
		    lease_owner = NULL, lease_until = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		  AND (lease_owner IS NULL OR lease_owner = $2)
	`, id, owner, res.StatusCode, nullIfEmpty(res.ResponseBody), res.ResponseTimeMs,
		nullIfEmpty(res.ErrorMessage), attemptCount, nextAttemptAt.UTC())
	if err != nil {
		return fmt.Errorf("marking delivery retry: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt with no schedule left. Terminal.
func (s *PostgresStore) MarkFailed(ctx context.Context, id, owner string, attemptCount int, res AttemptResult) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_attempts
		SET status = 'failed', status_code = $3, response_body = $4, response_time_ms = $5,
		    error_message = $6, attempt_count = $7, next_attempt_at = NULL,
		    lease_owner = NULL, lease_until = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		  AND (lease_owner IS NULL OR lease_owner = $2)
	`, id, owner, res.StatusCode, nullIfEmpty(res.ResponseBody), res.ResponseTimeMs,
		nullIfEmpty(res.ErrorMessage), attemptCount)
	if err != nil {
		return fmt.Errorf("marking delivery failed: %w", err)
	}
	return nil
}

// DeferDelivery releases the lease and pushes next_attempt_at forward without
// counting an attempt. Used when the circuit breaker or rate limiter blocks a
// delivery before any transport happens.
func (s *PostgresStore) DeferDelivery(ctx context.Context, id, owner string, nextAttemptAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delivery_attempts
		SET next_attempt_at = $3, lease_owner = NULL, lease_until = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		  AND (lease_owner IS NULL OR lease_owner = $2)
	`, id, owner, nextAttemptAt.UTC())
	if err != nil {
		return fmt.Errorf("deferring delivery: %w", err)
	}
	return nil
}

// CountDuePending returns how many deliveries are currently eligible for
// pickup, for the dashboard.
func (s *PostgresStore) CountDuePending(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM delivery_attempts
		WHERE status = 'pending' AND next_attempt_at <= $1
	`, now.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting due deliveries: %w", err)
	}
	return count, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
