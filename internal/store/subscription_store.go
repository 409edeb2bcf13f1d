package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/fieldline/webhook-dispatcher/internal/domain"
	"github.com/jackc/pgx/v5"
)

func (s *PostgresStore) CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (*domain.Subscription, error) {
	secret := req.Secret
	if req.GenerateSecret {
		generated, err := GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("generating secret: %w", err)
		}
		secret = generated
	}

	var sub domain.Subscription
	err := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (url, event, secret, rate_limit_per_second)
		VALUES ($1, $2, $3, $4)
		RETURNING id, url, event, secret, is_active, rate_limit_per_second, created_at, updated_at
	`, req.URL, req.Event, secret, req.RateLimitPerSecond).Scan(
		&sub.ID, &sub.URL, &sub.Event, &sub.Secret,
		&sub.IsActive, &sub.RateLimitPerSecond, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting subscription: %w", err)
	}
	return &sub, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := s.pool.QueryRow(ctx, `
		SELECT id, url, event, secret, is_active, rate_limit_per_second, created_at, updated_at
		FROM subscriptions WHERE id = $1
	`, id).Scan(
		&sub.ID, &sub.URL, &sub.Event, &sub.Secret,
		&sub.IsActive, &sub.RateLimitPerSecond, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return &sub, nil
}

// FindActiveByEvent returns all active subscriptions registered for the exact
// event name. No wildcard matching; an empty result is not an error.
func (s *PostgresStore) FindActiveByEvent(ctx context.Context, event string) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, url, event, secret, is_active, rate_limit_per_second, created_at, updated_at
		FROM subscriptions
		WHERE event = $1 AND is_active = true
		ORDER BY created_at
	`, event)
	if err != nil {
		return nil, fmt.Errorf("finding subscriptions for event: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		err := rows.Scan(
			&sub.ID, &sub.URL, &sub.Event, &sub.Secret,
			&sub.IsActive, &sub.RateLimitPerSecond, &sub.CreatedAt, &sub.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	if subs == nil {
		subs = []domain.Subscription{}
	}

	return subs, nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, url, event, is_active, rate_limit_per_second, created_at, updated_at
		FROM subscriptions
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		err := rows.Scan(
			&sub.ID, &sub.URL, &sub.Event,
			&sub.IsActive, &sub.RateLimitPerSecond, &sub.CreatedAt, &sub.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	if subs == nil {
		subs = []domain.Subscription{}
	}

	return subs, nil
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, id string, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error) {
	setClauses := []string{}
	args := []interface{}{}
	argIdx := 1

	if req.URL != nil {
		setClauses = append(setClauses, fmt.Sprintf("url = $%d", argIdx))
		args = append(args, *req.URL)
		argIdx++
	}
	if req.Event != nil {
		setClauses = append(setClauses, fmt.Sprintf("event = $%d", argIdx))
		args = append(args, *req.Event)
		argIdx++
	}
	if req.IsActive != nil {
		setClauses = append(setClauses, fmt.Sprintf("is_active = $%d", argIdx))
		args = append(args, *req.IsActive)
		argIdx++
	}
	if req.RateLimitPerSecond != nil {
		setClauses = append(setClauses, fmt.Sprintf("rate_limit_per_second = $%d", argIdx))
		args = append(args, *req.RateLimitPerSecond)
		argIdx++
	}

	if len(setClauses) == 0 {
		return s.GetSubscription(ctx, id)
	}

	setClauses = append(setClauses, "updated_at = NOW()")

	query := fmt.Sprintf(`
		UPDATE subscriptions SET %s
		WHERE id = $%d
		RETURNING id, url, event, is_active, rate_limit_per_second, created_at, updated_at
	`, joinStrings(setClauses, ", "), argIdx)
	args = append(args, id)

	var sub domain.Subscription
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&sub.ID, &sub.URL, &sub.Event,
		&sub.IsActive, &sub.RateLimitPerSecond, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("updating subscription: %w", err)
	}

	return &sub, nil
}

// DeleteSubscription removes a subscription. Delivery history is kept; the
// subscription_id on old attempts becomes a dangling reference on purpose.
func (s *PostgresStore) DeleteSubscription(ctx context.Context, id string) (bool, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("deleting subscription: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// RotateSecret replaces the subscription secret with a freshly generated one
// and returns the new value.
func (s *PostgresStore) RotateSecret(ctx context.Context, id string) (string, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET secret = $2, updated_at = NOW() WHERE id = $1
	`, id, secret)
	if err != nil {
		return "", fmt.Errorf("rotating secret: %w", err)
	}
	if result.RowsAffected() == 0 {
		return "", nil
	}
	return secret, nil
}

// GenerateSecret produces a random signing secret with a recognizable prefix.
func GenerateSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "flsec_" + hex.EncodeToString(bytes), nil
}

func joinStrings(strs []string, sep string) string {
	result := ""
	for i, s := range strs {
		if i > 0 {
			result += sep
		}
		result += s
	}
	return result
}
