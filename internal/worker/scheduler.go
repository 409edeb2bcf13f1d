package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fieldline/webhook-dispatcher/internal/domain"
)

// LeaseWindow is how long a claimed delivery stays out of the pollable set.
// Comfortably above the 10s transport timeout, short enough that rows held by
// a crashed worker come back quickly.
const LeaseWindow = 30 * time.Second

// ErrNotRetryable is returned by RetryNow when the delivery does not exist,
// already succeeded, or is currently held by another worker.
var ErrNotRetryable = errors.New("delivery is not retryable")

// ClaimStore atomically moves deliveries out of the pollable set before
// dispatch, so no two workers ever process the same delivery concurrently.
type ClaimStore interface {
	ClaimDue(ctx context.Context, now time.Time, limit int, owner string, leaseUntil time.Time) ([]domain.DeliveryAttempt, error)
	ClaimByID(ctx context.Context, id, owner string, leaseUntil time.Time) (*domain.DeliveryAttempt, error)
	DeferDelivery(ctx context.Context, id, owner string, nextAttemptAt time.Time) error
}

// Scheduler drives all retries from durable state: a polling loop claims
// pending deliveries whose next_attempt_at has passed and hands them to the
// worker pool. It also serves the immediate-dispatch path for first attempts
// and manual retries.
type Scheduler struct {
	store        ClaimStore
	pool         *Pool
	logger       *slog.Logger
	owner        string
	pollInterval time.Duration
	batchSize    int
}

func NewScheduler(store ClaimStore, pool *Pool, logger *slog.Logger, owner string, pollInterval time.Duration) *Scheduler {
	return &Scheduler{
		store:        store,
		pool:         pool,
		logger:       logger,
		owner:        owner,
		pollInterval: pollInterval,
		batchSize:    pool.Size(),
	}
}

// Start begins the polling loop. It runs until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started", "poll_interval", s.pollInterval, "owner", s.owner)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll claims a batch of due deliveries and submits them to the pool.
func (s *Scheduler) poll(ctx context.Context) {
	now := time.Now()

	claimed, err := s.store.ClaimDue(ctx, now, s.batchSize, s.owner, now.Add(LeaseWindow))
	if err != nil {
		s.logger.Error("failed to claim due deliveries", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}

	submitted := 0
	for _, d := range claimed {
		if !s.pool.TrySubmit(d.ID) {
			// Pool saturated. Release the claim so the row is due again
			// immediately instead of waiting out the lease.
			if err := s.store.DeferDelivery(ctx, d.ID, s.owner, now); err != nil {
				s.logger.Error("failed to release claim", "delivery_id", d.ID, "error", err)
			}
			continue
		}
		submitted++
	}

	s.logger.Debug("scheduler pass complete", "claimed", len(claimed), "submitted", submitted)
}

// DeliverNow triggers the immediate first attempt for a freshly created
// delivery. Best-effort: if the claim or submit fails, the polling loop picks
// the row up since it was created due.
func (s *Scheduler) DeliverNow(ctx context.Context, id string) {
	d, err := s.store.ClaimByID(ctx, id, s.owner, time.Now().Add(LeaseWindow))
	if err != nil {
		s.logger.Error("failed to claim delivery for immediate dispatch", "delivery_id", id, "error", err)
		return
	}
	if d == nil {
		return
	}
	if !s.pool.TrySubmit(d.ID) {
		if err := s.store.DeferDelivery(ctx, d.ID, s.owner, time.Now()); err != nil {
			s.logger.Error("failed to release claim", "delivery_id", d.ID, "error", err)
		}
	}
}

// RetryNow performs an operator-triggered retry regardless of
// next_attempt_at. A failed delivery is revived for exactly one more attempt;
// a succeeded or in-flight one is refused.
func (s *Scheduler) RetryNow(ctx context.Context, id string) error {
	d, err := s.store.ClaimByID(ctx, id, s.owner, time.Now().Add(LeaseWindow))
	if err != nil {
		return err
	}
	if d == nil {
		return ErrNotRetryable
	}
	if !s.pool.TrySubmit(d.ID) {
		// Keep the manual retry alive: due immediately, next pass takes it.
		if err := s.store.DeferDelivery(ctx, d.ID, s.owner, time.Now()); err != nil {
			return err
		}
	}
	return nil
}
