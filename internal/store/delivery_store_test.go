package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/fieldline/webhook-dispatcher/internal/domain"
)

// setupTestStore connects to the database named by TEST_DATABASE_URL, applies
// migrations, and starts from empty tables. Skipped when the variable is
// unset.
func setupTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := NewPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}
	t.Cleanup(s.Close)

	if err := s.RunMigrations(ctx, "../../migrations"); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM delivery_attempts`); err != nil {
		t.Fatalf("clearing delivery_attempts: %v", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM subscriptions`); err != nil {
		t.Fatalf("clearing subscriptions: %v", err)
	}

	return s
}

func createTestDelivery(t *testing.T, s *PostgresStore) *domain.DeliveryAttempt {
	t.Helper()
	ctx := context.Background()

	sub, err := s.CreateSubscription(ctx, domain.CreateSubscriptionRequest{
		URL:   "http://example.com/hook",
		Event: "job.completed",
	})
	if err != nil {
		t.Fatalf("creating subscription: %v", err)
	}

	d, err := s.CreateDelivery(ctx, sub.ID, "job.completed", []byte(`{"event":"job.completed","data":{}}`))
	if err != nil {
		t.Fatalf("creating delivery: %v", err)
	}
	return d
}

func TestClaimByID_RevivedRowStaysPollable(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	d := createTestDelivery(t, s)

	code := 502
	err := s.MarkFailed(ctx, d.ID, "worker-a", 7, AttemptResult{StatusCode: &code})
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	failed, err := s.GetDelivery(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if failed.Status != domain.StatusFailed || failed.NextAttemptAt != nil {
		t.Fatalf("expected terminal failed row with nil next_attempt_at, got status=%s next=%v",
			failed.Status, failed.NextAttemptAt)
	}

	// Manual retry revives the row under a lease.
	leaseUntil := time.Now().Add(30 * time.Second)
	claimed, err := s.ClaimByID(ctx, d.ID, "worker-a", leaseUntil)
	if err != nil {
		t.Fatalf("ClaimByID: %v", err)
	}
	if claimed == nil {
		t.Fatal("failed delivery should be claimable for manual retry")
	}
	if claimed.Status != domain.StatusPending {
		t.Errorf("status = %s, want pending", claimed.Status)
	}
	// The revived row must carry a next_attempt_at: if this process dies
	// before writing the outcome, the polling loop has to find it again.
	if claimed.NextAttemptAt == nil {
		t.Fatal("revived row has nil next_attempt_at — invisible to the polling loop")
	}
	if time.Until(*claimed.NextAttemptAt) > time.Second {
		t.Errorf("next_attempt_at = %v, want due now", claimed.NextAttemptAt)
	}

	// While the lease holds, the polling loop leaves the row alone.
	rows, err := s.ClaimDue(ctx, time.Now(), 10, "worker-b", time.Now().Add(30*time.Second))
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("leased row should not be claimable, got %d rows", len(rows))
	}

	// After the lease expires the row is recoverable.
	afterLease := leaseUntil.Add(time.Second)
	rows, err = s.ClaimDue(ctx, afterLease, 10, "worker-b", afterLease.Add(30*time.Second))
	if err != nil {
		t.Fatalf("ClaimDue after lease expiry: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != d.ID {
		t.Fatalf("expected to recover the revived row after lease expiry, got %v", rows)
	}
}

func TestClaimByID_SucceededRowIsNotClaimable(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	d := createTestDelivery(t, s)

	code := 200
	if err := s.MarkSuccess(ctx, d.ID, "worker-a", 1, AttemptResult{StatusCode: &code}); err != nil {
		t.Fatalf("MarkSuccess: %v", err)
	}

	claimed, err := s.ClaimByID(ctx, d.ID, "worker-a", time.Now().Add(30*time.Second))
	if err != nil {
		t.Fatalf("ClaimByID: %v", err)
	}
	if claimed != nil {
		t.Error("succeeded delivery should never be claimable")
	}
}
