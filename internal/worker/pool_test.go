package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type recordingRunner struct {
	mu      sync.Mutex
	ids     []string
	block   chan struct{} // when non-nil, Attempt blocks until closed
	started chan string   // when non-nil, receives each id as Attempt begins
}

func (r *recordingRunner) Attempt(ctx context.Context, id string) error {
	if r.started != nil {
		r.started <- id
	}
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	return nil
}

func (r *recordingRunner) processed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestPool_ProcessesSubmittedJobs(t *testing.T) {
	runner := &recordingRunner{}
	pool := NewPool(3, runner, discardLogger())
	pool.Start(context.Background())

	for _, id := range []string{"del-1", "del-2", "del-3", "del-4", "del-5"} {
		if !pool.TrySubmit(id) {
			t.Fatalf("submit %s refused", id)
		}
	}
	pool.Stop()

	got := runner.processed()
	if len(got) != 5 {
		t.Fatalf("processed %d jobs, want 5: %v", len(got), got)
	}
	seen := make(map[string]bool)
	for _, id := range got {
		if seen[id] {
			t.Errorf("job %s processed twice", id)
		}
		seen[id] = true
	}
}

func TestPool_TrySubmitRefusesWhenSaturated(t *testing.T) {
	runner := &recordingRunner{
		block:   make(chan struct{}),
		started: make(chan string, 1),
	}
	pool := NewPool(1, runner, discardLogger())
	pool.Start(context.Background())

	// One job in flight, blocking the single worker
	if !pool.TrySubmit("del-inflight") {
		t.Fatal("first submit refused")
	}
	select {
	case <-runner.started:
	case <-time.After(time.Second):
		t.Fatal("worker never picked up the job")
	}

	// The buffer holds numWorkers*2 more; fill it
	for i := 0; i < 2; i++ {
		if !pool.TrySubmit("del-buffered") {
			t.Fatalf("buffered submit %d refused", i)
		}
	}

	// Now the pool is saturated — submit must refuse, not block
	if pool.TrySubmit("del-overflow") {
		t.Error("submit should refuse when the pool is saturated")
	}

	close(runner.block)
	pool.Stop()
}

func TestPool_TrySubmitAfterStopRefuses(t *testing.T) {
	pool := NewPool(2, &recordingRunner{}, discardLogger())
	pool.Start(context.Background())
	pool.Stop()

	if pool.TrySubmit("del-late") {
		t.Error("submit after Stop should be refused")
	}
}

func TestPool_StopIsIdempotent(t *testing.T) {
	pool := NewPool(1, &recordingRunner{}, discardLogger())
	pool.Start(context.Background())
	pool.Stop()
	pool.Stop() // second call must not close the channel again
}

func TestPool_Size(t *testing.T) {
	pool := NewPool(7, &recordingRunner{}, discardLogger())
	if pool.Size() != 7 {
		t.Errorf("Size() = %d, want 7", pool.Size())
	}
}
