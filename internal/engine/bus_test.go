package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fieldline/webhook-dispatcher/internal/domain"
)

type fakeDispatcher struct {
	ids []string
}

func (f *fakeDispatcher) DeliverNow(ctx context.Context, id string) {
	f.ids = append(f.ids, id)
}

func TestBus_EmitSync_FanOut(t *testing.T) {
	subs := &fakeSubs{subs: map[string]*domain.Subscription{
		"sub-1": {ID: "sub-1", URL: "http://a.example/hook", Event: "job.completed", IsActive: true},
		"sub-2": {ID: "sub-2", URL: "http://b.example/hook", Event: "job.completed", IsActive: true},
		"sub-3": {ID: "sub-3", URL: "http://c.example/hook", Event: "job.created", IsActive: true},
		"sub-4": {ID: "sub-4", URL: "http://d.example/hook", Event: "job.completed", IsActive: false},
	}}
	log := newFakeLog()
	dispatcher := &fakeDispatcher{}
	bus := NewBus(subs, log, dispatcher, testLogger())

	created, err := bus.EmitSync(context.Background(), "job.completed", map[string]string{"id": "J1"})
	if err != nil {
		t.Fatalf("EmitSync: %v", err)
	}

	// Only the two active job.completed subscriptions match
	if created != 2 {
		t.Errorf("created = %d, want 2", created)
	}
	if len(log.created) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(log.created))
	}
	if len(dispatcher.ids) != 2 {
		t.Errorf("expected 2 immediate dispatches, got %d", len(dispatcher.ids))
	}

	for _, d := range log.created {
		if d.Event != "job.completed" {
			t.Errorf("delivery event = %q", d.Event)
		}
		if d.Status != domain.StatusPending {
			t.Errorf("delivery status = %q, want pending", d.Status)
		}
	}
}

func TestBus_EmitSync_PayloadEnvelope(t *testing.T) {
	subs := &fakeSubs{subs: map[string]*domain.Subscription{
		"sub-1": {ID: "sub-1", URL: "http://a.example/hook", Event: "job.completed", IsActive: true},
	}}
	log := newFakeLog()
	bus := NewBus(subs, log, nil, testLogger())

	before := time.Now().UTC()
	if _, err := bus.EmitSync(context.Background(), "job.completed", map[string]any{"id": "J1", "crew": 4}); err != nil {
		t.Fatalf("EmitSync: %v", err)
	}

	if len(log.created) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(log.created))
	}

	var body struct {
		Event     string         `json:"event"`
		Timestamp string         `json:"timestamp"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(log.created[0].Payload, &body); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if body.Event != "job.completed" {
		t.Errorf("envelope event = %q", body.Event)
	}
	if body.Data["id"] != "J1" {
		t.Errorf("envelope data = %v", body.Data)
	}

	ts, err := time.Parse(time.RFC3339, body.Timestamp)
	if err != nil {
		t.Fatalf("timestamp %q is not RFC3339: %v", body.Timestamp, err)
	}
	if ts.Before(before.Add(-time.Minute)) || ts.After(before.Add(time.Minute)) {
		t.Errorf("timestamp %v not near emit time %v", ts, before)
	}
}

func TestBus_EmitSync_IdenticalBytesPerSubscription(t *testing.T) {
	subs := &fakeSubs{subs: map[string]*domain.Subscription{
		"sub-1": {ID: "sub-1", URL: "http://a.example/hook", Event: "job.completed", IsActive: true},
		"sub-2": {ID: "sub-2", URL: "http://b.example/hook", Event: "job.completed", IsActive: true},
	}}
	log := newFakeLog()
	bus := NewBus(subs, log, nil, testLogger())

	if _, err := bus.EmitSync(context.Background(), "job.completed", map[string]string{"id": "J1"}); err != nil {
		t.Fatalf("EmitSync: %v", err)
	}

	if len(log.created) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(log.created))
	}
	// The envelope is serialized once; every subscription stores the same bytes
	if string(log.created[0].Payload) != string(log.created[1].Payload) {
		t.Errorf("payloads differ:\n  %s\n  %s", log.created[0].Payload, log.created[1].Payload)
	}
}

func TestBus_EmitSync_NoSubscribers(t *testing.T) {
	subs := &fakeSubs{subs: map[string]*domain.Subscription{}}
	log := newFakeLog()
	dispatcher := &fakeDispatcher{}
	bus := NewBus(subs, log, dispatcher, testLogger())

	created, err := bus.EmitSync(context.Background(), "job.completed", map[string]string{"id": "J1"})
	if err != nil {
		t.Fatalf("EmitSync: %v", err)
	}
	if created != 0 {
		t.Errorf("created = %d, want 0", created)
	}
	if len(log.created) != 0 || len(dispatcher.ids) != 0 {
		t.Error("no subscribers should mean no deliveries and no dispatches")
	}
}

func TestBus_EmitSync_UnmarshalablePayload(t *testing.T) {
	subs := &fakeSubs{subs: map[string]*domain.Subscription{
		"sub-1": {ID: "sub-1", URL: "http://a.example/hook", Event: "job.completed", IsActive: true},
	}}
	log := newFakeLog()
	bus := NewBus(subs, log, nil, testLogger())

	// Channels can't be serialized to JSON
	_, err := bus.EmitSync(context.Background(), "job.completed", make(chan int))
	if err == nil {
		t.Fatal("expected a marshal error")
	}
	if len(log.created) != 0 {
		t.Error("no deliveries should be created when the payload can't be serialized")
	}
}

func TestBus_Emit_ReturnsImmediately(t *testing.T) {
	subs := &fakeSubs{subs: map[string]*domain.Subscription{}}
	bus := NewBus(subs, newFakeLog(), nil, testLogger())

	done := make(chan struct{})
	go func() {
		bus.Emit("job.completed", map[string]string{"id": "J1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit should not block the caller")
	}
}
