package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Dispatcher triggers the immediate first attempt for a freshly created
// delivery. The scheduler implements it; the bus never waits on the result.
type Dispatcher interface {
	DeliverNow(ctx context.Context, id string)
}

// envelope is the body every subscription receives. Timestamp is fixed at
// enqueue time; retries resend the identical serialized bytes.
type envelope struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// Bus is the single entry point application code uses to raise domain
// events. It is an explicit object wired at startup, not a package singleton.
type Bus struct {
	subs       SubscriptionSource
	log        DeliveryLog
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewBus(subs SubscriptionSource, log DeliveryLog, dispatcher Dispatcher, logger *slog.Logger) *Bus {
	return &Bus{
		subs:       subs,
		log:        log,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Emit is fire-and-forget: it returns immediately and can never fail in a way
// the emitting code path observes. Resolution and enqueue errors end up in
// the log, delivery errors in the delivery log.
func (b *Bus) Emit(event string, payload any) {
	go func() {
		if _, err := b.EmitSync(context.Background(), event, payload); err != nil {
			b.logger.Error("event emit failed", "event", event, "error", err)
		}
	}()
}

// EmitSync resolves active subscriptions for the event, serializes the
// envelope once, creates one delivery attempt per subscription, and triggers
// their first attempts. Returns how many deliveries were created.
func (b *Bus) EmitSync(ctx context.Context, event string, payload any) (int, error) {
	subs, err := b.subs.FindActiveByEvent(ctx, event)
	if err != nil {
		return 0, fmt.Errorf("resolving subscriptions: %w", err)
	}
	if len(subs) == 0 {
		b.logger.Info("no matching subscriptions", "event", event)
		return 0, nil
	}

	body, err := json.Marshal(envelope{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      payload,
	})
	if err != nil {
		return 0, fmt.Errorf("marshaling event payload: %w", err)
	}

	created := 0
	for _, sub := range subs {
		d, err := b.log.CreateDelivery(ctx, sub.ID, event, body)
		if err != nil {
			b.logger.Error("failed to create delivery",
				"event", event,
				"subscription_id", sub.ID,
				"error", err,
			)
			continue
		}
		created++

		if b.dispatcher != nil {
			b.dispatcher.DeliverNow(ctx, d.ID)
		}
	}

	b.logger.Info("fan-out complete",
		"event", event,
		"deliveries_created", created,
	)
	return created, nil
}
