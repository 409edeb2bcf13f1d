package engine

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/fieldline/webhook-dispatcher/internal/domain"
	"github.com/fieldline/webhook-dispatcher/internal/metrics"
	"github.com/fieldline/webhook-dispatcher/internal/store"
	ws "github.com/fieldline/webhook-dispatcher/internal/websocket"
)

// Outbound request headers. The wire contract; receivers depend on these
// exact names.
const (
	HeaderEvent     = "X-Fieldline-Event"
	HeaderLogID     = "X-Fieldline-Log-Id"
	HeaderSignature = "X-Hub-Signature-256"
)

// Deferral windows used when a delivery is blocked before any transport
// happens. Neither counts as an attempt.
const (
	rateLimitDeferral = 1 * time.Second
	breakerDeferral   = 30 * time.Second
)

// SubscriptionSource resolves subscriptions for the engine and the event bus.
type SubscriptionSource interface {
	FindActiveByEvent(ctx context.Context, event string) ([]domain.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
}

// DeliveryLog is the durable record of delivery attempts. All status
// transitions are single-row writes guarded by the engine's lease owner.
type DeliveryLog interface {
	CreateDelivery(ctx context.Context, subscriptionID, event string, payload []byte) (*domain.DeliveryAttempt, error)
	GetDelivery(ctx context.Context, id string) (*domain.DeliveryAttempt, error)
	MarkSuccess(ctx context.Context, id, owner string, attemptCount int, res store.AttemptResult) error
	MarkRetry(ctx context.Context, id, owner string, attemptCount int, nextAttemptAt time.Time, res store.AttemptResult) error
	MarkFailed(ctx context.Context, id, owner string, attemptCount int, res store.AttemptResult) error
	DeferDelivery(ctx context.Context, id, owner string, nextAttemptAt time.Time) error
}

// Engine owns the per-attempt state machine: load, sign, POST, classify the
// outcome, persist the next state. Every path out of Attempt leaves the row
// either terminal or rescheduled; nothing is lost to a dropped error.
type Engine struct {
	transport *Transport
	subs      SubscriptionSource
	log       DeliveryLog
	breaker   *CircuitBreaker
	limiter   *RateLimiter
	hub       *ws.Hub
	logger    *slog.Logger
	owner     string
}

func NewEngine(transport *Transport, subs SubscriptionSource, log DeliveryLog, breaker *CircuitBreaker, limiter *RateLimiter, hub *ws.Hub, logger *slog.Logger, owner string) *Engine {
	return &Engine{
		transport: transport,
		subs:      subs,
		log:       log,
		breaker:   breaker,
		limiter:   limiter,
		hub:       hub,
		logger:    logger,
		owner:     owner,
	}
}

// Owner is the lease owner string this engine writes under.
func (e *Engine) Owner() string {
	return e.owner
}

// Attempt performs one delivery attempt for a claimed delivery. Terminal rows
// and rows whose subscription was deactivated-and-deleted are left alone or
// closed out; everything else gets exactly one transport attempt.
func (e *Engine) Attempt(ctx context.Context, id string) error {
	d, err := e.log.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	if d == nil || d.Terminal() {
		return nil
	}

	sub, err := e.subs.GetSubscription(ctx, d.SubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		// The subscription row is gone. Leaving the attempt pending would
		// make the scheduler re-claim it on every pass, so close it out.
		e.logger.Warn("delivery orphaned", "delivery_id", d.ID, "subscription_id", d.SubscriptionID)
		return e.log.MarkFailed(ctx, id, e.owner, d.AttemptCount, store.AttemptResult{
			ErrorMessage: "subscription no longer exists",
		})
	}

	if e.limiter != nil && !e.limiter.Allow(ctx, sub.ID, sub.RateLimitPerSecond) {
		return e.log.DeferDelivery(ctx, id, e.owner, time.Now().Add(rateLimitDeferral))
	}

	if e.breaker != nil {
		if _, allowed := e.breaker.AllowRequest(ctx, sub.ID); !allowed {
			return e.log.DeferDelivery(ctx, id, e.owner, time.Now().Add(breakerDeferral))
		}
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(HeaderEvent, d.Event)
	header.Set(HeaderLogID, d.ID)
	if sub.Secret != "" {
		header.Set(HeaderSignature, SignatureHeader(sub.Secret, d.Payload))
	}

	result := e.transport.Post(ctx, sub.URL, d.Payload, header)
	count := d.AttemptCount + 1

	if result.Delivered() {
		return e.recordSuccess(ctx, d, sub, count, result)
	}
	return e.recordFailure(ctx, d, sub, count, result)
}

func (e *Engine) recordSuccess(ctx context.Context, d *domain.DeliveryAttempt, sub *domain.Subscription, count int, result Result) error {
	if e.breaker != nil {
		e.breaker.RecordSuccess(ctx, sub.ID)
	}

	elapsed := int(result.Elapsed.Milliseconds())
	code := result.StatusCode
	err := e.log.MarkSuccess(ctx, d.ID, e.owner, count, store.AttemptResult{
		StatusCode:     &code,
		ResponseBody:   result.Body,
		ResponseTimeMs: elapsed,
	})
	if err != nil {
		return err
	}

	metrics.WebhookDeliveries.WithLabelValues(d.Event, domain.StatusSuccess).Inc()
	metrics.WebhookLatency.WithLabelValues(d.Event, domain.StatusSuccess).Observe(float64(elapsed))
	e.broadcast("delivery_success", d, sub, count, &code, elapsed, "")

	e.logger.Info("delivery successful",
		"delivery_id", d.ID,
		"subscription_id", sub.ID,
		"event", d.Event,
		"attempt", count,
		"status_code", code,
		"response_time_ms", elapsed,
	)
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, d *domain.DeliveryAttempt, sub *domain.Subscription, count int, result Result) error {
	if e.breaker != nil {
		e.breaker.RecordFailure(ctx, sub.ID)
	}

	elapsed := int(result.Elapsed.Milliseconds())
	res := store.AttemptResult{ResponseTimeMs: elapsed}
	var statusCode *int
	if result.Err != nil {
		res.ErrorMessage = result.Err.Error()
	} else {
		code := result.StatusCode
		statusCode = &code
		res.StatusCode = &code
		res.ResponseBody = result.Body
	}

	delay, ok := NextDelay(count)
	if !ok {
		// Schedule exhausted; terminal.
		if err := e.log.MarkFailed(ctx, d.ID, e.owner, count, res); err != nil {
			return err
		}
		metrics.WebhookDeliveries.WithLabelValues(d.Event, domain.StatusFailed).Inc()
		metrics.WebhookLatency.WithLabelValues(d.Event, domain.StatusFailed).Observe(float64(elapsed))
		e.broadcast("delivery_failed", d, sub, count, statusCode, elapsed, res.ErrorMessage)

		e.logger.Warn("delivery exhausted retries",
			"delivery_id", d.ID,
			"subscription_id", sub.ID,
			"event", d.Event,
			"attempt", count,
			"status_code", statusCode,
			"error", res.ErrorMessage,
		)
		return nil
	}

	nextAttemptAt := time.Now().Add(delay)
	if err := e.log.MarkRetry(ctx, d.ID, e.owner, count, nextAttemptAt, res); err != nil {
		return err
	}
	metrics.WebhookDeliveries.WithLabelValues(d.Event, domain.StatusPending).Inc()
	metrics.WebhookLatency.WithLabelValues(d.Event, domain.StatusPending).Observe(float64(elapsed))
	e.broadcast("delivery_retrying", d, sub, count, statusCode, elapsed, res.ErrorMessage)

	e.logger.Warn("delivery failed, retry scheduled",
		"delivery_id", d.ID,
		"subscription_id", sub.ID,
		"event", d.Event,
		"attempt", count,
		"status_code", statusCode,
		"error", res.ErrorMessage,
		"next_attempt_at", nextAttemptAt,
	)
	return nil
}

func (e *Engine) broadcast(eventType string, d *domain.DeliveryAttempt, sub *domain.Subscription, attempt int, statusCode *int, elapsedMs int, errMsg string) {
	if e.hub == nil {
		return
	}
	e.hub.Broadcast(ws.DeliveryEvent{
		Type:           eventType,
		DeliveryID:     d.ID,
		SubscriptionID: sub.ID,
		URL:            sub.URL,
		Event:          d.Event,
		Attempt:        attempt,
		StatusCode:     statusCode,
		ResponseMs:     int64(elapsedMs),
		Error:          errMsg,
		Timestamp:      time.Now().UTC(),
	})
}
