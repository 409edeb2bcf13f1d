package domain

import (
	"encoding/json"
	"time"
)

// Delivery statuses. A delivery is terminal once it reaches success or failed;
// terminal rows are never rescheduled.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// DeliveryAttempt is the durable record of one subscription's delivery
// lifecycle for one emitted event instance. Payload and Event are immutable
// after creation; retries resend the exact same bytes.
type DeliveryAttempt struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	StatusCode     *int            `json:"status_code,omitempty"`
	ResponseBody   *string         `json:"response_body,omitempty"`
	ResponseTimeMs *int            `json:"response_time_ms,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Terminal reports whether the attempt reached a final state.
func (d *DeliveryAttempt) Terminal() bool {
	return d.Status == StatusSuccess || d.Status == StatusFailed
}
