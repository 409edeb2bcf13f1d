package domain

import "time"

type Subscription struct {
	ID                 string    `json:"id"`
	URL                string    `json:"url"`
	Event              string    `json:"event"`
	Secret             string    `json:"secret,omitempty"`
	IsActive           bool      `json:"is_active"`
	RateLimitPerSecond int       `json:"rate_limit_per_second"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type CreateSubscriptionRequest struct {
	URL                string `json:"url"`
	Event              string `json:"event"`
	Secret             string `json:"secret,omitempty"`
	GenerateSecret     bool   `json:"generate_secret,omitempty"`
	RateLimitPerSecond int    `json:"rate_limit_per_second,omitempty"`
}

type UpdateSubscriptionRequest struct {
	URL                *string `json:"url,omitempty"`
	Event              *string `json:"event,omitempty"`
	IsActive           *bool   `json:"is_active,omitempty"`
	RateLimitPerSecond *int    `json:"rate_limit_per_second,omitempty"`
}

type CreateSubscriptionResponse struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Event  string `json:"event"`
	Secret string `json:"secret,omitempty"`
}
