package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// RequestTimeout bounds a single delivery attempt end to end. It is the
	// only cancellation mechanism for an in-flight attempt.
	RequestTimeout = 10 * time.Second

	// maxResponseBytes caps how much of the endpoint's response body is kept.
	maxResponseBytes = 1024
)

// Result classifies the outcome of a single HTTP POST attempt. Exactly one of
// three shapes occurs: Err set (transport error, no status code), a 2xx
// StatusCode, or a non-2xx StatusCode.
type Result struct {
	StatusCode int
	Body       string
	Err        error
	Elapsed    time.Duration
}

// Delivered reports whether the endpoint acknowledged with a 2xx response.
func (r Result) Delivered() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Transport performs single bounded-timeout HTTP POST attempts.
type Transport struct {
	client *http.Client
}

func NewTransport() *Transport {
	return &Transport{
		client: &http.Client{Timeout: RequestTimeout},
	}
}

// Post sends body to url with the given headers and reads the response fully
// before classifying it. Non-2xx responses are not errors here; the caller
// decides what a failure means.
func (t *Transport) Post(ctx context.Context, url string, body []byte, header http.Header) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{Err: fmt.Errorf("building request: %w", err), Elapsed: time.Since(start)}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{Err: err, Elapsed: time.Since(start)}
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	return Result{
		StatusCode: resp.StatusCode,
		Body:       string(b),
		Elapsed:    time.Since(start),
	}
}
