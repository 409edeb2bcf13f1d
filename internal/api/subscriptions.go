package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/fieldline/webhook-dispatcher/internal/domain"
	"github.com/fieldline/webhook-dispatcher/internal/engine"
	"github.com/fieldline/webhook-dispatcher/internal/store"
	"github.com/go-chi/chi/v5"
)

type SubscriptionHandler struct {
	store          *store.PostgresStore
	circuitBreaker *engine.CircuitBreaker
}

func NewSubscriptionHandler(s *store.PostgresStore, cb *engine.CircuitBreaker) *SubscriptionHandler {
	return &SubscriptionHandler{store: s, circuitBreaker: cb}
}

func validEndpointURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Event == "" {
		respondError(w, http.StatusBadRequest, "event is required")
		return
	}
	if !validEndpointURL(req.URL) {
		respondError(w, http.StatusBadRequest, "url must be an absolute http or https URL")
		return
	}

	sub, err := h.store.CreateSubscription(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}

	// The secret is shown once, at creation time.
	respondJSON(w, http.StatusCreated, domain.CreateSubscriptionResponse{
		ID:     sub.ID,
		URL:    sub.URL,
		Event:  sub.Event,
		Secret: sub.Secret,
	})
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListSubscriptions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	respondJSON(w, http.StatusOK, subs)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	sub.Secret = "" // never returned after creation
	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req domain.UpdateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.URL != nil && !validEndpointURL(*req.URL) {
		respondError(w, http.StatusBadRequest, "url must be an absolute http or https URL")
		return
	}

	sub, err := h.store.UpdateSubscription(r.Context(), id, req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deleted, err := h.store.DeleteSubscription(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *SubscriptionHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	secret, err := h.store.RotateSecret(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to rotate secret")
		return
	}
	if secret == "" {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (h *SubscriptionHandler) Health(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "subscription not found")
		return
	}

	cbState := h.circuitBreaker.GetState(r.Context(), id)

	type healthResponse struct {
		SubscriptionID string                     `json:"subscription_id"`
		URL            string                     `json:"url"`
		Event          string                     `json:"event"`
		IsActive       bool                       `json:"is_active"`
		CircuitBreaker engine.CircuitBreakerState `json:"circuit_breaker"`
	}

	respondJSON(w, http.StatusOK, healthResponse{
		SubscriptionID: sub.ID,
		URL:            sub.URL,
		Event:          sub.Event,
		IsActive:       sub.IsActive,
		CircuitBreaker: cbState,
	})
}
