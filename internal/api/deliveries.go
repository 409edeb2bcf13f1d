package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/fieldline/webhook-dispatcher/internal/store"
	"github.com/fieldline/webhook-dispatcher/internal/worker"
	"github.com/go-chi/chi/v5"
)

type DeliveryHandler struct {
	store     *store.PostgresStore
	scheduler *worker.Scheduler
}

func NewDeliveryHandler(s *store.PostgresStore, scheduler *worker.Scheduler) *DeliveryHandler {
	return &DeliveryHandler{store: s, scheduler: scheduler}
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	subscriptionID := r.URL.Query().Get("subscription_id")
	event := r.URL.Query().Get("event")
	status := r.URL.Query().Get("status")
	limitStr := r.URL.Query().Get("limit")

	limit := 50
	if limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	attempts, err := h.store.ListDeliveries(r.Context(), subscriptionID, event, status, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	respondJSON(w, http.StatusOK, attempts)
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	attempt, err := h.store.GetDelivery(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if attempt == nil {
		respondError(w, http.StatusNotFound, "delivery not found")
		return
	}

	respondJSON(w, http.StatusOK, attempt)
}

// Retry forces one more attempt for a pending or failed delivery.
func (h *DeliveryHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.scheduler.RetryNow(r.Context(), id)
	if err != nil {
		if errors.Is(err, worker.ErrNotRetryable) {
			respondError(w, http.StatusConflict, "delivery is not retryable")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to retry delivery")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}
