package api

import (
	"net/http"

	"github.com/fieldline/webhook-dispatcher/internal/engine"
	"github.com/fieldline/webhook-dispatcher/internal/store"
	ws "github.com/fieldline/webhook-dispatcher/internal/websocket"
)

type DashboardHandler struct {
	store *store.PostgresStore
	cb    *engine.CircuitBreaker
	hub   *ws.Hub
}

func NewDashboardHandler(s *store.PostgresStore, cb *engine.CircuitBreaker, hub *ws.Hub) *DashboardHandler {
	return &DashboardHandler{store: s, cb: cb, hub: hub}
}

// Metrics returns aggregated system metrics for the dashboard.
func (h *DashboardHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.store.GetDeliveryMetrics(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}

	type metricsResponse struct {
		store.DeliveryMetrics
		WebSocketClients int `json:"websocket_clients"`
	}

	respondJSON(w, http.StatusOK, metricsResponse{
		DeliveryMetrics:  *metrics,
		WebSocketClients: h.hub.ClientCount(),
	})
}

// SubscriptionHealth returns health info for all subscriptions including
// circuit breaker state.
func (h *DashboardHandler) SubscriptionHealth(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListSubscriptions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}

	type subscriptionHealth struct {
		ID             string                     `json:"id"`
		URL            string                     `json:"url"`
		Event          string                     `json:"event"`
		IsActive       bool                       `json:"is_active"`
		CircuitBreaker engine.CircuitBreakerState `json:"circuit_breaker"`
	}

	result := make([]subscriptionHealth, 0, len(subs))
	for _, sub := range subs {
		cbState := h.cb.GetState(r.Context(), sub.ID)
		result = append(result, subscriptionHealth{
			ID:             sub.ID,
			URL:            sub.URL,
			Event:          sub.Event,
			IsActive:       sub.IsActive,
			CircuitBreaker: cbState,
		})
	}

	respondJSON(w, http.StatusOK, result)
}
