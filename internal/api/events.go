package api

import (
	"encoding/json"
	"net/http"

	"github.com/fieldline/webhook-dispatcher/internal/engine"
)

// EventHandler is the HTTP surface over the event bus. Domain code inside the
// application emits through the bus directly; this endpoint exists for other
// services and operator testing.
type EventHandler struct {
	bus *engine.Bus
}

func NewEventHandler(bus *engine.Bus) *EventHandler {
	return &EventHandler{bus: bus}
}

type emitEventRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type emitEventResponse struct {
	Event             string `json:"event"`
	DeliveriesCreated int    `json:"deliveries_created"`
}

func (h *EventHandler) Emit(w http.ResponseWriter, r *http.Request) {
	var req emitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Event == "" {
		respondError(w, http.StatusBadRequest, "event is required")
		return
	}
	if len(req.Payload) == 0 {
		respondError(w, http.StatusBadRequest, "payload is required")
		return
	}
	if !json.Valid(req.Payload) {
		respondError(w, http.StatusBadRequest, "payload must be valid JSON")
		return
	}

	created, err := h.bus.EmitSync(r.Context(), req.Event, req.Payload)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to enqueue deliveries")
		return
	}

	respondJSON(w, http.StatusAccepted, emitEventResponse{
		Event:             req.Event,
		DeliveriesCreated: created,
	})
}
