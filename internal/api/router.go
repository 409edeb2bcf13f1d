package api

import (
	"net/http"

	"github.com/fieldline/webhook-dispatcher/internal/engine"
	"github.com/fieldline/webhook-dispatcher/internal/metrics"
	"github.com/fieldline/webhook-dispatcher/internal/store"
	"github.com/fieldline/webhook-dispatcher/internal/worker"
	ws "github.com/fieldline/webhook-dispatcher/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(pgStore *store.PostgresStore, bus *engine.Bus, scheduler *worker.Scheduler, cb *engine.CircuitBreaker, hub *ws.Hub) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// CORS for dashboard
	r.Use(corsMiddleware)

	// Handlers
	subHandler := NewSubscriptionHandler(pgStore, cb)
	eventHandler := NewEventHandler(bus)
	deliveryHandler := NewDeliveryHandler(pgStore, scheduler)
	dashHandler := NewDashboardHandler(pgStore, cb, hub)

	// WebSocket endpoint
	r.Get("/ws", hub.HandleWebSocket)

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler())

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", subHandler.Create)
			r.Get("/", subHandler.List)
			r.Get("/{id}", subHandler.Get)
			r.Patch("/{id}", subHandler.Update)
			r.Delete("/{id}", subHandler.Delete)
			r.Post("/{id}/rotate-secret", subHandler.RotateSecret)
			r.Get("/{id}/health", subHandler.Health)
		})

		r.Post("/events", eventHandler.Emit)

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", deliveryHandler.List)
			r.Get("/{id}", deliveryHandler.Get)
			r.Post("/{id}/retry", deliveryHandler.Retry)
		})

		r.Get("/metrics", dashHandler.Metrics)
		r.Get("/subscriptions-health", dashHandler.SubscriptionHealth)
	})

	return r
}

// corsMiddleware adds CORS headers for dashboard development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
