package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldline/webhook-dispatcher/internal/api"
	"github.com/fieldline/webhook-dispatcher/internal/config"
	"github.com/fieldline/webhook-dispatcher/internal/engine"
	"github.com/fieldline/webhook-dispatcher/internal/metrics"
	"github.com/fieldline/webhook-dispatcher/internal/store"
	"github.com/fieldline/webhook-dispatcher/internal/worker"
	ws "github.com/fieldline/webhook-dispatcher/internal/websocket"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if err := pgStore.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	metrics.RegisterDefault()

	hub := ws.NewHub(logger)
	go hub.Run()

	cb := engine.NewCircuitBreaker(redisStore.Client(), logger)
	rl := engine.NewRateLimiter(redisStore.Client(), logger)

	owner := leaseOwner()
	eng := engine.NewEngine(engine.NewTransport(), pgStore, pgStore, cb, rl, hub, logger, owner)

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	pool := worker.NewPool(cfg.NumWorkers, eng, logger)
	pool.Start(workerCtx)

	scheduler := worker.NewScheduler(pgStore, pool, logger, owner, cfg.PollInterval)
	schedulerDone := make(chan struct{})
	go func() {
		scheduler.Start(workerCtx)
		close(schedulerDone)
	}()

	bus := engine.NewBus(pgStore, pgStore, scheduler, logger)

	router := api.NewRouter(pgStore, bus, scheduler, cb, hub)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	cancelWorkers()
	<-schedulerDone
	pool.Stop()

	logger.Info("server stopped")
}

// leaseOwner builds a unique identity for this process's delivery claims.
func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "dispatcher"
	}
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return host
	}
	return host + "-" + hex.EncodeToString(b)
}
