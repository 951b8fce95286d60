// Package main is the entrypoint for the PromptBatch API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/promptbatch/internal/ai/provider"
	"github.com/kiranshivaraju/promptbatch/internal/api"
	"github.com/kiranshivaraju/promptbatch/internal/api/handler"
	mw "github.com/kiranshivaraju/promptbatch/internal/api/middleware"
	"github.com/kiranshivaraju/promptbatch/internal/api/response"
	"github.com/kiranshivaraju/promptbatch/internal/batch"
	"github.com/kiranshivaraju/promptbatch/internal/cache"
	"github.com/kiranshivaraju/promptbatch/internal/config"
	"github.com/kiranshivaraju/promptbatch/internal/events"
	"github.com/kiranshivaraju/promptbatch/internal/queue/rabbitmq"
	"github.com/kiranshivaraju/promptbatch/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config; fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Server.SlogLevel(),
	})))
	slog.Info("config loaded",
		"ai_provider", cfg.AI.Provider,
		"store", cfg.Store.Driver,
		"dispatch", cfg.Batch.Dispatch,
		"env", cfg.Server.Env,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the job store
	st, closeStore, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	// 3. Progress cache and rate limit counters
	ca, err := cache.Open(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer ca.Close()
	if cfg.Redis.URL == "" {
		slog.Warn("REDIS_URL not set, progress cache and rate limiting disabled")
	}

	// 4. Create AI provider
	gen, err := provider.New(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", gen.Name())

	// 5. Dispatch: queue publisher or in-process runner
	var (
		pub   batch.Publisher
		queue pinger
	)
	if cfg.Batch.Dispatch == "rabbitmq" {
		p, err := rabbitmq.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue)
		if err != nil {
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
		defer p.Close()
		pub, queue = p, p
		slog.Info("rabbitmq publisher ready", "queue", cfg.RabbitMQ.Queue)
	}

	// 6. Live progress. With Redis, snapshots travel over pub/sub so event
	// streams also see jobs that workers run.
	hub := events.NewHub()
	notifier, err := progressNotifier(ctx, ca, hub)
	if err != nil {
		return err
	}

	svc := batch.NewService(st, gen, ca, batch.Options{
		ItemTimeout:       cfg.AI.InferenceTimeout,
		DefaultModel:      provider.DefaultModel(cfg.AI),
		ProgressTTL:       cfg.Batch.ProgressTTL,
		MaxConcurrentJobs: cfg.Batch.MaxConcurrentJobs,
		Publisher:         pub,
		Notifier:          notifier,
	})
	if pub == nil {
		if err := svc.RecoverJobs(ctx); err != nil {
			return fmt.Errorf("recover jobs: %w", err)
		}
	}

	// 7. Build router with dependencies
	auth := mw.NewAuth(cfg.Auth.APIKeyHashes)
	if !auth.Enabled() {
		slog.Warn("API_KEY_HASHES not set, API authentication disabled")
	}
	rateLimit := mw.NewRateLimit(ca, cfg.Auth.RateLimitPerMinute, cfg.Auth.SubmitsPerMinute)

	router := api.NewRouter(api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler:   healthHandler(st, ca, queue),
		CreateBatch:     handler.NewCreateBatchHandler(svc),
		ListBatches:     handler.NewListBatchesHandler(svc),
		GetBatch:        handler.NewGetBatchHandler(svc),
		DeleteBatch:     handler.NewDeleteBatchHandler(svc),
		BatchProgress:   handler.NewBatchProgressHandler(svc),
		BatchEvents:     handler.NewBatchEventsHandler(svc, hub),
		BatchStatistics: handler.NewBatchStatisticsHandler(svc),
		ExportBatch:     handler.NewExportBatchHandler(svc),
		CancelBatch:     handler.NewCancelBatchHandler(svc),
		ImportBatch:     handler.NewImportBatchHandler(svc),
	})

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	srv.RegisterOnShutdown(hub.CloseAll)

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("batch shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// progressNotifier publishes through Redis and relays the channel back into
// hub when the cache is Redis; otherwise it feeds hub directly.
func progressNotifier(ctx context.Context, ca cache.Cache, hub *events.Hub) (batch.Notifier, error) {
	rc, ok := ca.(*cache.RedisCache)
	if !ok {
		return hub, nil
	}
	bus := events.NewRedisBus(rc.Client(), events.DefaultChannel)
	if err := bus.Forward(ctx, hub); err != nil {
		return nil, fmt.Errorf("forward progress events: %w", err)
	}
	return bus, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks store and cache connectivity, and the job queue when
// one is configured.
func healthHandler(s store.Store, c cache.Cache, q pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if q != nil {
			checks["queue"] = "ok"
			if err := q.Ping(r.Context()); err != nil {
				checks["queue"] = "degraded"
			}
		}

		degraded := false
		for _, v := range checks {
			if v != "ok" {
				degraded = true
			}
		}
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
