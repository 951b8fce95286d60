// Package main is the entrypoint for the PromptBatch queue worker. It runs jobs
// published by the API server when BATCH_DISPATCH is rabbitmq.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/promptbatch/internal/ai/provider"
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
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.RabbitMQ.URL == "" {
		return errors.New("RABBITMQ_URL is required for the worker")
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Server.SlogLevel(),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	ca, err := cache.Open(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer ca.Close()

	gen, err := provider.New(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}

	opts := batch.Options{
		ItemTimeout:  cfg.AI.InferenceTimeout,
		DefaultModel: provider.DefaultModel(cfg.AI),
		ProgressTTL:  cfg.Batch.ProgressTTL,
	}
	// Servers relay this channel into their event streams.
	if rc, ok := ca.(*cache.RedisCache); ok {
		opts.Notifier = events.NewRedisBus(rc.Client(), events.DefaultChannel)
	}
	svc := batch.NewService(st, gen, ca, opts)

	cons, err := rabbitmq.NewConsumer(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue, cfg.RabbitMQ.WorkerConcurrency)
	if err != nil {
		return fmt.Errorf("connect rabbitmq: %w", err)
	}
	defer cons.Close()
	cons.WithRetry(cfg.RabbitMQ.MaxAttempts, cfg.RabbitMQ.RetryDelay)

	slog.Info("worker started",
		"queue", cfg.RabbitMQ.Queue,
		"concurrency", cfg.RabbitMQ.WorkerConcurrency,
		"max_attempts", cfg.RabbitMQ.MaxAttempts,
		"ai_provider", gen.Name(),
	)

	// Jobs run on their own context so a signal stops consumption without
	// cutting off the item in flight.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	errCh := make(chan error, 1)
	go func() {
		errCh <- cons.Run(ctx, func(_ context.Context, jobID string) error {
			return svc.RunJob(runCtx, jobID)
		})
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("consumer stopped: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, finishing current items...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Running jobs stop before their next prompt and are marked failed.
	_ = svc.Shutdown(shutdownCtx)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("consumer stopped: %w", err)
		}
	case <-shutdownCtx.Done():
		cancelRuns()
		<-errCh
		return fmt.Errorf("worker shutdown: %w", shutdownCtx.Err())
	}

	slog.Info("worker stopped gracefully")
	return nil
}
