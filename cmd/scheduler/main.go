// Package main runs the scheduler process: the delayed-message
// dispatcher that republishes due messages to the broker, and the cron
// service that enqueues recurring tasks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/app"
	"github.com/fairyhunter13/go-taskqueue/internal/client"
	"github.com/fairyhunter13/go-taskqueue/internal/config"
	"github.com/fairyhunter13/go-taskqueue/internal/observability"
	"github.com/fairyhunter13/go-taskqueue/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracer(ctx)
		}
	}()

	ctx, cancel := context.WithCancel(observability.ContextWithLogger(context.Background(), logger))
	defer cancel()

	container, err := app.Build(ctx, cfg, logger)
	if err != nil {
		slog.Error("adapter wiring failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer container.Close()

	dispatcher := scheduler.NewDispatcher(scheduler.DispatcherOptions{
		PollInterval: cfg.DelayedPollInterval,
	}, container.Stores.Delayed, container.Broker)

	cl := client.New(client.Options{
		DefaultQueue:      "default",
		DefaultMaxRetries: cfg.DefaultMaxRetries,
	}, container.Broker, container.Stores.Delayed, container.Stores.Results, container.Stores.Batches)

	loc, err := time.LoadLocation(cfg.CronTimezone)
	if err != nil {
		slog.Error("invalid cron timezone", slog.String("timezone", cfg.CronTimezone), slog.Any("error", err))
		os.Exit(1)
	}
	cron := scheduler.NewCronService(cl, loc)
	if err := registerSchedules(cron, cfg.CronSchedules); err != nil {
		slog.Error("cron schedule rejected", slog.Any("error", err))
		os.Exit(1)
	}

	healthSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: container.HealthRouter(),
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Error("background loop stopped",
					slog.String("loop", name), slog.Any("error", err))
				cancel()
			}
		}()
	}

	run("delayed-dispatcher", dispatcher.Run)
	run("cron", cron.Run)

	// The redis backend expires results on its own; the postgres backend
	// needs a sweep.
	if sweeper, ok := container.Stores.Results.(interface {
		RunCleanup(context.Context, time.Duration)
	}); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweeper.RunCleanup(ctx, cfg.CleanupInterval)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server stopped", slog.Any("error", err))
		}
	}()

	logger.Info("scheduler started",
		slog.String("broker", cfg.BrokerDriver),
		slog.String("store", cfg.StoreDriver),
		slog.Int("schedules", len(cfg.CronSchedules)))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	wg.Wait()
	logger.Info("scheduler stopped")
}

// registerSchedules parses "name|expr|task[|queue]" entries.
func registerSchedules(cron *scheduler.CronService, entries []string) error {
	for _, entry := range entries {
		parts := strings.Split(entry, "|")
		if len(parts) < 3 || len(parts) > 4 {
			return fmt.Errorf("malformed schedule %q: want name|expr|task[|queue]", entry)
		}
		queue := ""
		if len(parts) == 4 {
			queue = strings.TrimSpace(parts[3])
		}
		name := strings.TrimSpace(parts[0])
		expr := strings.TrimSpace(parts[1])
		task := strings.TrimSpace(parts[2])
		if err := cron.Register(name, expr, task, queue, nil); err != nil {
			return fmt.Errorf("schedule %q: %w", name, err)
		}
	}
	return nil
}
