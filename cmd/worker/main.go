// Package main runs the task-queue worker: it consumes queues from the
// configured broker, executes registered tasks, and serves health and
// metrics endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fairyhunter13/go-taskqueue/internal/app"
	"github.com/fairyhunter13/go-taskqueue/internal/batch"
	"github.com/fairyhunter13/go-taskqueue/internal/breaker"
	"github.com/fairyhunter13/go-taskqueue/internal/client"
	"github.com/fairyhunter13/go-taskqueue/internal/config"
	"github.com/fairyhunter13/go-taskqueue/internal/domain"
	"github.com/fairyhunter13/go-taskqueue/internal/executor"
	"github.com/fairyhunter13/go-taskqueue/internal/observability"
	"github.com/fairyhunter13/go-taskqueue/internal/registry"
	"github.com/fairyhunter13/go-taskqueue/internal/revocation"
	"github.com/fairyhunter13/go-taskqueue/internal/saga"
	"github.com/fairyhunter13/go-taskqueue/internal/signalbus"
	"github.com/fairyhunter13/go-taskqueue/internal/worker"
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

	reg := registry.New(true)
	registerBuiltins(reg)

	bus := signalbus.NewQueued(container.Stores.Signals)
	revocations := revocation.NewManager(container.Stores.Revocations)

	exec := executor.New(executor.Options{
		WorkerName:                     cfg.WorkerName,
		ResultExpiry:                   cfg.DefaultResultExpiry,
		EnableRevocation:               cfg.EnableRevocation,
		CheckRevocationBeforeExecution: cfg.CheckRevocationBeforeExecution,
		EnableRateLimiting:             cfg.EnableRateLimiting,
		RateLimitRequeueDelay:          cfg.RateLimitRequeueDelay,
	}, reg, container.Stores.Results, container.Stores.RateLimits, revocations, bus, executor.NewLocator())

	killSwitch := breaker.NewKillSwitch(breaker.KillSwitchOptions{
		ActivationThreshold: cfg.KillSwitchActivationThreshold,
		TripThreshold:       cfg.KillSwitchTripThreshold,
		TrackingWindow:      cfg.KillSwitchTrackingWindow,
		RestartTimeout:      cfg.KillSwitchRestartTimeout,
	})
	breakers := breaker.NewSet(breaker.Options{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		OpenDuration:     cfg.BreakerOpenDuration,
		FailureWindow:    cfg.BreakerFailureWindow,
		PerQueue:         cfg.BreakerPerQueue,
	})
	killSwitch.OnStateChange(func(_, to breaker.KillState) {
		observability.KillSwitchState.Set(float64(to))
		if to == breaker.KillTripped {
			observability.KillSwitchTripsTotal.Inc()
		}
	})
	breakers.OnStateChange(func(ch breaker.StateChange) {
		observability.BreakerState.WithLabelValues(ch.Name).Set(float64(ch.To))
	})

	w := worker.New(worker.Options{
		Queues:            cfg.Queues,
		Concurrency:       cfg.EffectiveConcurrency(),
		DefaultRetryDelay: cfg.DefaultRetryDelay,
	}, container.Broker, exec, killSwitch, breakers, container.Stores.Delayed, container.Stores.DeadLetters)

	// The saga coordinator and batch tracker publish follow-up tasks
	// through a client sharing this process's broker.
	cl := client.New(client.Options{
		DefaultQueue:      "default",
		DefaultMaxRetries: cfg.DefaultMaxRetries,
	}, container.Broker, container.Stores.Delayed, container.Stores.Results, container.Stores.Batches)
	coordinator := saga.NewCoordinator(container.Stores.Sagas, cl, bus)
	tracker := batch.NewTracker(container.Stores.Batches, bus)

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

	run("signal-bus", bus.Run)
	run("revocation-manager", revocations.Run)
	run("saga-coordinator", coordinator.Run)
	run("batch-tracker", tracker.Run)
	run("worker", w.Run)
	run("revocation-cleanup", func(ctx context.Context) error {
		cleanupLoop(ctx, cfg.RevocationCleanupInterval, func(ctx context.Context) error {
			_, err := container.Stores.Revocations.Cleanup(ctx, cfg.RevocationMaxAge)
			return err
		}, logger, "revocation")
		return nil
	})
	run("dead-letter-cleanup", func(ctx context.Context) error {
		cleanupLoop(ctx, cfg.DLQCleanupInterval, func(ctx context.Context) error {
			_, err := container.Stores.DeadLetters.CleanupExpired(ctx, time.Now().UTC())
			return err
		}, logger, "dead-letter")
		return nil
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server stopped", slog.Any("error", err))
		}
	}()

	logger.Info("worker started",
		slog.String("worker", cfg.WorkerName),
		slog.Any("queues", cfg.Queues),
		slog.String("broker", cfg.BrokerDriver),
		slog.String("store", cfg.StoreDriver))

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
	logger.Info("worker stopped")
}

// cleanupLoop runs fn every interval until ctx is cancelled.
func cleanupLoop(ctx context.Context, interval time.Duration, fn func(context.Context) error, logger *slog.Logger, name string) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("cleanup pass failed",
				slog.String("store", name), slog.Any("error", err))
		}
	}
}

// registerBuiltins installs the control tasks every worker answers.
func registerBuiltins(reg *registry.Registry) {
	type pingReply struct {
		Pong bool      `json:"pong"`
		At   time.Time `json:"at"`
	}
	_ = registry.Register(reg, "taskq.ping",
		func(_ domain.Context, _ *domain.TaskContext, _ struct{}) (pingReply, error) {
			return pingReply{Pong: true, At: time.Now().UTC()}, nil
		})
}
