// Command scheduler runs the control plane: the admin API, the dispatch
// loop, the status/log/registration consumers and the background sweepers.
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

	"github.com/Milvasoft/milvaion-sub004/internal/adapter/broker/rabbit"
	"github.com/Milvasoft/milvaion-sub004/internal/adapter/events"
	httpserver "github.com/Milvasoft/milvaion-sub004/internal/adapter/httpserver"
	"github.com/Milvasoft/milvaion-sub004/internal/adapter/kv/redis"
	"github.com/Milvasoft/milvaion-sub004/internal/adapter/observability"
	"github.com/Milvasoft/milvaion-sub004/internal/adapter/store/postgres"
	"github.com/Milvasoft/milvaion-sub004/internal/app"
	"github.com/Milvasoft/milvaion-sub004/internal/config"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
	"github.com/Milvasoft/milvaion-sub004/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "scheduler: %v\n", err)
		os.Exit(2)
	}

	logger := observability.SetupLogger(cfg.OTELServiceName, cfg.AppEnv)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg.OTLPEndpoint, cfg.OTELServiceName, cfg.AppEnv)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, int(cfg.DBMaxConns))
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobs := postgres.NewJobStore(pool)
	occurrences := postgres.NewOccurrenceStore(pool)
	failed := postgres.NewFailedOccurrenceStore(pool)
	workers := postgres.NewWorkerStore(pool)

	kv := redis.New(cfg.KV)
	defer func() { _ = kv.Close() }()

	conn, err := rabbit.Connect(cfg.Broker)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	publisher := rabbit.NewPublisher(conn)
	defer func() { _ = publisher.Close() }()

	sink, stopEvents, err := events.New(cfg.Events, logger)
	if err != nil {
		slog.Error("event sink setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer stopEvents()
	notifier := events.NewLogNotifier(logger)

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = domain.NewInstanceID("scheduler")
	}

	maintainer := scheduler.NewMaintainer(jobs, occurrences, kv, notifier, cfg.Dispatcher.RejectSubMinuteCron)
	launcher := scheduler.NewLauncher(occurrences, publisher, kv, sink, cfg.Zombie.Timeout())
	retryPolicy := domain.RetryPolicy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay(),
		MaxDelay:   cfg.Retry.MaxDelay(),
	}
	retry := scheduler.NewRetryEngine(retryPolicy, jobs, occurrences, failed, publisher, kv)
	retry.SetLauncher(launcher)
	autoDisable := scheduler.NewAutoDisabler(cfg.AutoDisable, jobs, kv, notifier)
	lifecycle := scheduler.NewLifecycle(jobs, occurrences, kv, sink, autoDisable, retry)
	zombies := scheduler.NewZombieDetector(cfg.Zombie, jobs, occurrences, kv, sink, autoDisable, retry)
	dispatcher := scheduler.NewDispatcher(cfg.Dispatcher, instanceID, jobs, occurrences, kv, launcher, retry, maintainer)
	registry := scheduler.NewRegistry(workers, occurrences, kv, cfg.Zombie.HeartbeatStaleThreshold())
	jobSvc := scheduler.NewJobService(maintainer, launcher, jobs, occurrences, failed, kv)
	consumers := scheduler.NewConsumers(conn, lifecycle, registry, scheduler.NewDeadLetterDrain(lifecycle))
	monitor := scheduler.NewQueueMonitor(conn, cfg.QueueMonitorInterval,
		cfg.Broker.QueueDepthWarningThreshold, cfg.Broker.QueueDepthCriticalThreshold)

	consumersDone := make(chan struct{})
	go func() {
		consumers.RunAll(ctx)
		close(consumersDone)
	}()

	if cfg.Dispatcher.Enabled {
		go func() {
			if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("dispatcher stopped", slog.Any("error", err))
			}
		}()
	} else {
		slog.Info("dispatch loop disabled on this instance", slog.String("instance_id", instanceID))
	}
	go func() {
		if err := retry.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("retry engine stopped", slog.Any("error", err))
		}
	}()
	go func() {
		if err := zombies.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("zombie detector stopped", slog.Any("error", err))
		}
	}()
	go func() {
		if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("queue monitor stopped", slog.Any("error", err))
		}
	}()
	if cfg.OccurrenceRetentionDays > 0 {
		cleanup := postgres.NewCleanupService(occurrences, cfg.OccurrenceRetentionDays)
		go cleanup.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("retention cleanup started",
			slog.Int("retention_days", cfg.OccurrenceRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	dbCheck, kvCheck, brokerCheck := app.BuildReadinessChecks(pool, kv, conn)
	srv := httpserver.NewServer(cfg, jobSvc, registry, dbCheck, kvCheck, brokerCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin api starting",
			slog.Int("port", cfg.Port),
			slog.String("instance_id", instanceID))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin api failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancelShutdown()
	_ = srvHTTP.Shutdown(shutdownCtx)

	cancel()
	select {
	case <-consumersDone:
	case <-time.After(5 * time.Second):
		slog.Warn("consumers did not drain before deadline")
	}
	slog.Info("scheduler stopped")
}
