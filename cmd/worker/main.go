// Command worker runs one worker instance: it consumes dispatched
// occurrences, executes the registered handlers and reports statuses, logs
// and heartbeats back to the scheduler, buffering through a local outbox
// while the broker is away.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Milvasoft/milvaion-sub004/internal/adapter/broker/rabbit"
	"github.com/Milvasoft/milvaion-sub004/internal/adapter/kv/redis"
	"github.com/Milvasoft/milvaion-sub004/internal/adapter/observability"
	"github.com/Milvasoft/milvaion-sub004/internal/adapter/outbox/sqlite"
	"github.com/Milvasoft/milvaion-sub004/internal/config"
	"github.com/Milvasoft/milvaion-sub004/internal/contract"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
	"github.com/Milvasoft/milvaion-sub004/internal/worker"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(2)
	}

	logger := observability.SetupLogger(cfg.OTELServiceName, cfg.AppEnv)
	slog.SetDefault(logger)
	observability.InitMetrics()

	if cfg.MetricsPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.MetricsPort)
			slog.Info("metrics listener starting", slog.String("addr", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				slog.Error("metrics listener failed", slog.Any("error", err))
			}
		}()
	}

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

	instanceID := domain.NewInstanceID(cfg.WorkerID)

	conn, err := rabbit.Connect(cfg.Broker)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	publisher := rabbit.NewPublisher(conn)
	defer func() { _ = publisher.Close() }()

	var recorder worker.Recorder = worker.NewPublisherRecorder(publisher)
	outboxDone := make(chan struct{})
	if cfg.Outbox.Enabled {
		ob, err := sqlite.Open(publisher, cfg.Outbox)
		if err != nil {
			slog.Error("outbox open failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = ob.Close() }()
		go func() {
			defer close(outboxDone)
			_ = ob.Run(ctx)
		}()
		recorder = ob
	} else {
		close(outboxDone)
	}

	registry := worker.NewRegistry()
	if err := registry.Register(demoHandlers()...); err != nil {
		slog.Error("handler registration failed", slog.Any("error", err))
		os.Exit(1)
	}

	rt := worker.NewRuntime(cfg, instanceID, registry, recorder)

	kv := redis.New(cfg.KV)
	defer func() { _ = kv.Close() }()
	cancellations := worker.NewCancellationListener(kv, rt)
	go func() {
		if err := cancellations.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("cancellation listener stopped", slog.Any("error", err))
		}
	}()

	// The scheduler must know the fleet's handlers before any delivery
	// arrives, so registration precedes the consume loops.
	presence := worker.NewPresence(publisher, rt, registry, cfg, instanceID)
	if err := presence.Announce(ctx); err != nil {
		slog.Error("registration failed", slog.Any("error", err))
		os.Exit(1)
	}
	presenceDone := make(chan struct{})
	go func() {
		defer close(presenceDone)
		_ = presence.Run(ctx)
	}()

	defs, err := config.LoadConsumers(cfg.ConsumersFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(2)
	}

	consumeCtx, stopConsumers := context.WithCancel(ctx)
	defer stopConsumers()
	consumersDone := make(chan struct{})

	if len(defs) == 0 {
		c := rabbit.NewConsumer(conn, rabbit.ConsumerOptions{
			Queue:      contract.QueueScheduledJobs,
			Tag:        instanceID,
			Prefetch:   cfg.MaxParallelJobs,
			Concurrent: true,
		})
		go func() {
			defer close(consumersDone)
			if err := c.Run(consumeCtx, rt.Handle); err != nil && consumeCtx.Err() == nil {
				slog.Error("consumer stopped", slog.Any("error", err))
			}
		}()
		slog.Info("worker started",
			slog.String("worker_id", cfg.WorkerID),
			slog.String("instance_id", instanceID),
			slog.String("queue", contract.QueueScheduledJobs),
			slog.Int("max_parallel_jobs", cfg.MaxParallelJobs))
	} else {
		var wg sync.WaitGroup
		for _, def := range defs {
			pattern := def.RoutingPattern
			if pattern == "" {
				pattern = contract.JobRoutingKey(cfg.WorkerID)
			}
			prefetch := def.MaxParallelJobs
			if prefetch <= 0 {
				prefetch = cfg.MaxParallelJobs
			}
			c := rabbit.NewConsumer(conn, rabbit.ConsumerOptions{
				Queue:       contract.ConsumerQueueName(def.ConsumerID),
				Tag:         instanceID + "-" + def.ConsumerID,
				Prefetch:    prefetch,
				Concurrent:  true,
				ConsumerID:  def.ConsumerID,
				BindPattern: pattern,
			})
			handle := rt.ConsumerHandle(def)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.Run(consumeCtx, handle); err != nil && consumeCtx.Err() == nil {
					slog.Error("consumer stopped",
						slog.String("consumer_id", def.ConsumerID),
						slog.Any("error", err))
				}
			}()
			slog.Info("consumer started",
				slog.String("consumer_id", def.ConsumerID),
				slog.String("bind_pattern", pattern),
				slog.Int("prefetch", prefetch))
		}
		go func() {
			wg.Wait()
			close(consumersDone)
		}()
		slog.Info("worker started",
			slog.String("worker_id", cfg.WorkerID),
			slog.String("instance_id", instanceID),
			slog.Int("consumers", len(defs)))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))

	// Stop intake first so prefetched deliveries requeue, then let running
	// occurrences finish within the grace period.
	stopConsumers()
	select {
	case <-consumersDone:
	case <-time.After(5 * time.Second):
		slog.Warn("consumers did not stop before deadline")
	}

	graceCtx, cancelGrace := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	if err := rt.Drain(graceCtx); err != nil {
		slog.Warn("grace period elapsed, cancelling in-flight occurrences",
			slog.Int("inflight", rt.InflightCount()))
		rt.CancelAll("worker shutting down")
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rt.Drain(flushCtx)
		cancelFlush()
	}
	cancelGrace()

	cancel()
	select {
	case <-presenceDone:
	case <-time.After(10 * time.Second):
		slog.Warn("shutdown heartbeat did not go out before deadline")
	}
	select {
	case <-outboxDone:
	case <-time.After(15 * time.Second):
		slog.Warn("outbox flush did not finish before deadline")
	}
	slog.Info("worker stopped", slog.String("instance_id", instanceID))
}
