package worker

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Milvasoft/milvaion-sub004/internal/config"
	"github.com/Milvasoft/milvaion-sub004/internal/contract"
)

// PresencePublisher is the broker-facing subset the presence loop needs.
type PresencePublisher interface {
	PublishRegistration(ctx context.Context, m contract.RegistrationMessage) error
	PublishHeartbeat(ctx context.Context, m contract.HeartbeatMessage) error
}

// Presence announces this instance to the scheduler and keeps it alive:
// one registration at startup, then heartbeats carrying the in-flight
// occurrences, and a final shutdown beat so the scheduler can tell a drain
// from a crash.
type Presence struct {
	pub      PresencePublisher
	rt       *Runtime
	registry *Registry
	cfg      config.WorkerConfig

	instanceID string
	interval   time.Duration
	now        func() time.Time
}

func NewPresence(pub PresencePublisher, rt *Runtime, registry *Registry, cfg config.WorkerConfig, instanceID string) *Presence {
	return &Presence{
		pub:        pub,
		rt:         rt,
		registry:   registry,
		cfg:        cfg,
		instanceID: instanceID,
		interval:   cfg.Heartbeat.Interval(),
		now:        time.Now,
	}
}

// Announce publishes the registration envelope, retrying with backoff until
// it lands or ctx ends. Consumers should not start before this succeeds; the
// scheduler routes by what workers advertise.
func (p *Presence) Announce(ctx context.Context) error {
	msg := contract.RegistrationMessage{
		WorkerID:   p.cfg.WorkerID,
		InstanceID: p.instanceID,
		Handlers: p.registry.Registrations(
			contract.JobRoutingKey(p.cfg.WorkerID),
			p.cfg.ExecutionTimeoutSeconds,
			p.cfg.MaxParallelJobs,
		),
		Version:  p.cfg.Version,
		Metadata: p.metadata(),
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		if err := p.pub.PublishRegistration(ctx, msg); err != nil {
			slog.Warn("registration publish failed", slog.Any("error", err))
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func (p *Presence) metadata() map[string]string {
	md := map[string]string{"pid": strconv.Itoa(os.Getpid())}
	if host, err := os.Hostname(); err == nil {
		md["hostname"] = host
	}
	return md
}

// Run publishes heartbeats until ctx ends, then one shutdown beat.
func (p *Presence) Run(ctx context.Context) error {
	if !p.cfg.Heartbeat.Enabled {
		<-ctx.Done()
		return ctx.Err()
	}

	// First beat right away so the scheduler marks the instance live before
	// the first interval elapses.
	if err := p.beat(ctx, contract.HeartbeatStatusActive); err != nil {
		slog.Warn("heartbeat publish failed", slog.Any("error", err))
	}

	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := p.beat(shutdownCtx, contract.HeartbeatStatusShutdown); err != nil {
				slog.Warn("shutdown heartbeat publish failed", slog.Any("error", err))
			}
			return ctx.Err()
		case <-t.C:
			if err := p.beat(ctx, contract.HeartbeatStatusActive); err != nil {
				slog.Warn("heartbeat publish failed", slog.Any("error", err))
			}
		}
	}
}

func (p *Presence) beat(ctx context.Context, status string) error {
	return p.pub.PublishHeartbeat(ctx, contract.HeartbeatMessage{
		WorkerID:        p.cfg.WorkerID,
		InstanceID:      p.instanceID,
		CurrentJobs:     p.rt.InflightCount(),
		MaxParallelJobs: p.rt.MaxParallelJobs(),
		Status:          status,
		Jobs:            p.rt.Jobs(),
	})
}
