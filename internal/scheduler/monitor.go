package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/Milvasoft/milvaion-sub004/internal/adapter/observability"
	"github.com/Milvasoft/milvaion-sub004/internal/contract"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// monitoredQueues is the set the depth monitor polls each interval.
var monitoredQueues = []string{
	contract.QueueScheduledJobs,
	contract.QueueJobStatusUpdates,
	contract.QueueWorkerLogs,
	contract.QueueWorkerHeartbeat,
	contract.QueueWorkerRegistration,
	contract.QueueFailedJobs,
}

// QueueMonitor polls broker queue depths into gauges and raises log noise
// when a backlog crosses the warning or critical thresholds.
type QueueMonitor struct {
	inspector domain.QueueInspector
	interval  time.Duration
	warning   int
	critical  int
}

// NewQueueMonitor wires the monitor.
func NewQueueMonitor(inspector domain.QueueInspector, interval time.Duration, warning, critical int) *QueueMonitor {
	return &QueueMonitor{inspector: inspector, interval: interval, warning: warning, critical: critical}
}

// Run polls until ctx ends.
func (m *QueueMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *QueueMonitor) poll(ctx context.Context) {
	for _, q := range monitoredQueues {
		depth, err := m.inspector.QueueDepth(ctx, q)
		if err != nil {
			slog.Debug("queue depth probe failed", slog.String("queue", q), slog.Any("error", err))
			continue
		}
		observability.SetQueueDepth(q, depth)
		switch {
		case m.critical > 0 && depth >= m.critical:
			slog.Error("queue backlog critical", slog.String("queue", q), slog.Int("depth", depth))
		case m.warning > 0 && depth >= m.warning:
			slog.Warn("queue backlog above warning threshold", slog.String("queue", q), slog.Int("depth", depth))
		}
	}
}
