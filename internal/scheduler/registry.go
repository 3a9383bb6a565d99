package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Milvasoft/milvaion-sub004/internal/adapter/observability"
	"github.com/Milvasoft/milvaion-sub004/internal/contract"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// presenceHorizon separates a Zombie worker (beat recently, went quiet) from
// an Inactive one (gone long enough to be considered retired).
const presenceHorizon = time.Hour

// Registry maintains the scheduler's view of worker fleets: registrations,
// heartbeats, instance presence and the per-occurrence heartbeat touch.
type Registry struct {
	workers     domain.WorkerStore
	occurrences domain.OccurrenceStore
	kv          domain.KV
	// instanceTTL is how long an instance stays live without a beat,
	// conventionally three heartbeat intervals.
	instanceTTL time.Duration
	now         func() time.Time
}

// NewRegistry wires the registry. instanceTTL should match the heartbeat
// staleness threshold used by the zombie sweep.
func NewRegistry(workers domain.WorkerStore, occurrences domain.OccurrenceStore, kv domain.KV, instanceTTL time.Duration) *Registry {
	return &Registry{
		workers:     workers,
		occurrences: occurrences,
		kv:          kv,
		instanceTTL: instanceTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// HandleRegistration upserts the fleet row, merging handlers by name with
// the incoming definitions winning, and marks the instance live.
func (r *Registry) HandleRegistration(ctx domain.Context, m contract.RegistrationMessage) error {
	now := r.now()
	handlers := make([]domain.HandlerInfo, 0, len(m.Handlers))
	maxParallel := 0
	for _, h := range m.Handlers {
		handlers = append(handlers, domain.HandlerInfo{
			Name:                    h.Name,
			RoutingPattern:          h.RoutingPattern,
			MaxParallelJobs:         h.MaxParallelJobs,
			ExecutionTimeoutSeconds: h.ExecutionTimeoutSeconds,
			JobDataSchema:           h.JobDataSchema,
		})
		if h.MaxParallelJobs > maxParallel {
			maxParallel = h.MaxParallelJobs
		}
	}
	if existing, err := r.workers.Get(ctx, m.WorkerID); err == nil {
		handlers = mergeHandlers(existing.Handlers, handlers)
		if existing.MaxParallelJobs > maxParallel {
			maxParallel = existing.MaxParallelJobs
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("op=scheduler.HandleRegistration: %w", err)
	}

	info := domain.WorkerInfo{
		WorkerID:        m.WorkerID,
		Handlers:        handlers,
		MaxParallelJobs: maxParallel,
		Version:         m.Version,
		Metadata:        m.Metadata,
		RegisteredAt:    now,
		UpdatedAt:       now,
	}
	if err := r.workers.UpsertRegistration(ctx, info); err != nil {
		return fmt.Errorf("op=scheduler.HandleRegistration: %w", err)
	}

	fields := map[string]string{
		"version":       m.Version,
		"registered_at": now.Format(time.RFC3339),
	}
	if err := r.kv.RegisterWorkerInstance(ctx, m.WorkerID, m.InstanceID, r.instanceTTL, fields); err != nil {
		slog.Warn("instance presence write failed",
			slog.String("worker_id", m.WorkerID),
			slog.String("instance_id", m.InstanceID),
			slog.Any("error", err))
	}
	if err := r.kv.SetWorkerInfo(ctx, m.WorkerID, map[string]string{
		"version":           m.Version,
		"last_registration": now.Format(time.RFC3339),
		"handler_count":     strconv.Itoa(len(handlers)),
	}); err != nil {
		slog.Warn("worker info write failed", slog.String("worker_id", m.WorkerID), slog.Any("error", err))
	}

	slog.Info("worker registered",
		slog.String("worker_id", m.WorkerID),
		slog.String("instance_id", m.InstanceID),
		slog.Int("handlers", len(handlers)),
		slog.String("version", m.Version))
	r.refreshGauge(ctx)
	return nil
}

// HandleHeartbeat records the fleet beat, refreshes instance presence and
// touches every occurrence the instance reports as in flight.
func (r *Registry) HandleHeartbeat(ctx domain.Context, m contract.HeartbeatMessage) error {
	at := r.now()
	shutdown := m.Status == contract.HeartbeatStatusShutdown
	if err := r.workers.RecordHeartbeat(ctx, m.WorkerID, m.CurrentJobs, m.MaxParallelJobs, shutdown, at); err != nil {
		return fmt.Errorf("op=scheduler.HandleHeartbeat: %w", err)
	}
	if shutdown {
		slog.Info("worker reported shutdown",
			slog.String("worker_id", m.WorkerID),
			slog.String("instance_id", m.InstanceID))
	} else if err := r.kv.TouchWorkerInstance(ctx, m.WorkerID, m.InstanceID, r.instanceTTL); err != nil {
		slog.Warn("instance presence refresh failed",
			slog.String("worker_id", m.WorkerID),
			slog.String("instance_id", m.InstanceID),
			slog.Any("error", err))
	}
	for _, jb := range m.Jobs {
		ts := jb.LastHeartbeat
		if ts.IsZero() {
			ts = at
		}
		if err := r.occurrences.TouchHeartbeat(ctx, jb.CorrelationID, ts); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				slog.Debug("heartbeat for unknown occurrence", slog.String("occurrence_id", jb.CorrelationID))
				continue
			}
			slog.Warn("occurrence heartbeat touch failed",
				slog.String("occurrence_id", jb.CorrelationID), slog.Any("error", err))
		}
	}
	return nil
}

// Workers returns the fleet view with status derived from instance presence
// and heartbeat age.
func (r *Registry) Workers(ctx domain.Context) ([]domain.WorkerInfo, error) {
	list, err := r.workers.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.Workers: %w", err)
	}
	now := r.now()
	for i := range list {
		live, err := r.kv.LiveInstances(ctx, list[i].WorkerID)
		if err != nil {
			slog.Debug("instance liveness read failed", slog.String("worker_id", list[i].WorkerID), slog.Any("error", err))
		}
		list[i].Status = r.deriveStatus(list[i], len(live), now)
	}
	observability.SetWorkersRegistered(len(list))
	return list, nil
}

// Worker returns one fleet view by id.
func (r *Registry) Worker(ctx domain.Context, workerID string) (domain.WorkerInfo, error) {
	w, err := r.workers.Get(ctx, workerID)
	if err != nil {
		return domain.WorkerInfo{}, fmt.Errorf("op=scheduler.Worker: %w", err)
	}
	live, lerr := r.kv.LiveInstances(ctx, workerID)
	if lerr != nil {
		slog.Debug("instance liveness read failed", slog.String("worker_id", workerID), slog.Any("error", lerr))
	}
	w.Status = r.deriveStatus(w, len(live), r.now())
	return w, nil
}

func (r *Registry) deriveStatus(w domain.WorkerInfo, liveInstances int, now time.Time) domain.WorkerStatus {
	if w.Shutdown {
		return domain.WorkerShutdown
	}
	if liveInstances > 0 {
		return domain.WorkerActive
	}
	if w.LastHeartbeatAt == nil {
		return domain.WorkerInactive
	}
	age := now.Sub(*w.LastHeartbeatAt)
	switch {
	case age <= r.instanceTTL:
		return domain.WorkerActive
	case age <= presenceHorizon:
		return domain.WorkerZombie
	default:
		return domain.WorkerInactive
	}
}

func (r *Registry) refreshGauge(ctx domain.Context) {
	list, err := r.workers.List(ctx)
	if err != nil {
		return
	}
	observability.SetWorkersRegistered(len(list))
}

// mergeHandlers unions two handler sets by name; entries from incoming win.
func mergeHandlers(existing, incoming []domain.HandlerInfo) []domain.HandlerInfo {
	byName := make(map[string]int, len(incoming))
	merged := make([]domain.HandlerInfo, 0, len(existing)+len(incoming))
	merged = append(merged, incoming...)
	for i, h := range merged {
		byName[h.Name] = i
	}
	for _, h := range existing {
		if _, ok := byName[h.Name]; !ok {
			merged = append(merged, h)
		}
	}
	return merged
}
