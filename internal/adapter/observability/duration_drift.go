package observability

import (
	"log/slog"
	"sync"
)

// DurationDriftMonitor tracks recent occurrence durations for one handler and
// flags drift from a baseline established over the first full window.
type DurationDriftMonitor struct {
	handler        string
	baselineMs     float64
	baselineSet    bool
	recentMs       []float64
	windowSize     int
	driftThreshold float64 // fraction of baseline, e.g. 0.5 = 50% shift
	mu             sync.RWMutex
}

// NewDurationDriftMonitor creates a monitor for one handler.
func NewDurationDriftMonitor(handler string, windowSize int, driftThreshold float64) *DurationDriftMonitor {
	return &DurationDriftMonitor{
		handler:        handler,
		recentMs:       make([]float64, 0, windowSize),
		windowSize:     windowSize,
		driftThreshold: driftThreshold,
	}
}

// UpdateBaseline pins the baseline duration explicitly.
func (m *DurationDriftMonitor) UpdateBaseline(ms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.baselineMs = ms
	m.baselineSet = true
	slog.Info("updated duration baseline",
		slog.String("handler", m.handler),
		slog.Float64("baseline_ms", ms))
}

// RecordDuration records a completed occurrence duration and checks for drift.
// The first full window establishes the baseline when none was pinned.
func (m *DurationDriftMonitor) RecordDuration(ms float64) {
	if ms < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recentMs = append(m.recentMs, ms)
	if len(m.recentMs) > m.windowSize {
		m.recentMs = m.recentMs[1:]
	}
	if len(m.recentMs) < m.windowSize {
		return
	}

	avg := mean(m.recentMs)
	if !m.baselineSet {
		m.baselineMs = avg
		m.baselineSet = true
		return
	}

	drift := avg - m.baselineMs
	if drift < 0 {
		drift = -drift
	}
	OccurrenceDurationDrift.WithLabelValues(m.handler).Set(drift)

	base := m.baselineMs
	if base < 1 {
		base = 1
	}
	if drift/base > m.driftThreshold {
		slog.Warn("occurrence duration drift detected",
			slog.String("handler", m.handler),
			slog.Float64("baseline_ms", m.baselineMs),
			slog.Float64("recent_avg_ms", avg),
			slog.Float64("drift_ms", drift))
	}
}

// Drift returns the current absolute drift in milliseconds.
func (m *DurationDriftMonitor) Drift() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.baselineSet || len(m.recentMs) == 0 {
		return 0
	}
	drift := mean(m.recentMs) - m.baselineMs
	if drift < 0 {
		drift = -drift
	}
	return drift
}

// Baseline returns the baseline duration and whether one is set.
func (m *DurationDriftMonitor) Baseline() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.baselineMs, m.baselineSet
}

// Reset clears the window and baseline.
func (m *DurationDriftMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recentMs = m.recentMs[:0]
	m.baselineSet = false
	m.baselineMs = 0
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

type durationDriftManager struct {
	monitors map[string]*DurationDriftMonitor
	mu       sync.RWMutex
}

func (dm *durationDriftManager) getOrCreate(handler string, windowSize int, threshold float64) *DurationDriftMonitor {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if m, ok := dm.monitors[handler]; ok {
		return m
	}
	m := NewDurationDriftMonitor(handler, windowSize, threshold)
	dm.monitors[handler] = m
	return m
}

var globalDriftManager = &durationDriftManager{monitors: make(map[string]*DurationDriftMonitor)}

const (
	defaultDriftWindow    = 20
	defaultDriftThreshold = 0.5
)

// RecordOccurrenceDurationMs feeds a completed occurrence duration into the
// per-handler drift monitor.
func RecordOccurrenceDurationMs(handler string, ms float64) {
	if handler == "" {
		handler = "default"
	}
	globalDriftManager.getOrCreate(handler, defaultDriftWindow, defaultDriftThreshold).RecordDuration(ms)
}

// HandlerDrift reports the current drift for a handler, zero when unknown.
func HandlerDrift(handler string) float64 {
	globalDriftManager.mu.RLock()
	m, ok := globalDriftManager.monitors[handler]
	globalDriftManager.mu.RUnlock()
	if !ok {
		return 0
	}
	return m.Drift()
}

// ResetAllDriftMonitors clears every handler monitor.
func ResetAllDriftMonitors() {
	globalDriftManager.mu.Lock()
	defer globalDriftManager.mu.Unlock()

	for _, m := range globalDriftManager.monitors {
		m.Reset()
	}
}
