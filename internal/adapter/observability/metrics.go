package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	DispatchTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_ticks_total",
			Help: "Total number of dispatcher ticks by outcome",
		},
		[]string{"outcome"},
	)
	JobsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dispatched_total",
			Help: "Total number of due jobs handled by the dispatcher, by result",
		},
		[]string{"result"},
	)
	OccurrenceTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occurrence_transitions_total",
			Help: "Total number of occurrence status transitions applied",
		},
		[]string{"status"},
	)
	StatusUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "status_updates_total",
			Help: "Total number of status update messages consumed, by result",
		},
		[]string{"result"},
	)
	OccurrenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "occurrence_duration_seconds",
			Help:    "Completed occurrence duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"handler"},
	)
	RetriesScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "retries_scheduled_total",
			Help: "Total number of retry occurrences scheduled",
		},
	)
	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of occurrences projected to the dead letter queue",
		},
		[]string{"failure_type"},
	)
	ZombiesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zombies_detected_total",
			Help: "Total number of stuck occurrences reaped by the sweeper",
		},
		[]string{"failure_type"},
	)
	JobsAutoDisabledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_auto_disabled_total",
			Help: "Total number of jobs disabled after consecutive failures",
		},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current message count per broker queue",
		},
		[]string{"queue"},
	)
	WorkersRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workers_registered",
			Help: "Number of worker instances with a fresh heartbeat",
		},
	)
	DispatcherLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_leader",
			Help: "1 when this instance holds dispatcher leadership",
		},
	)

	WorkerJobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_jobs_running",
			Help: "Number of occurrences currently executing in this worker",
		},
	)
	WorkerJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_total",
			Help: "Total number of occurrences executed by this worker, by result",
		},
		[]string{"result"},
	)
	WorkerLocalRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_local_retries_total",
			Help: "Total number of in-place transient re-executions",
		},
	)
	OutboxPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_pending",
			Help: "Records waiting in the local outbox, by kind",
		},
		[]string{"kind"},
	)
	OutboxFlushedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_flushed_total",
			Help: "Outbox records successfully republished, by kind",
		},
		[]string{"kind"},
	)
	OutboxAbandonedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_abandoned_total",
			Help: "Outbox records dropped after exhausting sync retries, by kind",
		},
		[]string{"kind"},
	)
	CancellationsReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cancellations_received_total",
			Help: "Cancellation requests observed on the control channel",
		},
	)

	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "state"},
	)

	OccurrenceDurationDrift = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "occurrence_duration_drift_ms",
			Help: "Absolute drift of recent occurrence durations from baseline, per handler",
		},
		[]string{"handler"},
	)
)

var initMetricsOnce sync.Once

func InitMetrics() {
	initMetricsOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)
		prometheus.MustRegister(DispatchTicksTotal)
		prometheus.MustRegister(JobsDispatchedTotal)
		prometheus.MustRegister(OccurrenceTransitionsTotal)
		prometheus.MustRegister(StatusUpdatesTotal)
		prometheus.MustRegister(OccurrenceDuration)
		prometheus.MustRegister(RetriesScheduledTotal)
		prometheus.MustRegister(DLQMessagesTotal)
		prometheus.MustRegister(ZombiesDetectedTotal)
		prometheus.MustRegister(JobsAutoDisabledTotal)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(WorkersRegistered)
		prometheus.MustRegister(DispatcherLeader)
		prometheus.MustRegister(WorkerJobsRunning)
		prometheus.MustRegister(WorkerJobsTotal)
		prometheus.MustRegister(WorkerLocalRetriesTotal)
		prometheus.MustRegister(OutboxPending)
		prometheus.MustRegister(OutboxFlushedTotal)
		prometheus.MustRegister(OutboxAbandonedTotal)
		prometheus.MustRegister(CancellationsReceivedTotal)
		prometheus.MustRegister(BreakerTransitionsTotal)
		prometheus.MustRegister(OccurrenceDurationDrift)
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func RecordDispatchTick(outcome string) {
	DispatchTicksTotal.WithLabelValues(outcome).Inc()
}

func RecordJobDispatched(result string) {
	JobsDispatchedTotal.WithLabelValues(result).Inc()
}

func RecordTransition(status string) {
	OccurrenceTransitionsTotal.WithLabelValues(status).Inc()
}

func RecordStatusUpdate(result string) {
	StatusUpdatesTotal.WithLabelValues(result).Inc()
}

func ObserveOccurrenceDuration(handler string, seconds float64) {
	if seconds >= 0 {
		OccurrenceDuration.WithLabelValues(handler).Observe(seconds)
	}
}

func RecordRetryScheduled() {
	RetriesScheduledTotal.Inc()
}

func RecordDLQMessage(failureType string) {
	DLQMessagesTotal.WithLabelValues(failureType).Inc()
}

func RecordZombie(failureType string) {
	ZombiesDetectedTotal.WithLabelValues(failureType).Inc()
}

func RecordAutoDisable() {
	JobsAutoDisabledTotal.Inc()
}

func SetQueueDepth(queue string, depth int) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func SetWorkersRegistered(n int) {
	WorkersRegistered.Set(float64(n))
}

func SetDispatcherLeader(leader bool) {
	if leader {
		DispatcherLeader.Set(1)
		return
	}
	DispatcherLeader.Set(0)
}

func StartWorkerJob() {
	WorkerJobsRunning.Inc()
}

func FinishWorkerJob(result string) {
	WorkerJobsRunning.Dec()
	WorkerJobsTotal.WithLabelValues(result).Inc()
}

func RecordLocalRetry() {
	WorkerLocalRetriesTotal.Inc()
}

func SetOutboxPending(kind string, n int) {
	OutboxPending.WithLabelValues(kind).Set(float64(n))
}

func RecordOutboxFlushed(kind string, n int) {
	OutboxFlushedTotal.WithLabelValues(kind).Add(float64(n))
}

func RecordOutboxAbandoned(kind string) {
	OutboxAbandonedTotal.WithLabelValues(kind).Inc()
}

func RecordCancellationReceived() {
	CancellationsReceivedTotal.Inc()
}

func RecordBreakerTransition(name, state string) {
	BreakerTransitionsTotal.WithLabelValues(name, state).Inc()
}
