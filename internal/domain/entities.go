package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrStateViolation  = errors.New("illegal status transition")
	ErrUnavailable     = errors.New("dependency unavailable")
	ErrInternal        = errors.New("internal error")
)

//go:generate mockery --name=JobStore --with-expecter --filename=job_store_mock.go
//go:generate mockery --name=OccurrenceStore --with-expecter --filename=occurrence_store_mock.go
//go:generate mockery --name=KV --with-expecter --filename=kv_mock.go
//go:generate mockery --name=JobPublisher --with-expecter --filename=job_publisher_mock.go

// ConcurrentPolicy controls what happens when a job fires while a prior
// occurrence is still non-terminal.
type ConcurrentPolicy string

const (
	PolicySkip  ConcurrentPolicy = "Skip"
	PolicyQueue ConcurrentPolicy = "Queue"
)

// AutoDisableSetting is the per-job override of the global auto-disable
// policy; nil fields fall back to configuration.
type AutoDisableSetting struct {
	Enabled   *bool
	Threshold *int
}

// Job is a scheduled job definition. At least one of ExecuteAt or
// CronExpression is set; Payload is empty or valid JSON; Version bumps only
// when handler, payload or cron change.
type Job struct {
	ID                      string
	Name                    string
	Description             string
	Tags                    string // comma list
	WorkerID                string
	HandlerName             string
	Payload                 string // JSON text
	ExecuteAt               *time.Time
	CronExpression          string
	IsActive                bool
	Policy                  ConcurrentPolicy
	ZombieTimeoutMinutes    *int
	ExecutionTimeoutSeconds *int
	Version                 int
	AutoDisable             AutoDisableSetting
	ConsecutiveFailures     int
	LastFailureAt           *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

type OccurrenceStatus string

const (
	OccurrenceQueued    OccurrenceStatus = "Queued"
	OccurrenceRunning   OccurrenceStatus = "Running"
	OccurrenceCompleted OccurrenceStatus = "Completed"
	OccurrenceFailed    OccurrenceStatus = "Failed"
	OccurrenceCancelled OccurrenceStatus = "Cancelled"
	OccurrenceTimedOut  OccurrenceStatus = "TimedOut"
	OccurrenceUnknown   OccurrenceStatus = "Unknown"
)

// Terminal reports whether the status admits no further transitions.
func (s OccurrenceStatus) Terminal() bool {
	switch s {
	case OccurrenceCompleted, OccurrenceFailed, OccurrenceCancelled, OccurrenceTimedOut, OccurrenceUnknown:
		return true
	}
	return false
}

// Valid reports whether s is one of the seven known statuses.
func (s OccurrenceStatus) Valid() bool {
	switch s {
	case OccurrenceQueued, OccurrenceRunning:
		return true
	}
	return s.Terminal()
}

var allowedTransitions = map[OccurrenceStatus][]OccurrenceStatus{
	OccurrenceQueued:  {OccurrenceRunning, OccurrenceCancelled, OccurrenceFailed},
	OccurrenceRunning: {OccurrenceCompleted, OccurrenceFailed, OccurrenceCancelled, OccurrenceTimedOut, OccurrenceUnknown},
}

// CanTransition applies the occurrence state machine. Re-applying the current
// status is not a transition; callers treat it as an idempotent duplicate.
func CanTransition(from, to OccurrenceStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusChange is one entry of an occurrence's append-only history.
type StatusChange struct {
	Status OccurrenceStatus `json:"status"`
	At     time.Time        `json:"at"`
}

// Occurrence is one attempted execution of a job. Its ID doubles as the
// broker correlation id and is time-ordered.
type Occurrence struct {
	ID                   string
	JobID                string
	WorkerID             string
	HandlerName          string
	JobVersion           int
	Status               OccurrenceStatus
	StartedAt            *time.Time
	EndedAt              *time.Time
	DurationMs           *int64
	Result               *string
	Exception            *string
	RetryCount           int
	LastHeartbeatAt      *time.Time
	ZombieTimeoutMinutes *int
	StatusHistory        []StatusChange
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// StatusUpdate carries one requested transition for an occurrence. Pointer
// fields are applied only when present.
type StatusUpdate struct {
	OccurrenceID string
	Status       OccurrenceStatus
	StartedAt    *time.Time
	EndedAt      *time.Time
	DurationMs   *int64
	Result       *string
	Exception    *string
	At           time.Time
}

// OccurrenceLog is one structured log entry appended by a worker.
type OccurrenceLog struct {
	OccurrenceID  string
	Timestamp     time.Time
	Level         string
	Message       string
	Data          string // JSON text, optional
	Category      string
	ExceptionType string
}

// FailureType classifies why an occurrence landed in the dead-letter
// projection.
type FailureType string

const (
	FailureUnknown            FailureType = "Unknown"
	FailureMaxRetriesExceeded FailureType = "MaxRetriesExceeded"
	FailureTimeout            FailureType = "Timeout"
	FailureWorkerCrash        FailureType = "WorkerCrash"
	FailureInvalidJobData     FailureType = "InvalidJobData"
	FailureExternalDependency FailureType = "ExternalDependencyFailure"
	FailureUnhandledException FailureType = "UnhandledException"
	FailureCancelled          FailureType = "Cancelled"
	FailureZombieDetection    FailureType = "ZombieDetection"
)

// FailedOccurrence is the dead-letter projection of a terminally failed
// occurrence. Resolution metadata is the only mutation allowed after create.
type FailedOccurrence struct {
	ID             string
	JobID          string
	OccurrenceID   string
	Exception      string
	RetryCount     int
	FailureType    FailureType
	Resolved       bool
	ResolutionNote *string
	ResolvedAt     *time.Time
	CreatedAt      time.Time
}

type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "Active"
	WorkerInactive WorkerStatus = "Inactive"
	WorkerZombie   WorkerStatus = "Zombie"
	WorkerShutdown WorkerStatus = "Shutdown"
)

// HandlerInfo describes one handler a worker advertises at registration.
type HandlerInfo struct {
	Name                    string `json:"name"`
	RoutingPattern          string `json:"routingPattern"`
	MaxParallelJobs         int    `json:"maxParallelJobs"`
	ExecutionTimeoutSeconds int    `json:"executionTimeoutSeconds"`
	JobDataSchema           string `json:"jobDataSchema"`
}

// WorkerInfo is the scheduler's registration view of a worker fleet id.
// Instance liveness lives in the KV store under TTL; Status is derived from
// heartbeat age, not persisted.
type WorkerInfo struct {
	WorkerID        string
	Handlers        []HandlerInfo
	CurrentJobs     int
	MaxParallelJobs int
	LastHeartbeatAt *time.Time
	Status          WorkerStatus
	Shutdown        bool
	Version         string
	Metadata        map[string]string
	RegisteredAt    time.Time
	UpdatedAt       time.Time
}

// CancellationRequest travels over the cancellation pub/sub channel.
type CancellationRequest struct {
	CorrelationID string `json:"correlationId"`
	Reason        string `json:"reason"`
}

// JobFilter narrows List queries on the job store.
type JobFilter struct {
	IsActive *bool
	WorkerID string
	Limit    int
	Offset   int
}

// Stores (ports)

type JobStore interface {
	Create(ctx Context, j Job) error
	Get(ctx Context, id string) (Job, error)
	Update(ctx Context, j Job) error
	SetActive(ctx Context, id string, active bool) error
	Delete(ctx Context, id string) error
	List(ctx Context, f JobFilter) ([]Job, error)
	// SnapshotVersion archives the given serialized state under its version.
	SnapshotVersion(ctx Context, j Job) error
	// RecordFailure bumps the consecutive-failure counter, resetting it first
	// when the last failure is older than the window. Returns the new count.
	RecordFailure(ctx Context, id string, at time.Time, window time.Duration) (int, error)
	ResetFailures(ctx Context, id string) error
}

type OccurrenceStore interface {
	Create(ctx Context, o Occurrence) error
	Get(ctx Context, id string) (Occurrence, error)
	// ApplyStatus runs the state machine for one update. The bool is false
	// when the update was an idempotent duplicate. Illegal transitions return
	// ErrStateViolation.
	ApplyStatus(ctx Context, u StatusUpdate) (Occurrence, bool, error)
	CountNonTerminal(ctx Context, jobID string) (int, error)
	LatestNonTerminal(ctx Context, jobID string) (Occurrence, error)
	ListByJob(ctx Context, jobID string, limit, offset int) ([]Occurrence, error)
	// ListQueuedBefore returns Queued occurrences created before cutoff.
	ListQueuedBefore(ctx Context, cutoff time.Time, limit int) ([]Occurrence, error)
	// ListRunningStale returns Running occurrences whose last heartbeat (or
	// start, when never beaten) is older than cutoff.
	ListRunningStale(ctx Context, cutoff time.Time, limit int) ([]Occurrence, error)
	TouchHeartbeat(ctx Context, id string, at time.Time) error
	AppendLog(ctx Context, l OccurrenceLog) error
	ListLogs(ctx Context, occurrenceID string, limit int) ([]OccurrenceLog, error)
	DeleteTerminalBefore(ctx Context, cutoff time.Time) (int64, error)
}

type FailedOccurrenceStore interface {
	Create(ctx Context, f FailedOccurrence) error
	Get(ctx Context, id string) (FailedOccurrence, error)
	List(ctx Context, onlyUnresolved bool, limit, offset int) ([]FailedOccurrence, error)
	Resolve(ctx Context, id, note string) error
}

type WorkerStore interface {
	UpsertRegistration(ctx Context, w WorkerInfo) error
	RecordHeartbeat(ctx Context, workerID string, currentJobs, maxParallel int, shutdown bool, at time.Time) error
	Get(ctx Context, workerID string) (WorkerInfo, error)
	List(ctx Context) ([]WorkerInfo, error)
}

// Broker (ports)

type JobPublisher interface {
	// PublishJob sends the job envelope for occ under routingKey and blocks
	// until the broker confirms it.
	PublishJob(ctx Context, job Job, occ Occurrence, routingKey string) error
}

type DLQPublisher interface {
	PublishFailedOccurrence(ctx Context, f FailedOccurrence) error
}

type QueueInspector interface {
	// QueueDepth returns best-effort message count without binding a consumer.
	QueueDepth(ctx Context, queue string) (int, error)
}

// EventSink receives occurrence lifecycle events (dashboard and integration
// feeds). Implementations must not block the caller longer than their own
// publish timeout.
type EventSink interface {
	OccurrenceCreated(ctx Context, o Occurrence) error
	OccurrenceUpdated(ctx Context, o Occurrence) error
}

// Notifier emits operator-facing notifications.
type Notifier interface {
	JobAutoDisabled(ctx Context, j Job, consecutiveFailures int) error
	JobReEnabled(ctx Context, j Job) error
}

// KV is the coordination client port: due set, job cache, locks, leadership,
// running markers, worker presence, dispatcher control, cancellation pub/sub.
type KV interface {
	// ScheduleJob atomically inserts the job into the due set at `at` and
	// refreshes the cache hash (24h TTL).
	ScheduleJob(ctx Context, j Job, at time.Time) error
	// UnscheduleJob removes the job from the due set; evict drops the cache
	// hash as well.
	UnscheduleJob(ctx Context, jobID string, evict bool) error
	DueJobIDs(ctx Context, until time.Time, limit int64) ([]string, error)
	CachedJob(ctx Context, jobID string) (Job, bool, error)
	RefreshCache(ctx Context, j Job) error

	AcquireLock(ctx Context, key string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseLock(ctx Context, key, token string) error
	AcquireLeadership(ctx Context, instanceID string, ttl time.Duration) (bool, error)
	RenewLeadership(ctx Context, instanceID string, ttl time.Duration) (bool, error)

	MarkRunning(ctx Context, jobID, occurrenceID string, ttl time.Duration) error
	RunningOccurrence(ctx Context, jobID string) (string, bool, error)
	ClearRunning(ctx Context, jobID string) error
	// StaleRunningMarkers scans running markers whose mark time is older than
	// maxAge; the map is jobID → occurrenceID.
	StaleRunningMarkers(ctx Context, maxAge time.Duration) (map[string]string, error)

	RegisterWorkerInstance(ctx Context, workerID, instanceID string, ttl time.Duration, fields map[string]string) error
	TouchWorkerInstance(ctx Context, workerID, instanceID string, ttl time.Duration) error
	LiveInstances(ctx Context, workerID string) ([]string, error)
	SetWorkerInfo(ctx Context, workerID string, fields map[string]string) error

	DispatcherDisabled(ctx Context) (bool, error)
	SetDispatcherDisabled(ctx Context, disabled bool) error

	PublishCancellation(ctx Context, req CancellationRequest) error
	// SubscribeCancellations delivers requests until the returned stop func is
	// called or ctx ends.
	SubscribeCancellations(ctx Context) (<-chan CancellationRequest, func(), error)

	Ping(ctx Context) error
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and services pass context.Context through.
type Context = context.Context
