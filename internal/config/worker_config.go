package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// WorkerConfig holds the worker runtime configuration parsed from
// environment variables. Broker and KV settings share env names with the
// scheduler so both sides of a deployment read the same values.
type WorkerConfig struct {
	AppEnv   string `env:"APP_ENV" envDefault:"dev"`
	WorkerID string `env:"WORKER_ID" envDefault:"default-worker" validate:"required"`
	Version  string `env:"WORKER_VERSION" envDefault:"dev"`

	MaxParallelJobs         int `env:"WORKER_MAX_PARALLEL_JOBS" envDefault:"4" validate:"gte=1"`
	ExecutionTimeoutSeconds int `env:"WORKER_EXECUTION_TIMEOUT_SECONDS" envDefault:"3600" validate:"gte=0"`

	Heartbeat HeartbeatConfig
	Outbox    OutboxConfig
	Broker    BrokerConfig
	KV        KVConfig

	// ConsumersFile optionally points at a YAML file of custom consumer
	// definitions; empty means the worker runs its default consumer only.
	ConsumersFile string `env:"WORKER_CONSUMERS_FILE"`

	MetricsPort     int    `env:"WORKER_METRICS_PORT" envDefault:"9091" validate:"gte=0"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"milvaion-worker"`

	ShutdownGraceSeconds int `env:"WORKER_SHUTDOWN_GRACE_SECONDS" envDefault:"30" validate:"gte=0"`
}

// HeartbeatConfig covers both the worker-level and per-occurrence heartbeats.
type HeartbeatConfig struct {
	Enabled                     bool `env:"WORKER_HEARTBEAT_ENABLED" envDefault:"true"`
	IntervalSeconds             int  `env:"WORKER_HEARTBEAT_INTERVAL_SECONDS" envDefault:"15" validate:"gte=1"`
	JobHeartbeatIntervalSeconds int  `env:"WORKER_JOB_HEARTBEAT_INTERVAL_SECONDS" envDefault:"30" validate:"gte=1"`
}

func (h HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}
func (h HeartbeatConfig) JobHeartbeatInterval() time.Duration {
	return time.Duration(h.JobHeartbeatIntervalSeconds) * time.Second
}

// OutboxConfig drives the local durable buffer for status and log messages
// published while the broker is unreachable.
type OutboxConfig struct {
	Enabled              bool   `env:"OUTBOX_ENABLED" envDefault:"true"`
	Path                 string `env:"OUTBOX_PATH" envDefault:"milvaion-outbox.db"`
	SyncIntervalSeconds  int    `env:"OUTBOX_SYNC_INTERVAL_SECONDS" envDefault:"10" validate:"gte=1"`
	MaxSyncRetries       int    `env:"OUTBOX_MAX_SYNC_RETRIES" envDefault:"5" validate:"gte=1"`
	FlushBatchSize       int    `env:"OUTBOX_FLUSH_BATCH_SIZE" envDefault:"100" validate:"gte=1"`
	CleanupIntervalHours int    `env:"OUTBOX_CLEANUP_INTERVAL_HOURS" envDefault:"6" validate:"gte=1"`
	RecordRetentionDays  int    `env:"OUTBOX_RECORD_RETENTION_DAYS" envDefault:"7" validate:"gte=1"`
}

func (o OutboxConfig) SyncInterval() time.Duration {
	return time.Duration(o.SyncIntervalSeconds) * time.Second
}
func (o OutboxConfig) CleanupInterval() time.Duration {
	return time.Duration(o.CleanupIntervalHours) * time.Hour
}
func (o OutboxConfig) RecordRetention() time.Duration {
	return time.Duration(o.RecordRetentionDays) * 24 * time.Hour
}

func (w WorkerConfig) ExecutionTimeout() time.Duration {
	return time.Duration(w.ExecutionTimeoutSeconds) * time.Second
}
func (w WorkerConfig) ShutdownGrace() time.Duration {
	return time.Duration(w.ShutdownGraceSeconds) * time.Second
}

// IsTest reports whether the worker is running in test mode.
func (w WorkerConfig) IsTest() bool { return w.AppEnv == "test" }

// LoadWorker parses environment variables into a WorkerConfig and validates it.
func LoadWorker() (WorkerConfig, error) {
	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		return WorkerConfig{}, fmt.Errorf("op=config.LoadWorker: %w", err)
	}
	if err := validate(cfg); err != nil {
		return WorkerConfig{}, fmt.Errorf("op=config.LoadWorker: %w", err)
	}
	return cfg, nil
}
