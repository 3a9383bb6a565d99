package contract

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobMessage dispatches one occurrence to a worker. jobName carries the
// handler name; jobData is the payload JSON text verbatim.
type JobMessage struct {
	JobID                   string    `json:"jobId"`
	CorrelationID           string    `json:"correlationId"`
	JobName                 string    `json:"jobName"`
	JobData                 string    `json:"jobData"`
	JobVersion              int       `json:"jobVersion"`
	ExecutionTimeoutSeconds *int      `json:"executionTimeoutSeconds,omitempty"`
	ZombieTimeoutMinutes    *int      `json:"zombieTimeoutMinutes,omitempty"`
	PublishedAt             time.Time `json:"publishedAt"`
}

// StatusUpdateMessage reports one occurrence transition from a worker.
type StatusUpdateMessage struct {
	CorrelationID    string     `json:"correlationId"`
	JobID            string     `json:"jobId"`
	WorkerID         string     `json:"workerId"`
	Status           string     `json:"status"`
	StartTime        *time.Time `json:"startTime,omitempty"`
	EndTime          *time.Time `json:"endTime,omitempty"`
	DurationMs       *int64     `json:"durationMs,omitempty"`
	Result           *string    `json:"result,omitempty"`
	Exception        *string    `json:"exception,omitempty"`
	MessageTimestamp time.Time  `json:"messageTimestamp"`
}

// LogEntry is the structured payload inside a LogMessage.
type LogEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	Level         string    `json:"level"`
	Message       string    `json:"message"`
	Data          string    `json:"data,omitempty"`
	Category      string    `json:"category,omitempty"`
	ExceptionType string    `json:"exceptionType,omitempty"`
}

type LogMessage struct {
	CorrelationID    string    `json:"correlationId"`
	WorkerID         string    `json:"workerId"`
	Log              LogEntry  `json:"log"`
	MessageTimestamp time.Time `json:"messageTimestamp"`
}

// HandlerRegistration advertises one handler at worker registration.
type HandlerRegistration struct {
	Name                    string `json:"name"`
	RoutingPattern          string `json:"routingPattern"`
	MaxParallelJobs         int    `json:"maxParallelJobs"`
	ExecutionTimeoutSeconds int    `json:"executionTimeoutSeconds"`
	JobDataSchema           string `json:"jobDataSchema,omitempty"`
}

type RegistrationMessage struct {
	WorkerID   string                `json:"workerId"`
	InstanceID string                `json:"instanceId"`
	Handlers   []HandlerRegistration `json:"handlers"`
	Version    string                `json:"version"`
	Metadata   map[string]string     `json:"metadata,omitempty"`
}

// JobHeartbeat names one in-flight occurrence inside a heartbeat.
type JobHeartbeat struct {
	CorrelationID string    `json:"correlationId"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

type HeartbeatMessage struct {
	WorkerID        string         `json:"workerId"`
	InstanceID      string         `json:"instanceId"`
	CurrentJobs     int            `json:"currentJobs"`
	MaxParallelJobs int            `json:"maxParallelJobs"`
	Status          string         `json:"status"`
	Jobs            []JobHeartbeat `json:"jobs"`
}

// Heartbeat status values a worker self-reports.
const (
	HeartbeatStatusActive   = "Active"
	HeartbeatStatusShutdown = "Shutdown"
)

// FailedOccurrenceMessage is the dead-letter projection published to the
// failed jobs queue.
type FailedOccurrenceMessage struct {
	JobID        string    `json:"jobId"`
	OccurrenceID string    `json:"occurrenceId"`
	Exception    string    `json:"exception"`
	RetryCount   int       `json:"retryCount"`
	FailureType  string    `json:"failureType"`
	FailedAt     time.Time `json:"failedAt"`
}

// Decoders. Each validates the fields a consumer cannot proceed without; a
// failure here means the message is poisoned, not retryable.

func DecodeJobMessage(b []byte) (JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return JobMessage{}, fmt.Errorf("invalid json: %w", err)
	}
	if m.JobID == "" || m.CorrelationID == "" || m.JobName == "" {
		return JobMessage{}, fmt.Errorf("job message missing required fields")
	}
	return m, nil
}

func DecodeStatusUpdate(b []byte) (StatusUpdateMessage, error) {
	var m StatusUpdateMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return StatusUpdateMessage{}, fmt.Errorf("invalid json: %w", err)
	}
	if m.CorrelationID == "" || m.Status == "" {
		return StatusUpdateMessage{}, fmt.Errorf("status update missing required fields")
	}
	return m, nil
}

func DecodeLogMessage(b []byte) (LogMessage, error) {
	var m LogMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return LogMessage{}, fmt.Errorf("invalid json: %w", err)
	}
	if m.CorrelationID == "" || m.Log.Message == "" {
		return LogMessage{}, fmt.Errorf("log message missing required fields")
	}
	return m, nil
}

func DecodeRegistration(b []byte) (RegistrationMessage, error) {
	var m RegistrationMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return RegistrationMessage{}, fmt.Errorf("invalid json: %w", err)
	}
	if m.WorkerID == "" || m.InstanceID == "" {
		return RegistrationMessage{}, fmt.Errorf("registration missing required fields")
	}
	return m, nil
}

func DecodeHeartbeat(b []byte) (HeartbeatMessage, error) {
	var m HeartbeatMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return HeartbeatMessage{}, fmt.Errorf("invalid json: %w", err)
	}
	if m.WorkerID == "" || m.InstanceID == "" {
		return HeartbeatMessage{}, fmt.Errorf("heartbeat missing required fields")
	}
	return m, nil
}

func DecodeFailedOccurrence(b []byte) (FailedOccurrenceMessage, error) {
	var m FailedOccurrenceMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return FailedOccurrenceMessage{}, fmt.Errorf("invalid json: %w", err)
	}
	if m.OccurrenceID == "" {
		return FailedOccurrenceMessage{}, fmt.Errorf("failed occurrence missing occurrence id")
	}
	return m, nil
}
