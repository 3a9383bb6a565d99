package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		code = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
		code = "CONFLICT"
	case errors.Is(err, domain.ErrStateViolation):
		status = http.StatusConflict
		code = "STATE_VIOLATION"
	case errors.Is(err, domain.ErrUnavailable):
		status = http.StatusServiceUnavailable
		code = "UNAVAILABLE"
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: err.Error(), Details: details}})
}

type autoDisableBody struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Threshold *int  `json:"threshold,omitempty" validate:"omitempty,gte=1"`
}

type jobResponse struct {
	ID                      string           `json:"id"`
	Name                    string           `json:"name"`
	Description             string           `json:"description,omitempty"`
	Tags                    string           `json:"tags,omitempty"`
	WorkerID                string           `json:"workerId"`
	HandlerName             string           `json:"handlerName"`
	Payload                 string           `json:"payload,omitempty"`
	ExecuteAt               *time.Time       `json:"executeAt,omitempty"`
	CronExpression          string           `json:"cronExpression,omitempty"`
	IsActive                bool             `json:"isActive"`
	Policy                  string           `json:"policy"`
	ZombieTimeoutMinutes    *int             `json:"zombieTimeoutMinutes,omitempty"`
	ExecutionTimeoutSeconds *int             `json:"executionTimeoutSeconds,omitempty"`
	Version                 int              `json:"version"`
	AutoDisable             *autoDisableBody `json:"autoDisable,omitempty"`
	ConsecutiveFailures     int              `json:"consecutiveFailures"`
	LastFailureAt           *time.Time       `json:"lastFailureAt,omitempty"`
	CreatedAt               time.Time        `json:"createdAt"`
	UpdatedAt               time.Time        `json:"updatedAt"`
}

func toJobResponse(j domain.Job) jobResponse {
	resp := jobResponse{
		ID:                      j.ID,
		Name:                    j.Name,
		Description:             j.Description,
		Tags:                    j.Tags,
		WorkerID:                j.WorkerID,
		HandlerName:             j.HandlerName,
		Payload:                 j.Payload,
		ExecuteAt:               j.ExecuteAt,
		CronExpression:          j.CronExpression,
		IsActive:                j.IsActive,
		Policy:                  string(j.Policy),
		ZombieTimeoutMinutes:    j.ZombieTimeoutMinutes,
		ExecutionTimeoutSeconds: j.ExecutionTimeoutSeconds,
		Version:                 j.Version,
		ConsecutiveFailures:     j.ConsecutiveFailures,
		LastFailureAt:           j.LastFailureAt,
		CreatedAt:               j.CreatedAt,
		UpdatedAt:               j.UpdatedAt,
	}
	if j.AutoDisable.Enabled != nil || j.AutoDisable.Threshold != nil {
		resp.AutoDisable = &autoDisableBody{Enabled: j.AutoDisable.Enabled, Threshold: j.AutoDisable.Threshold}
	}
	return resp
}

func toJobResponses(jobs []domain.Job) []jobResponse {
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	return out
}

type statusChangeBody struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

type occurrenceResponse struct {
	ID              string             `json:"id"`
	JobID           string             `json:"jobId"`
	WorkerID        string             `json:"workerId"`
	HandlerName     string             `json:"handlerName"`
	JobVersion      int                `json:"jobVersion"`
	Status          string             `json:"status"`
	StartedAt       *time.Time         `json:"startedAt,omitempty"`
	EndedAt         *time.Time         `json:"endedAt,omitempty"`
	DurationMs      *int64             `json:"durationMs,omitempty"`
	Result          *string            `json:"result,omitempty"`
	Exception       *string            `json:"exception,omitempty"`
	RetryCount      int                `json:"retryCount"`
	LastHeartbeatAt *time.Time         `json:"lastHeartbeatAt,omitempty"`
	StatusHistory   []statusChangeBody `json:"statusHistory,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

func toOccurrenceResponse(o domain.Occurrence) occurrenceResponse {
	resp := occurrenceResponse{
		ID:              o.ID,
		JobID:           o.JobID,
		WorkerID:        o.WorkerID,
		HandlerName:     o.HandlerName,
		JobVersion:      o.JobVersion,
		Status:          string(o.Status),
		StartedAt:       o.StartedAt,
		EndedAt:         o.EndedAt,
		DurationMs:      o.DurationMs,
		Result:          o.Result,
		Exception:       o.Exception,
		RetryCount:      o.RetryCount,
		LastHeartbeatAt: o.LastHeartbeatAt,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	for _, sc := range o.StatusHistory {
		resp.StatusHistory = append(resp.StatusHistory, statusChangeBody{Status: string(sc.Status), At: sc.At})
	}
	return resp
}

func toOccurrenceResponses(occs []domain.Occurrence) []occurrenceResponse {
	out := make([]occurrenceResponse, 0, len(occs))
	for _, o := range occs {
		out = append(out, toOccurrenceResponse(o))
	}
	return out
}

type occurrenceLogBody struct {
	Timestamp     time.Time `json:"timestamp"`
	Level         string    `json:"level"`
	Message       string    `json:"message"`
	Data          string    `json:"data,omitempty"`
	Category      string    `json:"category,omitempty"`
	ExceptionType string    `json:"exceptionType,omitempty"`
}

func toOccurrenceLogBodies(logs []domain.OccurrenceLog) []occurrenceLogBody {
	out := make([]occurrenceLogBody, 0, len(logs))
	for _, l := range logs {
		out = append(out, occurrenceLogBody{
			Timestamp:     l.Timestamp,
			Level:         l.Level,
			Message:       l.Message,
			Data:          l.Data,
			Category:      l.Category,
			ExceptionType: l.ExceptionType,
		})
	}
	return out
}

type handlerInfoBody struct {
	Name                    string `json:"name"`
	RoutingPattern          string `json:"routingPattern"`
	MaxParallelJobs         int    `json:"maxParallelJobs"`
	ExecutionTimeoutSeconds int    `json:"executionTimeoutSeconds"`
	JobDataSchema           string `json:"jobDataSchema,omitempty"`
}

type workerResponse struct {
	WorkerID        string            `json:"workerId"`
	Handlers        []handlerInfoBody `json:"handlers"`
	CurrentJobs     int               `json:"currentJobs"`
	MaxParallelJobs int               `json:"maxParallelJobs"`
	LastHeartbeatAt *time.Time        `json:"lastHeartbeatAt,omitempty"`
	Status          string            `json:"status"`
	Version         string            `json:"version,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	RegisteredAt    time.Time         `json:"registeredAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

func toWorkerResponse(w domain.WorkerInfo) workerResponse {
	handlers := make([]handlerInfoBody, 0, len(w.Handlers))
	for _, h := range w.Handlers {
		handlers = append(handlers, handlerInfoBody{
			Name:                    h.Name,
			RoutingPattern:          h.RoutingPattern,
			MaxParallelJobs:         h.MaxParallelJobs,
			ExecutionTimeoutSeconds: h.ExecutionTimeoutSeconds,
			JobDataSchema:           h.JobDataSchema,
		})
	}
	return workerResponse{
		WorkerID:        w.WorkerID,
		Handlers:        handlers,
		CurrentJobs:     w.CurrentJobs,
		MaxParallelJobs: w.MaxParallelJobs,
		LastHeartbeatAt: w.LastHeartbeatAt,
		Status:          string(w.Status),
		Version:         w.Version,
		Metadata:        w.Metadata,
		RegisteredAt:    w.RegisteredAt,
		UpdatedAt:       w.UpdatedAt,
	}
}

type deadLetterResponse struct {
	ID             string     `json:"id"`
	JobID          string     `json:"jobId"`
	OccurrenceID   string     `json:"occurrenceId"`
	Exception      string     `json:"exception"`
	RetryCount     int        `json:"retryCount"`
	FailureType    string     `json:"failureType"`
	Resolved       bool       `json:"resolved"`
	ResolutionNote *string    `json:"resolutionNote,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

func toDeadLetterResponse(f domain.FailedOccurrence) deadLetterResponse {
	return deadLetterResponse{
		ID:             f.ID,
		JobID:          f.JobID,
		OccurrenceID:   f.OccurrenceID,
		Exception:      f.Exception,
		RetryCount:     f.RetryCount,
		FailureType:    string(f.FailureType),
		Resolved:       f.Resolved,
		ResolutionNote: f.ResolutionNote,
		ResolvedAt:     f.ResolvedAt,
		CreatedAt:      f.CreatedAt,
	}
}
