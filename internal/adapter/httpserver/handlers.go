// Package httpserver contains the admin/ops HTTP handlers: job definition
// CRUD, manual triggers, occurrence inspection and cancellation, the worker
// directory, dead-letter review, dispatcher control and the health probes.
// Transport concerns stop here; everything of substance lives in the
// scheduler services.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Milvasoft/milvaion-sub004/internal/config"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// JobAdmin is the slice of the job service the API exposes.
type JobAdmin interface {
	Create(ctx domain.Context, j domain.Job) (domain.Job, error)
	Get(ctx domain.Context, id string) (domain.Job, error)
	List(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error)
	Update(ctx domain.Context, j domain.Job) (domain.Job, error)
	Delete(ctx domain.Context, id string) error
	SetActive(ctx domain.Context, id string, active bool) (domain.Job, error)
	Trigger(ctx domain.Context, id string) (domain.Occurrence, error)
	Occurrence(ctx domain.Context, id string) (domain.Occurrence, error)
	Occurrences(ctx domain.Context, jobID string, limit, offset int) ([]domain.Occurrence, error)
	OccurrenceLogs(ctx domain.Context, occurrenceID string, limit int) ([]domain.OccurrenceLog, error)
	Cancel(ctx domain.Context, occurrenceID, reason string) error
	DeadLetters(ctx domain.Context, onlyUnresolved bool, limit, offset int) ([]domain.FailedOccurrence, error)
	ResolveDeadLetter(ctx domain.Context, id, note string) error
	DispatcherStatus(ctx domain.Context) (bool, error)
	PauseDispatcher(ctx domain.Context) error
	ResumeDispatcher(ctx domain.Context) error
}

// WorkerDirectory is the slice of the worker registry the API reads.
type WorkerDirectory interface {
	Workers(ctx domain.Context) ([]domain.WorkerInfo, error)
	Worker(ctx domain.Context, workerID string) (domain.WorkerInfo, error)
}

// Server aggregates the handler dependencies.
type Server struct {
	Cfg     config.Config
	Jobs    JobAdmin
	Workers WorkerDirectory

	DBCheck     func(ctx context.Context) error
	KVCheck     func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
}

// NewServer constructs the handler set with all checks wired.
func NewServer(cfg config.Config, jobs JobAdmin, workers WorkerDirectory, dbCheck, kvCheck, brokerCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:         cfg,
		Jobs:        jobs,
		Workers:     workers,
		DBCheck:     dbCheck,
		KVCheck:     kvCheck,
		BrokerCheck: brokerCheck,
	}
}

// CreateJobHandler registers a new job definition.
func (s *Server) CreateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, err := s.Jobs.Create(r.Context(), req.toJob())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toJobResponse(job))
	}
}

// ListJobsHandler lists definitions with optional isActive/workerId filters.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := parseListParams(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		isActive, err := parseBoolParam(r, "isActive")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		f := domain.JobFilter{
			IsActive: isActive,
			WorkerID: r.URL.Query().Get("workerId"),
			Limit:    p.Limit,
			Offset:   p.Offset,
		}
		jobs, err := s.Jobs.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": toJobResponses(jobs)})
	}
}

// GetJobHandler returns one definition.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// PatchJobHandler applies a partial update: absent fields stay unchanged.
func (s *Server) PatchJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		req, err := decodePatch(w, r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		current, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		updated, err := s.Jobs.Update(r.Context(), req.apply(current))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(updated))
	}
}

// DeleteJobHandler removes a definition; 409 while occurrences are in flight.
func (s *Server) DeleteJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Jobs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// TriggerJobHandler launches an occurrence outside the schedule.
func (s *Server) TriggerJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		occ, err := s.Jobs.Trigger(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, toOccurrenceResponse(occ))
	}
}

// ActivateJobHandler flips activation. An empty body activates; the optional
// {"active": false} form disables.
func (s *Server) ActivateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := true
		if r.Body != nil && r.ContentLength != 0 {
			var req activateRequest
			if err := decodeBody(w, r, &req); err != nil {
				writeError(w, r, err, nil)
				return
			}
			if req.Active != nil {
				active = *req.Active
			}
		}
		job, err := s.Jobs.SetActive(r.Context(), chi.URLParam(r, "id"), active)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// ListOccurrencesHandler lists a job's occurrences, newest first.
func (s *Server) ListOccurrencesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.URL.Query().Get("jobId")
		if jobID == "" {
			writeError(w, r, errMissingJobID, nil)
			return
		}
		p, err := parseListParams(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		occs, err := s.Jobs.Occurrences(r.Context(), jobID, p.Limit, p.Offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"occurrences": toOccurrenceResponses(occs)})
	}
}

// GetOccurrenceHandler returns one occurrence with its status history.
func (s *Server) GetOccurrenceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		occ, err := s.Jobs.Occurrence(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toOccurrenceResponse(occ))
	}
}

// OccurrenceLogsHandler returns the worker log trail in arrival order.
func (s *Server) OccurrenceLogsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := parseListParams(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		logs, err := s.Jobs.OccurrenceLogs(r.Context(), chi.URLParam(r, "id"), p.Limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"logs": toOccurrenceLogBodies(logs)})
	}
}

// CancelOccurrenceHandler requests cancellation of one occurrence.
func (s *Server) CancelOccurrenceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cancelRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := decodeBody(w, r, &req); err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		if err := s.Jobs.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
	}
}

// ListWorkersHandler returns the fleet directory with derived liveness.
func (s *Server) ListWorkersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workers, err := s.Workers.Workers(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]workerResponse, 0, len(workers))
		for _, wk := range workers {
			out = append(out, toWorkerResponse(wk))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"workers": out})
	}
}

// GetWorkerHandler returns one fleet entry.
func (s *Server) GetWorkerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wk, err := s.Workers.Worker(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toWorkerResponse(wk))
	}
}

// ListDeadLettersHandler lists dead-letter rows, unresolved ones by default.
func (s *Server) ListDeadLettersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := parseListParams(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		unresolved, err := parseBoolParam(r, "unresolved")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		onlyUnresolved := unresolved == nil || *unresolved
		rows, err := s.Jobs.DeadLetters(r.Context(), onlyUnresolved, p.Limit, p.Offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]deadLetterResponse, 0, len(rows))
		for _, f := range rows {
			out = append(out, toDeadLetterResponse(f))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"deadLetters": out})
	}
}

// ResolveDeadLetterHandler marks a dead-letter row handled.
func (s *Server) ResolveDeadLetterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resolveRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := decodeBody(w, r, &req); err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		if err := s.Jobs.ResolveDeadLetter(r.Context(), chi.URLParam(r, "id"), req.Note); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	}
}

// DispatcherStatusHandler reports the emergency-stop flag.
func (s *Server) DispatcherStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		paused, err := s.Jobs.DispatcherStatus(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"paused": paused})
	}
}

// PauseDispatcherHandler raises the emergency stop.
func (s *Server) PauseDispatcherHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Jobs.PauseDispatcher(r.Context()); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
	}
}

// ResumeDispatcherHandler clears the emergency stop.
func (s *Server) ResumeDispatcherHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Jobs.ResumeDispatcher(r.Context()); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
	}
}

// HealthzHandler is the liveness probe: the process is up.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes the database, the KV store and the broker. Any failed
// probe makes the whole response 503.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	probes := []struct {
		name string
		fn   func() func(ctx context.Context) error
	}{
		{"db", func() func(ctx context.Context) error { return s.DBCheck }},
		{"kv", func() func(ctx context.Context) error { return s.KVCheck }},
		{"broker", func() func(ctx context.Context) error { return s.BrokerCheck }},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, len(probes))
		ok := true
		for _, p := range probes {
			fn := p.fn()
			if fn == nil {
				continue
			}
			if err := fn(ctx); err != nil {
				checks = append(checks, check{Name: p.name, OK: false, Details: err.Error()})
				ok = false
			} else {
				checks = append(checks, check{Name: p.name, OK: true})
			}
		}
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]interface{}{"checks": checks})
	}
}
