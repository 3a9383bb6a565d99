package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	httpserver "github.com/Milvasoft/milvaion-sub004/internal/adapter/httpserver"
	"github.com/Milvasoft/milvaion-sub004/internal/config"
	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

type fakeAdmin struct {
	createFn           func(domain.Job) (domain.Job, error)
	getFn              func(string) (domain.Job, error)
	listFn             func(domain.JobFilter) ([]domain.Job, error)
	updateFn           func(domain.Job) (domain.Job, error)
	deleteFn           func(string) error
	setActiveFn        func(string, bool) (domain.Job, error)
	triggerFn          func(string) (domain.Occurrence, error)
	occurrenceFn       func(string) (domain.Occurrence, error)
	occurrencesFn      func(string, int, int) ([]domain.Occurrence, error)
	occurrenceLogsFn   func(string, int) ([]domain.OccurrenceLog, error)
	cancelFn           func(string, string) error
	deadLettersFn      func(bool, int, int) ([]domain.FailedOccurrence, error)
	resolveFn          func(string, string) error
	dispatcherStatusFn func() (bool, error)
	pauseFn            func() error
	resumeFn           func() error
}

func (f *fakeAdmin) Create(_ context.Context, j domain.Job) (domain.Job, error) {
	if f.createFn != nil {
		return f.createFn(j)
	}
	return j, nil
}

func (f *fakeAdmin) Get(_ context.Context, id string) (domain.Job, error) {
	if f.getFn != nil {
		return f.getFn(id)
	}
	return domain.Job{ID: id}, nil
}

func (f *fakeAdmin) List(_ context.Context, flt domain.JobFilter) ([]domain.Job, error) {
	if f.listFn != nil {
		return f.listFn(flt)
	}
	return nil, nil
}

func (f *fakeAdmin) Update(_ context.Context, j domain.Job) (domain.Job, error) {
	if f.updateFn != nil {
		return f.updateFn(j)
	}
	return j, nil
}

func (f *fakeAdmin) Delete(_ context.Context, id string) error {
	if f.deleteFn != nil {
		return f.deleteFn(id)
	}
	return nil
}

func (f *fakeAdmin) SetActive(_ context.Context, id string, active bool) (domain.Job, error) {
	if f.setActiveFn != nil {
		return f.setActiveFn(id, active)
	}
	return domain.Job{ID: id, IsActive: active}, nil
}

func (f *fakeAdmin) Trigger(_ context.Context, id string) (domain.Occurrence, error) {
	if f.triggerFn != nil {
		return f.triggerFn(id)
	}
	return domain.Occurrence{JobID: id}, nil
}

func (f *fakeAdmin) Occurrence(_ context.Context, id string) (domain.Occurrence, error) {
	if f.occurrenceFn != nil {
		return f.occurrenceFn(id)
	}
	return domain.Occurrence{ID: id}, nil
}

func (f *fakeAdmin) Occurrences(_ context.Context, jobID string, limit, offset int) ([]domain.Occurrence, error) {
	if f.occurrencesFn != nil {
		return f.occurrencesFn(jobID, limit, offset)
	}
	return nil, nil
}

func (f *fakeAdmin) OccurrenceLogs(_ context.Context, occurrenceID string, limit int) ([]domain.OccurrenceLog, error) {
	if f.occurrenceLogsFn != nil {
		return f.occurrenceLogsFn(occurrenceID, limit)
	}
	return nil, nil
}

func (f *fakeAdmin) Cancel(_ context.Context, occurrenceID, reason string) error {
	if f.cancelFn != nil {
		return f.cancelFn(occurrenceID, reason)
	}
	return nil
}

func (f *fakeAdmin) DeadLetters(_ context.Context, onlyUnresolved bool, limit, offset int) ([]domain.FailedOccurrence, error) {
	if f.deadLettersFn != nil {
		return f.deadLettersFn(onlyUnresolved, limit, offset)
	}
	return nil, nil
}

func (f *fakeAdmin) ResolveDeadLetter(_ context.Context, id, note string) error {
	if f.resolveFn != nil {
		return f.resolveFn(id, note)
	}
	return nil
}

func (f *fakeAdmin) DispatcherStatus(_ context.Context) (bool, error) {
	if f.dispatcherStatusFn != nil {
		return f.dispatcherStatusFn()
	}
	return false, nil
}

func (f *fakeAdmin) PauseDispatcher(_ context.Context) error {
	if f.pauseFn != nil {
		return f.pauseFn()
	}
	return nil
}

func (f *fakeAdmin) ResumeDispatcher(_ context.Context) error {
	if f.resumeFn != nil {
		return f.resumeFn()
	}
	return nil
}

type fakeDirectory struct {
	workersFn func() ([]domain.WorkerInfo, error)
	workerFn  func(string) (domain.WorkerInfo, error)
}

func (f *fakeDirectory) Workers(_ context.Context) ([]domain.WorkerInfo, error) {
	if f.workersFn != nil {
		return f.workersFn()
	}
	return nil, nil
}

func (f *fakeDirectory) Worker(_ context.Context, workerID string) (domain.WorkerInfo, error) {
	if f.workerFn != nil {
		return f.workerFn(workerID)
	}
	return domain.WorkerInfo{WorkerID: workerID}, nil
}

func newTestRouter(admin *fakeAdmin, dir *fakeDirectory) http.Handler {
	srv := httpserver.NewServer(config.Config{Port: 8080, AppEnv: "dev"}, admin, dir, nil, nil, nil)
	r := chi.NewRouter()
	r.Post("/v1/jobs", srv.CreateJobHandler())
	r.Get("/v1/jobs", srv.ListJobsHandler())
	r.Get("/v1/jobs/{id}", srv.GetJobHandler())
	r.Patch("/v1/jobs/{id}", srv.PatchJobHandler())
	r.Delete("/v1/jobs/{id}", srv.DeleteJobHandler())
	r.Post("/v1/jobs/{id}/trigger", srv.TriggerJobHandler())
	r.Post("/v1/jobs/{id}/activate", srv.ActivateJobHandler())
	r.Get("/v1/occurrences", srv.ListOccurrencesHandler())
	r.Get("/v1/occurrences/{id}", srv.GetOccurrenceHandler())
	r.Get("/v1/occurrences/{id}/logs", srv.OccurrenceLogsHandler())
	r.Post("/v1/occurrences/{id}/cancel", srv.CancelOccurrenceHandler())
	r.Get("/v1/workers", srv.ListWorkersHandler())
	r.Get("/v1/workers/{id}", srv.GetWorkerHandler())
	r.Get("/v1/dlq", srv.ListDeadLettersHandler())
	r.Post("/v1/dlq/{id}/resolve", srv.ResolveDeadLetterHandler())
	r.Get("/v1/dispatcher/status", srv.DispatcherStatusHandler())
	r.Post("/v1/dispatcher/pause", srv.PauseDispatcherHandler())
	r.Post("/v1/dispatcher/resume", srv.ResumeDispatcherHandler())
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	return r
}

func doJSON(t *testing.T, router http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, bytes.NewReader([]byte(body)))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestCreateJob_DefaultsActive(t *testing.T) {
	var got domain.Job
	admin := &fakeAdmin{createFn: func(j domain.Job) (domain.Job, error) {
		got = j
		got.ID = "job-1"
		got.Version = 1
		return got, nil
	}}
	router := newTestRouter(admin, &fakeDirectory{})

	w := doJSON(t, router, http.MethodPost, "/v1/jobs",
		`{"name":"nightly-report","workerId":"reporting","handlerName":"BuildReport","cronExpression":"0 3 * * *","payload":"{\"day\":\"today\"}"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	require.Equal(t, "nightly-report", got.Name)
	require.Equal(t, "reporting", got.WorkerID)
	require.Equal(t, "BuildReport", got.HandlerName)
	require.True(t, got.IsActive)

	var resp struct {
		ID       string `json:"id"`
		IsActive bool   `json:"isActive"`
		Version  int    `json:"version"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "job-1", resp.ID)
	require.True(t, resp.IsActive)
	require.Equal(t, 1, resp.Version)
}

func TestCreateJob_MissingRequiredFields(t *testing.T) {
	router := newTestRouter(&fakeAdmin{}, &fakeDirectory{})
	w := doJSON(t, router, http.MethodPost, "/v1/jobs", `{"name":"x"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "INVALID_ARGUMENT", errorCode(t, w))
}

func TestCreateJob_RejectsUnknownField(t *testing.T) {
	router := newTestRouter(&fakeAdmin{}, &fakeDirectory{})
	w := doJSON(t, router, http.MethodPost, "/v1/jobs",
		`{"name":"a","workerId":"w","handlerName":"H","croExpression":"* * * * *"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJob_NotFound(t *testing.T) {
	admin := &fakeAdmin{getFn: func(string) (domain.Job, error) {
		return domain.Job{}, domain.ErrNotFound
	}}
	router := newTestRouter(admin, &fakeDirectory{})
	w := doJSON(t, router, http.MethodGet, "/v1/jobs/missing", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "NOT_FOUND", errorCode(t, w))
}

func TestListJobs_PassesFilter(t *testing.T) {
	var got domain.JobFilter
	admin := &fakeAdmin{listFn: func(f domain.JobFilter) ([]domain.Job, error) {
		got = f
		return []domain.Job{{ID: "j1", Name: "one"}, {ID: "j2", Name: "two"}}, nil
	}}
	router := newTestRouter(admin, &fakeDirectory{})

	w := doJSON(t, router, http.MethodGet, "/v1/jobs?isActive=true&workerId=reporting&limit=2&offset=4", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, got.IsActive)
	require.True(t, *got.IsActive)
	require.Equal(t, "reporting", got.WorkerID)
	require.Equal(t, 2, got.Limit)
	require.Equal(t, 4, got.Offset)

	var resp struct {
		Jobs []struct {
			ID string `json:"id"`
		} `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 2)
}

func TestListJobs_RejectsBadLimit(t *testing.T) {
	router := newTestRouter(&fakeAdmin{}, &fakeDirectory{})
	w := doJSON(t, router, http.MethodGet, "/v1/jobs?limit=5000", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPatchJob_MergesAndClearsExecuteAt(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := domain.Job{
		ID:             "j1",
		Name:           "nightly",
		WorkerID:       "reporting",
		HandlerName:    "BuildReport",
		CronExpression: "0 3 * * *",
		ExecuteAt:      &at,
		IsActive:       true,
		Policy:         domain.PolicySkip,
		Version:        2,
	}
	var updated domain.Job
	admin := &fakeAdmin{
		getFn:    func(string) (domain.Job, error) { return current, nil },
		updateFn: func(j domain.Job) (domain.Job, error) { updated = j; return j, nil },
	}
	router := newTestRouter(admin, &fakeDirectory{})

	w := doJSON(t, router, http.MethodPatch, "/v1/jobs/j1",
		`{"description":"cleanup pass","executeAt":null}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "cleanup pass", updated.Description)
	require.Nil(t, updated.ExecuteAt)
	require.Equal(t, "nightly", updated.Name)
	require.Equal(t, "0 3 * * *", updated.CronExpression)
	require.Equal(t, 2, updated.Version)
}

func TestPatchJob_SetsNewSchedule(t *testing.T) {
	current := domain.Job{ID: "j1", Name: "n", WorkerID: "w", HandlerName: "H", IsActive: true}
	var updated domain.Job
	admin := &fakeAdmin{
		getFn:    func(string) (domain.Job, error) { return current, nil },
		updateFn: func(j domain.Job) (domain.Job, error) { updated = j; return j, nil },
	}
	router := newTestRouter(admin, &fakeDirectory{})

	w := doJSON(t, router, http.MethodPatch, "/v1/jobs/j1",
		`{"cronExpression":"*/5 * * * *","policy":"Queue"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "*/5 * * * *", updated.CronExpression)
	require.Equal(t, domain.PolicyQueue, updated.Policy)
}

func TestDeleteJob(t *testing.T) {
	admin := &fakeAdmin{}
	router := newTestRouter(admin, &fakeDirectory{})
	w := doJSON(t, router, http.MethodDelete, "/v1/jobs/j1", "")
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestDeleteJob_InFlightConflict(t *testing.T) {
	admin := &fakeAdmin{deleteFn: func(string) error { return domain.ErrConflict }}
	router := newTestRouter(admin, &fakeDirectory{})
	w := doJSON(t, router, http.MethodDelete, "/v1/jobs/j1", "")
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "CONFLICT", errorCode(t, w))
}

func TestTriggerJob_Accepted(t *testing.T) {
	admin := &fakeAdmin{triggerFn: func(id string) (domain.Occurrence, error) {
		return domain.Occurrence{ID: "occ-7", JobID: id, Status: domain.OccurrenceQueued}, nil
	}}
	router := newTestRouter(admin, &fakeDirectory{})

	w := doJSON(t, router, http.MethodPost, "/v1/jobs/j1/trigger", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		ID    string `json:"id"`
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "occ-7", resp.ID)
	require.Equal(t, "j1", resp.JobID)
}

func TestActivateJob_EmptyBodyActivates(t *testing.T) {
	var gotActive bool
	admin := &fakeAdmin{setActiveFn: func(id string, active bool) (domain.Job, error) {
		gotActive = active
		return domain.Job{ID: id, IsActive: active}, nil
	}}
	router := newTestRouter(admin, &fakeDirectory{})

	w := doJSON(t, router, http.MethodPost, "/v1/jobs/j1/activate", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, gotActive)
}

func TestActivateJob_ExplicitDeactivate(t *testing.T) {
	var gotActive bool
	admin := &fakeAdmin{setActiveFn: func(id string, active bool) (domain.Job, error) {
		gotActive = active
		return domain.Job{ID: id, IsActive: active}, nil
	}}
	router := newTestRouter(admin, &fakeDirectory{})

	w := doJSON(t, router, http.MethodPost, "/v1/jobs/j1/activate", `{"active":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, gotActive)
}
