package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// maxBodyBytes caps admin request bodies; job payloads are small JSON.
const maxBodyBytes = 1 << 20

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// decodeBody reads a capped JSON body into v and runs struct validation.
// Errors carry ErrInvalidArgument so writeError maps them to 400.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err)
	}
	if err := getValidator().Struct(v); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, validationSummary(err))
	}
	return nil
}

func validationSummary(err error) string {
	ve, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		parts = append(parts, fmt.Sprintf("%s fails %q", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

type createJobRequest struct {
	Name                    string           `json:"name" validate:"required,max=200"`
	Description             string           `json:"description"`
	Tags                    string           `json:"tags"`
	WorkerID                string           `json:"workerId" validate:"required"`
	HandlerName             string           `json:"handlerName" validate:"required"`
	Payload                 string           `json:"payload"`
	ExecuteAt               *time.Time       `json:"executeAt"`
	CronExpression          string           `json:"cronExpression"`
	IsActive                *bool            `json:"isActive"`
	Policy                  string           `json:"policy" validate:"omitempty,oneof=Skip Queue"`
	ZombieTimeoutMinutes    *int             `json:"zombieTimeoutMinutes" validate:"omitempty,gte=1"`
	ExecutionTimeoutSeconds *int             `json:"executionTimeoutSeconds" validate:"omitempty,gte=0"`
	AutoDisable             *autoDisableBody `json:"autoDisable"`
}

// toJob maps the request onto a fresh definition. Jobs are active unless the
// request says otherwise; semantic validation stays with the job service.
func (req createJobRequest) toJob() domain.Job {
	j := domain.Job{
		Name:                    req.Name,
		Description:             req.Description,
		Tags:                    req.Tags,
		WorkerID:                req.WorkerID,
		HandlerName:             req.HandlerName,
		Payload:                 req.Payload,
		ExecuteAt:               req.ExecuteAt,
		CronExpression:          req.CronExpression,
		IsActive:                true,
		Policy:                  domain.ConcurrentPolicy(req.Policy),
		ZombieTimeoutMinutes:    req.ZombieTimeoutMinutes,
		ExecutionTimeoutSeconds: req.ExecutionTimeoutSeconds,
	}
	if req.IsActive != nil {
		j.IsActive = *req.IsActive
	}
	if req.AutoDisable != nil {
		j.AutoDisable = domain.AutoDisableSetting{Enabled: req.AutoDisable.Enabled, Threshold: req.AutoDisable.Threshold}
	}
	return j
}

// patchJobRequest carries a partial update. Absent fields leave the current
// definition untouched.
type patchJobRequest struct {
	Name                    *string          `json:"name" validate:"omitempty,max=200"`
	Description             *string          `json:"description"`
	Tags                    *string          `json:"tags"`
	WorkerID                *string          `json:"workerId"`
	HandlerName             *string          `json:"handlerName"`
	Payload                 *string          `json:"payload"`
	ExecuteAt               *time.Time       `json:"executeAt"`
	CronExpression          *string          `json:"cronExpression"`
	IsActive                *bool            `json:"isActive"`
	Policy                  *string          `json:"policy" validate:"omitempty,oneof=Skip Queue"`
	ZombieTimeoutMinutes    *int             `json:"zombieTimeoutMinutes" validate:"omitempty,gte=1"`
	ExecutionTimeoutSeconds *int             `json:"executionTimeoutSeconds" validate:"omitempty,gte=0"`
	AutoDisable             *autoDisableBody `json:"autoDisable"`

	// clearExecuteAt is set during decode when the body carried an explicit
	// null, which a *time.Time cannot distinguish from an absent key.
	clearExecuteAt bool
}

// decodePatch decodes a partial update, detecting `"executeAt": null` so a
// one-shot job can be converted to cron-only.
func decodePatch(w http.ResponseWriter, r *http.Request) (patchJobRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return patchJobRequest{}, fmt.Errorf("%w: read body: %v", domain.ErrInvalidArgument, err)
	}
	var req patchJobRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return patchJobRequest{}, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err)
	}
	if err := getValidator().Struct(req); err != nil {
		return patchJobRequest{}, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, validationSummary(err))
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err == nil {
		if raw, ok := keys["executeAt"]; ok && string(bytes.TrimSpace(raw)) == "null" {
			req.clearExecuteAt = true
		}
	}
	return req, nil
}

// apply merges the patch onto the current definition.
func (req patchJobRequest) apply(j domain.Job) domain.Job {
	if req.Name != nil {
		j.Name = *req.Name
	}
	if req.Description != nil {
		j.Description = *req.Description
	}
	if req.Tags != nil {
		j.Tags = *req.Tags
	}
	if req.WorkerID != nil {
		j.WorkerID = *req.WorkerID
	}
	if req.HandlerName != nil {
		j.HandlerName = *req.HandlerName
	}
	if req.Payload != nil {
		j.Payload = *req.Payload
	}
	if req.ExecuteAt != nil {
		j.ExecuteAt = req.ExecuteAt
	}
	if req.clearExecuteAt {
		j.ExecuteAt = nil
	}
	if req.CronExpression != nil {
		j.CronExpression = *req.CronExpression
	}
	if req.IsActive != nil {
		j.IsActive = *req.IsActive
	}
	if req.Policy != nil {
		j.Policy = domain.ConcurrentPolicy(*req.Policy)
	}
	if req.ZombieTimeoutMinutes != nil {
		j.ZombieTimeoutMinutes = req.ZombieTimeoutMinutes
	}
	if req.ExecutionTimeoutSeconds != nil {
		j.ExecutionTimeoutSeconds = req.ExecutionTimeoutSeconds
	}
	if req.AutoDisable != nil {
		j.AutoDisable = domain.AutoDisableSetting{Enabled: req.AutoDisable.Enabled, Threshold: req.AutoDisable.Threshold}
	}
	return j
}

type activateRequest struct {
	Active *bool `json:"active"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type resolveRequest struct {
	Note string `json:"note" validate:"max=2000"`
}

// listParams are the shared pagination query parameters.
type listParams struct {
	Limit  int
	Offset int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func parseListParams(r *http.Request) (listParams, error) {
	p := listParams{Limit: defaultListLimit}
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxListLimit {
			return p, fmt.Errorf("%w: limit must be 1..%d", domain.ErrInvalidArgument, maxListLimit)
		}
		p.Limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return p, fmt.Errorf("%w: offset must be >= 0", domain.ErrInvalidArgument)
		}
		p.Offset = n
	}
	return p, nil
}

func parseBoolParam(r *http.Request, name string) (*bool, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be true or false", domain.ErrInvalidArgument, name)
	}
	return &v, nil
}

var errMissingJobID = fmt.Errorf("%w: jobId query parameter is required", domain.ErrInvalidArgument)
