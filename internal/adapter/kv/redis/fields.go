package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Milvasoft/milvaion-sub004/internal/domain"
)

// Cache hash field names. The hash mirrors the columns the dispatcher needs
// to publish without a database read.
const (
	fieldID             = "id"
	fieldName           = "name"
	fieldWorkerID       = "worker_id"
	fieldHandler        = "handler"
	fieldPayload        = "payload"
	fieldVersion        = "version"
	fieldCron           = "cron"
	fieldExecuteAt      = "execute_at"
	fieldPolicy         = "policy"
	fieldTimeoutSeconds = "timeout_seconds"
	fieldZombieMinutes  = "zombie_minutes"
	fieldActive         = "active"
)

func jobToFieldArgs(j domain.Job) []interface{} {
	executeAt := ""
	if j.ExecuteAt != nil {
		executeAt = j.ExecuteAt.UTC().Format(time.RFC3339Nano)
	}
	timeoutSeconds := ""
	if j.ExecutionTimeoutSeconds != nil {
		timeoutSeconds = strconv.Itoa(*j.ExecutionTimeoutSeconds)
	}
	zombieMinutes := ""
	if j.ZombieTimeoutMinutes != nil {
		zombieMinutes = strconv.Itoa(*j.ZombieTimeoutMinutes)
	}
	active := "0"
	if j.IsActive {
		active = "1"
	}
	return []interface{}{
		fieldID, j.ID,
		fieldName, j.Name,
		fieldWorkerID, j.WorkerID,
		fieldHandler, j.HandlerName,
		fieldPayload, j.Payload,
		fieldVersion, strconv.Itoa(j.Version),
		fieldCron, j.CronExpression,
		fieldExecuteAt, executeAt,
		fieldPolicy, string(j.Policy),
		fieldTimeoutSeconds, timeoutSeconds,
		fieldZombieMinutes, zombieMinutes,
		fieldActive, active,
	}
}

func jobFromFields(fields map[string]string) (domain.Job, error) {
	j := domain.Job{
		ID:             fields[fieldID],
		Name:           fields[fieldName],
		WorkerID:       fields[fieldWorkerID],
		HandlerName:    fields[fieldHandler],
		Payload:        fields[fieldPayload],
		CronExpression: fields[fieldCron],
		Policy:         domain.ConcurrentPolicy(fields[fieldPolicy]),
		IsActive:       fields[fieldActive] == "1",
	}
	if j.ID == "" {
		return domain.Job{}, fmt.Errorf("cache hash missing id")
	}
	if v := fields[fieldVersion]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return domain.Job{}, fmt.Errorf("cache hash version: %w", err)
		}
		j.Version = n
	}
	if v := fields[fieldExecuteAt]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return domain.Job{}, fmt.Errorf("cache hash execute_at: %w", err)
		}
		j.ExecuteAt = &t
	}
	if v := fields[fieldTimeoutSeconds]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return domain.Job{}, fmt.Errorf("cache hash timeout_seconds: %w", err)
		}
		j.ExecutionTimeoutSeconds = &n
	}
	if v := fields[fieldZombieMinutes]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return domain.Job{}, fmt.Errorf("cache hash zombie_minutes: %w", err)
		}
		j.ZombieTimeoutMinutes = &n
	}
	if j.Policy == "" {
		j.Policy = domain.PolicySkip
	}
	return j, nil
}
