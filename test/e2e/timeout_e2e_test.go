//go:build e2e

package e2e_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestE2E_ExecutionTimeout lets a 30s handler run against a 2s per-job
// timeout: the occurrence ends TimedOut quickly and the worker stays healthy
// enough to run the next trigger.
func TestE2E_ExecutionTimeout(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("skipping e2e in short mode")
	}
	client := newClient()
	requireAPI(t, client)

	job := createJob(t, client, map[string]any{
		"name":                    uniqueName("e2e-timeout"),
		"workerId":                getenv("E2E_WORKER_ID", "default-worker"),
		"handlerName":             "LongSleep",
		"payload":                 `{"seconds":30}`,
		"executeAt":               farFuture(),
		"isActive":                false,
		"policy":                  "Skip",
		"executionTimeoutSeconds": 2,
	})
	jobID := job["id"].(string)
	occ := triggerJob(t, client, jobID)

	final := waitOccurrenceStatus(t, client, occ["id"].(string), "TimedOut",
		getenvSeconds("E2E_TIMEOUT_DEADLINE_SECONDS", 90*time.Second))
	require.NotNil(t, final["endedAt"], "timed out occurrence must carry endedAt")
	if ms, ok := final["durationMs"].(float64); ok {
		require.Less(t, ms, float64(30000), "run must have been cut short, took %vms", ms)
	}

	// The worker survived the reaped goroutine: a fresh quick job completes.
	probe := createJob(t, client, map[string]any{
		"name":        uniqueName("e2e-timeout-probe"),
		"workerId":    getenv("E2E_WORKER_ID", "default-worker"),
		"handlerName": "Sleep1s",
		"executeAt":   farFuture(),
		"isActive":    false,
		"policy":      "Skip",
	})
	probeOcc := triggerJob(t, client, probe["id"].(string))
	waitOccurrenceStatus(t, client, probeOcc["id"].(string), "Completed",
		getenvSeconds("E2E_TIMEOUT_PROBE_DEADLINE_SECONDS", 60*time.Second))
}
