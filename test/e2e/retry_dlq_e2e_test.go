//go:build e2e

package e2e_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestE2E_RetryThenDeadLetter triggers a handler that always fails with a
// transient error and follows the chain into the dead letter list. Run the
// stack with RETRY_MAX_RETRIES=2 and RETRY_BASE_DELAY_SECONDS=1 to keep the
// chain short; the default deadline covers the stock delays too.
func TestE2E_RetryThenDeadLetter(t *testing.T) {
	t.Parallel()
	if testing.Short() {
		t.Skip("skipping e2e in short mode")
	}
	client := newClient()
	requireAPI(t, client)

	job := createJob(t, client, map[string]any{
		"name":        uniqueName("e2e-retry-dlq"),
		"workerId":    getenv("E2E_WORKER_ID", "default-worker"),
		"handlerName": "AlwaysFailTransient",
		"executeAt":   farFuture(),
		"isActive":    false,
		"policy":      "Skip",
	})
	jobID := job["id"].(string)
	triggerJob(t, client, jobID)

	deadline := time.Now().Add(getenvSeconds("E2E_DLQ_DEADLINE_SECONDS", 5*time.Minute))
	var entry map[string]any
	for time.Now().Before(deadline) {
		out, status := doJSON(t, client, "GET", "/v1/dlq?unresolved=true&limit=200", nil)
		require.Equal(t, 200, status, "list dead letters: %v", out)
		for _, dl := range asMaps(t, out["deadLetters"]) {
			if dl["jobId"] == jobID {
				entry = dl
				break
			}
		}
		if entry != nil {
			break
		}
		time.Sleep(3 * time.Second)
	}
	require.NotNil(t, entry, "dead letter for job %s never appeared", jobID)
	require.Equal(t, "MaxRetriesExceeded", entry["failureType"], "entry: %v", entry)
	require.False(t, entry["resolved"].(bool))

	// Each attempt is its own occurrence; all of them must be terminal Failed.
	counts := countByStatus(listOccurrences(t, client, jobID))
	require.GreaterOrEqual(t, counts["Failed"], 1, "attempts missing: %v", counts)
	require.Zero(t, counts["Completed"], "nothing should have completed: %v", counts)

	dlID := entry["id"].(string)
	out, status := doJSON(t, client, "POST", "/v1/dlq/"+dlID+"/resolve", map[string]any{"note": "seen in e2e"})
	require.Equal(t, 200, status, "resolve: %v", out)

	out, status = doJSON(t, client, "GET", "/v1/dlq?unresolved=true&limit=200", nil)
	require.Equal(t, 200, status)
	for _, dl := range asMaps(t, out["deadLetters"]) {
		require.NotEqual(t, dlID, dl["id"], "resolved entry still listed as unresolved")
	}
}
