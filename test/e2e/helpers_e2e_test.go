//go:build e2e

// Package e2e_test drives a running stack (scheduler + worker + broker +
// stores, e.g. deploy/docker-compose.yml) through the admin API. Every test
// creates its own jobs and cleans them up; none assumes seeded data.
package e2e_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var baseURL = getenv("MILVAION_API_URL", "http://localhost:8080")

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvSeconds reads a duration knob expressed in whole seconds.
func getenvSeconds(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func newClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// requireAPI skips the test when the scheduler is not reachable, so the
// suite degrades to no-ops on machines without the compose stack.
func requireAPI(t *testing.T, client *http.Client) {
	t.Helper()
	resp, err := client.Get(baseURL + "/healthz")
	if err != nil {
		t.Skipf("scheduler not reachable at %s: %v", baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Skipf("scheduler unhealthy at %s: status %d", baseURL, resp.StatusCode)
	}
}

// doJSON sends body (nil for empty) and decodes the response into a map.
// A non-2xx status is returned, not fatal, so tests can assert on it.
func doJSON(t *testing.T, client *http.Client, method, path string, body any) (map[string]any, int) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, baseURL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "response body: %s", raw)
	}
	return out, resp.StatusCode
}

// createJob creates a job and registers cleanup that deactivates and then
// deletes it, retrying the delete until in-flight occurrences finish.
func createJob(t *testing.T, client *http.Client, body map[string]any) map[string]any {
	t.Helper()
	job, status := doJSON(t, client, http.MethodPost, "/v1/jobs", body)
	require.Equal(t, http.StatusCreated, status, "create job: %v", job)
	id, _ := job["id"].(string)
	require.NotEmpty(t, id)

	t.Cleanup(func() {
		_, _ = doJSON(t, client, http.MethodPost, "/v1/jobs/"+id+"/activate", map[string]any{"active": false})
		deadline := time.Now().Add(2 * time.Minute)
		for time.Now().Before(deadline) {
			if _, st := doJSON(t, client, http.MethodDelete, "/v1/jobs/"+id, nil); st == http.StatusNoContent || st == http.StatusNotFound {
				return
			}
			time.Sleep(2 * time.Second)
		}
		t.Logf("job %s not deleted before deadline", id)
	})
	return job
}

func triggerJob(t *testing.T, client *http.Client, jobID string) map[string]any {
	t.Helper()
	occ, status := doJSON(t, client, http.MethodPost, "/v1/jobs/"+jobID+"/trigger", nil)
	require.Equal(t, http.StatusAccepted, status, "trigger: %v", occ)
	require.NotEmpty(t, occ["id"])
	return occ
}

func listOccurrences(t *testing.T, client *http.Client, jobID string) []map[string]any {
	t.Helper()
	out, status := doJSON(t, client, http.MethodGet, "/v1/occurrences?jobId="+jobID+"&limit=200", nil)
	require.Equal(t, http.StatusOK, status, "list occurrences: %v", out)
	return asMaps(t, out["occurrences"])
}

func getOccurrence(t *testing.T, client *http.Client, id string) map[string]any {
	t.Helper()
	out, status := doJSON(t, client, http.MethodGet, "/v1/occurrences/"+id, nil)
	require.Equal(t, http.StatusOK, status, "get occurrence: %v", out)
	return out
}

// waitOccurrenceStatus polls one occurrence until it reaches want or the
// deadline passes, failing with the last observed state.
func waitOccurrenceStatus(t *testing.T, client *http.Client, id, want string, deadline time.Duration) map[string]any {
	t.Helper()
	var last map[string]any
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		last = getOccurrence(t, client, id)
		if last["status"] == want {
			return last
		}
		if terminal(last["status"]) {
			t.Fatalf("occurrence %s terminal as %v, wanted %s: %v", id, last["status"], want, last)
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("occurrence %s did not reach %s within %s, last: %v", id, want, deadline, last)
	return nil
}

func terminal(status any) bool {
	switch status {
	case "Completed", "Failed", "Cancelled", "TimedOut", "Unknown":
		return true
	}
	return false
}

func asMaps(t *testing.T, v any) []map[string]any {
	t.Helper()
	if v == nil {
		return nil
	}
	items, ok := v.([]any)
	require.True(t, ok, "expected array, got %T", v)
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		require.True(t, ok, "expected object, got %T", it)
		out = append(out, m)
	}
	return out
}

func countByStatus(occs []map[string]any) map[string]int {
	counts := map[string]int{}
	for _, o := range occs {
		if s, ok := o["status"].(string); ok {
			counts[s]++
		}
	}
	return counts
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// farFuture parks a trigger-only job: a definition needs a schedule, and one
// a day out never fires during a test run.
func farFuture() string {
	return time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)
}
