package contract

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestJobMessageRoundTrip(t *testing.T) {
	sent := JobMessage{
		JobID:                   "job-1",
		CorrelationID:           "01J9LZ2V0WLTEST0000000000",
		JobName:                 "SendInvoice",
		JobData:                 `{"invoiceId":42}`,
		JobVersion:              3,
		ExecutionTimeoutSeconds: intPtr(120),
		PublishedAt:             time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	b, err := json.Marshal(sent)
	require.NoError(t, err)

	got, err := DecodeJobMessage(b)
	require.NoError(t, err)
	require.Equal(t, sent, got)

	// Field names are the cross-language contract.
	for _, field := range []string{"jobId", "correlationId", "jobName", "jobData", "jobVersion", "executionTimeoutSeconds", "publishedAt"} {
		require.Contains(t, string(b), `"`+field+`"`)
	}
	require.NotContains(t, string(b), "zombieTimeoutMinutes", "unset optionals must be omitted")
}

func TestStatusUpdateRoundTrip(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)
	dur := int64(1500)
	result := "ok"
	sent := StatusUpdateMessage{
		CorrelationID:    "01J9LZ2V0WLTEST0000000000",
		JobID:            "job-1",
		WorkerID:         "billing-worker",
		Status:           "Completed",
		StartTime:        &start,
		EndTime:          &end,
		DurationMs:       &dur,
		Result:           &result,
		MessageTimestamp: end,
	}
	b, err := json.Marshal(sent)
	require.NoError(t, err)

	got, err := DecodeStatusUpdate(b)
	require.NoError(t, err)
	require.Equal(t, sent, got)
	require.NotContains(t, string(b), `"exception"`)
}

func TestLogRegistrationHeartbeatRoundTrip(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	lm := LogMessage{
		CorrelationID:    "corr-1",
		WorkerID:         "w1",
		Log:              LogEntry{Timestamp: at, Level: "Information", Message: "step done", Category: "handler"},
		MessageTimestamp: at,
	}
	b, err := json.Marshal(lm)
	require.NoError(t, err)
	gotLog, err := DecodeLogMessage(b)
	require.NoError(t, err)
	require.Equal(t, lm, gotLog)

	reg := RegistrationMessage{
		WorkerID:   "billing-worker",
		InstanceID: "billing-worker-a1b2c3d4",
		Handlers: []HandlerRegistration{{
			Name:                    "SendInvoice",
			RoutingPattern:          "job.scheduled.billing-worker",
			MaxParallelJobs:         4,
			ExecutionTimeoutSeconds: 300,
			JobDataSchema:           `{"type":"object"}`,
		}},
		Version:  "1.4.0",
		Metadata: map[string]string{"host": "node-7"},
	}
	b, err = json.Marshal(reg)
	require.NoError(t, err)
	gotReg, err := DecodeRegistration(b)
	require.NoError(t, err)
	require.Equal(t, reg, gotReg)

	hb := HeartbeatMessage{
		WorkerID:        "billing-worker",
		InstanceID:      "billing-worker-a1b2c3d4",
		CurrentJobs:     2,
		MaxParallelJobs: 4,
		Status:          HeartbeatStatusActive,
		Jobs:            []JobHeartbeat{{CorrelationID: "corr-1", LastHeartbeat: at}},
	}
	b, err = json.Marshal(hb)
	require.NoError(t, err)
	gotHB, err := DecodeHeartbeat(b)
	require.NoError(t, err)
	require.Equal(t, hb, gotHB)
}

func TestDecodeRejectsPoisonedPayloads(t *testing.T) {
	tests := []struct {
		name   string
		decode func([]byte) error
		input  string
	}{
		{"job not json", func(b []byte) error { _, err := DecodeJobMessage(b); return err }, "{broken"},
		{"job missing ids", func(b []byte) error { _, err := DecodeJobMessage(b); return err }, `{"jobName":"X"}`},
		{"status missing correlation", func(b []byte) error { _, err := DecodeStatusUpdate(b); return err }, `{"status":"Running"}`},
		{"status missing status", func(b []byte) error { _, err := DecodeStatusUpdate(b); return err }, `{"correlationId":"c"}`},
		{"log missing message", func(b []byte) error { _, err := DecodeLogMessage(b); return err }, `{"correlationId":"c","log":{"level":"Information"}}`},
		{"registration missing instance", func(b []byte) error { _, err := DecodeRegistration(b); return err }, `{"workerId":"w"}`},
		{"heartbeat not json", func(b []byte) error { _, err := DecodeHeartbeat(b); return err }, "nope"},
		{"failed occurrence empty", func(b []byte) error { _, err := DecodeFailedOccurrence(b); return err }, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.decode([]byte(tt.input)))
		})
	}
}

func TestRoutingHelpers(t *testing.T) {
	if got := JobRoutingKey("billing-worker"); got != "job.scheduled.billing-worker" {
		t.Errorf("JobRoutingKey = %q", got)
	}
	if got := JobRoutingKey(""); got != "job.scheduled.default" {
		t.Errorf("JobRoutingKey empty = %q", got)
	}
	if got := ConsumerQueueName(""); got != QueueScheduledJobs {
		t.Errorf("default consumer queue = %q", got)
	}
	if got := ConsumerQueueName("reports"); got != QueueScheduledJobs+".reports" {
		t.Errorf("custom consumer queue = %q", got)
	}
	if !strings.HasPrefix(JobRoutingKey("x"), "job.scheduled.") {
		t.Error("dispatch keys must stay under the wildcard binding")
	}
}
