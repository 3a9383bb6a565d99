package domain

import (
	"strings"
	"testing"
	"time"
)

func TestOccurrenceStatusTerminal(t *testing.T) {
	tests := []struct {
		status   OccurrenceStatus
		terminal bool
	}{
		{OccurrenceQueued, false},
		{OccurrenceRunning, false},
		{OccurrenceCompleted, true},
		{OccurrenceFailed, true},
		{OccurrenceCancelled, true},
		{OccurrenceTimedOut, true},
		{OccurrenceUnknown, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("Terminal(%s) = %v, want %v", tt.status, got, tt.terminal)
			}
			if !tt.status.Valid() {
				t.Errorf("Valid(%s) = false, want true", tt.status)
			}
		})
	}
	if OccurrenceStatus("Exploded").Valid() {
		t.Error("Valid should reject unknown statuses")
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to OccurrenceStatus }{
		{OccurrenceQueued, OccurrenceRunning},
		{OccurrenceQueued, OccurrenceCancelled},
		{OccurrenceQueued, OccurrenceFailed},
		{OccurrenceRunning, OccurrenceCompleted},
		{OccurrenceRunning, OccurrenceFailed},
		{OccurrenceRunning, OccurrenceCancelled},
		{OccurrenceRunning, OccurrenceTimedOut},
		{OccurrenceRunning, OccurrenceUnknown},
	}
	for _, tt := range allowed {
		if !CanTransition(tt.from, tt.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tt.from, tt.to)
		}
	}

	denied := []struct{ from, to OccurrenceStatus }{
		{OccurrenceQueued, OccurrenceCompleted},
		{OccurrenceQueued, OccurrenceTimedOut},
		{OccurrenceQueued, OccurrenceUnknown},
		{OccurrenceRunning, OccurrenceQueued},
		{OccurrenceCompleted, OccurrenceRunning},
		{OccurrenceCompleted, OccurrenceFailed},
		{OccurrenceFailed, OccurrenceRunning},
		{OccurrenceCancelled, OccurrenceRunning},
		{OccurrenceTimedOut, OccurrenceCompleted},
		{OccurrenceUnknown, OccurrenceCompleted},
		{OccurrenceQueued, OccurrenceQueued},
		{OccurrenceRunning, OccurrenceRunning},
	}
	for _, tt := range denied {
		if CanTransition(tt.from, tt.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tt.from, tt.to)
		}
	}
}

func TestNewOccurrenceIDOrdering(t *testing.T) {
	a := NewOccurrenceID()
	time.Sleep(2 * time.Millisecond)
	b := NewOccurrenceID()
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("expected 26-char ULIDs, got %q %q", a, b)
	}
	if !(a < b) {
		t.Errorf("occurrence ids should be time-ordered: %q !< %q", a, b)
	}
}

func TestNewInstanceID(t *testing.T) {
	id := NewInstanceID("billing-worker")
	if !strings.HasPrefix(id, "billing-worker-") {
		t.Errorf("instance id %q should carry the fleet id prefix", id)
	}
	if id == NewInstanceID("billing-worker") {
		t.Error("instance ids must differ between calls")
	}
}

func TestFailureTypeValues(t *testing.T) {
	tests := []struct {
		ft       FailureType
		expected string
	}{
		{FailureUnknown, "Unknown"},
		{FailureMaxRetriesExceeded, "MaxRetriesExceeded"},
		{FailureTimeout, "Timeout"},
		{FailureWorkerCrash, "WorkerCrash"},
		{FailureInvalidJobData, "InvalidJobData"},
		{FailureExternalDependency, "ExternalDependencyFailure"},
		{FailureUnhandledException, "UnhandledException"},
		{FailureCancelled, "Cancelled"},
		{FailureZombieDetection, "ZombieDetection"},
	}
	for _, tt := range tests {
		if string(tt.ft) != tt.expected {
			t.Errorf("FailureType %q, want %q", tt.ft, tt.expected)
		}
	}
}
