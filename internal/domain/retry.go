// Retry policy and failure classification for the dead-letter pipeline.
package domain

import (
	"strings"
	"time"
)

// Exception markers carried inside status-update exception text. The wire
// format has no permanence flag, so workers prefix the exception instead and
// the scheduler classifies by content.
const (
	// PermanentExceptionMarker prefixes exceptions retrying cannot fix.
	PermanentExceptionMarker = "PermanentJobException"
	// InvalidDataExceptionMarker prefixes payload deserialization failures.
	InvalidDataExceptionMarker = "InvalidJobDataException"
)

// RetryPolicy drives occurrence-level retries on the scheduler side.
type RetryPolicy struct {
	// MaxRetries is the number of fresh occurrences scheduled after the
	// original attempt.
	MaxRetries int
	// BaseDelay is the first retry delay; attempt n waits BaseDelay * 2^n.
	BaseDelay time.Duration
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the stock policy: three retries starting at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  30 * time.Second,
		MaxDelay:   time.Hour,
	}
}

// NextDelay computes the back-off before the retry that would become attempt
// retryCount+1. Exponential doubling from BaseDelay, capped at MaxDelay.
func (p RetryPolicy) NextDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Exhausted reports whether an occurrence at retryCount has no retries left.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

// IsPermanentExceptionText reports whether exception text carries a
// permanence marker.
func IsPermanentExceptionText(exception string) bool {
	return strings.Contains(exception, PermanentExceptionMarker) ||
		strings.Contains(exception, InvalidDataExceptionMarker)
}

// ClassifyPermanent maps marked exception text to its failure type.
func ClassifyPermanent(exception string) FailureType {
	if strings.Contains(exception, InvalidDataExceptionMarker) {
		return FailureInvalidJobData
	}
	return FailureUnhandledException
}

// ClassifyTerminal maps a terminal status to the failure type recorded in the
// dead-letter projection. Failed occurrences split by exception content;
// retry exhaustion and dependency failures are decided by the engine and
// passed through explicitly.
func ClassifyTerminal(status OccurrenceStatus, exception string) FailureType {
	switch status {
	case OccurrenceTimedOut:
		return FailureTimeout
	case OccurrenceCancelled:
		return FailureCancelled
	case OccurrenceUnknown:
		return FailureWorkerCrash
	case OccurrenceFailed:
		if IsPermanentExceptionText(exception) {
			return ClassifyPermanent(exception)
		}
		return FailureUnknown
	}
	return FailureUnknown
}
