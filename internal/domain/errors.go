// Tagged error kinds for the execution pipeline. Permanence is a property of
// the value, not a type hierarchy: wrappers mark a cause and classifiers
// unwrap with errors.As.
package domain

import (
	"context"
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying (broker, KV, network).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError marks a failure that retrying cannot fix (invalid payload,
// business-rule violation).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// PoisonedError marks a message that cannot be decoded at all; the consumer
// rejects it without requeue so the broker dead-letters it.
type PoisonedError struct {
	Err error
}

func (e *PoisonedError) Error() string { return fmt.Sprintf("poisoned message: %v", e.Err) }
func (e *PoisonedError) Unwrap() error { return e.Err }

func Poisoned(err error) error {
	if err == nil {
		return nil
	}
	return &PoisonedError{Err: err}
}

// PanicError carries a recovered panic value out of a handler.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

func IsPoisoned(err error) bool {
	var p *PoisonedError
	return errors.As(err, &p)
}

func IsPanic(err error) bool {
	var p *PanicError
	return errors.As(err, &p)
}

// IsTimeout reports whether err originated from a deadline, either the
// context kind or an explicitly tagged one.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// IsCancellation reports whether err is a cooperative cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
