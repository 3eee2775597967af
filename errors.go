package coinqw

import (
	"errors"
	"fmt"

	rtm "github.com/UniQw/coinqw/internal/runtime"
)

// ErrUnknownQueue is returned when an operation names a queue the Manager was not configured with.
var ErrUnknownQueue = errors.New("coinqw: unknown queue")

// ErrInvalidAttempts is returned when a job is enqueued with fewer than one attempt.
var ErrInvalidAttempts = errors.New("coinqw: attempts must be at least 1")

// ErrConflictingOptions is returned when Repeat and Delay are combined.
var ErrConflictingOptions = errors.New("coinqw: repeat cannot be combined with delay")

// ErrInvalidSchedule is returned when a repeat expression cannot be parsed.
var ErrInvalidSchedule = errors.New("coinqw: invalid schedule expression")

// ErrInvalidPayload is returned when a payload fails validation or does not match the job name.
var ErrInvalidPayload = errors.New("coinqw: invalid payload")

// ErrDuplicateJob is returned when Enqueue is called with an ID that already exists for the queue.
var ErrDuplicateJob = errors.New("coinqw: duplicate job id")

// ErrUnknownState is returned when an invalid state is used.
var ErrUnknownState = errors.New("coinqw: unknown state")

// ErrJobNotFound is returned when a job with the specified ID is not found.
var ErrJobNotFound = errors.New("coinqw: job not found")

// ErrRepeatNotFound is returned when no repeat registration matches.
var ErrRepeatNotFound = errors.New("coinqw: repeat not found")

// ErrEntityNotFound is returned when a job refers to an entity (coin, alert) that does not exist.
var ErrEntityNotFound = errors.New("coinqw: entity not found")

// ErrStoreUnavailable matches every *StoreError.
var ErrStoreUnavailable = errors.New("coinqw: store unavailable")

// ErrNoHandler is reported when no handler is registered for a job name.
var ErrNoHandler = rtm.ErrNoHandler

// StoreError wraps a failure of the backing job store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("coinqw: store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStoreUnavailable) hold for every store failure.
func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// PanicError is returned by the Recover middleware when a handler panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("coinqw: handler panic: %v", e.Value) }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable: the job fails on the current attempt
// regardless of its remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, ErrNoHandler) || errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrEntityNotFound)
}
