package coinqw

import (
	"errors"
	"time"
)

// Outcome describes one finished execution attempt.
type Outcome struct {
	JobID       string
	Attempt     int
	MaxAttempts int
	Started     time.Time
	Duration    time.Duration
	Result      []byte
	// Err is nil for a successful attempt.
	Err error
	// Retrying is true when another attempt has been scheduled.
	Retrying bool
}

// Succeeded reports whether the attempt completed the job.
func (o Outcome) Succeeded() bool { return o.Err == nil }

// FailureRecord is appended for every failed attempt.
type FailureRecord struct {
	Queue   string `json:"queue"`
	JobID   string `json:"jobId"`
	JobName string `json:"jobName"`
	Error   string `json:"error"`
	Stack   string `json:"stack,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	// RetryCount is the number of attempts made when the failure happened.
	RetryCount int `json:"retryCount"`
	// Final is true when no further attempt follows.
	Final     bool      `json:"final"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer receives execution events. Calls are made synchronously from worker
// goroutines, so implementations must be safe for concurrent use and fast.
type Observer interface {
	RecordOutcome(queue, jobName string, o Outcome)
	RecordFailure(f FailureRecord)
}

func failureFrom(queue, jobName string, payload []byte, o Outcome) FailureRecord {
	f := FailureRecord{
		Queue:      queue,
		JobID:      o.JobID,
		JobName:    jobName,
		Error:      o.Err.Error(),
		Payload:    payload,
		RetryCount: o.Attempt,
		Final:      !o.Retrying,
		Timestamp:  o.Started.Add(o.Duration),
	}
	var pe *PanicError
	if errors.As(o.Err, &pe) {
		f.Stack = string(pe.Stack)
	}
	return f
}
