package coinqw

import (
	"strings"
	"time"

	"github.com/UniQw/coinqw/internal/worker"
)

// Backoff is the backoff part of a job's retry policy.
type Backoff struct {
	Type  BackoffType
	Delay time.Duration
}

// Job is a snapshot of a job record read from the store.
type Job struct {
	// ID is the unique identifier of the job within its queue.
	ID string
	// Queue is the name of the queue the job belongs to.
	Queue string
	// Name routes the job to its handler on the Mux.
	Name string
	// Payload is the encoded typed payload.
	Payload []byte
	State   State
	// AttemptsMade counts started executions.
	AttemptsMade int
	MaxAttempts  int
	Backoff      Backoff
	// Repeat is the schedule expression of the registration that spawned the job; empty for one-off jobs.
	Repeat string
	// RepeatKey is the logical key of that registration.
	RepeatKey   string
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Progress    int
	Result      []byte
	LastError   string
	LastErrorAt time.Time
}

// Retry returns the job's retry policy.
func (j *Job) Retry() RetryPolicy {
	return RetryPolicy{Attempts: j.MaxAttempts, Backoff: j.Backoff.Type, Delay: j.Backoff.Delay}
}

// Decode decodes the job payload into its typed form.
func (j *Job) Decode() (Payload, error) { return DecodePayload(j.Name, j.Payload) }

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func jobFromRecord(r *worker.Record, st State) *Job {
	if st == "" {
		st = State(r.State)
	}
	return &Job{
		ID:           r.ID,
		Queue:        r.Queue,
		Name:         r.Name,
		Payload:      r.Payload,
		State:        st,
		AttemptsMade: r.AttemptsMade,
		MaxAttempts:  r.MaxAttempts,
		Backoff:      Backoff{Type: BackoffType(r.Backoff.Type), Delay: time.Duration(r.Backoff.DelayMs) * time.Millisecond},
		Repeat:       r.Repeat,
		RepeatKey:    strings.TrimPrefix(r.RepeatKey, r.Name+":"),
		CreatedAt:    msTime(r.CreatedAt),
		StartedAt:    msTime(r.StartedAt),
		FinishedAt:   msTime(r.FinishedAt),
		Progress:     r.Progress,
		Result:       r.Result,
		LastError:    r.LastError,
		LastErrorAt:  msTime(r.LastErrorAt),
	}
}

func backoffRecord(p RetryPolicy) worker.Backoff {
	return worker.Backoff{Type: string(p.Backoff), DelayMs: p.Delay.Milliseconds()}
}
