package coinqw

import "time"

type options struct {
	id        string
	delay     time.Duration
	repeat    string
	repeatKey string

	attempts    int
	attemptsSet bool
	backoff     BackoffType
	backoffD    time.Duration
	backoffSet  bool
}

// Option is a function that configures job behavior during Enqueue.
type Option func(*options)

// JobID sets a custom ID for the job. If not provided, a random UUID will be generated.
// An ID that is already known to the queue makes Enqueue fail with ErrDuplicateJob.
func JobID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// Delay schedules the job to be executed after the specified duration.
func Delay(d time.Duration) Option {
	return func(o *options) {
		o.delay = d
	}
}

// Repeat registers the job as recurring. expr is a five-field cron expression or a
// descriptor such as "@every 5m" or "@daily".
func Repeat(expr string) Option {
	return func(o *options) {
		o.repeat = expr
	}
}

// RepeatKey sets the logical key of a repeat registration. Registrations with the
// same queue, job name and key replace each other. Defaults to the job name.
func RepeatKey(key string) Option {
	return func(o *options) {
		o.repeatKey = key
	}
}

// Attempts sets the total number of executions allowed for the job.
func Attempts(n int) Option {
	return func(o *options) {
		o.attempts = n
		o.attemptsSet = true
	}
}

// WithBackoff sets the wait between attempts.
func WithBackoff(t BackoffType, d time.Duration) Option {
	return func(o *options) {
		o.backoff = t
		o.backoffD = d
		o.backoffSet = true
	}
}

// Retry sets attempts and backoff from a policy.
func Retry(p RetryPolicy) Option {
	return func(o *options) {
		Attempts(p.Attempts)(o)
		WithBackoff(p.Backoff, p.Delay)(o)
	}
}

// policy resolves the effective retry policy against the queue default.
func (o *options) policy(def RetryPolicy) RetryPolicy {
	p := def
	if o.attemptsSet {
		p.Attempts = o.attempts
	}
	if o.backoffSet {
		p.Backoff = o.backoff
		p.Delay = o.backoffD
	}
	return p
}
