package coinqw

import (
	"time"

	rtm "github.com/UniQw/coinqw/internal/runtime"
	"github.com/UniQw/coinqw/internal/worker"
)

// Queue names of the job catalogue.
const (
	QueueIngestion   = "ingestion"
	QueueScraping    = "scraping"
	QueueAlerts      = "alerts"
	QueueRisk        = "risk"
	QueueMaintenance = "maintenance"
)

// RateLimit bounds job starts to Max per rolling Per window. A zero Max disables it.
type RateLimit struct {
	Max int
	Per time.Duration
}

// QueueConfig is the immutable policy of one queue.
type QueueConfig struct {
	Name        string
	Concurrency int
	RateLimit   RateLimit
	// DefaultRetry applies to jobs enqueued without Attempts/Backoff/Retry options.
	DefaultRetry RetryPolicy
	// JobTimeout bounds a single attempt; the handler context carries it as a deadline.
	JobTimeout time.Duration
	// StallAfter marks an active job as stalled once it has run longer than this.
	StallAfter    time.Duration
	KeepCompleted int
	KeepFailed    int
}

const (
	defaultKeepCompleted = 100
	defaultKeepFailed    = 50
)

// DefaultQueues returns the five queues of the catalogue with their production limits.
func DefaultQueues() []QueueConfig {
	q := func(name string, conc, perMin int, timeout, stall time.Duration) QueueConfig {
		return QueueConfig{
			Name:          name,
			Concurrency:   conc,
			RateLimit:     RateLimit{Max: perMin, Per: time.Minute},
			DefaultRetry:  NoRetry,
			JobTimeout:    timeout,
			StallAfter:    stall,
			KeepCompleted: defaultKeepCompleted,
			KeepFailed:    defaultKeepFailed,
		}
	}
	return []QueueConfig{
		q(QueueIngestion, 5, 10, 60*time.Second, 2*time.Minute),
		q(QueueScraping, 3, 20, 2*time.Minute, 5*time.Minute),
		q(QueueAlerts, 10, 100, 30*time.Second, time.Minute),
		q(QueueRisk, 2, 5, 5*time.Minute, 10*time.Minute),
		q(QueueMaintenance, 1, 2, 30*time.Minute, 45*time.Minute),
	}
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.DefaultRetry.Attempts < 1 {
		c.DefaultRetry = NoRetry
	}
	if c.KeepCompleted == 0 {
		c.KeepCompleted = defaultKeepCompleted
	}
	if c.KeepFailed == 0 {
		c.KeepFailed = defaultKeepFailed
	}
	return c
}

func (c QueueConfig) spec() rtm.QueueSpec {
	return rtm.QueueSpec{
		Name:          c.Name,
		Concurrency:   c.Concurrency,
		Rate:          worker.RateLimit{Max: c.RateLimit.Max, Window: c.RateLimit.Per},
		JobTimeout:    c.JobTimeout,
		KeepCompleted: c.KeepCompleted,
		KeepFailed:    c.KeepFailed,
	}
}
