// Package monitor keeps rolling success rates and a bounded failure history per
// queue and derives queue health from them.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/UniQw/coinqw"
	"golang.org/x/sync/errgroup"
)

// Health statuses, ordered from best to worst.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Classification thresholds of the success rate.
const (
	CriticalBelow = 0.5
	WarningBelow  = 0.8
)

// QueueReader is the read side of the queue manager used for health checks.
type QueueReader interface {
	Queues() []coinqw.QueueConfig
	Status(ctx context.Context, queue string) (coinqw.Status, error)
}

// Config configures a Monitor.
type Config struct {
	// Bucket is the width of one rolling bucket. Default 1m.
	Bucket time.Duration
	// Window is the span of the rolling success rate. Default 1h.
	Window time.Duration
	// FailureCap bounds the failure history of each queue. Default 200.
	FailureCap int
	Logger     coinqw.Logger
	Now        func() time.Time
}

// HealthSnapshot is the health of one queue.
type HealthSnapshot struct {
	Queue       string  `json:"queue"`
	SuccessRate float64 `json:"successRate"`
	Active      int64   `json:"active"`
	Waiting     int64   `json:"waiting"`
	Failed      int64   `json:"failed"`
	Delayed     int64   `json:"delayed"`
	Stalled     int64   `json:"stalled"`
	Paused      bool    `json:"paused"`
	Status      string  `json:"status"`
	Error       string  `json:"error,omitempty"`
}

// Health is the overall status (the worst queue) and the per-queue snapshots.
type Health struct {
	Status    string           `json:"status"`
	Queues    []HealthSnapshot `json:"queues"`
	CheckedAt time.Time        `json:"checkedAt"`
}

// QueueMetrics are lifetime totals of one queue plus the rolling success rate.
type QueueMetrics struct {
	Completed   int64         `json:"completed"`
	Failed      int64         `json:"failed"`
	Retried     int64         `json:"retried"`
	AvgDuration time.Duration `json:"avgDuration"`
	SuccessRate float64       `json:"successRate"`
}

type bucket struct {
	slot      int64
	completed int64
	failed    int64
}

type queueStats struct {
	buckets   []bucket
	completed int64
	failed    int64
	retried   int64
	attempts  int64
	duration  time.Duration

	failures []coinqw.FailureRecord
	next     int
	full     bool
}

// Monitor implements coinqw.Observer.
type Monitor struct {
	reader QueueReader
	bucket time.Duration
	slots  int
	cap    int
	log    coinqw.Logger
	now    func() time.Time

	mu     sync.RWMutex
	queues map[string]*queueStats
}

// New creates a Monitor. reader may be nil when Health is not used.
func New(reader QueueReader, cfg Config) *Monitor {
	if cfg.Bucket <= 0 {
		cfg.Bucket = time.Minute
	}
	if cfg.Window < cfg.Bucket {
		cfg.Window = time.Hour
	}
	if cfg.FailureCap <= 0 {
		cfg.FailureCap = 200
	}
	if cfg.Logger == nil {
		cfg.Logger = coinqw.NopLogger{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		reader: reader,
		bucket: cfg.Bucket,
		slots:  int(cfg.Window / cfg.Bucket),
		cap:    cfg.FailureCap,
		log:    cfg.Logger,
		now:    cfg.Now,
		queues: make(map[string]*queueStats),
	}
}

var _ coinqw.Observer = (*Monitor)(nil)

func (m *Monitor) stats(queue string) *queueStats {
	qs, ok := m.queues[queue]
	if !ok {
		qs = &queueStats{buckets: make([]bucket, m.slots), failures: make([]coinqw.FailureRecord, m.cap)}
		m.queues[queue] = qs
	}
	return qs
}

// RecordOutcome counts one finished attempt. A failed attempt that will be
// retried counts as a retry, not as a failure.
func (m *Monitor) RecordOutcome(queue, _ string, o coinqw.Outcome) {
	slot := m.now().UnixNano() / int64(m.bucket)

	m.mu.Lock()
	defer m.mu.Unlock()
	qs := m.stats(queue)
	b := &qs.buckets[int(slot%int64(m.slots))]
	if b.slot != slot {
		*b = bucket{slot: slot}
	}
	qs.attempts++
	qs.duration += o.Duration
	switch {
	case o.Succeeded():
		qs.completed++
		b.completed++
	case o.Retrying:
		qs.retried++
	default:
		qs.failed++
		b.failed++
	}
}

// RecordFailure appends f to the failure history of its queue, evicting the
// oldest entry when full, and logs it.
func (m *Monitor) RecordFailure(f coinqw.FailureRecord) {
	if f.Final {
		m.log.Errorf("monitor: job %s (%s/%s) failed after %d attempt(s): %s", f.JobID, f.Queue, f.JobName, f.RetryCount, f.Error)
	} else {
		m.log.Warnf("monitor: job %s (%s/%s) attempt %d failed, retrying: %s", f.JobID, f.Queue, f.JobName, f.RetryCount, f.Error)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	qs := m.stats(f.Queue)
	qs.failures[qs.next] = f
	qs.next = (qs.next + 1) % m.cap
	if qs.next == 0 {
		qs.full = true
	}
}

// successRate is completed/(completed+failed) inside the window, 1 without samples.
func (m *Monitor) successRate(qs *queueStats) float64 {
	if qs == nil {
		return 1
	}
	oldest := m.now().UnixNano()/int64(m.bucket) - int64(m.slots) + 1
	var ok, bad int64
	for _, b := range qs.buckets {
		if b.slot >= oldest {
			ok += b.completed
			bad += b.failed
		}
	}
	if ok+bad == 0 {
		return 1
	}
	return float64(ok) / float64(ok+bad)
}

// SuccessRate returns the rolling success rate of a queue.
func (m *Monitor) SuccessRate(queue string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.successRate(m.queues[queue])
}

// Classify maps a success rate and a stalled count to a status. Stalled jobs
// make a queue at least a warning.
func Classify(rate float64, stalled int64) string {
	switch {
	case rate < CriticalBelow:
		return StatusCritical
	case rate < WarningBelow:
		return StatusWarning
	case stalled > 0:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

func severity(s string) int {
	switch s {
	case StatusCritical:
		return 2
	case StatusWarning:
		return 1
	}
	return 0
}

// Health reads every queue's status and classifies it. A queue whose status
// cannot be read is critical with Error set; Health itself never fails.
func (m *Monitor) Health(ctx context.Context) Health {
	h := Health{Status: StatusHealthy, CheckedAt: m.now()}
	if m.reader == nil {
		return h
	}
	queues := m.reader.Queues()
	h.Queues = make([]HealthSnapshot, len(queues))

	var g errgroup.Group
	for i, qc := range queues {
		g.Go(func() error {
			snap := HealthSnapshot{Queue: qc.Name, SuccessRate: m.SuccessRate(qc.Name)}
			st, err := m.reader.Status(ctx, qc.Name)
			if err != nil {
				snap.Status = StatusCritical
				snap.Error = err.Error()
				h.Queues[i] = snap
				return nil
			}
			snap.Active = st.Active
			snap.Waiting = st.Waiting
			snap.Failed = st.Failed
			snap.Delayed = st.Delayed
			snap.Stalled = st.Stalled
			snap.Paused = st.Paused
			snap.Status = Classify(snap.SuccessRate, st.Stalled)
			h.Queues[i] = snap
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range h.Queues {
		if severity(s.Status) > severity(h.Status) {
			h.Status = s.Status
		}
	}
	return h
}

// RecentFailures returns up to limit failures, newest first. An empty queue
// returns failures of every queue.
func (m *Monitor) RecentFailures(queue string, limit int) []coinqw.FailureRecord {
	m.mu.RLock()
	var out []coinqw.FailureRecord
	for name, qs := range m.queues {
		if queue != "" && name != queue {
			continue
		}
		out = append(out, qs.ordered()...)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ordered returns the history newest first.
func (qs *queueStats) ordered() []coinqw.FailureRecord {
	n := qs.next
	if qs.full {
		n = len(qs.failures)
	}
	out := make([]coinqw.FailureRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (qs.next - i + len(qs.failures)) % len(qs.failures)
		out = append(out, qs.failures[idx])
	}
	return out
}

// Metrics returns lifetime totals per queue.
func (m *Monitor) Metrics() map[string]QueueMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]QueueMetrics, len(m.queues))
	for name, qs := range m.queues {
		qm := QueueMetrics{
			Completed:   qs.completed,
			Failed:      qs.failed,
			Retried:     qs.retried,
			SuccessRate: m.successRate(qs),
		}
		if qs.attempts > 0 {
			qm.AvgDuration = qs.duration / time.Duration(qs.attempts)
		}
		out[name] = qm
	}
	return out
}
