package coinqw

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	ikeys "github.com/UniQw/coinqw/internal/keys"
	rtm "github.com/UniQw/coinqw/internal/runtime"
	"github.com/UniQw/coinqw/internal/worker"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Config defines the configuration of a Manager.
type Config struct {
	// Queues defines the queues to manage. Defaults to DefaultQueues().
	Queues []QueueConfig
	// VisibilityTTL is the lease a worker holds on a running job. The lease is
	// extended by heartbeats; if the worker crashes the job is reclaimed after it lapses.
	VisibilityTTL time.Duration
	// HeartbeatInterval defaults to VisibilityTTL/3.
	HeartbeatInterval time.Duration
	// PollInterval is how long an idle worker waits before claiming again.
	PollInterval time.Duration
	// StatusTimeout bounds Status reads. Defaults to 2s.
	StatusTimeout time.Duration
	// Logger is the logger used for manager events.
	Logger Logger
}

// Manager owns the job store: it enqueues jobs, runs the per-queue worker pools
// and exposes queue-level controls.
type Manager struct {
	rdb           redis.UniversalClient
	mux           *Mux
	rt            *rtm.Runtime
	queues        map[string]QueueConfig
	order         []string
	statusTimeout time.Duration
	log           Logger

	mu        sync.RWMutex
	started   bool
	observers []Observer
}

// NewManager creates a Manager that executes jobs through mux.
func NewManager(rdb redis.UniversalClient, mux *Mux, cfg Config) *Manager {
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	qs := cfg.Queues
	if len(qs) == 0 {
		qs = DefaultQueues()
	}
	m := &Manager{
		rdb:           rdb,
		mux:           mux,
		queues:        make(map[string]QueueConfig, len(qs)),
		statusTimeout: cfg.StatusTimeout,
		log:           l,
	}
	if m.statusTimeout <= 0 {
		m.statusTimeout = 2 * time.Second
	}
	specs := make([]rtm.QueueSpec, 0, len(qs))
	for _, q := range qs {
		q = q.withDefaults()
		m.queues[q.Name] = q
		m.order = append(m.order, q.Name)
		specs = append(specs, q.spec())
	}

	guard := Recover()
	exec := func(ctx context.Context, jobName string, payload []byte) error {
		if mux == nil {
			return ErrNoHandler
		}
		return guard(func(ctx context.Context, b []byte) error {
			return mux.Execute(ctx, jobName, b)
		})(ctx, payload)
	}
	rtc := rtm.Config{
		Queues:            specs,
		VisibilityTTL:     cfg.VisibilityTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PollInterval:      cfg.PollInterval,
		Logger:            rtLogger{Logger: l},
		NextRun:           NextRun,
		Permanent:         IsPermanent,
		Report:            m.report,
	}
	m.rt = rtm.New(rdb, rtc, exec)
	return m
}

// Observe registers an observer for execution events. Call it before Start.
func (m *Manager) Observe(o Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// Queues returns the configured queues in registration order.
func (m *Manager) Queues() []QueueConfig {
	out := make([]QueueConfig, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.queues[n])
	}
	return out
}

// Queue returns the configuration of one queue.
func (m *Manager) Queue(name string) (QueueConfig, bool) {
	q, ok := m.queues[name]
	return q, ok
}

func (m *Manager) queue(name string) (QueueConfig, error) {
	q, ok := m.queues[name]
	if !ok {
		return QueueConfig{}, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return q, nil
}

// Start launches the worker pools and background maintenance routines.
// It is idempotent and non-blocking.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.log.Warnf("manager already started; ignoring Start()")
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	m.log.Infof("starting manager: queues=%s", strings.Join(m.order, ","))
	m.rt.Start()
}

// Stop stops claiming new jobs and waits for in-flight jobs to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.log.Warnf("manager not started; ignoring Stop()")
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()
	m.log.Infof("stopping manager")
	m.rt.Stop()
}

// Enqueue adds a job to queue and returns its id. For repeat registrations the
// id is the deterministic registration id "repeat:<jobName>:<key>", and
// registering again with the same key replaces the previous registration.
// Validation happens before any write.
func (m *Manager) Enqueue(ctx context.Context, queue, jobName string, payload Payload, opts ...Option) (string, error) {
	qc, err := m.queue(queue)
	if err != nil {
		return "", err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	policy := o.policy(qc.DefaultRetry)
	if err := policy.Validate(); err != nil {
		return "", err
	}
	if o.repeat != "" && o.delay > 0 {
		return "", ErrConflictingOptions
	}
	if err := checkPayload(jobName, payload); err != nil {
		return "", err
	}
	data, err := defaultEncoder.Encode(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if o.repeat != "" {
		return m.upsertRepeat(ctx, qc, jobName, data, policy, o)
	}
	return m.enqueueOnce(ctx, qc, jobName, data, policy, o)
}

func (m *Manager) enqueueOnce(ctx context.Context, qc QueueConfig, jobName string, data []byte, policy RetryPolicy, o *options) (string, error) {
	k := ikeys.For(qc.Name)
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}

	// Uniqueness check: reserve ID in queue-specific set.
	ok, err := m.rdb.SAdd(ctx, k.Unique, id).Result()
	if err != nil {
		return "", storeErr("enqueue", err)
	}
	if ok == 0 {
		return "", ErrDuplicateJob
	}

	now := time.Now()
	rec := worker.Record{
		ID:          id,
		Queue:       qc.Name,
		Name:        jobName,
		Payload:     data,
		State:       string(StateWaiting),
		MaxAttempts: policy.Attempts,
		Backoff:     backoffRecord(policy),
		CreatedAt:   now.UnixMilli(),
	}
	if o.delay > 0 {
		rec.State = string(StateDelayed)
	}
	raw := worker.EncodeJSON(&rec)

	_, err = m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if o.delay > 0 {
			p.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(now.Add(o.delay).UnixMilli()), Member: raw})
		} else {
			p.LPush(ctx, k.Pending, raw)
		}
		return nil
	})
	if err != nil {
		// Rollback uniqueness on failure
		_ = m.rdb.SRem(ctx, k.Unique, id).Err()
		return "", storeErr("enqueue", err)
	}
	m.log.Debugf("enqueued: id=%s name=%s queue=%s delay=%s", id, jobName, qc.Name, o.delay)
	return id, nil
}

// RepeatID returns the registration id of a repeat.
func RepeatID(jobName, key string) string { return "repeat:" + jobName + ":" + key }

func repeatField(jobName, key string) string { return jobName + ":" + key }

func (m *Manager) upsertRepeat(ctx context.Context, qc QueueConfig, jobName string, data []byte, policy RetryPolicy, o *options) (string, error) {
	sched, err := ParseSchedule(o.repeat)
	if err != nil {
		return "", err
	}
	key := o.repeatKey
	if key == "" {
		key = jobName
	}
	k := ikeys.For(qc.Name)
	field := repeatField(jobName, key)
	now := time.Now()

	entry := rtm.RepeatEntry{
		Key:         field,
		Name:        jobName,
		Payload:     data,
		Schedule:    o.repeat,
		MaxAttempts: policy.Attempts,
		Backoff:     backoffRecord(policy),
		CreatedAt:   now.UnixMilli(),
	}

	sameSchedule := false
	if old, err := m.rdb.HGet(ctx, k.Repeats, field).Bytes(); err == nil {
		var prev rtm.RepeatEntry
		if defaultEncoder.Decode(old, &prev) == nil {
			sameSchedule = prev.Schedule == o.repeat
			entry.CreatedAt = prev.CreatedAt
		}
	} else if err != redis.Nil {
		return "", storeErr("repeat", err)
	}
	raw, err := defaultEncoder.Encode(entry)
	if err != nil {
		return "", err
	}

	next := redis.Z{Score: float64(sched.Next(now).UnixMilli()), Member: field}
	_, err = m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k.Repeats, field, raw)
		if sameSchedule {
			// keeps the pending fire time
			p.ZAddNX(ctx, k.RepeatNext, next)
		} else {
			p.ZAdd(ctx, k.RepeatNext, next)
		}
		return nil
	})
	if err != nil {
		return "", storeErr("repeat", err)
	}
	id := RepeatID(jobName, key)
	m.log.Debugf("repeat registered: id=%s queue=%s schedule=%q", id, qc.Name, o.repeat)
	return id, nil
}

// RepeatInfo describes a repeat registration.
type RepeatInfo struct {
	ID        string
	Queue     string
	JobName   string
	Key       string
	Schedule  string
	Payload   []byte
	Retry     RetryPolicy
	NextRun   time.Time
	CreatedAt time.Time
}

// ListRepeats returns the repeat registrations of a queue.
func (m *Manager) ListRepeats(ctx context.Context, queue string) ([]RepeatInfo, error) {
	if _, err := m.queue(queue); err != nil {
		return nil, err
	}
	k := ikeys.For(queue)
	all, err := m.rdb.HGetAll(ctx, k.Repeats).Result()
	if err != nil {
		return nil, storeErr("list repeats", err)
	}
	out := make([]RepeatInfo, 0, len(all))
	for field, raw := range all {
		var e rtm.RepeatEntry
		if err := defaultEncoder.Decode([]byte(raw), &e); err != nil {
			m.log.Warnf("skipping undecodable repeat: queue=%s key=%s err=%v", queue, field, err)
			continue
		}
		info := RepeatInfo{
			ID:        RepeatID(e.Name, strings.TrimPrefix(field, e.Name+":")),
			Queue:     queue,
			JobName:   e.Name,
			Key:       strings.TrimPrefix(field, e.Name+":"),
			Schedule:  e.Schedule,
			Payload:   e.Payload,
			Retry:     RetryPolicy{Attempts: e.MaxAttempts, Backoff: BackoffType(e.Backoff.Type), Delay: time.Duration(e.Backoff.DelayMs) * time.Millisecond},
			CreatedAt: msTime(e.CreatedAt),
		}
		if score, err := m.rdb.ZScore(ctx, k.RepeatNext, field).Result(); err == nil {
			info.NextRun = time.UnixMilli(int64(score))
		}
		out = append(out, info)
	}
	return out, nil
}

// RemoveRepeat deletes a repeat registration. Jobs it already spawned are not touched.
func (m *Manager) RemoveRepeat(ctx context.Context, queue, jobName, key string) error {
	if _, err := m.queue(queue); err != nil {
		return err
	}
	k := ikeys.For(queue)
	field := repeatField(jobName, key)
	var del *redis.IntCmd
	_, err := m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.HDel(ctx, k.Repeats, field)
		p.ZRem(ctx, k.RepeatNext, field)
		return nil
	})
	if err != nil {
		return storeErr("remove repeat", err)
	}
	if del.Val() == 0 {
		return ErrRepeatNotFound
	}
	return nil
}

// RestoreRepeat writes back a registration as returned by ListRepeats,
// including its creation time and pending fire time. A zero NextRun leaves
// the registration without a fire time.
func (m *Manager) RestoreRepeat(ctx context.Context, info RepeatInfo) error {
	if _, err := m.queue(info.Queue); err != nil {
		return err
	}
	k := ikeys.For(info.Queue)
	field := repeatField(info.JobName, info.Key)
	raw, err := defaultEncoder.Encode(rtm.RepeatEntry{
		Key:         field,
		Name:        info.JobName,
		Payload:     info.Payload,
		Schedule:    info.Schedule,
		MaxAttempts: info.Retry.Attempts,
		Backoff:     backoffRecord(info.Retry),
		CreatedAt:   unixMs(info.CreatedAt),
	})
	if err != nil {
		return err
	}
	_, err = m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k.Repeats, field, raw)
		if info.NextRun.IsZero() {
			p.ZRem(ctx, k.RepeatNext, field)
		} else {
			p.ZAdd(ctx, k.RepeatNext, redis.Z{Score: float64(info.NextRun.UnixMilli()), Member: field})
		}
		return nil
	})
	if err != nil {
		return storeErr("restore repeat", err)
	}
	return nil
}

// Status is a point-in-time count of a queue's jobs.
type Status struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Delayed   int64  `json:"delayed"`
	// Stalled counts active jobs running longer than the queue's StallAfter.
	Stalled int64 `json:"stalled"`
	Paused  bool  `json:"paused"`
	Repeats int64 `json:"repeats"`
}

// Status returns the job counts of a queue. The read is bounded by the
// configured StatusTimeout.
func (m *Manager) Status(ctx context.Context, queue string) (Status, error) {
	qc, err := m.queue(queue)
	if err != nil {
		return Status{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.statusTimeout)
	defer cancel()

	k := ikeys.For(queue)
	var (
		waiting, completed, failed, delayed, paused, repeats *redis.IntCmd
		active                                               *redis.StringSliceCmd
	)
	_, err = m.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		waiting = p.LLen(ctx, k.Pending)
		active = p.ZRange(ctx, k.Active, 0, -1)
		completed = p.ZCard(ctx, k.Completed)
		failed = p.LLen(ctx, k.Failed)
		delayed = p.ZCard(ctx, k.Delayed)
		paused = p.Exists(ctx, k.Paused)
		repeats = p.HLen(ctx, k.Repeats)
		return nil
	})
	if err != nil {
		return Status{}, storeErr("status", err)
	}

	st := Status{
		Queue:     queue,
		Waiting:   waiting.Val(),
		Active:    int64(len(active.Val())),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    paused.Val() == 1,
		Repeats:   repeats.Val(),
	}
	if qc.StallAfter > 0 {
		cutoff := time.Now().Add(-qc.StallAfter).UnixMilli()
		for _, s := range active.Val() {
			var r worker.Record
			if defaultEncoder.Decode([]byte(s), &r) == nil && r.StartedAt > 0 && r.StartedAt < cutoff {
				st.Stalled++
			}
		}
	}
	return st, nil
}

// Pause stops workers from claiming jobs of the queue. Running jobs finish. Idempotent.
func (m *Manager) Pause(ctx context.Context, queue string) error {
	if _, err := m.queue(queue); err != nil {
		return err
	}
	if err := m.rdb.Set(ctx, ikeys.Paused(queue), "1", 0).Err(); err != nil {
		return storeErr("pause", err)
	}
	m.log.Infof("queue paused: %s", queue)
	return nil
}

// Resume lets workers claim jobs of the queue again. Idempotent.
func (m *Manager) Resume(ctx context.Context, queue string) error {
	if _, err := m.queue(queue); err != nil {
		return err
	}
	if err := m.rdb.Del(ctx, ikeys.Paused(queue)).Err(); err != nil {
		return storeErr("resume", err)
	}
	m.log.Infof("queue resumed: %s", queue)
	return nil
}

// clearScript empties pending, delayed and failed in one step, releases the ids
// of the removed jobs and any serial-repeat marker held by them. It returns how
// many members were removed.
var clearScript = redis.NewScript(`
local n = 0
local ids = {}
local function collect(items)
  for _, s in ipairs(items) do
    n = n + 1
    local ok, r = pcall(cjson.decode, s)
    if ok and type(r) == 'table' and type(r.id) == 'string' then ids[r.id] = true end
  end
end
collect(redis.call('LRANGE', KEYS[1], 0, -1))
collect(redis.call('ZRANGE', KEYS[2], 0, -1))
collect(redis.call('LRANGE', KEYS[3], 0, -1))
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
for id in pairs(ids) do redis.call('SREM', KEYS[4], id) end
local inflight = redis.call('HGETALL', KEYS[5])
for i = 1, #inflight, 2 do
  if ids[inflight[i + 1]] then redis.call('HDEL', KEYS[5], inflight[i]) end
end
return n
`)

// Clear removes the waiting, delayed and failed jobs of a queue and returns how
// many were removed. Active jobs and repeat registrations are kept.
func (m *Manager) Clear(ctx context.Context, queue string) (int64, error) {
	if _, err := m.queue(queue); err != nil {
		return 0, err
	}
	k := ikeys.For(queue)
	n, err := clearScript.Run(ctx, m.rdb,
		[]string{k.Pending, k.Delayed, k.Failed, k.Unique, k.RepeatInflight},
	).Int64()
	if err != nil {
		return 0, storeErr("clear", err)
	}
	m.log.Infof("queue cleared: %s removed=%d", queue, n)
	return n, nil
}

// JobFilter is a function used to filter jobs during ListJobs.
type JobFilter func(*Job) bool

// ListJobs returns the jobs of a queue in a given state. Waiting jobs of a paused
// queue are reported, and listed, as StatePaused.
func (m *Manager) ListJobs(ctx context.Context, queue string, state State, filter JobFilter) ([]*Job, error) {
	if _, err := m.queue(queue); err != nil {
		return nil, err
	}
	k := ikeys.For(queue)

	var strs []string
	var err error
	reported := state
	switch state {
	case StateWaiting, StatePaused:
		paused, perr := m.rdb.Exists(ctx, k.Paused).Result()
		if perr != nil {
			return nil, storeErr("list", perr)
		}
		if paused == 1 {
			reported = StatePaused
		} else if state == StatePaused {
			return nil, nil
		} else {
			reported = StateWaiting
		}
		strs, err = m.rdb.LRange(ctx, k.Pending, 0, -1).Result()
	case StateActive:
		strs, err = m.rdb.ZRange(ctx, k.Active, 0, -1).Result()
	case StateDelayed:
		strs, err = m.rdb.ZRange(ctx, k.Delayed, 0, -1).Result()
	case StateCompleted:
		strs, err = m.rdb.ZRevRange(ctx, k.Completed, 0, -1).Result()
	case StateFailed:
		strs, err = m.rdb.LRange(ctx, k.Failed, 0, -1).Result()
	default:
		return nil, ErrUnknownState
	}
	if err != nil {
		return nil, storeErr("list", err)
	}

	out := make([]*Job, 0, len(strs))
	for _, s := range strs {
		var r worker.Record
		if err := defaultEncoder.Decode([]byte(s), &r); err == nil {
			j := jobFromRecord(&r, reported)
			if filter == nil || filter(j) {
				out = append(out, j)
			}
		}
	}
	return out, nil
}

// RetryFailed moves a failed job back to waiting with its attempts reset.
func (m *Manager) RetryFailed(ctx context.Context, queue, id string) error {
	if _, err := m.queue(queue); err != nil {
		return err
	}
	k := ikeys.For(queue)
	strs, err := m.rdb.LRange(ctx, k.Failed, 0, -1).Result()
	if err != nil {
		return storeErr("retry failed", err)
	}
	for _, s := range strs {
		var r worker.Record
		if defaultEncoder.Decode([]byte(s), &r) != nil || r.ID != id {
			continue
		}
		r.AttemptsMade = 0
		r.State = string(StateWaiting)
		r.StartedAt, r.FinishedAt = 0, 0
		r.Progress = 0
		r.Result = nil
		rawNew := worker.EncodeJSON(&r)

		var rem *redis.IntCmd
		_, err = m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			rem = p.LRem(ctx, k.Failed, 1, s)
			p.LPush(ctx, k.Pending, rawNew)
			p.SAdd(ctx, k.Unique, id)
			return nil
		})
		if err != nil {
			return storeErr("retry failed", err)
		}
		if rem.Val() == 0 {
			// lost a race with trimming or another retry; undo the push
			_ = m.rdb.LRem(ctx, k.Pending, 1, rawNew).Err()
			return ErrJobNotFound
		}
		m.log.Infof("failed job requeued: id=%s queue=%s", id, queue)
		return nil
	}
	return ErrJobNotFound
}

// RecoverStalled immediately requeues active jobs of the queue whose lease has
// expired and returns how many were moved.
func (m *Manager) RecoverStalled(ctx context.Context, queue string) (int, error) {
	if _, err := m.queue(queue); err != nil {
		return 0, err
	}
	n, err := m.rt.ReclaimExpired(ctx, queue)
	if err != nil {
		return n, storeErr("recover", err)
	}
	return n, nil
}

func (m *Manager) report(o rtm.Outcome) {
	out := Outcome{
		JobID:       o.ID,
		Attempt:     o.Attempt,
		MaxAttempts: o.MaxAttempts,
		Started:     o.Started,
		Duration:    o.Duration,
		Result:      o.Result,
		Err:         o.Err,
		Retrying:    o.Retrying,
	}
	m.mu.RLock()
	obs := m.observers
	m.mu.RUnlock()
	for _, ob := range obs {
		ob.RecordOutcome(o.Queue, o.Name, out)
		if out.Err != nil {
			ob.RecordFailure(failureFrom(o.Queue, o.Name, o.Payload, out))
		}
	}
}

// rtLogger adapts the public Logger to the internal runtime logger interface.
type rtLogger struct{ Logger }

var _ rtm.Logger = rtLogger{}
