package runtime

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/coinqw/internal/hctx"
	ikeys "github.com/UniQw/coinqw/internal/keys"
	"github.com/UniQw/coinqw/internal/worker"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNoHandler indicates there is no handler for the job name; the runtime fails the job without retry.
var ErrNoHandler = errors.New("no handler")

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// QueueSpec is the runtime view of a queue's policy.
type QueueSpec struct {
	Name          string
	Concurrency   int
	Rate          worker.RateLimit
	JobTimeout    time.Duration
	KeepCompleted int
	KeepFailed    int
}

// Serial reports whether the queue runs one job at a time.
func (q QueueSpec) Serial() bool { return q.Concurrency == 1 }

// Outcome describes one finished execution attempt.
type Outcome struct {
	ID          string
	Queue       string
	Name        string
	Payload     []byte
	Attempt     int
	MaxAttempts int
	Started     time.Time
	Duration    time.Duration
	Result      []byte
	Err         error
	// Retrying is true when another attempt has been scheduled.
	Retrying bool
}

// RepeatEntry is a recurring registration stored in the repeats hash.
type RepeatEntry struct {
	Key         string         `json:"key"`
	Name        string         `json:"name"`
	Payload     []byte         `json:"payload"`
	Schedule    string         `json:"schedule"`
	MaxAttempts int            `json:"max_attempts"`
	Backoff     worker.Backoff `json:"backoff"`
	CreatedAt   int64          `json:"created_at"`
}

type Config struct {
	Queues            []QueueSpec
	VisibilityTTL     time.Duration
	HeartbeatInterval time.Duration
	// TimeoutGrace is how long heartbeats continue past a queue's JobTimeout.
	// After that the lease is left to lapse so the reclaimer can requeue a
	// processor that ignores cancellation. Defaults to HeartbeatInterval.
	TimeoutGrace time.Duration
	PollInterval time.Duration
	Logger       Logger
	// NextRun computes the next fire time of a repeat schedule after from.
	NextRun func(expr string, from time.Time) (time.Time, error)
	// Permanent reports whether an executor error must not be retried.
	Permanent func(error) bool
	// Report is called after every execution attempt.
	Report func(Outcome)
}

// Executor executes a job payload for a given job name.
type Executor func(ctx context.Context, jobName string, payload []byte) error

type Runtime struct {
	rdb     redis.UniversalClient
	cfg     Config
	exec    Executor
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	qmap    map[string]ikeys.Queue
	log     Logger
}

// promoteOneScript atomically moves one due item from delayed ZSET to pending LIST.
var promoteOneScript = redis.NewScript(`
local dkey = KEYS[1]
local pkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', dkey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', dkey, m)
if rem == 1 then
  redis.call('LPUSH', pkey, m)
  return m
end
return false
`)

// reclaimOneScript atomically reclaims one expired active item back to pending.
var reclaimOneScript = redis.NewScript(`
local akey = KEYS[1]
local pkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', akey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', akey, m)
if rem == 1 then
  redis.call('RPUSH', pkey, m)
  return m
end
return false
`)

// spawnRepeatScript fires one repeat cycle if nobody else fired it first: the
// next-run score must still equal the one the caller read. Serial queues skip
// the cycle while the previous instance of the same key is in flight.
// Reply: 0 lost race, 1 spawned, 2 skipped (previous instance in flight).
var spawnRepeatScript = redis.NewScript(`
local nkey = KEYS[1]
local pkey = KEYS[2]
local ikey = KEYS[3]
local cur = redis.call('ZSCORE', nkey, ARGV[1])
if not cur or tonumber(cur) ~= tonumber(ARGV[2]) then return 0 end
redis.call('ZADD', nkey, ARGV[3], ARGV[1])
if ARGV[6] == '1' then
  if redis.call('HEXISTS', ikey, ARGV[1]) == 1 then return 2 end
  redis.call('HSET', ikey, ARGV[1], ARGV[5])
end
redis.call('LPUSH', pkey, ARGV[4])
return 1
`)

// New creates a new background runtime that manages workers and maintenance routines.
func New(rdb redis.UniversalClient, cfg Config, exec Executor) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	qmap := make(map[string]ikeys.Queue, len(cfg.Queues))
	for _, q := range cfg.Queues {
		qmap[q.Name] = ikeys.For(q.Name)
	}
	if cfg.VisibilityTTL <= 0 {
		cfg.VisibilityTTL = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.VisibilityTTL / 3
	}
	if cfg.TimeoutGrace <= 0 {
		cfg.TimeoutGrace = cfg.HeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Runtime{
		rdb:    rdb,
		cfg:    cfg,
		exec:   exec,
		ctx:    ctx,
		cancel: cancel,
		qmap:   qmap,
		log:    lg,
	}
}

// Start launches per-queue worker pools and background maintenance goroutines.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.mu.Unlock()
	rt.log.Infof("runtime starting: queues=%d", len(rt.cfg.Queues))

	for _, q := range rt.cfg.Queues {
		for i := 0; i < q.Concurrency; i++ {
			rt.wg.Add(1)
			go func(spec QueueSpec) {
				defer rt.wg.Done()
				rt.workerLoop(spec)
			}(q)
		}

		kset := rt.qmap[q.Name]
		rt.loop(100*time.Millisecond, func() { rt.promoteDue(kset) })
		rt.loop(200*time.Millisecond, func() { rt.reclaimExpired(rt.ctx, kset) })
		rt.loop(250*time.Millisecond, func() { rt.spawnRepeats(q, kset) })
	}
}

// Stop stops claiming, waits for in-flight jobs to finish and for all goroutines to exit.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	rt.cancel()
	rt.wg.Wait()
}

// loop runs fn on a ticker until the runtime stops.
func (rt *Runtime) loop(every time.Duration, fn func()) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-rt.ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (rt *Runtime) workerLoop(spec QueueSpec) {
	kset := rt.qmap[spec.Name]
	for {
		select {
		case <-rt.ctx.Done():
			return
		default:
		}

		rec, raw, wait, err := worker.Claim(rt.ctx, rt.rdb, kset, rt.cfg.VisibilityTTL, spec.Rate, uuid.NewString())
		if err != nil {
			if rt.ctx.Err() == nil {
				rt.log.Warnf("claim failed: queue=%s err=%v", spec.Name, err)
			}
			rt.sleep(rt.cfg.PollInterval)
			continue
		}
		if rec == nil {
			if wait > rt.cfg.PollInterval {
				// Rate window is full: back off, but stay responsive to Stop.
				if wait > time.Second {
					wait = time.Second
				}
				rt.sleep(wait)
			} else {
				rt.sleep(rt.cfg.PollInterval)
			}
			continue
		}

		rt.process(spec, kset, rec, raw)
		worker.Recycle(rec)
	}
}

func (rt *Runtime) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-rt.ctx.Done():
	case <-t.C:
	}
}

// process runs one claimed record to its next state. Store writes use a context
// detached from Stop so an in-flight job always records its outcome.
func (rt *Runtime) process(spec QueueSpec, kset ikeys.Queue, rec *worker.Record, raw []byte) {
	ctx := context.WithoutCancel(rt.ctx)

	raw, err := worker.Start(ctx, rt.rdb, kset, rec, raw, rt.cfg.VisibilityTTL)
	if err != nil {
		rt.log.Warnf("start failed: id=%s name=%s queue=%s err=%v", rec.ID, rec.Name, spec.Name, err)
		return
	}

	var (
		hbCtx  context.Context
		stopHB context.CancelFunc
	)
	if spec.JobTimeout > 0 {
		hbCtx, stopHB = context.WithTimeout(ctx, spec.JobTimeout+rt.cfg.TimeoutGrace)
	} else {
		hbCtx, stopHB = context.WithCancel(ctx)
	}
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		rt.heartbeat(hbCtx, kset, rec.ID, raw)
	}()

	st := hctx.New()
	st.JobID, st.Queue, st.Name = rec.ID, rec.Queue, rec.Name
	st.Attempt, st.MaxAttempts = rec.AttemptsMade, rec.MaxAttempts
	execCtx := hctx.WithState(ctx, st)
	if spec.JobTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(execCtx, spec.JobTimeout)
		defer cancel()
	}

	started := time.Now()
	execErr := rt.exec(execCtx, rec.Name, rec.Payload)
	elapsed := time.Since(started)
	stopHB()
	<-hbDone

	rec.Progress = st.Progress
	rec.Result = st.Result

	out := Outcome{
		ID:          rec.ID,
		Queue:       spec.Name,
		Name:        rec.Name,
		Payload:     append([]byte(nil), rec.Payload...),
		Attempt:     rec.AttemptsMade,
		MaxAttempts: rec.MaxAttempts,
		Started:     started,
		Duration:    elapsed,
		Result:      st.Result,
		Err:         execErr,
	}

	if execErr == nil {
		e := worker.Complete(ctx, rt.rdb, kset, rec, raw, spec.KeepCompleted)
		if errors.Is(e, worker.ErrLeaseLost) {
			rt.log.Warnf("late completion dropped, lease lost: id=%s name=%s queue=%s dur=%s", rec.ID, rec.Name, spec.Name, elapsed)
			return
		}
		if e != nil {
			rt.log.Errorf("complete failed: id=%s name=%s queue=%s err=%v", rec.ID, rec.Name, spec.Name, e)
		} else {
			rt.log.Debugf("processed: id=%s name=%s queue=%s dur=%s", rec.ID, rec.Name, spec.Name, elapsed)
		}
		rt.report(out)
		return
	}

	permanent := errors.Is(execErr, ErrNoHandler) || (rt.cfg.Permanent != nil && rt.cfg.Permanent(execErr))
	retried, e := worker.RetryOrFail(ctx, rt.rdb, kset, rec, raw, execErr.Error(), permanent, spec.KeepFailed)
	if errors.Is(e, worker.ErrLeaseLost) {
		rt.log.Warnf("late failure dropped, lease lost: id=%s name=%s queue=%s err=%v", rec.ID, rec.Name, spec.Name, execErr)
		return
	}
	if e != nil {
		rt.log.Errorf("retry/fail transition failed: id=%s name=%s queue=%s err=%v", rec.ID, rec.Name, spec.Name, e)
	} else if retried {
		rt.log.Warnf("job error, retrying: id=%s name=%s queue=%s attempt=%d/%d err=%v", rec.ID, rec.Name, spec.Name, rec.AttemptsMade, rec.MaxAttempts, execErr)
	} else {
		rt.log.Errorf("job failed: id=%s name=%s queue=%s attempt=%d/%d err=%v", rec.ID, rec.Name, spec.Name, rec.AttemptsMade, rec.MaxAttempts, execErr)
	}
	out.Retrying = retried
	rt.report(out)
}

func (rt *Runtime) report(o Outcome) {
	if rt.cfg.Report != nil {
		rt.cfg.Report(o)
	}
}

func (rt *Runtime) heartbeat(ctx context.Context, kset ikeys.Queue, id string, raw []byte) {
	ticker := time.NewTicker(rt.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				rt.log.Warnf("job overran its timeout, lease left to lapse: id=%s queue=%s", id, kset.Name)
			}
			return
		case <-ticker.C:
			if err := worker.Heartbeat(ctx, rt.rdb, kset, raw, rt.cfg.VisibilityTTL); err != nil {
				if errors.Is(err, worker.ErrLeaseLost) {
					rt.log.Warnf("lease lost: id=%s queue=%s", id, kset.Name)
					return
				}
				rt.log.Warnf("heartbeat failed: id=%s queue=%s err=%v", id, kset.Name, err)
			}
		}
	}
}

// promoteDue moves due delayed records to pending.
func (rt *Runtime) promoteDue(kset ikeys.Queue) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	// drain up to N per tick to avoid long loops
	for i := 0; i < 256; i++ {
		res, err := promoteOneScript.Run(rt.ctx, rt.rdb, []string{kset.Delayed, kset.Pending}, now).Result()
		if err == redis.Nil || res == nil || res == false {
			return
		}
		if err != nil {
			if rt.ctx.Err() == nil {
				rt.log.Warnf("promoter: script failed queue=%s err=%v", kset.Name, err)
			}
			return
		}
	}
}

// ReclaimExpired moves active records whose lease has expired back to pending and
// returns how many were moved. A live worker keeps its lease fresh, so only records
// of crashed or wedged workers qualify.
func (rt *Runtime) ReclaimExpired(ctx context.Context, queue string) (int, error) {
	kset, ok := rt.qmap[queue]
	if !ok {
		kset = ikeys.For(queue)
	}
	return rt.reclaimExpired(ctx, kset)
}

func (rt *Runtime) reclaimExpired(ctx context.Context, kset ikeys.Queue) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n := 0
	for i := 0; i < 256; i++ {
		res, err := reclaimOneScript.Run(ctx, rt.rdb, []string{kset.Active, kset.Pending}, now).Result()
		if err == redis.Nil || res == nil || res == false {
			break
		}
		if err != nil {
			if ctx.Err() == nil {
				rt.log.Warnf("reclaimer: script failed queue=%s err=%v", kset.Name, err)
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		rt.log.Warnf("reclaimer: requeued %d expired leases queue=%s", n, kset.Name)
	}
	return n, nil
}

// spawnRepeats fires every due repeat registration of the queue.
func (rt *Runtime) spawnRepeats(spec QueueSpec, kset ikeys.Queue) {
	if rt.cfg.NextRun == nil {
		return
	}
	now := time.Now()
	due, err := rt.rdb.ZRangeByScoreWithScores(rt.ctx, kset.RepeatNext, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Count: 64,
	}).Result()
	if err != nil {
		if rt.ctx.Err() == nil {
			rt.log.Warnf("repeater: range failed queue=%s err=%v", spec.Name, err)
		}
		return
	}
	for _, z := range due {
		key, _ := z.Member.(string)
		if err := rt.spawnOne(spec, kset, key, z.Score, now); err != nil && rt.ctx.Err() == nil {
			rt.log.Warnf("repeater: spawn failed queue=%s key=%s err=%v", spec.Name, key, err)
		}
	}
}

func (rt *Runtime) spawnOne(spec QueueSpec, kset ikeys.Queue, key string, score float64, now time.Time) error {
	raw, err := rt.rdb.HGet(rt.ctx, kset.Repeats, key).Bytes()
	if err == redis.Nil {
		// Registration removed; drop the orphaned schedule.
		return rt.rdb.ZRem(rt.ctx, kset.RepeatNext, key).Err()
	}
	if err != nil {
		return err
	}
	var entry RepeatEntry
	if err := sonic.Unmarshal(raw, &entry); err != nil {
		return err
	}
	next, err := rt.cfg.NextRun(entry.Schedule, now)
	if err != nil {
		return err
	}

	rec := &worker.Record{
		ID:          uuid.NewString(),
		Queue:       spec.Name,
		Name:        entry.Name,
		Payload:     entry.Payload,
		State:       "waiting",
		MaxAttempts: entry.MaxAttempts,
		Backoff:     entry.Backoff,
		Repeat:      entry.Schedule,
		RepeatKey:   entry.Key,
		CreatedAt:   now.UnixMilli(),
	}
	serial := "0"
	if spec.Serial() {
		serial = "1"
	}
	res, err := spawnRepeatScript.Run(rt.ctx, rt.rdb, []string{kset.RepeatNext, kset.Pending, kset.RepeatInflight},
		key,
		strconv.FormatFloat(score, 'f', -1, 64),
		strconv.FormatInt(next.UnixMilli(), 10),
		worker.EncodeJSON(rec),
		rec.ID,
		serial,
	).Int()
	if err != nil {
		return err
	}
	switch res {
	case 1:
		rt.log.Debugf("repeater: spawned id=%s name=%s key=%s queue=%s next=%s", rec.ID, entry.Name, key, spec.Name, next.Format(time.RFC3339))
	case 2:
		rt.log.Infof("repeater: skipped cycle, previous instance in flight name=%s key=%s queue=%s", entry.Name, key, spec.Name)
	}
	return nil
}
