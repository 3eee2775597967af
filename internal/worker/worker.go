package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/coinqw/internal/backoff"
	"github.com/UniQw/coinqw/internal/keys"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned when an active record is no longer owned by the caller,
// typically because the reclaimer moved it back to pending after the lease expired.
var ErrLeaseLost = errors.New("lease lost")

// Backoff mirrors the public backoff policy.
type Backoff struct {
	Type    string `json:"type"`
	DelayMs int64  `json:"delay_ms,omitempty"`
}

// Record is the internal representation of a job record stored in Redis.
// It mirrors the public Job type field for field.
type Record struct {
	ID           string  `json:"id"`
	Queue        string  `json:"queue"`
	Name         string  `json:"name"`
	Payload      []byte  `json:"payload"`
	State        string  `json:"state"`
	AttemptsMade int     `json:"attempts_made"`
	MaxAttempts  int     `json:"max_attempts"`
	Backoff      Backoff `json:"backoff"`
	Repeat       string  `json:"repeat,omitempty"`
	RepeatKey    string  `json:"repeat_key,omitempty"`
	CreatedAt    int64   `json:"created_at,omitempty"`
	StartedAt    int64   `json:"started_at,omitempty"`
	FinishedAt   int64   `json:"finished_at,omitempty"`
	Progress     int     `json:"progress,omitempty"`
	Result       []byte  `json:"result,omitempty"`
	LastError    string  `json:"last_error,omitempty"`
	LastErrorAt  int64   `json:"last_error_at,omitempty"`
}

// RetryDelay returns the backoff before the next attempt.
func (r *Record) RetryDelay() time.Duration {
	return backoff.Delay(r.Backoff.Type, time.Duration(r.Backoff.DelayMs)*time.Millisecond, r.AttemptsMade)
}

var recPool = sync.Pool{New: func() any { return new(Record) }}

// RateLimit bounds how many jobs may start per rolling window. Max <= 0 disables it.
type RateLimit struct {
	Max    int
	Window time.Duration
}

// claimScript atomically admits one job: it refuses while the queue is paused or
// empty, enforces the sliding rate window, then moves the oldest pending member
// into the active ZSET scored by lease expiry.
// Reply: {0,0} nothing to do, {1,member} claimed, {2,ms} rate limited for ms.
var claimScript = redis.NewScript(`
local pkey = KEYS[1]
local akey = KEYS[2]
local paused = KEYS[3]
local rkey = KEYS[4]
if redis.call('EXISTS', paused) == 1 then return {0, 0} end
if redis.call('LLEN', pkey) == 0 then return {0, 0} end
local max = tonumber(ARGV[3])
if max > 0 then
  local now = tonumber(ARGV[1])
  local win = tonumber(ARGV[4])
  redis.call('ZREMRANGEBYSCORE', rkey, '-inf', ARGV[6])
  if redis.call('ZCARD', rkey) >= max then
    local oldest = redis.call('ZRANGE', rkey, 0, 0, 'WITHSCORES')
    local wait = tonumber(oldest[2]) + win - now
    if wait < 1 then wait = 1 end
    return {2, wait}
  end
  redis.call('ZADD', rkey, ARGV[1], ARGV[5])
  redis.call('PEXPIRE', rkey, ARGV[4])
end
local v = redis.call('RPOP', pkey)
redis.call('ZADD', akey, ARGV[2], v)
return {1, v}
`)

// swapActiveScript replaces an active member with its updated encoding if the
// caller still holds it.
var swapActiveScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
  return 1
end
return 0
`)

// heartbeatScript extends the lease of an active member that still exists.
var heartbeatScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
  return 1
end
return 0
`)

// Recycle returns a Record to the pool to reduce allocations.
func Recycle(r *Record) {
	if r == nil {
		return
	}
	*r = Record{}
	recPool.Put(r)
}

// claimArgs orders ARGV for claimScript: now, lease expiry, rate max, window,
// rate token, window start.
func claimArgs(now time.Time, ttl time.Duration, rl RateLimit, token string) []any {
	return []any{
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(ttl).UnixMilli(), 10),
		strconv.Itoa(rl.Max),
		strconv.FormatInt(rl.Window.Milliseconds(), 10),
		token,
		strconv.FormatInt(now.Add(-rl.Window).UnixMilli(), 10),
	}
}

// Claim atomically moves the next eligible record from pending to active.
// It returns a nil record when nothing can be claimed; wait is non-zero when the
// queue's rate window is full.
func Claim(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, ttl time.Duration, rl RateLimit, token string) (*Record, []byte, time.Duration, error) {
	res, err := claimScript.Run(ctx, rdb, []string{k.Pending, k.Active, k.Paused, k.RateWindow}, claimArgs(time.Now(), ttl, rl, token)...).Slice()
	if err == redis.Nil {
		return nil, nil, 0, nil
	}
	if err != nil {
		return nil, nil, 0, err
	}
	if len(res) != 2 {
		return nil, nil, 0, nil
	}
	status, _ := res[0].(int64)
	switch status {
	case 1:
		var raw []byte
		switch v := res[1].(type) {
		case string:
			raw = []byte(v)
		case []byte:
			raw = v
		default:
			return nil, nil, 0, nil
		}
		r := recPool.Get().(*Record)
		if err := sonic.Unmarshal(raw, r); err != nil {
			Recycle(r)
			// Undecodable members go straight to failed so the reclaimer cannot cycle them.
			_, _ = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.ZRem(ctx, k.Active, raw)
				p.LPush(ctx, k.Failed, raw)
				return nil
			})
			return nil, nil, 0, err
		}
		return r, raw, 0, nil
	case 2:
		ms, _ := res[1].(int64)
		return nil, nil, time.Duration(ms) * time.Millisecond, nil
	default:
		return nil, nil, 0, nil
	}
}

// Start marks a claimed record as running: it bumps AttemptsMade, stamps StartedAt
// and swaps the active member for the updated encoding. The new raw is returned
// and must be used for every later transition.
func Start(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, r *Record, raw []byte, ttl time.Duration) ([]byte, error) {
	r.AttemptsMade++
	r.State = "active"
	r.StartedAt = time.Now().UnixMilli()
	newRaw := encodeJSON(r)
	lease := strconv.FormatInt(time.Now().Add(ttl).UnixMilli(), 10)
	n, err := swapActiveScript.Run(ctx, rdb, []string{k.Active}, raw, newRaw, lease).Int()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrLeaseLost
	}
	return newRaw, nil
}

// Heartbeat extends the lease of a running record.
func Heartbeat(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, raw []byte, ttl time.Duration) error {
	lease := strconv.FormatInt(time.Now().Add(ttl).UnixMilli(), 10)
	n, err := heartbeatScript.Run(ctx, rdb, []string{k.Active}, raw, lease).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// completeScript moves an owned active member to completed and trims the set.
// It returns 0 when the member is no longer active.
var completeScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
local keep = tonumber(ARGV[4])
if keep > 0 then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
  redis.call('ZREMRANGEBYRANK', KEYS[2], 0, -keep - 1)
end
redis.call('SREM', KEYS[3], ARGV[5])
if ARGV[6] ~= '' and redis.call('HGET', KEYS[4], ARGV[6]) == ARGV[5] then
  redis.call('HDEL', KEYS[4], ARGV[6])
end
return 1
`)

// failScript moves an owned active member to the failed list and trims it.
var failScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
local keep = tonumber(ARGV[3])
if keep > 0 then
  redis.call('LPUSH', KEYS[2], ARGV[2])
  redis.call('LTRIM', KEYS[2], 0, keep - 1)
end
redis.call('SREM', KEYS[3], ARGV[4])
if ARGV[5] ~= '' and redis.call('HGET', KEYS[4], ARGV[5]) == ARGV[4] then
  redis.call('HDEL', KEYS[4], ARGV[5])
end
return 1
`)

// retryScript puts an owned active member back in delayed (ARGV[3] is the due
// time) or, with an empty ARGV[3], at the head of pending.
var retryScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
if ARGV[3] ~= '' then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
else
  redis.call('LPUSH', KEYS[3], ARGV[2])
end
return 1
`)

func fenced(n int, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Complete moves a record from active to the completed ZSET, trimming the set to
// keep entries. It returns ErrLeaseLost and writes nothing when raw is no longer
// active, e.g. after the reclaimer requeued it.
func Complete(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, r *Record, raw []byte, keep int) error {
	r.State = "completed"
	r.FinishedAt = time.Now().UnixMilli()
	clampProgress(r)
	newRaw := encodeJSON(r)
	return fenced(completeScript.Run(ctx, rdb,
		[]string{k.Active, k.Completed, k.Unique, k.RepeatInflight},
		raw, newRaw, strconv.FormatInt(r.FinishedAt, 10), strconv.Itoa(keep), r.ID, r.RepeatKey,
	).Int())
}

// Fail moves a record from active to the failed list, trimming the list to keep
// entries. The job id is released so it can be enqueued again. Like Complete it
// returns ErrLeaseLost when raw is no longer active.
func Fail(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, r *Record, raw []byte, reason string, keep int) error {
	r.State = "failed"
	r.FinishedAt = time.Now().UnixMilli()
	if reason != "" {
		r.LastError = reason
		r.LastErrorAt = r.FinishedAt
	}
	clampProgress(r)
	newRaw := encodeJSON(r)
	return fenced(failScript.Run(ctx, rdb,
		[]string{k.Active, k.Failed, k.Unique, k.RepeatInflight},
		raw, newRaw, strconv.Itoa(keep), r.ID, r.RepeatKey,
	).Int())
}

// RetryOrFail schedules another attempt when the record has attempts left and the
// failure is not permanent; otherwise it moves the record to failed. It reports
// whether a retry was scheduled.
func RetryOrFail(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, r *Record, raw []byte, lastErr string, permanent bool, keep int) (bool, error) {
	if permanent || r.AttemptsMade >= r.MaxAttempts {
		return false, Fail(ctx, rdb, k, r, raw, lastErr, keep)
	}

	r.LastError = lastErr
	r.LastErrorAt = time.Now().UnixMilli()
	clampProgress(r)
	delay := r.RetryDelay()
	due := ""
	if delay > 0 {
		r.State = "delayed"
		due = strconv.FormatInt(time.Now().Add(delay).UnixMilli(), 10)
	} else {
		r.State = "waiting"
	}
	newRaw := encodeJSON(r)
	err := fenced(retryScript.Run(ctx, rdb,
		[]string{k.Active, k.Delayed, k.Pending},
		raw, newRaw, due,
	).Int())
	return err == nil, err
}

func clampProgress(r *Record) {
	if r.Progress < 0 {
		r.Progress = 0
	} else if r.Progress > 100 {
		r.Progress = 100
	}
}

// EncodeJSON exposes the record encoding used for store members.
func EncodeJSON(r *Record) []byte { return encodeJSON(r) }

// encodeJSON encodes value using stdlib json.Marshal for lower latency in encoding.
func encodeJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
