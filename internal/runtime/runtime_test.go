package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	ikeys "github.com/UniQw/coinqw/internal/keys"
	"github.com/UniQw/coinqw/internal/worker"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMini(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return rdb, func() { _ = rdb.Close(); s.Close() }
}

func encode(t *testing.T, r *worker.Record) string {
	t.Helper()
	b, err := json.Marshal(r)
	require.NoError(t, err)
	return string(b)
}

type outcomes struct {
	mu  sync.Mutex
	all []Outcome
}

func (o *outcomes) add(out Outcome) {
	o.mu.Lock()
	o.all = append(o.all, out)
	o.mu.Unlock()
}

func (o *outcomes) snapshot() []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Outcome(nil), o.all...)
}

func TestRuntime_StartStop_Idempotent(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	cfg := Config{Queues: []QueueSpec{{Name: "q", Concurrency: 0}}, VisibilityTTL: 2 * time.Second}
	rt := New(rdb, cfg, func(context.Context, string, []byte) error { return nil })

	rt.Start()
	rt.Start()
	time.Sleep(50 * time.Millisecond)
	rt.Stop()
	rt.Stop()
}

func TestRuntime_PromoteAndReclaim(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	k := ikeys.For("qflows")

	require.NoError(t, rdb.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(time.Now().UnixMilli()), Member: "mdue"}).Err())
	require.NoError(t, rdb.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(time.Now().Add(time.Hour).UnixMilli()), Member: "mlater"}).Err())
	require.NoError(t, rdb.ZAdd(ctx, k.Active, redis.Z{Score: float64(time.Now().Add(-time.Second).UnixMilli()), Member: "mlease"}).Err())

	cfg := Config{Queues: []QueueSpec{{Name: "qflows", Concurrency: 0}}, VisibilityTTL: time.Second}
	rt := New(rdb, cfg, func(context.Context, string, []byte) error { return nil })
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		n, _ := rdb.LLen(ctx, k.Pending).Result()
		return n == 2
	}, 2*time.Second, 20*time.Millisecond)

	za, _ := rdb.ZCard(ctx, k.Active).Result()
	require.Zero(t, za)
	zd, _ := rdb.ZCard(ctx, k.Delayed).Result()
	require.Equal(t, int64(1), zd, "future delayed member must stay")
}

func TestRuntime_ReclaimExpired_OnDemand(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	k := ikeys.For("q")

	rdb.ZAdd(ctx, k.Active, redis.Z{Score: float64(time.Now().Add(-time.Second).UnixMilli()), Member: "expired"})
	rdb.ZAdd(ctx, k.Active, redis.Z{Score: float64(time.Now().Add(time.Minute).UnixMilli()), Member: "alive"})

	rt := New(rdb, Config{Queues: []QueueSpec{{Name: "q"}}}, nil)
	n, err := rt.ReclaimExpired(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	members, _ := rdb.ZRange(ctx, k.Active, 0, -1).Result()
	require.Equal(t, []string{"alive"}, members)
}

func TestRuntime_WorkerLoop_RetryThenSucceed(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	k := ikeys.For("qloop")

	require.NoError(t, rdb.LPush(ctx, k.Pending, encode(t, &worker.Record{
		ID: "j1", Queue: "qloop", Name: "flaky", MaxAttempts: 3,
	})).Err())

	var mu sync.Mutex
	calls := 0
	exec := func(ctx context.Context, name string, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("upstream unavailable")
		}
		return nil
	}
	var got outcomes
	cfg := Config{
		Queues:        []QueueSpec{{Name: "qloop", Concurrency: 1, KeepCompleted: 10, KeepFailed: 10}},
		VisibilityTTL: 5 * time.Second,
		PollInterval:  10 * time.Millisecond,
		Report:        got.add,
	}
	rt := New(rdb, cfg, exec)
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		n, _ := rdb.ZCard(ctx, k.Completed).Result()
		return n == 1
	}, 3*time.Second, 20*time.Millisecond)

	members, _ := rdb.ZRange(ctx, k.Completed, 0, -1).Result()
	var rec worker.Record
	require.NoError(t, json.Unmarshal([]byte(members[0]), &rec))
	require.Equal(t, 2, rec.AttemptsMade)
	require.Equal(t, "completed", rec.State)

	outs := got.snapshot()
	require.Len(t, outs, 2)
	require.Error(t, outs[0].Err)
	require.True(t, outs[0].Retrying)
	require.NoError(t, outs[1].Err)
	require.Equal(t, 2, outs[1].Attempt)
}

func TestRuntime_WorkerLoop_PermanentFailsFirstAttempt(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	k := ikeys.For("qperm")

	require.NoError(t, rdb.LPush(ctx, k.Pending, encode(t, &worker.Record{
		ID: "j1", Queue: "qperm", Name: "missing", MaxAttempts: 5,
	})).Err())

	errGone := errors.New("gone")
	var got outcomes
	cfg := Config{
		Queues:       []QueueSpec{{Name: "qperm", Concurrency: 1, KeepFailed: 10}},
		PollInterval: 10 * time.Millisecond,
		Permanent:    func(err error) bool { return errors.Is(err, errGone) },
		Report:       got.add,
	}
	rt := New(rdb, cfg, func(context.Context, string, []byte) error { return errGone })
	rt.Start()
	defer rt.Stop()

	require.Eventually(t, func() bool {
		n, _ := rdb.LLen(ctx, k.Failed).Result()
		return n == 1
	}, 3*time.Second, 20*time.Millisecond)

	outs := got.snapshot()
	require.Len(t, outs, 1)
	require.False(t, outs[0].Retrying)
	require.Equal(t, 1, outs[0].Attempt)
}

func TestRuntime_SpawnRepeats(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	k := ikeys.For("qrep")

	entry, _ := json.Marshal(RepeatEntry{Key: "coin-1", Name: "ingest-price", Schedule: "@every 5m", MaxAttempts: 3})
	rdb.HSet(ctx, k.Repeats, "coin-1", entry)
	rdb.ZAdd(ctx, k.RepeatNext, redis.Z{Score: float64(time.Now().Add(-time.Second).UnixMilli()), Member: "coin-1"})
	// orphan schedule with no registration
	rdb.ZAdd(ctx, k.RepeatNext, redis.Z{Score: float64(time.Now().Add(-time.Second).UnixMilli()), Member: "gone"})

	next := time.Now().Add(5 * time.Minute)
	rt := New(rdb, Config{
		Queues:  []QueueSpec{{Name: "qrep", Concurrency: 5}},
		NextRun: func(string, time.Time) (time.Time, error) { return next, nil },
	}, nil)

	rt.spawnRepeats(QueueSpec{Name: "qrep", Concurrency: 5}, k)

	pending, _ := rdb.LRange(ctx, k.Pending, 0, -1).Result()
	require.Len(t, pending, 1)
	var rec worker.Record
	require.NoError(t, json.Unmarshal([]byte(pending[0]), &rec))
	require.Equal(t, "ingest-price", rec.Name)
	require.Equal(t, "coin-1", rec.RepeatKey)
	require.Equal(t, 3, rec.MaxAttempts)

	score, _ := rdb.ZScore(ctx, k.RepeatNext, "coin-1").Result()
	require.Equal(t, float64(next.UnixMilli()), score)
	_, err := rdb.ZScore(ctx, k.RepeatNext, "gone").Result()
	require.ErrorIs(t, err, redis.Nil)

	// not due anymore: nothing new
	rt.spawnRepeats(QueueSpec{Name: "qrep", Concurrency: 5}, k)
	n, _ := rdb.LLen(ctx, k.Pending).Result()
	require.Equal(t, int64(1), n)
}

func TestRuntime_SpawnRepeats_SerialSkipsOverlap(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	k := ikeys.For("qserial")
	spec := QueueSpec{Name: "qserial", Concurrency: 1}

	entry, _ := json.Marshal(RepeatEntry{Key: "cleanup", Name: "cleanup-price-data", Schedule: "@every 1s", MaxAttempts: 1})
	rdb.HSet(ctx, k.Repeats, "cleanup", entry)
	rdb.ZAdd(ctx, k.RepeatNext, redis.Z{Score: float64(time.Now().Add(-time.Second).UnixMilli()), Member: "cleanup"})

	past := time.Now().Add(-time.Millisecond)
	rt := New(rdb, Config{
		Queues:  []QueueSpec{spec},
		NextRun: func(string, time.Time) (time.Time, error) { return past, nil },
	}, nil)

	rt.spawnRepeats(spec, k)
	n, _ := rdb.LLen(ctx, k.Pending).Result()
	require.Equal(t, int64(1), n)
	inflight, _ := rdb.HGet(ctx, k.RepeatInflight, "cleanup").Result()
	require.NotEmpty(t, inflight)

	// due again while the first instance has not finished
	rt.spawnRepeats(spec, k)
	n, _ = rdb.LLen(ctx, k.Pending).Result()
	require.Equal(t, int64(1), n, "serial repeat must not overlap")
}

func TestRuntime_RateLimitedQueue(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	k := ikeys.For("qrate")

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, rdb.LPush(ctx, k.Pending, encode(t, &worker.Record{ID: id, Name: "n", MaxAttempts: 1})).Err())
	}
	var got outcomes
	rt := New(rdb, Config{
		Queues: []QueueSpec{{
			Name: "qrate", Concurrency: 3, KeepCompleted: 10,
			Rate: worker.RateLimit{Max: 2, Window: time.Minute},
		}},
		PollInterval: 10 * time.Millisecond,
		Report:       got.add,
	}, func(context.Context, string, []byte) error { return nil })
	rt.Start()

	require.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	rt.Stop()

	require.Len(t, got.snapshot(), 2, "only two starts fit the window")
	n, _ := rdb.LLen(ctx, k.Pending).Result()
	require.Equal(t, int64(1), n)
}

func TestQueueSpec_Serial(t *testing.T) {
	require.True(t, QueueSpec{Concurrency: 1}.Serial())
	require.False(t, QueueSpec{Concurrency: 2}.Serial())
}

func TestRuntime_OverrunningJobIsReclaimed(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()
	k := ikeys.For("qwedge")

	require.NoError(t, rdb.LPush(ctx, k.Pending, encode(t, &worker.Record{
		ID: "j1", Queue: "qwedge", Name: "wedged", MaxAttempts: 3,
	})).Err())

	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	exec := func(context.Context, string, []byte) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			// ignores cancellation
			<-release
		}
		return nil
	}
	var got outcomes
	rt := New(rdb, Config{
		Queues:        []QueueSpec{{Name: "qwedge", Concurrency: 2, JobTimeout: 100 * time.Millisecond, KeepCompleted: 10}},
		VisibilityTTL: 300 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		Report:        got.add,
	}, exec)
	rt.Start()
	defer rt.Stop()
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	defer unblock()

	// the lease lapses after timeout + grace and a second worker runs the job
	require.Eventually(t, func() bool {
		n, _ := rdb.ZCard(ctx, k.Completed).Result()
		return n == 1
	}, 3*time.Second, 20*time.Millisecond)

	unblock()
	time.Sleep(200 * time.Millisecond)

	n, _ := rdb.ZCard(ctx, k.Completed).Result()
	require.Equal(t, int64(1), n, "the late finish must not record a second completion")
	pending, _ := rdb.LLen(ctx, k.Pending).Result()
	require.Zero(t, pending)
	active, _ := rdb.ZCard(ctx, k.Active).Result()
	require.Zero(t, active)

	outs := got.snapshot()
	require.Len(t, outs, 1)
	require.NoError(t, outs[0].Err)
	require.Equal(t, 2, outs[0].Attempt)
}
