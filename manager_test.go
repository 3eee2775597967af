package coinqw

import (
	"context"
	"fmt"
	"testing"
	"time"

	ikeys "github.com/UniQw/coinqw/internal/keys"
	"github.com/UniQw/coinqw/internal/worker"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniClient(t *testing.T) (*redis.Client, *mrd.Miniredis, func()) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		s.Close()
	}
	return rdb, s, cleanup
}

func newTestManager(rdb redis.UniversalClient, mux *Mux) *Manager {
	if mux == nil {
		mux = NewMux()
	}
	return NewManager(rdb, mux, Config{Logger: NopLogger{}})
}

func ingest(id string) IngestPricePayload {
	return IngestPricePayload{CoinRef{CoinID: id, Symbol: "SYM"}}
}

func TestManager_DefaultsToCatalogueQueues(t *testing.T) {
	rdb, _, done := newMiniClient(t)
	defer done()
	m := newTestManager(rdb, nil)

	var names []string
	for _, q := range m.Queues() {
		names = append(names, q.Name)
	}
	require.Equal(t, []string{QueueIngestion, QueueScraping, QueueAlerts, QueueRisk, QueueMaintenance}, names)
	q, ok := m.Queue(QueueMaintenance)
	require.True(t, ok)
	require.Equal(t, 1, q.Concurrency)
}

func TestManager_Enqueue_Basics(t *testing.T) {
	rdb, _, done := newMiniClient(t)
	defer done()
	m := newTestManager(rdb, nil)
	ctx := context.Background()
	k := ikeys.For(QueueIngestion)

	// waiting
	id, err := m.Enqueue(ctx, QueueIngestion, JobIngestPrice, ingest("c1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	nPending, _ := rdb.LLen(ctx, k.Pending).Result()
	require.Equal(t, int64(1), nPending)

	// delayed
	_, err = m.Enqueue(ctx, QueueIngestion, JobIngestPrice, ingest("c2"), Delay(time.Hour))
	require.NoError(t, err)
	nDelayed, _ := rdb.ZCard(ctx, k.Delayed).Result()
	require.Equal(t, int64(1), nDelayed)

	// duplicate id rejection
	_, err = m.Enqueue(ctx, QueueIngestion, JobIngestPrice, ingest("c3"), JobID("dup-one"))
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, QueueIngestion, JobIngestPrice, ingest("c3"), JobID("dup-one"))
	require.ErrorIs(t, err, ErrDuplicateJob)

	jobs, err := m.ListJobs(ctx, QueueIngestion, StateWaiting, func(j *Job) bool { return j.ID == "dup-one" })
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	j := jobs[0]
	require.Equal(t, StateWaiting, j.State)
	require.Equal(t, JobIngestPrice, j.Name)
	require.Equal(t, NoRetry, j.Retry(), "queue default applies")
	p, err := j.Decode()
	require.NoError(t, err)
	require.Equal(t, "c3", p.(*IngestPricePayload).CoinID)
}

func TestManager_Enqueue_ValidationHasNoSideEffects(t *testing.T) {
	rdb, s, done := newMiniClient(t)
	defer done()
	m := newTestManager(rdb, nil)
	ctx := context.Background()

	cases := []struct {
		name    string
		queue   string
		job     string
		payload Payload
		opts    []Option
		want    error
	}{
		{"unknown queue", "emails", JobIngestPrice, ingest("c"), nil, ErrUnknownQueue},
		{"zero attempts", QueueIngestion, JobIngestPrice, ingest("c"), []Option{Attempts(0)}, ErrInvalidAttempts},
		{"repeat and delay", QueueIngestion, JobIngestPrice, ingest("c"), []Option{Repeat("@every 5m"), Delay(time.Second)}, ErrConflictingOptions},
		{"bad schedule", QueueIngestion, JobIngestPrice, ingest("c"), []Option{Repeat("every five minutes")}, ErrInvalidSchedule},
		{"payload mismatch", QueueIngestion, JobCalculateRisk, ingest("c"), nil, ErrInvalidPayload},
		{"payload invalid", QueueIngestion, JobIngestPrice, IngestPricePayload{}, nil, ErrInvalidPayload},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := m.Enqueue(ctx, c.queue, c.job, c.payload, c.opts...)
			require.ErrorIs(t, err, c.want)
		})
	}
	require.Empty(t, s.Keys(), "rejected enqueues must not write")
}

func TestManager_Repeat_UpsertIsIdempotent(t *testing.T) {
	rdb, _, done := newMiniClient(t)
	defer done()
	m := newTestManager(rdb, nil)
	ctx := context.Background()
	k := ikeys.For(QueueIngestion)

	opts := []Option{Repeat("@every 5m"), RepeatKey("c1"), Retry(RetryPolicy{Attempts: 3, Backoff: BackoffExponential, Delay: 5 * time.Second})}
	id1, err := m.Enqueue(ctx, QueueIngestion, JobIngestPrice, ingest("c1"), opts...)
	require.NoError(t, err)
	require.Equal(t, "repeat:ingest-price:c1", id1)
	score1, _ := rdb.ZScore(ctx, k.RepeatNext, "ingest-price:c1").Result()

	time.Sleep(5 * time.Millisecond)
	id2, err := m.Enqueue(ctx, QueueIngestion, JobIngestPrice, ingest("c1"), opts...)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	score2, _ := rdb.ZScore(ctx, k.RepeatNext, "ingest-price:c1").Result()
	require.Equal(t, score1, score2, "same schedule keeps the next run")

	reps, err := m.ListRepeats(ctx, QueueIngestion)
	require.NoError(t, err)
	require.Len(t, reps, 1)
	r := reps[0]
	require.Equal(t, id1, r.ID)
	require.Equal(t, "c1", r.Key)
	require.Equal(t, JobIngestPrice, r.JobName)
	require.Equal(t, "@every 5m", r.Schedule)
	require.Equal(t, RetryPolicy{Attempts: 3, Backoff: BackoffExponential, Delay: 5 * time.Second}, r.Retry)
	require.WithinDuration(t, time.Now().Add(5*time.Minute), r.NextRun, 2*time.Second)

	// changed schedule recomputes
	_, err = m.Enqueue(ctx, QueueIngestion, JobIngestPrice, ingest("c1"), Repeat("@every 1h"), RepeatKey("c1"))
	require.NoError(t, err)
	reps, _ = m.ListRepeats(ctx, QueueIngestion)
	require.Len(t, reps, 1)
	require.WithinDuration(t, time.Now().Add(time.Hour), reps[0].NextRun, 2*time.Second)

	// nothing was spawned by registering
	n, _ := rdb.LLen(ctx, k.Pending).Result()
	require.Zero(t, n)

	require.NoError(t, m.RemoveRepeat(ctx, QueueIngestion, JobIngestPrice, "c1"))
	require.ErrorIs(t, m.RemoveRepeat(ctx, QueueIngestion, JobIngestPrice, "c1"), ErrRepeatNotFound)
	reps, _ = m.ListRepeats(ctx, QueueIngestion)
	require.Empty(t, reps)
}

func TestManager_RestoreRepeat(t *testing.T) {
	rdb, _, done := newMiniClient(t)
	defer done()
	m := newTestManager(rdb, nil)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, QueueIngestion, JobIngestPrice, ingest("c1"), Repeat("@every 5m"), RepeatKey("c1"))
	require.NoError(t, err)
	saved, err := m.ListRepeats(ctx, QueueIngestion)
	require.NoError(t, err)
	require.Len(t, saved, 1)

	_, err = m.Enqueue(ctx, QueueIngestion, JobIngestPrice, ingest("c2"), Repeat("@every 1h"), RepeatKey("c1"), Retry(RetryPolicy{Attempts: 1}))
	require.NoError(t, err)

	require.NoError(t, m.RestoreRepeat(ctx, saved[0]))
	got, err := m.ListRepeats(ctx, QueueIngestion)
	require.NoError(t, err)
	require.Equal(t, saved, got)

	// a removed registration comes back too
	require.NoError(t, m.RemoveRepeat(ctx, QueueIngestion, JobIngestPrice, "c1"))
	require.NoError(t, m.RestoreRepeat(ctx, saved[0]))
	got, _ = m.ListRepeats(ctx, QueueIngestion)
	require.Equal(t, saved, got)

	require.ErrorIs(t, m.RestoreRepeat(ctx, RepeatInfo{Queue: "nope"}), ErrUnknownQueue)
}

func TestManager_Status(t *testing.T) {
	rdb, _, done := newMiniClient(t)
	defer done()
	m := newTestManager(rdb, nil)
	ctx := context.Background()
	k := ikeys.For(QueueRisk)

	risk := CalculateRiskPayload{CoinRef{CoinID: "c"}}
	_, _ = m.Enqueue(ctx, QueueRisk, JobCalculateRisk, risk)
	_, _ = m.Enqueue(ctx, QueueRisk, JobCalculateRisk, risk)
	_, _ = m.Enqueue(ctx, QueueRisk, JobCalculateRisk, risk, Delay(time.Minute))
	_, _ = m.Enqueue(ctx, QueueRisk, JobCalculateRisk, risk, Repeat("@every 2h"), RepeatKey("c"))

	// one fresh active job and one running past StallAfter (10m)
	fresh := worker.EncodeJSON(&worker.Record{ID: "a1", StartedAt: time.Now().UnixMilli()})
	stuck := worker.EncodeJSON(&worker.Record{ID: "a2", StartedAt: time.Now().Add(-11 * time.Minute).UnixMilli()})
	rdb.ZAdd(ctx, k.Active, redis.Z{Score: 1, Member: fresh}, redis.Z{Score: 2, Member: stuck})
	rdb.ZAdd(ctx, k.Completed, redis.Z{Score: 1, Member: "x"})
	rdb.LPush(ctx, k.Failed, "y", "z")

	st, err := m.Status(ctx, QueueRisk)
	require.NoError(t, err)
	require.Equal(t, Status{
		Queue: QueueRisk, Waiting: 2, Active: 2, Completed: 1, Failed: 2, Delayed: 1, Stalled: 1, Repeats: 1,
	}, st)

	require.NoError(t, m.Pause(ctx, QueueRisk))
	require.NoError(t, m.Pause(ctx, QueueRisk))
	st, _ = m.Status(ctx, QueueRisk)
	require.True(t, st.Paused)

	require.NoError(t, m.Resume(ctx, QueueRisk))
	require.NoError(t, m.Resume(ctx, QueueRisk))
	st, _ = m.Status(ctx, QueueRisk)
	require.False(t, st.Paused)

	_, err = m.Status(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownQueue)
}

func TestManager_ListJobs_PausedState(t *testing.T) {
	rdb, _, done := newMiniClient(t)
	defer done()
	m := newTestManager(rdb, nil)
	ctx := context.Background()

	_, err := m.Enqueue(ctx, QueueAlerts, JobCheckAlerts, CheckAlertsPayload{})
	require.NoError(t, err)

	jobs, _ := m.ListJobs(ctx, QueueAlerts, StatePaused, nil)
	require.Empty(t, jobs)

	require.NoError(t, m.Pause(ctx, QueueAlerts))
	jobs, err = m.ListJobs(ctx, QueueAlerts, StateWaiting, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, StatePaused, jobs[0].State)

	_, err = m.ListJobs(ctx, QueueAlerts, State("dead"), nil)
	require.ErrorIs(t, err, ErrUnknownState)
}

func TestManager_Clear(t *testing.T) {
	rdb, _, done := newMiniClient(t)
	defer done()
	m := newTestManager(rdb, nil)
	ctx := context.Background()
	k := ikeys.For(QueueMaintenance)

	p := CleanupPriceDataPayload{RetentionDays: 90}
	_, _ = m.Enqueue(ctx, QueueMaintenance, JobCleanupPriceData, p, JobID("w1"))
	_, _ = m.Enqueue(ctx, QueueMaintenance, JobCleanupPriceData, p, JobID("d1"), Delay(time.Hour))
	rdb.LPush(ctx, k.Failed, worker.EncodeJSON(&worker.Record{ID: "f1"}))
	rdb.ZAdd(ctx, k.Active, redis.Z{Score: 1, Member: worker.EncodeJSON(&worker.Record{ID: "a1"})})
	rdb.HSet(ctx, k.RepeatInflight, "cleanup-price-data:cleanup-price-data", "w1")
	_, _ = m.Enqueue(ctx, QueueMaintenance, JobCleanupPriceData, p, Repeat("0 2 * * *"))

	n, err := m.Clear(ctx, QueueMaintenance)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	st, _ := m.Status(ctx, QueueMaintenance)
	require.Zero(t, st.Waiting)
	require.Zero(t, st.Delayed)
	require.Zero(t, st.Failed)
	require.Equal(t, int64(1), st.Active, "active jobs survive a clear")
	require.Equal(t, int64(1), st.Repeats)

	ex, _ := rdb.HExists(ctx, k.RepeatInflight, "cleanup-price-data:cleanup-price-data").Result()
	require.False(t, ex, "cleared instance releases its serial repeat")

	// cleared ids can be reused
	_, err = m.Enqueue(ctx, QueueMaintenance, JobCleanupPriceData, p, JobID("w1"))
	require.NoError(t, err)
}

func TestManager_Clear_ConcurrentEnqueue(t *testing.T) {
	rdb, _, done := newMiniClient(t)
	defer done()
	m := newTestManager(rdb, nil)
	ctx := context.Background()
	k := ikeys.For(QueueAlerts)

	const total = 200
	enqDone := make(chan struct{})
	go func() {
		defer close(enqDone)
		for i := 0; i < total; i++ {
			_, err := m.Enqueue(ctx, QueueAlerts, JobCheckSpecificAlert,
				CheckSpecificAlertPayload{AlertID: "a"}, JobID(fmt.Sprintf("job-%d", i)))
			if err != nil {
				t.Errorf("enqueue %d: %v", i, err)
				return
			}
		}
	}()

	var removed int64
	for running := true; running; {
		select {
		case <-enqDone:
			running = false
		default:
		}
		n, err := m.Clear(ctx, QueueAlerts)
		require.NoError(t, err)
		removed += n
	}
	n, err := m.Clear(ctx, QueueAlerts)
	require.NoError(t, err)
	removed += n

	require.Equal(t, int64(total), removed, "every job is counted by exactly one clear")
	ids, _ := rdb.SMembers(ctx, k.Unique).Result()
	require.Empty(t, ids)
}

func TestManager_RetryFailed(t *testing.T) {
	rdb, _, done := newMiniClient(t)
	defer done()
	m := newTestManager(rdb, nil)
	ctx := context.Background()
	k := ikeys.For(QueueRisk)

	rec := &worker.Record{ID: "f1", Queue: QueueRisk, Name: JobCalculateRisk, State: "failed", AttemptsMade: 2, MaxAttempts: 2, LastError: "boom", FinishedAt: 5}
	rdb.LPush(ctx, k.Failed, worker.EncodeJSON(rec))

	require.ErrorIs(t, m.RetryFailed(ctx, QueueRisk, "nope"), ErrJobNotFound)
	require.NoError(t, m.RetryFailed(ctx, QueueRisk, "f1"))

	jobs, err := m.ListJobs(ctx, QueueRisk, StateWaiting, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, 0, jobs[0].AttemptsMade)
	require.Equal(t, "boom", jobs[0].LastError, "last error is kept for inspection")
	n, _ := rdb.LLen(ctx, k.Failed).Result()
	require.Zero(t, n)
}

func TestManager_RecoverStalled(t *testing.T) {
	rdb, _, done := newMiniClient(t)
	defer done()
	m := newTestManager(rdb, nil)
	ctx := context.Background()
	k := ikeys.For(QueueScraping)

	rdb.ZAdd(ctx, k.Active, redis.Z{Score: float64(time.Now().Add(-time.Minute).UnixMilli()), Member: "expired"})
	n, err := m.RecoverStalled(ctx, QueueScraping)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	w, _ := rdb.LLen(ctx, k.Pending).Result()
	require.Equal(t, int64(1), w)

	_, err = m.RecoverStalled(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownQueue)
}
