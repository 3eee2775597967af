package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/UniQw/coinqw"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	queues []coinqw.QueueConfig
	status map[string]coinqw.Status
	errs   map[string]error
}

func (f *fakeReader) Queues() []coinqw.QueueConfig { return f.queues }

func (f *fakeReader) Status(_ context.Context, q string) (coinqw.Status, error) {
	if err := f.errs[q]; err != nil {
		return coinqw.Status{}, err
	}
	return f.status[q], nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type captureLogger struct {
	coinqw.NopLogger
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *captureLogger) Errorf(format string, args ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *captureLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func record(m *Monitor, queue string, ok, failed int) {
	for i := 0; i < ok; i++ {
		m.RecordOutcome(queue, "job", coinqw.Outcome{Duration: time.Second})
	}
	for i := 0; i < failed; i++ {
		m.RecordOutcome(queue, "job", coinqw.Outcome{Duration: time.Second, Err: errors.New("boom")})
	}
}

func TestClassify(t *testing.T) {
	require.Equal(t, StatusCritical, Classify(0.4, 0))
	require.Equal(t, StatusWarning, Classify(0.65, 0))
	require.Equal(t, StatusHealthy, Classify(0.95, 0))
	require.Equal(t, StatusWarning, Classify(0.95, 1), "stalled jobs are never healthy")
	require.Equal(t, StatusCritical, Classify(0.2, 3))
	require.Equal(t, StatusHealthy, Classify(1, 0))
}

func TestHealth(t *testing.T) {
	reader := &fakeReader{
		queues: []coinqw.QueueConfig{{Name: "q40"}, {Name: "q65"}, {Name: "q95"}, {Name: "idle"}},
		status: map[string]coinqw.Status{
			"q40":  {Queue: "q40", Waiting: 3},
			"q65":  {Queue: "q65"},
			"q95":  {Queue: "q95", Active: 2, Stalled: 1},
			"idle": {Queue: "idle"},
		},
	}
	m := New(reader, Config{})
	record(m, "q40", 4, 6)
	record(m, "q65", 13, 7)
	record(m, "q95", 19, 1)

	h := m.Health(context.Background())
	require.Equal(t, StatusCritical, h.Status)
	require.Len(t, h.Queues, 4)

	byQueue := map[string]HealthSnapshot{}
	for _, s := range h.Queues {
		byQueue[s.Queue] = s
	}
	require.Equal(t, StatusCritical, byQueue["q40"].Status)
	require.InDelta(t, 0.4, byQueue["q40"].SuccessRate, 1e-9)
	require.Equal(t, int64(3), byQueue["q40"].Waiting)
	require.Equal(t, StatusWarning, byQueue["q65"].Status)
	require.Equal(t, StatusWarning, byQueue["q95"].Status)
	require.NotEqual(t, StatusHealthy, byQueue["q95"].Status)
	require.Equal(t, StatusHealthy, byQueue["idle"].Status)
	require.Equal(t, 1.0, byQueue["idle"].SuccessRate)
}

func TestHealth_StatusErrorIsCritical(t *testing.T) {
	reader := &fakeReader{
		queues: []coinqw.QueueConfig{{Name: "ok"}, {Name: "down"}},
		status: map[string]coinqw.Status{"ok": {Queue: "ok"}},
		errs:   map[string]error{"down": coinqw.ErrStoreUnavailable},
	}
	m := New(reader, Config{})

	h := m.Health(context.Background())
	require.Equal(t, StatusCritical, h.Status)
	require.Equal(t, StatusHealthy, h.Queues[0].Status)
	require.Equal(t, StatusCritical, h.Queues[1].Status)
	require.Contains(t, h.Queues[1].Error, "store unavailable")
}

func TestHealth_NoReader(t *testing.T) {
	h := New(nil, Config{}).Health(context.Background())
	require.Equal(t, StatusHealthy, h.Status)
	require.Empty(t, h.Queues)
}

func TestSuccessRate_RollingWindow(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := New(nil, Config{Bucket: time.Minute, Window: 10 * time.Minute, Now: c.Now})

	record(m, "q", 0, 5)
	require.Zero(t, m.SuccessRate("q"))

	c.Add(5 * time.Minute)
	record(m, "q", 5, 0)
	require.InDelta(t, 0.5, m.SuccessRate("q"), 1e-9)

	// the failures fall out of the window
	c.Add(6 * time.Minute)
	require.Equal(t, 1.0, m.SuccessRate("q"))

	c.Add(time.Hour)
	require.Equal(t, 1.0, m.SuccessRate("q"), "no samples means healthy")

	mt := m.Metrics()["q"]
	require.Equal(t, int64(5), mt.Completed)
	require.Equal(t, int64(5), mt.Failed)
}

func TestRecordOutcome_RetryIsNotFailure(t *testing.T) {
	m := New(nil, Config{})
	m.RecordOutcome("q", "job", coinqw.Outcome{Err: errors.New("flaky"), Retrying: true, Duration: 2 * time.Second})
	m.RecordOutcome("q", "job", coinqw.Outcome{Duration: 4 * time.Second})

	require.Equal(t, 1.0, m.SuccessRate("q"))
	mt := m.Metrics()["q"]
	require.Equal(t, int64(1), mt.Retried)
	require.Equal(t, int64(1), mt.Completed)
	require.Zero(t, mt.Failed)
	require.Equal(t, 3*time.Second, mt.AvgDuration)
}

func failure(queue, id string, at time.Time, final bool) coinqw.FailureRecord {
	return coinqw.FailureRecord{Queue: queue, JobID: id, JobName: "ingest-price", Error: "boom", RetryCount: 1, Final: final, Timestamp: at}
}

func TestRecentFailures_RingEvictsOldest(t *testing.T) {
	m := New(nil, Config{FailureCap: 3})
	base := time.Now()
	for i := 0; i < 5; i++ {
		m.RecordFailure(failure("q", fmt.Sprintf("j%d", i), base.Add(time.Duration(i)*time.Second), true))
	}

	got := m.RecentFailures("q", 0)
	require.Len(t, got, 3)
	require.Equal(t, "j4", got[0].JobID)
	require.Equal(t, "j3", got[1].JobID)
	require.Equal(t, "j2", got[2].JobID)
}

func TestRecentFailures_FilterAndLimit(t *testing.T) {
	logs := &captureLogger{}
	m := New(nil, Config{Logger: logs})
	base := time.Now()
	m.RecordFailure(failure("a", "a1", base, false))
	m.RecordFailure(failure("b", "b1", base.Add(time.Second), true))
	m.RecordFailure(failure("a", "a2", base.Add(2*time.Second), true))

	all := m.RecentFailures("", 0)
	require.Len(t, all, 3)
	require.Equal(t, []string{"a2", "b1", "a1"}, []string{all[0].JobID, all[1].JobID, all[2].JobID})

	onlyA := m.RecentFailures("a", 1)
	require.Len(t, onlyA, 1)
	require.Equal(t, "a2", onlyA[0].JobID)

	require.Empty(t, m.RecentFailures("none", 10))

	require.Len(t, logs.errors, 2)
	require.Len(t, logs.warns, 1)
}

func TestMonitor_ConcurrentRecording(t *testing.T) {
	m := New(nil, Config{FailureCap: 10})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				record(m, "q", 1, 1)
				m.RecordFailure(failure("q", "x", time.Now(), true))
			}
		}()
	}
	wg.Wait()
	mt := m.Metrics()["q"]
	require.Equal(t, int64(800), mt.Completed)
	require.Equal(t, int64(800), mt.Failed)
	require.Len(t, m.RecentFailures("q", 0), 10)
}
