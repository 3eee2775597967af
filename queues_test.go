package coinqw

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultQueues(t *testing.T) {
	qs := DefaultQueues()
	require.Len(t, qs, 5)

	byName := map[string]QueueConfig{}
	for _, q := range qs {
		byName[q.Name] = q
		require.Equal(t, 100, q.KeepCompleted)
		require.Equal(t, 50, q.KeepFailed)
		require.Equal(t, time.Minute, q.RateLimit.Per)
	}

	cases := []struct {
		name    string
		conc    int
		perMin  int
		timeout time.Duration
		stall   time.Duration
	}{
		{QueueIngestion, 5, 10, 60 * time.Second, 2 * time.Minute},
		{QueueScraping, 3, 20, 2 * time.Minute, 5 * time.Minute},
		{QueueAlerts, 10, 100, 30 * time.Second, time.Minute},
		{QueueRisk, 2, 5, 5 * time.Minute, 10 * time.Minute},
		{QueueMaintenance, 1, 2, 30 * time.Minute, 45 * time.Minute},
	}
	for _, c := range cases {
		q, ok := byName[c.name]
		require.True(t, ok, c.name)
		require.Equal(t, c.conc, q.Concurrency, c.name)
		require.Equal(t, c.perMin, q.RateLimit.Max, c.name)
		require.Equal(t, c.timeout, q.JobTimeout, c.name)
		require.Equal(t, c.stall, q.StallAfter, c.name)
	}
	require.True(t, byName[QueueMaintenance].spec().Serial())
}

func TestQueueConfig_WithDefaults(t *testing.T) {
	q := QueueConfig{Name: "x"}.withDefaults()
	require.Equal(t, 1, q.Concurrency)
	require.Equal(t, NoRetry, q.DefaultRetry)
	require.Equal(t, 100, q.KeepCompleted)
	require.Equal(t, 50, q.KeepFailed)

	// negative keep disables retention of that state
	q = QueueConfig{Name: "y", KeepFailed: -1}.withDefaults()
	require.Equal(t, -1, q.KeepFailed)
}
