package coinqw

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOptions_Setters(t *testing.T) {
	var o options

	JobID("id-1")(&o)
	require.Equal(t, "id-1", o.id, "JobID not set")

	Delay(3 * time.Second)(&o)
	require.Equal(t, 3*time.Second, o.delay, "Delay not set")

	Repeat("@every 5m")(&o)
	require.Equal(t, "@every 5m", o.repeat, "Repeat not set")

	RepeatKey("coin-1")(&o)
	require.Equal(t, "coin-1", o.repeatKey, "RepeatKey not set")

	Attempts(7)(&o)
	require.Equal(t, 7, o.attempts, "Attempts not set")
	require.True(t, o.attemptsSet)
}

func TestOptions_Policy(t *testing.T) {
	def := RetryPolicy{Attempts: 2, Backoff: BackoffFixed, Delay: time.Second}

	var o options
	require.Equal(t, def, o.policy(def), "no options keeps the queue default")

	Attempts(0)(&o)
	require.Equal(t, 0, o.policy(def).Attempts, "explicit zero must reach validation")

	o = options{}
	WithBackoff(BackoffExponential, 5*time.Second)(&o)
	p := o.policy(def)
	require.Equal(t, 2, p.Attempts)
	require.Equal(t, BackoffExponential, p.Backoff)
	require.Equal(t, 5*time.Second, p.Delay)

	o = options{}
	want := RetryPolicy{Attempts: 3, Backoff: BackoffExponential, Delay: 5 * time.Second}
	Retry(want)(&o)
	require.Equal(t, want, o.policy(def))
}
