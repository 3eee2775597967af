package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys_Builders(t *testing.T) {
	q := "ingestion"
	assert.Equal(t, "coinqw:{ingestion}:pending", Pending(q))
	assert.Equal(t, "coinqw:{ingestion}:active", Active(q))
	assert.Equal(t, "coinqw:{ingestion}:delayed", Delayed(q))
	assert.Equal(t, "coinqw:{ingestion}:failed", Failed(q))
	assert.Equal(t, "coinqw:{ingestion}:completed", Completed(q))
	assert.Equal(t, "coinqw:{ingestion}:paused", Paused(q))
	assert.Equal(t, "coinqw:{ingestion}:unique", Unique(q))
	assert.Equal(t, "coinqw:{ingestion}:rate", RateWindow(q))
	assert.Equal(t, "coinqw:{ingestion}:repeats", Repeats(q))
	assert.Equal(t, "coinqw:{ingestion}:repeat_next", RepeatNext(q))
	assert.Equal(t, "coinqw:{ingestion}:repeat_inflight", RepeatInflight(q))
}

func TestKeys_For(t *testing.T) {
	q := For("maintenance")
	assert.Equal(t, "maintenance", q.Name)
	assert.Equal(t, Pending("maintenance"), q.Pending)
	assert.Equal(t, Active("maintenance"), q.Active)
	assert.Equal(t, Delayed("maintenance"), q.Delayed)
	assert.Equal(t, Failed("maintenance"), q.Failed)
	assert.Equal(t, Completed("maintenance"), q.Completed)
	assert.Equal(t, Paused("maintenance"), q.Paused)
	assert.Equal(t, Unique("maintenance"), q.Unique)
	assert.Equal(t, RateWindow("maintenance"), q.RateWindow)
	assert.Equal(t, Repeats("maintenance"), q.Repeats)
	assert.Equal(t, RepeatNext("maintenance"), q.RepeatNext)
	assert.Equal(t, RepeatInflight("maintenance"), q.RepeatInflight)
}
