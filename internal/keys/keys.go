package keys

// Package keys centralizes Redis key construction.
// Every key of a queue shares the {queue} hash tag so Lua scripts touching
// several keys of one queue stay cluster-safe.

func Pending(q string) string   { return "coinqw:{" + q + "}:pending" }
func Active(q string) string    { return "coinqw:{" + q + "}:active" }
func Delayed(q string) string   { return "coinqw:{" + q + "}:delayed" }
func Failed(q string) string    { return "coinqw:{" + q + "}:failed" }
func Completed(q string) string { return "coinqw:{" + q + "}:completed" }
func Paused(q string) string    { return "coinqw:{" + q + "}:paused" }

// Unique returns the per-queue Set key that tracks explicit job IDs for de-duplication.
func Unique(q string) string { return "coinqw:{" + q + "}:unique" }

// RateWindow is a ZSET of job start timestamps (ms) used by the sliding-window limiter.
func RateWindow(q string) string { return "coinqw:{" + q + "}:rate" }

// Repeats is a HASH of logical key -> repeat registration JSON.
func Repeats(q string) string { return "coinqw:{" + q + "}:repeats" }

// RepeatNext is a ZSET of logical key scored by the next due time (ms).
func RepeatNext(q string) string { return "coinqw:{" + q + "}:repeat_next" }

// RepeatInflight is a HASH of logical key -> job ID for the instance currently in flight.
func RepeatInflight(q string) string { return "coinqw:{" + q + "}:repeat_inflight" }

// Queue holds all precomputed keys for a queue name to avoid repeated concatenations.
type Queue struct {
	Name           string
	Pending        string
	Active         string
	Delayed        string
	Failed         string
	Completed      string
	Paused         string
	Unique         string
	RateWindow     string
	Repeats        string
	RepeatNext     string
	RepeatInflight string
}

// For returns a set of precomputed keys for the provided queue.
func For(q string) Queue {
	prefix := "coinqw:{" + q + "}:"
	return Queue{
		Name:           q,
		Pending:        prefix + "pending",
		Active:         prefix + "active",
		Delayed:        prefix + "delayed",
		Failed:         prefix + "failed",
		Completed:      prefix + "completed",
		Paused:         prefix + "paused",
		Unique:         prefix + "unique",
		RateWindow:     prefix + "rate",
		Repeats:        prefix + "repeats",
		RepeatNext:     prefix + "repeat_next",
		RepeatInflight: prefix + "repeat_inflight",
	}
}
