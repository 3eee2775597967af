package coinqw

// State represents the lifecycle state of a job.
// Use the exported constants (StateWaiting, StateActive, etc.) instead of
// raw strings to avoid typos.
type State string

const (
	// StateWaiting contains jobs ready for execution (LIST).
	StateWaiting State = "waiting"
	// StateDelayed contains scheduled jobs or jobs in backoff retry (ZSET).
	StateDelayed State = "delayed"
	// StateActive contains jobs currently leased by workers (ZSET).
	StateActive State = "active"
	// StateCompleted contains the most recent successful jobs (ZSET, count-bounded).
	StateCompleted State = "completed"
	// StateFailed contains the most recent permanently failed jobs (LIST, count-bounded).
	StateFailed State = "failed"
	// StatePaused is reported for waiting jobs of a paused queue. It has no storage of its own.
	StatePaused State = "paused"
)

// AllStates lists every valid job state in a stable order.
var AllStates = []State{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed, StatePaused}

// String returns the raw string value of the state.
func (s State) String() string { return string(s) }

// ParseState converts a string into a State, returning an error for unknown values.
func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrUnknownState
}
