// Package hctx carries the state of one job execution through the handler context.
package hctx

import "context"

// State holds per-execution metadata. The runtime fills the job identity
// before calling the processor and reads Progress/Result after it returns.
type State struct {
	JobID       string
	Queue       string
	Name        string
	Attempt     int
	MaxAttempts int

	Progress int
	Result   []byte
}

// Final reports whether no attempt follows this one if it fails.
func (s *State) Final() bool { return s.Attempt >= s.MaxAttempts }

// New creates a fresh handler state container.
func New() *State { return &State{} }

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
