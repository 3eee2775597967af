package coinqw

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
)

// HandlerFunc is the function signature for processing a job.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Middleware is a function that wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

type handler struct {
	exec HandlerFunc
}

// Mux routes jobs to their respective handlers based on job name.
type Mux struct {
	handlers    map[string]handler
	encoder     Encoder
	middlewares []Middleware
}

// NewMux creates a new job Mux.
func NewMux() *Mux {
	return &Mux{
		handlers:    make(map[string]handler),
		encoder:     payloadEncoder,
		middlewares: []Middleware{},
	}
}

// Handle registers a handler for a specific job name.
func (m *Mux) Handle(jobName string, fn func(context.Context, []byte) error) {
	m.handlers[jobName] = handler{
		exec: fn,
	}
}

// Use adds middleware(s) to the mux. Middlewares are executed in the order they are added.
func (m *Mux) Use(mw Middleware) {
	m.middlewares = append(m.middlewares, mw)
}

// Names returns the registered job names, sorted.
func (m *Mux) Names() []string {
	out := make([]string, 0, len(m.handlers))
	for n := range m.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Execute runs the handler registered for jobName through the middleware chain.
// It returns ErrNoHandler when nothing is registered.
func (m *Mux) Execute(ctx context.Context, jobName string, payload []byte) error {
	h, ok := m.handlers[jobName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, jobName)
	}
	return m.wrapHandler(h.exec)(ctx, payload)
}

func (m *Mux) wrapHandler(h HandlerFunc) HandlerFunc {
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		h = m.middlewares[i](h)
	}
	return h
}

// HandleFunc registers a typed processor for the job name of P. The payload is
// decoded and validated before fn runs; a payload that does not decode fails the
// job permanently. A non-nil result of fn is stored as the job result.
func HandleFunc[P Payload](m *Mux, fn func(ctx context.Context, p P) (any, error)) {
	var zero P
	name := zero.JobName()
	m.Handle(name, func(ctx context.Context, data []byte) error {
		var p P
		if len(data) > 0 {
			if err := m.encoder.Decode(data, &p); err != nil {
				return Permanent(fmt.Errorf("%w: %s: %v", ErrInvalidPayload, name, err))
			}
		}
		if err := p.Validate(); err != nil {
			return Permanent(fmt.Errorf("%w: %s: %v", ErrInvalidPayload, name, err))
		}
		res, err := fn(ctx, p)
		if err != nil {
			return err
		}
		if res != nil {
			return SetResult(ctx, res)
		}
		return nil
	})
}

// Recover converts a handler panic into a *PanicError carrying the stack.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, payload []byte) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{Value: r, Stack: debug.Stack()}
				}
			}()
			return next(ctx, payload)
		}
	}
}
