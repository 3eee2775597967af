package coinqw

import (
	"context"

	"github.com/UniQw/coinqw/internal/hctx"
)

// SetProgress allows a handler to report progress (0..100) for the current job.
// It is a no-op if the context is not provided by the coinqw runtime.
func SetProgress(ctx context.Context, p int) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return
	}
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}
	st.Progress = p
}

// SetResult encodes the provided value using the default JSON encoder and
// attaches it as the handler result. It is safe to call multiple times; last wins.
// It is a no-op if the context is not provided by the coinqw runtime.
func SetResult(ctx context.Context, v any) error {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return nil
	}
	b, err := defaultEncoder.Encode(v)
	if err != nil {
		return err
	}
	st.Result = b
	return nil
}

// SetResultBytes attaches raw bytes as the handler result without encoding.
// It is a no-op if the context is not provided by the coinqw runtime.
func SetResultBytes(ctx context.Context, b []byte) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return
	}
	st.Result = b
}

// JobInfo identifies the job a handler is running.
type JobInfo struct {
	ID      string
	Queue   string
	Name    string
	Attempt int
	// Final is true on the last attempt the retry policy allows.
	Final bool
}

// CurrentJob returns the identity of the running job, if ctx comes from the runtime.
func CurrentJob(ctx context.Context) (JobInfo, bool) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return JobInfo{}, false
	}
	return JobInfo{ID: st.JobID, Queue: st.Queue, Name: st.Name, Attempt: st.Attempt, Final: st.Final()}, true
}
