package registry

import (
	"context"
	"errors"
	"time"

	"optimizectl/internal/config"
	"optimizectl/internal/eventlog"
	"optimizectl/internal/store"
)

// ErrBackpressure is returned by Emit when a job's subscriber channel is
// still full after SSE_BACKPRESSURE_FAIL_TIMEOUT_S. The control plane
// fails the job rather than silently dropping the oldest buffered event
// — a stuck or absent reader must not corrupt the event sequence a
// future reader would replay.
// Its message is the literal error string the spec requires in the
// terminal job's result (data.error = "sse_backpressure"): the driver
// propagates err.Error() verbatim into that field, so the two must
// match exactly.
var ErrBackpressure = errors.New("sse_backpressure")

// Emitter appends job events: it assigns the next monotonic id, persists
// the envelope, and hands it to the job's live subscriber channel. It
// implements the emit algorithm the same way the teacher's
// queue.Queue.EnqueueWithRetry bounds an enqueue attempt — except Emit
// makes exactly one bounded attempt and fails closed instead of
// retrying, since a job has one subscriber and no notion of a retry
// queue.
type Emitter struct {
	cfg config.Config
	st  store.Store
}

// NewEmitter returns an Emitter sharing cfg and st with the Registry.
func NewEmitter(cfg config.Config, st store.Store) *Emitter {
	return &Emitter{cfg: cfg, st: st}
}

// Emit assigns the next event id for job, then attempts to hand the
// envelope to the live subscriber channel within
// SSE_BACKPRESSURE_FAIL_TIMEOUT_S. Only a successful enqueue is
// persisted to the store (spec.md §4.5 step 3's else branch) — a
// blocked enqueue instead runs the backpressure protocol below. Once a
// terminal event has been assigned for a job, every subsequent call is
// a silent no-op: spec guarantees exactly one terminal event per job.
func (e *Emitter) Emit(ctx context.Context, job *Job, typ string, data any) error {
	job.mu.Lock()
	if job.terminalEmitted {
		job.mu.Unlock()
		return nil
	}
	job.nextEventID++
	id := job.nextEventID
	terminal := eventlog.IsTerminal(typ)
	if terminal {
		job.terminalEmitted = true
	}
	job.mu.Unlock()

	env, err := eventlog.New(typ, job.ID, id, nowSeconds(), data)
	if err != nil {
		return err
	}

	timeout := e.cfg.SSEBackpressureFailTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case job.events <- env:
		if err := e.st.SaveEvent(ctx, job.ID, env, e.cfg.SSEBufferSize); err != nil {
			return err
		}
		job.mu.Lock()
		job.updatedAt = config.Now()
		job.mu.Unlock()
		return nil
	case <-timer.C:
		return e.backpressure(ctx, job)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backpressure implements spec.md §4.5's fail-fast protocol: the job
// becomes terminally failed, a synthetic failed envelope is allocated
// its own id and persisted, a best-effort non-blocking enqueue is
// attempted so a still-draining reader sees it, and no further emits are
// accepted for this job.
func (e *Emitter) backpressure(ctx context.Context, job *Job) error {
	job.mu.Lock()
	job.nextEventID++
	id := job.nextEventID
	job.terminalEmitted = true
	job.mu.Unlock()

	now := config.Now()
	env, err := eventlog.New("failed", job.ID, id, float64(now.UnixNano())/1e9, map[string]any{"error": "sse_backpressure"})
	if err != nil {
		return err
	}
	if err := e.st.SaveEvent(ctx, job.ID, env, e.cfg.SSEBufferSize); err != nil {
		return err
	}

	select {
	case job.events <- env:
	default:
	}

	job.mu.Lock()
	job.updatedAt = now
	job.mu.Unlock()
	return ErrBackpressure
}

func nowSeconds() float64 {
	return float64(config.Now().UnixNano()) / 1e9
}
