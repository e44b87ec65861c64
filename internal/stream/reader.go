// Package stream implements the Stream Reader (spec.md §4.6): replay
// any buffered events a subscriber missed, then tail the job's live
// event channel until a terminal event, disconnect, or context
// cancellation. It is grounded in the teacher's handleOpsLogs SSE
// handler (ops.go) — same http.Flusher-driven write loop — modernized
// to use request-context cancellation instead of the teacher's
// deprecated http.CloseNotifier.
package stream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"optimizectl/internal/config"
	"optimizectl/internal/eventlog"
	"optimizectl/internal/registry"
	"optimizectl/internal/store"
)

// ErrStreamUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamUnsupported = fmt.Errorf("stream: response writer does not support flushing")

// Reader streams one job's event log as Server-Sent Events.
type Reader struct {
	cfg config.Config
	st  store.Store
	reg *registry.Registry
}

// New returns a Reader sharing cfg, st, and reg with the rest of the
// control plane.
func New(cfg config.Config, st store.Store, reg *registry.Registry) *Reader {
	return &Reader{cfg: cfg, st: st, reg: reg}
}

// Stream writes SSE headers, a retry prelude, every buffered event with
// id greater than lastEventID, and then — if the job is still running in
// this process — tails its live channel until a terminal event arrives,
// the job's channel is closed, or ctx is cancelled. It returns nil when
// the stream ends that way, and an error if w cannot flush, the replay
// query fails, or a write fails.
func (r *Reader) Stream(ctx context.Context, w http.ResponseWriter, jobID string, lastEventID int64) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := eventlog.WritePrelude(w, r.cfg.SSERetryMS); err != nil {
		return err
	}
	flusher.Flush()

	replayed, err := r.st.EventsSince(ctx, jobID, lastEventID)
	if err != nil {
		return fmt.Errorf("stream: replay: %w", err)
	}
	for _, env := range replayed {
		if err := eventlog.WriteSSE(w, env); err != nil {
			return err
		}
		if env.ID > lastEventID {
			lastEventID = env.ID
		}
		if eventlog.IsTerminal(env.Type) {
			flusher.Flush()
			return nil
		}
	}
	flusher.Flush()

	job, live := r.reg.Lookup(jobID)
	if !live {
		return nil
	}

	ping := r.cfg.SSEPingInterval
	if ping <= 0 {
		ping = 15 * time.Second
	}
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-job.Events():
			if !ok {
				return nil
			}
			if env.ID <= lastEventID {
				continue
			}
			lastEventID = env.ID
			if err := eventlog.WriteSSE(w, env); err != nil {
				return err
			}
			flusher.Flush()
			if eventlog.IsTerminal(env.Type) {
				return nil
			}
		case <-ticker.C:
			if err := eventlog.WriteKeepAlive(w); err != nil {
				return err
			}
			flusher.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}
