// Package driver defines the Optimization Driver contract (spec.md
// §4.4): the external-collaborator function every job runs, plus the
// Scorer/Provider abstractions the reference driver is built from. The
// registry owns the goroutine and the event channel; everything in this
// package is pure business logic driven through a narrow Handle/EmitFunc
// seam, grounded in the original_source registry.py's _run_job loop.
package driver

import (
	"context"
	"time"
)

// Handle exposes the parts of a job's execution context a driver needs
// to observe cancellation and deadline — never the CancelFunc itself,
// which stays owned by the registry.
type Handle interface {
	Done() <-chan struct{}
	Err() error
	Deadline() (time.Time, bool)
}

// EmitFunc appends one event to the job's stream. Drivers call it for
// every event they want visible to subscribers, including the terminal
// event — Func owns its own terminal transition, the same way
// _run_job decides finished/failed/cancelled for itself.
type EmitFunc func(ctx context.Context, eventType string, data map[string]any) error

// Func is the external-collaborator signature every optimization driver
// implements. It receives the job's deadline/cancellation handle, an
// EmitFunc for progress and terminal events, the iteration budget
// (already clamped to MAX_ITERATIONS), and the raw submission payload.
// It returns the terminal status ("finished", "failed", or "cancelled")
// and the result to persist alongside it.
type Func func(ctx context.Context, h Handle, emit EmitFunc, iterations int, payload map[string]any) (status string, result map[string]any, err error)
