// Package submission implements the Submission Gate (spec.md §4.7): the
// idempotent create-or-return path every POST /optimize request goes
// through before a job is registered and its driver goroutine launched.
package submission

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"optimizectl/internal/config"
	"optimizectl/internal/registry"
	"optimizectl/internal/store"
)

// Gate wraps a Registry with the idempotency-key lookup-then-insert
// semantics the HTTP layer needs.
type Gate struct {
	cfg config.Config
	st  store.Store
	reg *registry.Registry
}

// New returns a Gate sharing cfg, st, and reg with the rest of the
// control plane.
func New(cfg config.Config, st store.Store, reg *registry.Registry) *Gate {
	return &Gate{cfg: cfg, st: st, reg: reg}
}

// Create returns the job for idemKey if one was already submitted within
// IDEMPOTENCY_TTL_S (created=false), or registers a fresh job
// (created=true). It never launches the driver goroutine itself — the
// caller does that once it has decided which Func to run, so the Gate
// stays free of any optimization-domain knowledge.
func (g *Gate) Create(ctx context.Context, idemKey string) (job *registry.Job, runCtx context.Context, created bool, err error) {
	now := config.Now()
	if idemKey != "" {
		if existingID, ok, err := g.st.GetIdempotent(ctx, idemKey, now, g.cfg.IdempotencyTTL); err != nil {
			return nil, nil, false, fmt.Errorf("submission: idempotency lookup: %w", err)
		} else if ok {
			if existing, live := g.reg.Lookup(existingID); live {
				return existing, nil, false, nil
			}
			// The process that ran this job is gone (or it predates this
			// process); synthesize a read-only stub from the store so the
			// caller still gets back the same job_id (spec.md §4.7 step 1).
			rec, err := g.st.GetJob(ctx, existingID)
			if err != nil {
				return nil, nil, false, fmt.Errorf("submission: load idempotent job %s: %w", existingID, err)
			}
			return registry.Stub(rec), nil, false, nil
		}
	}

	id := uuid.NewString()
	job, runCtx, err = g.reg.Create(ctx, id)
	if err != nil {
		return nil, nil, false, err
	}
	if idemKey != "" {
		if err := g.st.SaveIdempotency(ctx, idemKey, id, now); err != nil {
			return nil, nil, false, fmt.Errorf("submission: save idempotency: %w", err)
		}
	}
	return job, runCtx, true, nil
}
