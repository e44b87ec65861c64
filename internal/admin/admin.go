// Package admin implements the operator-facing surface (spec.md §4.8):
// listing, inspecting, cancelling, and deleting jobs. It is a thin
// service layer over Registry and Store, the same separation the
// teacher draws between its Runner and the ops.go handlers that call
// into it — keeping internal/httpapi a pure transport adapter.
package admin

import (
	"context"
	"fmt"

	"optimizectl/internal/metrics"
	"optimizectl/internal/registry"
	"optimizectl/internal/store"
)

// Service exposes the admin operations over a Registry and Store.
type Service struct {
	st  store.Store
	reg *registry.Registry
}

// New returns a Service sharing st and reg with the rest of the control
// plane.
func New(st store.Store, reg *registry.Registry) *Service {
	return &Service{st: st, reg: reg}
}

// List returns every job's durable record.
func (s *Service) List(ctx context.Context) ([]store.JobRecord, error) {
	return s.st.ListJobs(ctx)
}

// Get returns one job's durable record.
func (s *Service) Get(ctx context.Context, id string) (store.JobRecord, error) {
	return s.st.GetJob(ctx, id)
}

// Cancel requests cooperative cancellation of a running job. It reports
// whether id has a live execution handle in this process and is running;
// a missing, pending, or terminal job yields false.
func (s *Service) Cancel(id string) bool {
	return s.reg.Cancel(id)
}

// Delete removes a job's durable record. Deleting a still-running job
// is rejected — cancel it first, the same ordering the reaper itself
// enforces by only ever sweeping terminal jobs.
func (s *Service) Delete(ctx context.Context, id string) error {
	job, err := s.st.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == store.StatusPending || job.Status == store.StatusRunning {
		return fmt.Errorf("admin: job %s is still %s, cancel before deleting", id, job.Status)
	}
	return s.st.DeleteJob(ctx, id)
}

// Metrics returns process-wide terminal job counters.
func (s *Service) Metrics() map[string]int64 {
	return metrics.Snapshot()
}
