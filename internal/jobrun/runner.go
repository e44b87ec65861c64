// Package jobrun is the glue between the Submission Gate, the Registry,
// the Optimization Driver, and the terminal-event webhook notifier: it
// is the one place that knows how to take a payload from either the
// HTTP surface or the batch directory watcher and turn it into a
// running job. Both internal/httpapi and internal/watch depend on it
// rather than on each other.
package jobrun

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"optimizectl/internal/config"
	"optimizectl/internal/driver"
	"optimizectl/internal/eventlog"
	"optimizectl/internal/metrics"
	"optimizectl/internal/notify"
	"optimizectl/internal/registry"
	"optimizectl/internal/store"
	"optimizectl/internal/submission"
)

// Runner launches and drives jobs to completion.
type Runner struct {
	cfg      config.Config
	gate     *submission.Gate
	reg      *registry.Registry
	emitter  *registry.Emitter
	run      driver.Func
	notifier *notify.Webhook
	log      zerolog.Logger
}

// New returns a Runner wiring together the submission, execution, and
// notification stages.
func New(cfg config.Config, gate *submission.Gate, reg *registry.Registry, emitter *registry.Emitter, run driver.Func, notifier *notify.Webhook, log zerolog.Logger) *Runner {
	return &Runner{cfg: cfg, gate: gate, reg: reg, emitter: emitter, run: run, notifier: notifier, log: log}
}

// Submit creates (or returns the existing) job for idemKey and, if newly
// created, launches its driver goroutine. iterations <= 0 falls back to
// MAX_ITERATIONS.
func (r *Runner) Submit(ctx context.Context, idemKey string, iterations int, payload map[string]any) (*registry.Job, bool, error) {
	if iterations <= 0 || iterations > r.cfg.MaxIterations {
		iterations = r.cfg.MaxIterations
	}
	job, runCtx, created, err := r.gate.Create(ctx, idemKey)
	if err != nil {
		return nil, false, err
	}
	if created {
		metrics.IncCreated()
		go r.runToCompletion(runCtx, job, iterations, payload)
	}
	return job, created, nil
}

// SubmitFile implements watch.Submitter: a dropped payload file submits
// a job with no idempotency key, using MAX_ITERATIONS.
func (r *Runner) SubmitFile(ctx context.Context, payload map[string]any) error {
	_, _, err := r.Submit(ctx, "", 0, payload)
	return err
}

func (r *Runner) runToCompletion(ctx context.Context, job *registry.Job, iterations int, payload map[string]any) {
	if err := r.reg.MarkRunning(context.Background(), job); err != nil {
		r.log.Error().Err(err).Str("job_id", job.ID).Msg("jobrun: mark running failed")
	}

	emit := func(ctx context.Context, eventType string, data map[string]any) error {
		return r.emitter.Emit(ctx, job, eventType, data)
	}

	status, result, runErr := r.run(ctx, ctx, emit, iterations, payload)
	if status == "" {
		status = store.StatusFailed
	}
	if runErr != nil {
		r.log.Warn().Err(runErr).Str("job_id", job.ID).Str("status", status).Msg("jobrun: driver returned")
	}

	resultJSON, _ := json.Marshal(result)
	if err := r.reg.Finish(context.Background(), job, status, resultJSON); err != nil {
		r.log.Error().Err(err).Str("job_id", job.ID).Msg("jobrun: finish failed")
		return
	}
	if status == store.StatusFinished {
		metrics.IncSucceeded()
	} else {
		metrics.IncFailed()
	}

	if r.notifier == nil {
		return
	}
	env, err := eventlog.New(status, job.ID, 0, nowSeconds(), result)
	if err != nil {
		r.log.Warn().Err(err).Str("job_id", job.ID).Msg("jobrun: build notify envelope failed")
		return
	}
	if err := r.notifier.Notify(context.Background(), env); err != nil {
		r.log.Warn().Err(err).Str("job_id", job.ID).Msg("jobrun: webhook notify failed")
	}
}

func nowSeconds() float64 {
	return float64(config.Now().UnixNano()) / 1e9
}
