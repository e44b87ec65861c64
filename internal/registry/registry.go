// Package registry holds the in-process state of every job the control
// plane currently knows about — the execution handle, the live
// subscriber channel, and the next-event-id counter — and reaps rows
// whose terminal status has outlived its configured TTL (spec.md §4.3,
// §4.9). It generalizes the teacher's fixed worker-pool Runner
// (internal/jobs/runner.go) into one goroutine per job, since the
// optimization driver is long-running and cooperative-cancel rather
// than a short deterministic pipeline stage.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"optimizectl/internal/config"
	"optimizectl/internal/eventlog"
	"optimizectl/internal/store"
)

// Job is the in-memory handle for one submission: its durable status
// projection plus the execution machinery the HTTP layer and the driver
// goroutine share.
type Job struct {
	ID        string
	CreatedAt time.Time

	mu              sync.Mutex
	status          string
	updatedAt       time.Time
	nextEventID     int64
	terminalEmitted bool
	result          []byte

	cancel context.CancelFunc
	events chan eventlog.Envelope
}

// Status returns the job's current status under lock.
func (j *Job) Status() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Events returns the channel the Stream Reader subscribes to. There is
// at most one subscriber per job, matching spec.md §5's single-reader
// rule.
func (j *Job) Events() <-chan eventlog.Envelope { return j.events }

// Cancel requests cooperative cancellation of the job's driver
// goroutine via its context.CancelFunc.
func (j *Job) Cancel() {
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (j *Job) setStatus(status string, now time.Time) {
	j.mu.Lock()
	j.status = status
	j.updatedAt = now
	j.mu.Unlock()
}

// Registry owns every live Job and the background reaper sweep.
type Registry struct {
	cfg     config.Config
	st      store.Store
	log     zerolog.Logger
	emitter *Emitter

	mu   sync.RWMutex
	jobs map[string]*Job

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Registry backed by st. Call Start to begin the
// reaper sweep. The Registry keeps its own Emitter (stateless beyond cfg
// and st) so Shutdown can write the shutdown terminal itself rather than
// going through the driver's own emit seam.
func New(cfg config.Config, st store.Store, log zerolog.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		st:      st,
		log:     log,
		emitter: NewEmitter(cfg, st),
		jobs:    make(map[string]*Job),
		stopCh:  make(chan struct{}),
	}
}

// Create registers a new pending job with id, persists it, and returns
// the in-memory handle. The caller is responsible for starting the
// driver goroutine (see jobrun.Runner.Submit) against the handle's
// execution context.
func (r *Registry) Create(ctx context.Context, id string) (*Job, context.Context, error) {
	now := config.Now()
	runCtx, cancel := context.WithCancel(context.Background())
	if r.cfg.MaxWallTime > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, r.cfg.MaxWallTime)
	}
	job := &Job{
		ID:        id,
		CreatedAt: now,
		status:    store.StatusPending,
		updatedAt: now,
		cancel:    cancel,
		events:    make(chan eventlog.Envelope, r.cfg.SSEBufferSize),
	}

	if err := r.st.SaveJob(ctx, store.JobRecord{
		ID: id, Status: store.StatusPending, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("registry: save job: %w", err)
	}

	r.mu.Lock()
	r.jobs[id] = job
	r.mu.Unlock()
	return job, runCtx, nil
}

// Stub builds a read-only Job handle from a durable record for a job
// that exists in the Store but has no live execution context in this
// process (spec.md §4.7 step 1's "synthesize a read-only job stub"
// case — typically an idempotent resubmission after a restart). It is
// never registered in the Registry's job table: Cancel is a no-op
// against it, and Events returns a nil channel that never delivers.
func Stub(rec store.JobRecord) *Job {
	return &Job{
		ID:        rec.ID,
		CreatedAt: rec.CreatedAt,
		status:    rec.Status,
		updatedAt: rec.UpdatedAt,
		result:    rec.Result,
	}
}

// Lookup returns the in-memory handle for id, if the process still has
// one (it may have been reaped, or this may be a different process than
// the one that ran it).
func (r *Registry) Lookup(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}

// Cancel cancels a job's execution handle if it is currently running. It
// does not itself emit a cancelled event — the driver goroutine observes
// ctx.Done() and emits the terminal event on its own return path, so
// there's exactly one writer for every job's event stream. A pending or
// already-terminal job is not cancelable (spec.md §4.3/§4.8): the caller
// gets back false and reports 409 not_cancelable.
func (r *Registry) Cancel(id string) bool {
	job, ok := r.Lookup(id)
	if !ok {
		return false
	}
	if job.Status() != store.StatusRunning {
		return false
	}
	job.Cancel()
	return true
}

// Finish marks job terminal in both the in-memory handle and the store,
// and closes its event channel so the Stream Reader's receive loop ends.
func (r *Registry) Finish(ctx context.Context, job *Job, status string, result []byte) error {
	now := config.Now()
	job.setStatus(status, now)
	job.mu.Lock()
	job.result = result
	job.mu.Unlock()

	if err := r.st.SaveJob(ctx, store.JobRecord{
		ID: job.ID, Status: status, CreatedAt: job.CreatedAt, UpdatedAt: now, Result: result,
	}); err != nil {
		return fmt.Errorf("registry: finish job: %w", err)
	}
	close(job.events)
	return nil
}

// MarkRunning transitions job from pending to running.
func (r *Registry) MarkRunning(ctx context.Context, job *Job) error {
	now := config.Now()
	job.setStatus(store.StatusRunning, now)
	return r.st.SaveJob(ctx, store.JobRecord{
		ID: job.ID, Status: store.StatusRunning, CreatedAt: job.CreatedAt, UpdatedAt: now,
	})
}

// Start launches the reaper sweep loop.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.reaperLoop()
}

// Shutdown stops the reaper loop and tears down every job that hasn't
// yet terminalized: each gets an explicit shutdown terminal event
// (spec.md §4.3, §7) before its execution handle is cancelled, so a live
// subscriber sees "shutdown" rather than racing the driver's own
// cancel-observes-ctx path for a "cancelled" it may or may not win.
// Emitting shutdown first latches terminalEmitted, so the driver's later
// attempt to emit its own terminal (cancelled/failed) becomes a no-op —
// there is still exactly one terminal event per job.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.RLock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if s := job.Status(); s == store.StatusPending || s == store.StatusRunning {
			jobs = append(jobs, job)
		}
	}
	r.mu.RUnlock()

	for _, job := range jobs {
		if err := r.emitter.Emit(context.Background(), job, "shutdown", map[string]any{}); err != nil {
			r.log.Warn().Err(err).Str("job_id", job.ID).Msg("registry: shutdown emit failed")
		}
		job.Cancel()
	}
}

func (r *Registry) reaperLoop() {
	defer r.wg.Done()
	interval := r.cfg.JobReaperInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reapOnce(config.Now())
		}
	}
}

// ttlFor returns the configured retention window for a terminal status,
// or 0 (never reaped) for statuses without one.
func (r *Registry) ttlFor(status string) time.Duration {
	switch status {
	case store.StatusFinished:
		return r.cfg.JobTTLFinished
	case store.StatusFailed:
		return r.cfg.JobTTLFailed
	case store.StatusCancelled:
		return r.cfg.JobTTLCancelled
	default:
		return 0
	}
}

// reapOnce removes from the in-memory table every non-running job whose
// updated_at has outlived its status-specific TTL. Per spec.md §4.3 the
// reaper never deletes Store rows — only an explicit admin delete does
// that — so a reaped job's durable record and event log remain
// inspectable after it drops out of this process's live table.
func (r *Registry) reapOnce(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, job := range r.jobs {
		status := job.Status()
		ttl := r.ttlFor(status)
		if ttl <= 0 {
			continue
		}
		job.mu.Lock()
		updatedAt := job.updatedAt
		job.mu.Unlock()
		if now.Sub(updatedAt) < ttl {
			continue
		}
		delete(r.jobs, id)
		r.log.Debug().Str("job_id", id).Str("status", status).Msg("registry: reaped job from memory")
	}
}
