// Package httpapi is the transport adapter for the job control plane
// (spec.md §6): it decodes requests, calls into submission/registry/
// admin/stream, and encodes responses. It owns no business logic itself
// — the same Router-as-thin-adapter split the teacher draws between
// internal/httpapi/http.go and internal/jobs.Runner.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"optimizectl/internal/admin"
	"optimizectl/internal/config"
	"optimizectl/internal/jobrun"
	"optimizectl/internal/registry"
	"optimizectl/internal/store"
	"optimizectl/internal/stream"
)

// Router builds the HTTP surface for /optimize and /admin.
type Router struct {
	cfg    config.Config
	runner *jobrun.Runner
	reg    *registry.Registry
	admin  *admin.Service
	reader *stream.Reader
	log    zerolog.Logger
}

// NewRouter wires the transport layer to its collaborators. runner
// submits and drives jobs to completion; reg and admin expose
// read/cancel operations over already-submitted jobs.
func NewRouter(cfg config.Config, runner *jobrun.Runner, reg *registry.Registry, adminSvc *admin.Service, reader *stream.Reader, log zerolog.Logger) *Router {
	return &Router{cfg: cfg, runner: runner, reg: reg, admin: adminSvc, reader: reader, log: log}
}

// Register attaches every route to mux using Go 1.22+ method+path
// patterns, the same convention the teacher's jobDetail/enqueue routes
// predate but the rest of the pack already exercises.
func (r *Router) Register(mux *http.ServeMux) {
	mux.Handle("POST /optimize", r.withRequestID(http.HandlerFunc(r.submit)))
	mux.Handle("GET /optimize/{id}", r.withRequestID(http.HandlerFunc(r.getJob)))
	mux.Handle("GET /optimize/{id}/events", r.withRequestID(http.HandlerFunc(r.streamEvents)))
	mux.Handle("DELETE /optimize/{id}", r.withRequestID(http.HandlerFunc(r.cancelJob)))

	mux.Handle("GET /admin/jobs", r.withRequestID(http.HandlerFunc(r.adminList)))
	mux.Handle("GET /admin/jobs/{id}", r.withRequestID(http.HandlerFunc(r.adminGet)))
	mux.Handle("DELETE /admin/jobs/{id}", r.withRequestID(http.HandlerFunc(r.adminDelete)))
	mux.Handle("POST /admin/jobs/{id}/cancel", r.withRequestID(http.HandlerFunc(r.adminCancel)))
	mux.Handle("GET /admin/metrics", r.withRequestID(http.HandlerFunc(r.adminMetrics)))

	mux.Handle("GET /healthz", r.withRequestID(http.HandlerFunc(r.health)))
}

type requestIDKey struct{}

// withRequestID propagates or mints an X-Request-ID, logs the request
// lifecycle, and echoes the id back on the response — grounded in
// original_source's LoggingMiddleware (request.state.request_id).
func (r *Router) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		reqID := req.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(req.Context(), requestIDKey{}, reqID)
		req = req.WithContext(ctx)

		start := time.Now()
		next.ServeHTTP(w, req)
		r.log.Info().
			Str("request_id", reqID).
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type submitRequest struct {
	Iterations int            `json:"iterations"`
	Payload    map[string]any `json:"payload"`
}

type jobView struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Result    json.RawMessage `json:"result,omitempty"`
}

func (r *Router) submit(w http.ResponseWriter, req *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	iterations := body.Iterations
	if v := req.URL.Query().Get("iterations"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			iterations = parsed
		}
	}

	idemKey := req.Header.Get("Idempotency-Key")
	job, created, err := r.runner.Submit(req.Context(), idemKey, iterations, body.Payload)
	if err != nil {
		writeError(w, http.StatusConflict, "submission_failed", err.Error())
		return
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, jobView{ID: job.ID, Status: job.Status()})
}

func (r *Router) getJob(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	rec, err := r.admin.Get(req.Context(), id)
	if err != nil {
		writeNotFoundOrError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView{ID: rec.ID, Status: rec.Status, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt, Result: rec.Result})
}

func (r *Router) streamEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	var lastID int64
	if v := req.Header.Get("Last-Event-ID"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			lastID = parsed
		}
	}
	if err := r.reader.Stream(req.Context(), w, id, lastID); err != nil {
		r.log.Warn().Err(err).Str("job_id", id).Msg("httpapi: stream ended with error")
	}
}

// cancelJob implements spec.md §6's DELETE /optimize/{id} contract: 200
// with the job's JobState on success, 409 not_cancelable if its status
// isn't running, 404 if the job doesn't exist at all.
func (r *Router) cancelJob(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	rec, err := r.admin.Get(req.Context(), id)
	if err != nil {
		writeNotFoundOrError(w, err)
		return
	}
	if rec.Status != store.StatusRunning || !r.reg.Cancel(id) {
		writeError(w, http.StatusConflict, "not_cancelable", "job is not running")
		return
	}
	writeJSON(w, http.StatusOK, jobView{ID: rec.ID, Status: rec.Status, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt, Result: rec.Result})
}

func (r *Router) adminList(w http.ResponseWriter, req *http.Request) {
	jobs, err := r.admin.List(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView{ID: j.ID, Status: j.Status, CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt, Result: j.Result})
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Router) adminGet(w http.ResponseWriter, req *http.Request) {
	r.getJob(w, req)
}

func (r *Router) adminDelete(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.admin.Delete(req.Context(), id); err != nil {
		writeNotFoundOrError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) adminCancel(w http.ResponseWriter, req *http.Request) {
	r.cancelJob(w, req)
}

func (r *Router) adminMetrics(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.admin.Metrics())
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func writeNotFoundOrError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
