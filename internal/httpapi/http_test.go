package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"optimizectl/internal/admin"
	"optimizectl/internal/config"
	"optimizectl/internal/driver"
	"optimizectl/internal/jobrun"
	"optimizectl/internal/registry"
	"optimizectl/internal/store"
	"optimizectl/internal/stream"
	"optimizectl/internal/submission"
)

func setupTest(t *testing.T) (*Router, *http.ServeMux) {
	t.Helper()
	cfg := config.Config{
		SSEBufferSize:              16,
		SSEBackpressureFailTimeout: time.Second,
		SSEPingInterval:            time.Hour,
		SSERetryMS:                 3000,
		MaxIterations:              2,
	}
	st := store.NewMemory()
	reg := registry.New(cfg, st, zerolog.Nop())
	gate := submission.New(cfg, st, reg)
	adminSvc := admin.New(st, reg)
	reader := stream.New(cfg, st, reg)
	emitter := registry.NewEmitter(cfg, st)

	run := driver.Func(func(ctx context.Context, h driver.Handle, emit driver.EmitFunc, iterations int, payload map[string]any) (string, map[string]any, error) {
		_ = emit(ctx, "started", map[string]any{})
		result := map[string]any{"proposal": "done"}
		_ = emit(ctx, "finished", result)
		return "finished", result, nil
	})

	runner := jobrun.New(cfg, gate, reg, emitter, run, nil, zerolog.Nop())
	router := NewRouter(cfg, runner, reg, adminSvc, reader, zerolog.Nop())
	mux := http.NewServeMux()
	router.Register(mux)
	return router, mux
}

func TestSubmitAndGetJob(t *testing.T) {
	_, mux := setupTest(t)

	body := bytes.NewBufferString(`{"iterations":1,"payload":{"prompt":"x"}}`)
	req := httptest.NewRequest(http.MethodPost, "/optimize", body)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var view jobView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.NotEmpty(t, view.ID)

	require.Eventually(t, func() bool {
		getReq := httptest.NewRequest(http.MethodGet, "/optimize/"+view.ID, nil)
		getRR := httptest.NewRecorder()
		mux.ServeHTTP(getRR, getReq)
		if getRR.Code != http.StatusOK {
			return false
		}
		var got jobView
		_ = json.Unmarshal(getRR.Body.Bytes(), &got)
		return got.Status == "finished"
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitIsIdempotent(t *testing.T) {
	_, mux := setupTest(t)

	makeReq := func() *httptest.ResponseRecorder {
		body := bytes.NewBufferString(`{"iterations":1,"payload":{}}`)
		req := httptest.NewRequest(http.MethodPost, "/optimize", body)
		req.Header.Set("Idempotency-Key", "key-1")
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		return rr
	}

	rr1 := makeReq()
	rr2 := makeReq()
	require.Equal(t, http.StatusAccepted, rr1.Code)
	require.Equal(t, http.StatusOK, rr2.Code)

	var v1, v2 jobView
	require.NoError(t, json.Unmarshal(rr1.Body.Bytes(), &v1))
	require.NoError(t, json.Unmarshal(rr2.Body.Bytes(), &v2))
	require.Equal(t, v1.ID, v2.ID)
}

// TestDeleteOptimizeCancelsRunningJob exercises spec.md scenario S3:
// DELETE /optimize/{id} on a running job cancels it and returns
// 200+JobState; a subsequent DELETE on the now-terminal job is
// not_cancelable (409).
func TestDeleteOptimizeCancelsRunningJob(t *testing.T) {
	cfg := config.Config{
		SSEBufferSize:              16,
		SSEBackpressureFailTimeout: time.Second,
		SSEPingInterval:            time.Hour,
		MaxIterations:              5,
	}
	st := store.NewMemory()
	reg := registry.New(cfg, st, zerolog.Nop())
	gate := submission.New(cfg, st, reg)
	adminSvc := admin.New(st, reg)
	reader := stream.New(cfg, st, reg)
	emitter := registry.NewEmitter(cfg, st)

	started := make(chan struct{})
	run := driver.Func(func(ctx context.Context, h driver.Handle, emit driver.EmitFunc, iterations int, payload map[string]any) (string, map[string]any, error) {
		_ = emit(ctx, "started", map[string]any{})
		close(started)
		<-h.Done()
		_ = emit(context.Background(), "cancelled", map[string]any{})
		return "cancelled", nil, h.Err()
	})

	runner := jobrun.New(cfg, gate, reg, emitter, run, nil, zerolog.Nop())
	router := NewRouter(cfg, runner, reg, adminSvc, reader, zerolog.Nop())
	mux := http.NewServeMux()
	router.Register(mux)

	body := bytes.NewBufferString(`{"iterations":5,"payload":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/optimize", body)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	var view jobView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))

	<-started

	delReq := httptest.NewRequest(http.MethodDelete, "/optimize/"+view.ID, nil)
	delRR := httptest.NewRecorder()
	mux.ServeHTTP(delRR, delReq)
	require.Equal(t, http.StatusOK, delRR.Code)
	var cancelView jobView
	require.NoError(t, json.Unmarshal(delRR.Body.Bytes(), &cancelView))
	require.Equal(t, view.ID, cancelView.ID)

	require.Eventually(t, func() bool {
		rec, err := st.GetJob(context.Background(), view.ID)
		require.NoError(t, err)
		return rec.Status == store.StatusCancelled
	}, time.Second, 5*time.Millisecond)

	delReq2 := httptest.NewRequest(http.MethodDelete, "/optimize/"+view.ID, nil)
	delRR2 := httptest.NewRecorder()
	mux.ServeHTTP(delRR2, delReq2)
	require.Equal(t, http.StatusConflict, delRR2.Code)
}

func TestDeleteOptimizeMissingJobIs404(t *testing.T) {
	_, mux := setupTest(t)
	req := httptest.NewRequest(http.MethodDelete, "/optimize/does-not-exist", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealthEndpoint(t *testing.T) {
	_, mux := setupTest(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestAdminListAndDelete(t *testing.T) {
	_, mux := setupTest(t)

	body := bytes.NewBufferString(`{"iterations":1,"payload":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/optimize", body)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	var view jobView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))

	require.Eventually(t, func() bool {
		listReq := httptest.NewRequest(http.MethodGet, "/admin/jobs", nil)
		listRR := httptest.NewRecorder()
		mux.ServeHTTP(listRR, listReq)
		var views []jobView
		_ = json.Unmarshal(listRR.Body.Bytes(), &views)
		for _, v := range views {
			if v.ID == view.ID && v.Status == "finished" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	delReq := httptest.NewRequest(http.MethodDelete, "/admin/jobs/"+view.ID, nil)
	delRR := httptest.NewRecorder()
	mux.ServeHTTP(delRR, delReq)
	require.Equal(t, http.StatusNoContent, delRR.Code)
}
