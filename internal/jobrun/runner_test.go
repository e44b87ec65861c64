package jobrun

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"optimizectl/internal/config"
	"optimizectl/internal/driver"
	"optimizectl/internal/notify"
	"optimizectl/internal/registry"
	"optimizectl/internal/store"
	"optimizectl/internal/submission"
)

func testRunner(t *testing.T, run driver.Func, notifier *notify.Webhook) (*Runner, *store.Memory) {
	t.Helper()
	cfg := config.Config{
		SSEBufferSize:              16,
		SSEBackpressureFailTimeout: time.Second,
		SSEPingInterval:            time.Hour,
		MaxIterations:              3,
	}
	st := store.NewMemory()
	reg := registry.New(cfg, st, zerolog.Nop())
	gate := submission.New(cfg, st, reg)
	emitter := registry.NewEmitter(cfg, st)
	return New(cfg, gate, reg, emitter, run, notifier, zerolog.Nop()), st
}

func finishingDriver(status string, result map[string]any) driver.Func {
	return func(ctx context.Context, h driver.Handle, emit driver.EmitFunc, iterations int, payload map[string]any) (string, map[string]any, error) {
		_ = emit(ctx, "started", map[string]any{})
		_ = emit(ctx, status, result)
		return status, result, nil
	}
}

func TestSubmitIsIdempotentAcrossCalls(t *testing.T) {
	runner, _ := testRunner(t, finishingDriver("finished", map[string]any{"proposal": "a"}), nil)

	job1, created1, err := runner.Submit(context.Background(), "key-1", 1, map[string]any{})
	require.NoError(t, err)
	require.True(t, created1)

	job2, created2, err := runner.Submit(context.Background(), "key-1", 1, map[string]any{})
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, job1.ID, job2.ID)
}

func TestSubmitFileRunsAnonymousJob(t *testing.T) {
	runner, st := testRunner(t, finishingDriver("finished", map[string]any{"proposal": "b"}), nil)

	require.NoError(t, runner.SubmitFile(context.Background(), map[string]any{"prompt": "x"}))

	require.Eventually(t, func() bool {
		jobs, err := st.ListJobs(context.Background())
		require.NoError(t, err)
		for _, j := range jobs {
			if j.Status == store.StatusFinished {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestRunToCompletionNotifiesWebhookOnTerminalStatus(t *testing.T) {
	var gotStatus string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStatus = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	runner, st := testRunner(t, finishingDriver("finished", map[string]any{"proposal": "c"}), notify.New(srv.URL))

	job, created, err := runner.Submit(context.Background(), "", 1, map[string]any{})
	require.NoError(t, err)
	require.True(t, created)

	require.Eventually(t, func() bool {
		rec, err := st.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		return rec.Status == store.StatusFinished
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return gotStatus != "" }, time.Second, 5*time.Millisecond)
	require.Equal(t, "application/json", gotStatus)
}

func TestSubmitDefaultsIterationsToConfigMax(t *testing.T) {
	var seenIterations int
	run := func(ctx context.Context, h driver.Handle, emit driver.EmitFunc, iterations int, payload map[string]any) (string, map[string]any, error) {
		seenIterations = iterations
		return "finished", map[string]any{}, nil
	}
	runner, st := testRunner(t, run, nil)

	job, _, err := runner.Submit(context.Background(), "", 0, map[string]any{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := st.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		return rec.Status == store.StatusFinished
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 3, seenIterations)
}

// TestBackpressureFailsJobWithoutDeadlock exercises spec.md scenario S4:
// a full, undrained channel must fail the job with result.error =
// "sse_backpressure" rather than blocking the driver forever.
func TestBackpressureFailsJobWithoutDeadlock(t *testing.T) {
	cfg := config.Config{
		SSEBufferSize:              1,
		SSEBackpressureFailTimeout: 5 * time.Millisecond,
		SSEPingInterval:            time.Hour,
		MaxIterations:              10,
	}
	st := store.NewMemory()
	reg := registry.New(cfg, st, zerolog.Nop())
	gate := submission.New(cfg, st, reg)
	emitter := registry.NewEmitter(cfg, st)

	run := func(ctx context.Context, h driver.Handle, emit driver.EmitFunc, iterations int, payload map[string]any) (string, map[string]any, error) {
		_ = emit(ctx, "started", map[string]any{})
		for i := 0; i < iterations; i++ {
			if err := emit(ctx, "progress", map[string]any{"i": i}); err != nil {
				res := map[string]any{"error": err.Error()}
				return "failed", res, err
			}
		}
		return "finished", map[string]any{}, nil
	}

	runner := New(cfg, gate, reg, emitter, run, nil, zerolog.Nop())
	job, created, err := runner.Submit(context.Background(), "", 10, map[string]any{})
	require.NoError(t, err)
	require.True(t, created)

	require.Eventually(t, func() bool {
		rec, err := st.GetJob(context.Background(), job.ID)
		require.NoError(t, err)
		return rec.Status == store.StatusFailed
	}, time.Second, 5*time.Millisecond)

	rec, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Result, &result))
	require.Equal(t, "sse_backpressure", result["error"])
}
