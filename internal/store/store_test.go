package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"optimizectl/internal/eventlog"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "store_test.db")
	sq, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestJobCRUD(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC().Truncate(time.Second)
			job := JobRecord{ID: "job-1", Status: StatusPending, CreatedAt: now, UpdatedAt: now}
			require.NoError(t, s.SaveJob(ctx, job))

			got, err := s.GetJob(ctx, "job-1")
			require.NoError(t, err)
			require.Equal(t, StatusPending, got.Status)

			job.Status = StatusRunning
			job.UpdatedAt = now.Add(time.Second)
			require.NoError(t, s.SaveJob(ctx, job))
			got, err = s.GetJob(ctx, "job-1")
			require.NoError(t, err)
			require.Equal(t, StatusRunning, got.Status)

			list, err := s.ListJobs(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)

			require.NoError(t, s.DeleteJob(ctx, "job-1"))
			_, err = s.GetJob(ctx, "job-1")
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, s.DeleteJob(ctx, "job-1"), ErrNotFound)
		})
	}
}

func TestEventRingBufferPinsTerminal(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			const bufferSize = 3
			var lastID int64
			for i := 1; i <= 5; i++ {
				lastID = int64(i)
				env, err := eventlog.New("progress", "job-1", lastID, float64(i), map[string]any{"i": i})
				require.NoError(t, err)
				require.NoError(t, s.SaveEvent(ctx, "job-1", env, bufferSize))
			}
			terminalID := lastID + 1
			terminal, err := eventlog.New("finished", "job-1", terminalID, 10, map[string]any{"ok": true})
			require.NoError(t, err)
			require.NoError(t, s.SaveEvent(ctx, "job-1", terminal, bufferSize))

			events, err := s.EventsSince(ctx, "job-1", 0)
			require.NoError(t, err)
			require.LessOrEqual(t, len(events), bufferSize)
			last := events[len(events)-1]
			require.Equal(t, "finished", last.Type)
			require.Equal(t, terminalID, last.ID)

			// A reader that already has every event up to the terminal id
			// sees nothing new on a second poll.
			more, err := s.EventsSince(ctx, "job-1", terminalID)
			require.NoError(t, err)
			require.Empty(t, more)
		})
	}
}

func TestIdempotencyTTL(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			require.NoError(t, s.SaveIdempotency(ctx, "key-1", "job-1", now))

			jobID, ok, err := s.GetIdempotent(ctx, "key-1", now, time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "job-1", jobID)

			_, ok, err = s.GetIdempotent(ctx, "key-1", now.Add(2*time.Minute), time.Minute)
			require.NoError(t, err)
			require.False(t, ok)

			_, ok, err = s.GetIdempotent(ctx, "missing-key", now, time.Minute)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}
