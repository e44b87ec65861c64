package submission

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"optimizectl/internal/config"
	"optimizectl/internal/registry"
	"optimizectl/internal/store"
)

func TestCreateIsIdempotent(t *testing.T) {
	cfg := config.Config{SSEBufferSize: 4, IdempotencyTTL: time.Minute}
	st := store.NewMemory()
	reg := registry.New(cfg, st, zerolog.Nop())
	gate := New(cfg, st, reg)
	ctx := context.Background()

	job1, _, created1, err := gate.Create(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, created1)

	job2, _, created2, err := gate.Create(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, job1.ID, job2.ID)
}

func TestCreateReturnsStubWhenJobNoLongerLive(t *testing.T) {
	cfg := config.Config{SSEBufferSize: 4, IdempotencyTTL: time.Minute}
	st := store.NewMemory()
	reg := registry.New(cfg, st, zerolog.Nop())
	gate := New(cfg, st, reg)
	ctx := context.Background()

	job1, _, created1, err := gate.Create(ctx, "key-stub")
	require.NoError(t, err)
	require.True(t, created1)
	require.NoError(t, reg.Finish(ctx, job1, store.StatusFinished, []byte(`{"best":1}`)))

	// Simulate a process restart: the live handle is gone, but the
	// idempotency record and job row survive in the Store.
	reg2 := registry.New(cfg, st, zerolog.Nop())
	gate2 := New(cfg, st, reg2)

	stub, _, created2, err := gate2.Create(ctx, "key-stub")
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, job1.ID, stub.ID)
	require.Equal(t, store.StatusFinished, stub.Status())
}

func TestCreateWithoutKeyAlwaysCreates(t *testing.T) {
	cfg := config.Config{SSEBufferSize: 4}
	st := store.NewMemory()
	reg := registry.New(cfg, st, zerolog.Nop())
	gate := New(cfg, st, reg)
	ctx := context.Background()

	job1, _, _, err := gate.Create(ctx, "")
	require.NoError(t, err)
	job2, _, _, err := gate.Create(ctx, "")
	require.NoError(t, err)
	require.NotEqual(t, job1.ID, job2.ID)
}
