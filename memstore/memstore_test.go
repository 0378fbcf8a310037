package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AddAndCount(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	window := time.Minute

	count, oldest, err := store.AddAndCount(ctx, "k", base, window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, base.UnixMilli(), oldest)

	count, oldest, err = store.AddAndCount(ctx, "k", base.Add(30*time.Second), window)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, base.UnixMilli(), oldest)
}

func TestStore_SlidingWindowPruning(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	window := time.Minute

	_, _, err := store.AddAndCount(ctx, "k", base, window)
	require.NoError(t, err)
	_, _, err = store.AddAndCount(ctx, "k", base.Add(30*time.Second), window)
	require.NoError(t, err)

	// 61s after the first request it has aged out of the window; the
	// 30s one is still in scope.
	count, oldest, err := store.AddAndCount(ctx, "k", base.Add(61*time.Second), window)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, base.Add(30*time.Second).UnixMilli(), oldest)
}

func TestStore_KeysAreIndependent(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, _, err := store.AddAndCount(ctx, "a", now, time.Minute)
		require.NoError(t, err)
	}

	count, _, err := store.AddAndCount(ctx, "b", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestStore_EvictExpired(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	_, _, err := store.AddAndCount(ctx, "a", base, time.Minute)
	require.NoError(t, err)
	_, _, err = store.AddAndCount(ctx, "b", base.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, store.Len())

	// Only "a" has passed its TTL.
	store.evictExpired(base.Add(75 * time.Second))
	assert.Equal(t, 1, store.Len())

	store.evictExpired(base.Add(2 * time.Minute))
	assert.Equal(t, 0, store.Len())
}

func TestStore_CancelledContext(t *testing.T) {
	store := New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := store.AddAndCount(ctx, "k", time.Now(), time.Minute)
	assert.Error(t, err)
}
