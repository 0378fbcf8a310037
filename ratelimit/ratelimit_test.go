package ratelimit

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.gearno.de/throttle/identity"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/policy"
)

// logStore is a minimal in-process Store keeping a per-key sorted
// timestamp log under one mutex, so concurrent checks observe the
// same atomicity a shared backend provides.
type logStore struct {
	mu   sync.Mutex
	logs map[string][]int64
}

func newLogStore() *logStore {
	return &logStore{logs: make(map[string][]int64)}
}

func (s *logStore) AddAndCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, int64, error) {
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.logs[key]

	idx := 0
	for idx < len(entries) && entries[idx] < cutoff {
		idx++
	}
	entries = append(entries[idx:], nowMs)
	s.logs[key] = entries

	return int64(len(entries)), entries[0], nil
}

func newTestRegistry(t *testing.T, maxRequests int, window time.Duration) *policy.Registry {
	t.Helper()

	registry, err := policy.NewRegistry(
		policy.Policy{Classification: policy.DefaultClassification, MaxRequests: maxRequests, Window: window},
		policy.Policy{Classification: "auth", MaxRequests: maxRequests, Window: window},
	)
	require.NoError(t, err)

	return registry
}

func TestLimiter_BoundaryIsInclusive(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	limiter := NewLimiter(
		newTestRegistry(t, 5, time.Minute),
		newLogStore(),
		WithRegisterer(prometheus.NewRegistry()),
		WithClock(func() time.Time { return base }),
	)

	id := identity.Identity{Scheme: identity.SchemeUser, Value: "u1"}

	// The request that fills the window to exactly the quota is still
	// admitted.
	for i, wantRemaining := range []int{4, 3, 2, 1, 0} {
		decision := limiter.Check(context.Background(), "default", id)
		assert.True(t, decision.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, 5, decision.Limit)
		assert.Equal(t, wantRemaining, decision.Remaining)
		assert.Equal(t, base.Add(time.Minute).UnixMilli(), decision.ResetAt.UnixMilli())
		assert.Zero(t, decision.RetryAfter)
	}

	// The next request is the first rejection.
	decision := limiter.Check(context.Background(), "default", id)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 0, decision.Remaining)
	// Compare the wire-visible instant; the store hands back epoch
	// milliseconds, so the denial ResetAt carries no location.
	assert.Equal(t, base.Add(time.Minute).UnixMilli(), decision.ResetAt.UnixMilli())
	assert.Equal(t, time.Minute, decision.RetryAfter)
}

func TestLimiter_WindowSlides(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	limiter := NewLimiter(
		newTestRegistry(t, 3, time.Minute),
		newLogStore(),
		WithRegisterer(prometheus.NewRegistry()),
		WithClock(func() time.Time { return now }),
	)

	id := identity.Identity{Scheme: identity.SchemeAddress, Value: "192.0.2.1"}

	for i := 0; i < 3; i++ {
		decision := limiter.Check(context.Background(), "default", id)
		require.True(t, decision.Allowed)
	}

	decision := limiter.Check(context.Background(), "default", id)
	require.False(t, decision.Allowed)

	// Once the first requests age out, capacity frees up again. The
	// rejected request above still occupies a slot, so only part of
	// the quota is available.
	now = now.Add(time.Minute + time.Millisecond)

	decision = limiter.Check(context.Background(), "default", id)
	assert.True(t, decision.Allowed)
}

func TestLimiter_RejectedRequestsOccupySlots(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	limiter := NewLimiter(
		newTestRegistry(t, 1, time.Minute),
		newLogStore(),
		WithRegisterer(prometheus.NewRegistry()),
		WithClock(func() time.Time { return now }),
	)

	id := identity.Identity{Scheme: identity.SchemeUser, Value: "hammer"}

	require.True(t, limiter.Check(context.Background(), "default", id).Allowed)

	now = now.Add(30 * time.Second)
	require.False(t, limiter.Check(context.Background(), "default", id).Allowed)

	// The admitted request has aged out, but the rejected attempt at
	// 30s still occupies the only slot: a caller hammering while
	// rejected keeps itself rejected.
	now = now.Add(31 * time.Second)
	decision := limiter.Check(context.Background(), "default", id)
	assert.False(t, decision.Allowed, "rejected attempts count against the window")
}

func TestLimiter_IdentitiesAreIsolated(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	limiter := NewLimiter(
		newTestRegistry(t, 1, time.Minute),
		newLogStore(),
		WithRegisterer(prometheus.NewRegistry()),
		WithClock(func() time.Time { return base }),
	)

	a := identity.Identity{Scheme: identity.SchemeUser, Value: "a"}
	b := identity.Identity{Scheme: identity.SchemeUser, Value: "b"}

	require.True(t, limiter.Check(context.Background(), "default", a).Allowed)
	require.False(t, limiter.Check(context.Background(), "default", a).Allowed)

	// Exhausting one identity must not affect another.
	assert.True(t, limiter.Check(context.Background(), "default", b).Allowed)
}

func TestLimiter_ClassificationsAreIsolated(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	limiter := NewLimiter(
		newTestRegistry(t, 1, time.Minute),
		newLogStore(),
		WithRegisterer(prometheus.NewRegistry()),
		WithClock(func() time.Time { return base }),
	)

	id := identity.Identity{Scheme: identity.SchemeUser, Value: "u1"}

	require.True(t, limiter.Check(context.Background(), "default", id).Allowed)
	require.False(t, limiter.Check(context.Background(), "default", id).Allowed)

	// The same identity has a separate window per classification.
	assert.True(t, limiter.Check(context.Background(), "auth", id).Allowed)
}

func TestLimiter_RetryAfterRoundsUp(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	limiter := NewLimiter(
		newTestRegistry(t, 1, time.Minute),
		newLogStore(),
		WithRegisterer(prometheus.NewRegistry()),
		WithClock(func() time.Time { return now }),
	)

	id := identity.Identity{Scheme: identity.SchemeUser, Value: "u1"}
	require.True(t, limiter.Check(context.Background(), "default", id).Allowed)

	// 30.5s into the window, 29.5s remain; the hint must round up to
	// a whole 30s so the caller does not retry early.
	now = now.Add(30*time.Second + 500*time.Millisecond)

	decision := limiter.Check(context.Background(), "default", id)
	require.False(t, decision.Allowed)
	assert.Equal(t, 30*time.Second, decision.RetryAfter)
}

// failingStore simulates an unreachable shared backend.
type failingStore struct {
	calls atomic.Int64
}

func (s *failingStore) AddAndCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, int64, error) {
	s.calls.Add(1)
	return 0, 0, fmt.Errorf("%w: connection refused", ErrStoreUnavailable)
}

func TestLimiter_FailOpen(t *testing.T) {
	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	limiter := NewLimiter(
		newTestRegistry(t, 5, time.Minute),
		&failingStore{},
		WithRegisterer(prometheus.NewRegistry()),
		WithLogger(logger),
	)

	id := identity.Identity{Scheme: identity.SchemeUser, Value: "u1"}

	decision := limiter.Check(context.Background(), "default", id)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 5, decision.Limit)
	assert.Equal(t, 4, decision.Remaining)

	// Exactly one degradation event per failed call.
	assert.Equal(t, 1, strings.Count(logBuf.String(), "rate_limiter_degraded"))

	decision = limiter.Check(context.Background(), "default", id)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 2, strings.Count(logBuf.String(), "rate_limiter_degraded"))
}

func TestLimiter_FailClosed(t *testing.T) {
	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	limiter := NewLimiter(
		newTestRegistry(t, 5, time.Minute),
		&failingStore{},
		WithRegisterer(prometheus.NewRegistry()),
		WithLogger(logger),
		WithFailMode(FailClosed),
	)

	id := identity.Identity{Scheme: identity.SchemeUser, Value: "u1"}

	decision := limiter.Check(context.Background(), "default", id)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 0, decision.Remaining)
	assert.Equal(t, time.Minute, decision.RetryAfter)
	assert.Contains(t, logBuf.String(), "rate_limiter_degraded")
}

func TestLimiter_DegradedFallbackBounds(t *testing.T) {
	limiter := NewLimiter(
		newTestRegistry(t, 100, time.Minute),
		&failingStore{},
		WithRegisterer(prometheus.NewRegistry()),
		WithDegradedFallback(1, 1),
	)

	id := identity.Identity{Scheme: identity.SchemeUser, Value: "u1"}

	// With a local fallback of 1 rps / burst 1, the first degraded
	// request passes and an immediate second one is bounded.
	decision := limiter.Check(context.Background(), "default", id)
	require.True(t, decision.Allowed)

	decision = limiter.Check(context.Background(), "default", id)
	require.False(t, decision.Allowed)
	assert.GreaterOrEqual(t, decision.RetryAfter, time.Second)
}

func TestFallbackBuckets_FreshEntrySurvivesSweep(t *testing.T) {
	b := &fallbackBuckets{
		entries: make(map[string]*fallbackEntry),
		rps:     1,
		burst:   1,
		idleTTL: fallbackIdleTTL,
	}

	now := time.Now()

	// Inserting a key triggers an idle sweep; the entry being
	// inserted must survive it, or every degraded request would see
	// a fresh bucket with a full burst and the bound would be gone.
	_, ok := b.take("k", now)
	require.True(t, ok)
	require.Contains(t, b.entries, "k")

	retryAfter, ok := b.take("k", now)
	require.False(t, ok, "second immediate take must be bounded")
	assert.GreaterOrEqual(t, retryAfter, time.Second)
}

func TestFallbackBuckets_SweepEvictsIdleEntries(t *testing.T) {
	b := &fallbackBuckets{
		entries: make(map[string]*fallbackEntry),
		rps:     1,
		burst:   1,
		idleTTL: fallbackIdleTTL,
	}

	now := time.Now()

	_, ok := b.take("stale", now)
	require.True(t, ok)

	// A later insert sweeps entries idle past the TTL but keeps the
	// fresh one.
	later := now.Add(fallbackIdleTTL + time.Minute)
	_, ok = b.take("fresh", later)
	require.True(t, ok)

	assert.NotContains(t, b.entries, "stale")
	assert.Contains(t, b.entries, "fresh")
}

func TestLimiter_StoreTimeout(t *testing.T) {
	var logBuf bytes.Buffer
	logger := log.NewLogger(log.WithOutput(&logBuf))

	// A store that blocks past the configured timeout is treated as
	// unavailable.
	slow := storeFunc(func(ctx context.Context, key string, now time.Time, window time.Duration) (int64, int64, error) {
		<-ctx.Done()
		return 0, 0, ctx.Err()
	})

	limiter := NewLimiter(
		newTestRegistry(t, 5, time.Minute),
		slow,
		WithRegisterer(prometheus.NewRegistry()),
		WithLogger(logger),
		WithStoreTimeout(5*time.Millisecond),
	)

	id := identity.Identity{Scheme: identity.SchemeUser, Value: "u1"}

	decision := limiter.Check(context.Background(), "default", id)
	assert.True(t, decision.Allowed, "timeouts fail open by default")
	assert.Contains(t, logBuf.String(), "rate_limiter_degraded")
}

type storeFunc func(ctx context.Context, key string, now time.Time, window time.Duration) (int64, int64, error)

func (f storeFunc) AddAndCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, int64, error) {
	return f(ctx, key, now, window)
}

func TestLimiter_ConcurrentChecks(t *testing.T) {
	limiter := NewLimiter(
		newTestRegistry(t, 50, time.Minute),
		newLogStore(),
		WithRegisterer(prometheus.NewRegistry()),
	)

	id := identity.Identity{Scheme: identity.SchemeUser, Value: "u1"}

	var allowed atomic.Int64
	var wg sync.WaitGroup

	// 100 concurrent requests against a quota of 50: exactly 50 must
	// pass, never more, regardless of interleaving.
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Check(context.Background(), "default", id).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), allowed.Load())
}

func TestWindowKey(t *testing.T) {
	id := identity.Identity{Scheme: identity.SchemeUser, Value: "u1"}

	assert.Equal(t, "auth:user:u1", WindowKey("auth", id))
}
