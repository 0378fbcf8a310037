// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package memstore provides an in-process counter store for tests and
// single-instance deployments. Counters are not shared across
// processes; production setups should use redisstore or pgstore.
package memstore

import (
	"context"
	"sync"
	"time"

	"go.gearno.de/throttle/ratelimit"
)

type (
	// Option configures a Store during initialization.
	Option func(s *Store)

	// Store keeps a per-key log of request timestamps guarded by a
	// single mutex. The mutex makes AddAndCount atomic, matching
	// the contract the limiter relies on.
	Store struct {
		mu   sync.Mutex
		logs map[string]*windowLog

		cleanupInterval time.Duration
		cleanupOnce     sync.Once
	}

	windowLog struct {
		timestamps []int64
		expiresAt  time.Time
	}
)

var _ ratelimit.Store = (*Store)(nil)

// WithCleanupInterval sets the interval for background eviction of
// expired keys. Default is 5 minutes.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) {
		s.cleanupInterval = d
	}
}

// New creates an empty in-memory store.
func New(options ...Option) *Store {
	s := &Store{
		logs:            make(map[string]*windowLog),
		cleanupInterval: 5 * time.Minute,
	}

	for _, o := range options {
		o(s)
	}

	return s
}

// AddAndCount implements ratelimit.Store.
func (s *Store) AddAndCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[key]
	if !ok {
		l = &windowLog{}
		s.logs[key] = l
	}

	// Timestamps are appended in arrival order under the lock, so
	// the slice stays sorted and pruning is a prefix cut.
	idx := 0
	for idx < len(l.timestamps) && l.timestamps[idx] < cutoff {
		idx++
	}
	l.timestamps = append(l.timestamps[idx:], nowMs)
	l.expiresAt = now.Add(window)

	return int64(len(l.timestamps)), l.timestamps[0], nil
}

// StartCleanup starts a background goroutine evicting keys whose TTL
// has elapsed, mirroring the self-cleaning a shared backend performs
// through per-key expiry. It stops when ctx is cancelled and is safe
// to call multiple times; only the first call starts the goroutine.
func (s *Store) StartCleanup(ctx context.Context) {
	s.cleanupOnce.Do(func() {
		go s.runCleanupLoop(ctx)
	})
}

func (s *Store) runCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictExpired(time.Now())
		}
	}
}

func (s *Store) evictExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, l := range s.logs {
		if l.expiresAt.Before(now) {
			delete(s.logs, key)
		}
	}
}

// Len reports the number of live keys, for tests.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.logs)
}
