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

package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/policy"
	"golang.org/x/time/rate"
)

type (
	// FailMode selects the behavior applied when the counter store
	// cannot answer.
	FailMode int

	fallbackBuckets struct {
		mu      sync.Mutex
		entries map[string]*fallbackEntry

		rps     rate.Limit
		burst   int
		idleTTL time.Duration
	}

	fallbackEntry struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
)

const (
	// FailOpen admits requests when the counter store is
	// unavailable. An unreachable shared backend must never become
	// a total-service outage; admission control is a protective
	// layer, not a correctness-critical one.
	FailOpen FailMode = iota

	// FailClosed rejects requests when the counter store is
	// unavailable, with a retry hint of one full window.
	FailClosed
)

const fallbackIdleTTL = 15 * time.Minute

// WithDegradedFallback installs per-key token buckets consulted only
// while failing open, so an unreachable backend still leaves a
// conservative local admission bound in place.
func WithDegradedFallback(rps float64, burst int) Option {
	return func(l *Limiter) {
		l.fallback = &fallbackBuckets{
			entries: make(map[string]*fallbackEntry),
			rps:     rate.Limit(rps),
			burst:   burst,
			idleTTL: fallbackIdleTTL,
		}
	}
}

// degraded converts a store failure into a decision. It emits exactly
// one rate_limiter_degraded event per failed call.
func (l *Limiter) degraded(ctx context.Context, key string, cause error, p policy.Policy, now time.Time) Decision {
	l.degradedTotal.Inc()
	l.logger.WarnCtx(ctx, "rate_limiter_degraded",
		log.String("key", key),
		log.Error(cause),
	)

	if l.failMode == FailClosed {
		return Decision{
			Allowed:    false,
			Limit:      p.MaxRequests,
			Remaining:  0,
			ResetAt:    now.Add(p.Window),
			RetryAfter: p.Window,
		}
	}

	if l.fallback != nil {
		if retryAfter, ok := l.fallback.take(key, now); !ok {
			return Decision{
				Allowed:    false,
				Limit:      p.MaxRequests,
				Remaining:  0,
				ResetAt:    now.Add(retryAfter),
				RetryAfter: retryAfter,
			}
		}
	}

	// Fail open: behave as if this were the first request of a
	// fresh window.
	remaining := p.MaxRequests - 1
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   true,
		Limit:     p.MaxRequests,
		Remaining: remaining,
		ResetAt:   now.Add(p.Window),
	}
}

// take consumes one token from the bucket for key. On rejection it
// reports how long the caller should wait, without consuming bucket
// capacity for the failed attempt.
func (b *fallbackBuckets) take(key string, now time.Time) (time.Duration, bool) {
	b.mu.Lock()
	entry, ok := b.entries[key]
	if !ok {
		// Sweep before inserting so the new entry, whose lastSeen
		// is not set yet, cannot be evicted in the same pass.
		b.sweepLocked(now)

		entry = &fallbackEntry{limiter: rate.NewLimiter(b.rps, b.burst)}
		b.entries[key] = entry
	}
	entry.lastSeen = now
	b.mu.Unlock()

	if entry.limiter.Allow() {
		return 0, true
	}

	reservation := entry.limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()

	retryAfter := time.Duration(math.Ceil(delay.Seconds())) * time.Second
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return retryAfter, false
}

// sweepLocked drops buckets idle longer than the TTL. Called with the
// lock held, and only when a new key is inserted, so steady-state
// traffic pays nothing.
func (b *fallbackBuckets) sweepLocked(now time.Time) {
	cutoff := now.Add(-b.idleTTL)
	for k, entry := range b.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(b.entries, k)
		}
	}
}
