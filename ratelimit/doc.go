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

// Package ratelimit implements a sliding window log rate limiter over
// a shared counting backend.
//
// # Algorithm
//
// Each check performs one atomic store operation that prunes expired
// timestamps, records the current request, refreshes the key TTL, and
// returns the resulting count with the oldest surviving timestamp.
// Because exact timestamps are tracked, the rolling window is precise:
// a slot frees the instant the oldest request ages out, rather than at
// a bucket boundary. The timestamp is written before the threshold is
// evaluated, so a rejected request still consumes a window slot; the
// trade keeps admission to a single round-trip with no check-then-act
// race between concurrent requests for the same identity.
//
// For a quota of N per window, the first N requests in any rolling
// window are admitted and the (N+1)-th is the first rejection.
//
// # Degradation
//
// Store failures and timeouts never surface as errors on the request
// path. Under the default FailOpen mode the request is admitted as if
// it opened a fresh window, and a rate_limiter_degraded warning is
// emitted per failed call; FailClosed rejects with a retry hint of one
// window. WithDegradedFallback adds per-key local token buckets that
// bound admission while the backend is down.
//
// # Usage
//
//	policies, err := policy.NewRegistry(policy.DefaultPolicies()...)
//	if err != nil {
//	    return err
//	}
//
//	limiter := ratelimit.NewLimiter(policies, store,
//	    ratelimit.WithLogger(logger),
//	    ratelimit.WithTracerProvider(tp),
//	    ratelimit.WithRegisterer(promRegistry),
//	)
//
//	decision := limiter.Check(ctx, "auth", identity.Resolve(r, userID))
//	if !decision.Allowed {
//	    // render 429 with decision.RetryAfter
//	}
//
// # Metrics
//
// The following Prometheus metrics are exposed:
//
//   - ratelimit_requests_total{classification,allowed}: counter of checks
//   - ratelimit_check_duration_seconds{allowed}: histogram of check durations
//   - ratelimit_degraded_total: counter of checks answered without the store
package ratelimit
