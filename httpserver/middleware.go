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

package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.gearno.de/throttle/identity"
	"go.gearno.de/throttle/policy"
	"go.gearno.de/throttle/ratelimit"
)

type (
	// UserIDFunc extracts the authenticated principal id from a
	// request, or "" when the caller is anonymous. The surrounding
	// authentication layer decides what counts as a principal.
	UserIDFunc func(r *http.Request) string

	// RateLimitOption configures the rate limiting middleware.
	RateLimitOption func(m *rateLimitMiddleware)

	rateLimitMiddleware struct {
		limiter    *ratelimit.Limiter
		classifier *policy.Classifier
		userID     UserIDFunc
		next       http.Handler
	}

	throttledResponse struct {
		Error      string `json:"error"`
		Message    string `json:"message"`
		RetryAfter int64  `json:"retryAfter"`
	}
)

// WithUserIDFunc wires the authentication layer into identity
// resolution. Without it every caller is identified by address.
func WithUserIDFunc(fn UserIDFunc) RateLimitOption {
	return func(m *rateLimitMiddleware) {
		m.userID = fn
	}
}

// RateLimit returns a middleware that classifies each request path,
// resolves the caller identity, and short-circuits with 429 Too Many
// Requests when the limiter rejects. Rate limit headers are attached
// to every response, admitted or not. The middleware holds no state
// of its own; all counting lives in the limiter's store.
func RateLimit(limiter *ratelimit.Limiter, classifier *policy.Classifier, options ...RateLimitOption) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		m := &rateLimitMiddleware{
			limiter:    limiter,
			classifier: classifier,
			userID:     func(*http.Request) string { return "" },
			next:       next,
		}

		for _, o := range options {
			o(m)
		}

		return m
	}
}

func (m *rateLimitMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var (
		classification = m.classifier.Classify(r.URL.Path)
		id             = identity.Resolve(r, m.userID(r))
		decision       = m.limiter.Check(r.Context(), classification, id)
	)

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.UnixMilli(), 10))

	if !decision.Allowed {
		retryAfter := int64(decision.RetryAfter / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))

		RenderJSON(w, http.StatusTooManyRequests, throttledResponse{
			Error:      "Rate limit exceeded",
			Message:    fmt.Sprintf("too many requests, retry in %ds", retryAfter),
			RetryAfter: retryAfter,
		})
		return
	}

	m.next.ServeHTTP(w, r)
}
