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
	"io"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/throttle/identity"
	"go.gearno.de/throttle/internal/otelutils"
	"go.gearno.de/throttle/internal/version"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/policy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Limiter during
	// initialization.
	Option func(l *Limiter)

	// Limiter is a sliding window log rate limiter over a shared
	// counting backend. Exact request timestamps are tracked, giving
	// precise rolling-window semantics; storage per identity is
	// bounded by the quota because excess entries are pruned on
	// every call.
	Limiter struct {
		registry *policy.Registry
		store    Store

		logger *log.Logger
		tracer trace.Tracer

		failMode     FailMode
		fallback     *fallbackBuckets
		storeTimeout time.Duration

		now func() time.Time

		requestsTotal *prometheus.CounterVec
		checkDuration *prometheus.HistogramVec
		degradedTotal prometheus.Counter
	}

	// Decision is the outcome of a rate limit check.
	Decision struct {
		// Allowed indicates whether the request is admitted.
		Allowed bool

		// Limit is the maximum number of requests allowed in the
		// window.
		Limit int

		// Remaining is the number of requests left in the current
		// window.
		Remaining int

		// ResetAt is when the current window frees a slot.
		ResetAt time.Time

		// RetryAfter is how long a rejected caller should wait
		// before retrying. Zero when Allowed.
		RetryAfter time.Duration
	}
)

const (
	tracerName = "go.gearno.de/throttle/ratelimit"

	defaultStoreTimeout = 50 * time.Millisecond
)

// WithLogger sets a custom logger for the limiter.
func WithLogger(l *log.Logger) Option {
	return func(lim *Limiter) {
		lim.logger = l.Named("ratelimit")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Limiter) {
		l.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.registerMetrics(r)
	}
}

// WithFailMode selects the degradation policy applied when the
// counter store is unreachable. Default is FailOpen.
func WithFailMode(mode FailMode) Option {
	return func(l *Limiter) {
		l.failMode = mode
	}
}

// WithStoreTimeout bounds each counter store round-trip. Timeouts are
// treated as store unavailability and routed through the degradation
// path. Default is 50ms.
func WithStoreTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		l.storeTimeout = d
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a limiter reading quotas from registry and
// counting through store.
func NewLimiter(registry *policy.Registry, store Store, options ...Option) *Limiter {
	l := &Limiter{
		registry:     registry,
		store:        store,
		logger:       log.NewLogger(log.WithOutput(io.Discard)),
		tracer:       otel.GetTracerProvider().Tracer(tracerName),
		failMode:     FailOpen,
		storeTimeout: defaultStoreTimeout,
		now:          time.Now,
	}

	l.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(l)
	}

	return l
}

func (l *Limiter) registerMetrics(r prometheus.Registerer) {
	l.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "requests_total",
			Help:      "Total number of rate limit checks.",
		},
		[]string{"classification", "allowed"},
	)
	if err := r.Register(l.requestsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.requestsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	l.checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "ratelimit",
			Name:      "check_duration_seconds",
			Help:      "Duration of rate limit checks in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"allowed"},
	)
	if err := r.Register(l.checkDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.checkDuration = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	l.degradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "degraded_total",
			Help:      "Total number of checks answered without the counter store.",
		},
	)
	if err := r.Register(l.degradedTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.degradedTotal = are.ExistingCollector.(prometheus.Counter)
		}
	}
}

// Check decides whether one request from id against classification is
// admitted. The request timestamp is recorded before the threshold is
// evaluated, so a rejected request still occupies a window slot; this
// keeps the check a single atomic round-trip with no check-then-act
// race. Check never returns an error: store failures resolve to a
// decision through the configured fail mode.
func (l *Limiter) Check(ctx context.Context, classification string, id identity.Identity) Decision {
	start := time.Now()

	var (
		p   = l.registry.For(classification)
		key = WindowKey(p.Classification, id)
		now = l.now()

		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = l.tracer.Start(
			ctx,
			"ratelimit.Check",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("ratelimit.key", otelutils.ToValidUTF8(key)),
				attribute.String("ratelimit.classification", p.Classification),
				attribute.Int("ratelimit.limit", p.MaxRequests),
				attribute.Int64("ratelimit.window_ms", p.Window.Milliseconds()),
			),
		)
		defer span.End()
	}

	storeCtx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	count, oldest, err := l.store.AddAndCount(storeCtx, key, now, p.Window)
	cancel()

	var decision Decision
	if err != nil {
		decision = l.degraded(ctx, key, err, p, now)
	} else {
		decision = decide(p, now, count, oldest)
	}

	if rootSpan.IsRecording() {
		span.SetAttributes(
			attribute.Bool("ratelimit.allowed", decision.Allowed),
			attribute.Int("ratelimit.remaining", decision.Remaining),
		)
	}

	l.recordMetrics(p.Classification, decision.Allowed, time.Since(start))

	return decision
}

// decide applies the sliding window log rule to the count returned by
// the store. The boundary is inclusive of the limit: the request that
// brings the window to exactly MaxRequests entries is admitted, the
// next one is the first rejection.
func decide(p policy.Policy, now time.Time, count, oldest int64) Decision {
	if count > int64(p.MaxRequests) {
		resetAt := time.UnixMilli(oldest).Add(p.Window)

		retryAfter := resetAt.Sub(now)
		// Round up to whole seconds; a caller told to wait zero
		// would retry into the same window.
		retryAfter = time.Duration(retryAfterSeconds(retryAfter)) * time.Second

		return Decision{
			Allowed:    false,
			Limit:      p.MaxRequests,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retryAfter,
		}
	}

	remaining := p.MaxRequests - int(count)
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

// retryAfterSeconds converts a wait duration to whole seconds,
// rounding up and clamping at zero.
func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}

	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}

	return secs
}

func (l *Limiter) recordMetrics(classification string, allowed bool, duration time.Duration) {
	allowedStr := strconv.FormatBool(allowed)

	l.requestsTotal.WithLabelValues(classification, allowedStr).Inc()
	l.checkDuration.WithLabelValues(allowedStr).Observe(duration.Seconds())
}
