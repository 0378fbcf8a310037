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

// Package redisstore implements the counter store over a Redis sorted
// set per key, with member scores holding request timestamps in epoch
// milliseconds. Prune, insert, expiry refresh, and count run inside
// one Lua script, so concurrent requests for the same identity are
// serialized by the Redis command loop and never observe a stale
// count.
package redisstore

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/throttle/internal/otelutils"
	"go.gearno.de/throttle/internal/version"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Store during
	// initialization.
	Option func(s *Store)

	// Config carries the connection parameters for the Redis
	// backend.
	Config struct {
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       int    `json:"db"`
		PoolSize int    `json:"pool-size"`
	}

	// Store counts requests in Redis sorted sets.
	Store struct {
		client *redis.Client

		logger *log.Logger
		tracer trace.Tracer

		opsTotal   *prometheus.CounterVec
		opDuration prometheus.Histogram
	}
)

var _ ratelimit.Store = (*Store)(nil)

const (
	tracerName = "go.gearno.de/throttle/redisstore"

	keyPrefix = "throttle:"
)

// addAndCountScript removes entries older than the window, records
// the new request, refreshes the key TTL, and returns the resulting
// cardinality together with the oldest surviving score. KEYS[1] is
// the window key; ARGV[1] the current time in epoch ms, ARGV[2] the
// window in ms, ARGV[3] a unique member for this request.
var addAndCountScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (now - window))
redis.call('ZADD', key, now, ARGV[3])
redis.call('PEXPIRE', key, window)

local count = redis.call('ZCARD', key)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')

return {count, oldest[2]}
`)

// WithLogger sets a custom logger for the store.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.logger = l.Named("redisstore")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Store) {
		s.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *Store) {
		s.registerMetrics(r)
	}
}

// New creates a Redis-backed counter store and verifies connectivity
// with a bounded ping.
func New(cfg Config, options ...Option) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	s := &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: cfg.PoolSize,
		}),
		logger: log.NewLogger(log.WithOutput(io.Discard)),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
	}

	s.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cannot ping redis at %q: %w", cfg.Addr, err)
	}

	return s, nil
}

func (s *Store) registerMetrics(r prometheus.Registerer) {
	s.opsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "redisstore",
			Name:      "operations_total",
			Help:      "Total number of counter store operations.",
		},
		[]string{"status"},
	)
	if err := r.Register(s.opsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			s.opsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	s.opDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: "redisstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of counter store operations in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	if err := r.Register(s.opDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			s.opDuration = are.ExistingCollector.(prometheus.Histogram)
		}
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// AddAndCount implements ratelimit.Store. Any transport or backend
// error is wrapped with ratelimit.ErrStoreUnavailable so the limiter
// can branch into its degradation path with errors.Is.
func (s *Store) AddAndCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, int64, error) {
	start := time.Now()

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = s.tracer.Start(
			ctx,
			"redisstore.AddAndCount",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("db.system", "redis"),
				attribute.Int64("ratelimit.window_ms", window.Milliseconds()),
			),
		)
		defer span.End()
	}

	count, oldest, err := s.runScript(ctx, key, now, window)

	s.opDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.opsTotal.WithLabelValues("error").Inc()
		if rootSpan.IsRecording() {
			span.RecordError(otelutils.SanitizeError(err))
		}

		return 0, 0, fmt.Errorf("%w: %v", ratelimit.ErrStoreUnavailable, err)
	}
	s.opsTotal.WithLabelValues("ok").Inc()

	return count, oldest, nil
}

func (s *Store) runScript(ctx context.Context, key string, now time.Time, window time.Duration) (int64, int64, error) {
	nowMs := now.UnixMilli()

	result, err := addAndCountScript.Run(
		ctx,
		s.client,
		[]string{keyPrefix + key},
		nowMs,
		window.Milliseconds(),
		member(now),
	).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := result.([]any)
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply %v", result)
	}

	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected count reply %v", values[0])
	}

	oldestStr, ok := values[1].(string)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected oldest score reply %v", values[1])
	}

	// Scores are written as integer milliseconds, but Redis hands
	// them back through Lua as floating point strings.
	oldestFloat, err := strconv.ParseFloat(oldestStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("cannot parse oldest score %q: %v", oldestStr, err)
	}

	return count, int64(oldestFloat), nil
}

// member builds a unique sorted set member for one request. Two
// requests landing in the same millisecond must not collapse into one
// entry, so the timestamp alone is not enough.
func member(now time.Time) string {
	id, err := uuid.NewV7()
	if err != nil {
		return strconv.FormatInt(now.UnixNano(), 10)
	}

	return id.String()
}
