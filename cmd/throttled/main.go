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

// Command throttled runs a standalone rate limiting reverse guard: an
// HTTP server that classifies requests by path, enforces per-identity
// sliding window quotas against a shared store, and answers 429 when a
// quota is exhausted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/throttle/httpserver"
	"go.gearno.de/throttle/internal/version"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/memstore"
	"go.gearno.de/throttle/pgstore"
	"go.gearno.de/throttle/policy"
	"go.gearno.de/throttle/ratelimit"
	"go.gearno.de/throttle/redisstore"
	"go.gearno.de/throttle/unit"
	"go.opentelemetry.io/otel/trace"
)

type (
	service struct {
		config *configuration
	}

	configuration struct {
		Addr  string      `json:"addr"`
		Store storeConfig `json:"store"`

		FailMode     string  `json:"fail-mode"`
		FallbackRPS  float64 `json:"fallback-rps"`
		StoreTimeout int     `json:"store-timeout-ms"`

		Policies []policy.Policy `json:"policies"`
		Routes   []policy.Route  `json:"routes"`
	}

	storeConfig struct {
		Kind     string            `json:"kind"`
		Redis    redisstore.Config `json:"redis"`
		Postgres string            `json:"postgres"`
	}
)

func main() {
	// A missing .env file is fine; the environment may already be
	// populated by the deployment.
	_ = godotenv.Load()

	svc := &service{
		config: &configuration{
			Addr: ":8080",
			Store: storeConfig{
				Kind: "memory",
				Redis: redisstore.Config{
					Addr: "localhost:6379",
				},
			},
			FailMode:     "open",
			StoreTimeout: 50,
		},
	}

	u := unit.NewUnit("throttled", version.New(0).Alpha(1), envOr("THROTTLE_ENV", "production"), svc)
	if err := u.Run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (s *service) GetConfiguration() any {
	return s.config
}

func (s *service) Run(ctx context.Context, logger *log.Logger, registerer prometheus.Registerer, tp trace.TracerProvider) error {
	s.applyEnvOverrides()

	policies := s.config.Policies
	if len(policies) == 0 {
		policies = policy.DefaultPolicies()
	}

	registry, err := policy.NewRegistry(policies...)
	if err != nil {
		return fmt.Errorf("cannot build policy registry: %w", err)
	}

	routes := s.config.Routes
	if len(routes) == 0 {
		routes = policy.DefaultRoutes()
	}
	classifier := policy.NewClassifier(routes...)

	store, closeStore, err := s.openStore(ctx, logger, registerer, tp)
	if err != nil {
		return fmt.Errorf("cannot open %q counter store: %w", s.config.Store.Kind, err)
	}
	defer closeStore()

	limiterOptions := []ratelimit.Option{
		ratelimit.WithLogger(logger),
		ratelimit.WithTracerProvider(tp),
		ratelimit.WithRegisterer(registerer),
		ratelimit.WithStoreTimeout(time.Duration(s.config.StoreTimeout) * time.Millisecond),
	}

	if s.config.FailMode == "closed" {
		limiterOptions = append(limiterOptions, ratelimit.WithFailMode(ratelimit.FailClosed))
	}

	if s.config.FallbackRPS > 0 {
		burst := int(s.config.FallbackRPS)
		if burst < 1 {
			burst = 1
		}
		limiterOptions = append(limiterOptions, ratelimit.WithDegradedFallback(s.config.FallbackRPS, burst))
	}

	limiter := ratelimit.NewLimiter(registry, store, limiterOptions...)

	router := chi.NewRouter()
	router.Handle("/api/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpserver.RenderJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))

	guarded := httpserver.RateLimit(
		limiter,
		classifier,
		httpserver.WithUserIDFunc(func(r *http.Request) string {
			return r.Header.Get("x-user-id")
		}),
	)(router)

	server := httpserver.NewServer(
		s.config.Addr,
		guarded,
		httpserver.WithLogger(logger),
		httpserver.WithTracerProvider(tp),
		httpserver.WithRegisterer(registerer),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		logger.InfoCtx(ctx, "starting http server", log.String("addr", s.config.Addr))

		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("cannot serve http requests: %w", err)
		}
		close(serverErrCh)
	}()

	select {
	case err := <-serverErrCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown http server: %w", err)
	}

	return nil
}

// openStore builds the configured counter store and returns it with
// its teardown function.
func (s *service) openStore(
	ctx context.Context,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tp trace.TracerProvider,
) (ratelimit.Store, func(), error) {
	switch s.config.Store.Kind {
	case "redis":
		store, err := redisstore.New(
			s.config.Store.Redis,
			redisstore.WithLogger(logger),
			redisstore.WithTracerProvider(tp),
			redisstore.WithRegisterer(registerer),
		)
		if err != nil {
			return nil, nil, err
		}

		return store, func() { _ = store.Close() }, nil

	case "postgres":
		store, err := pgstore.New(ctx, s.config.Store.Postgres, pgstore.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		store.StartCleanup(ctx)

		return store, store.Close, nil

	case "memory":
		store := memstore.New()
		store.StartCleanup(ctx)

		return store, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", s.config.Store.Kind)
	}
}

// applyEnvOverrides lets the deployment override the most operational
// settings without editing the config file.
func (s *service) applyEnvOverrides() {
	if v := os.Getenv("THROTTLE_ADDR"); v != "" {
		s.config.Addr = v
	}

	if v := os.Getenv("THROTTLE_STORE"); v != "" {
		s.config.Store.Kind = v
	}

	if v := os.Getenv("THROTTLE_FAIL_MODE"); v != "" {
		s.config.FailMode = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		s.config.Store.Redis.Addr = v
	}

	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		s.config.Store.Redis.Password = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		s.config.Store.Postgres = v
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}
