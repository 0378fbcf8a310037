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

// Package pgstore implements the counter store on PostgreSQL for
// deployments that already run a database and do not want a Redis
// dependency. Request timestamps live in an UNLOGGED table; each
// check runs prune, insert, and count inside one transaction
// serialized per key by an advisory lock, which gives the same
// atomicity the Redis script provides.
package pgstore

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/ratelimit"
)

type (
	// Option is a function that configures the Store during
	// initialization.
	Option func(s *Store)

	// Store counts requests in an UNLOGGED PostgreSQL table.
	// UNLOGGED skips the WAL; the data is ephemeral by nature and
	// losing it on a crash only resets in-flight windows.
	Store struct {
		pool   *pgxpool.Pool
		logger *log.Logger

		cleanupInterval time.Duration
		cleanupMaxAge   time.Duration
		cleanupOnce     sync.Once
	}
)

var _ ratelimit.Store = (*Store)(nil)

// WithLogger sets a custom logger for the store.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.logger = l.Named("pgstore")
	}
}

// WithCleanupInterval sets the interval for background removal of
// expired rows. Default is 5 minutes.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) {
		s.cleanupInterval = d
	}
}

// WithCleanupMaxAge sets how old a row must be before the background
// cleanup removes it. It must be at least the largest configured
// policy window. Default is one hour.
func WithCleanupMaxAge(d time.Duration) Option {
	return func(s *Store) {
		s.cleanupMaxAge = d
	}
}

// New creates a PostgreSQL-backed counter store, verifying
// connectivity and creating the events table when missing.
func New(ctx context.Context, dsn string, options ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot create connection pool: %w", err)
	}

	s := &Store{
		pool:            pool,
		logger:          log.NewLogger(log.WithOutput(io.Discard)),
		cleanupInterval: 5 * time.Minute,
		cleanupMaxAge:   time.Hour,
	}

	for _, o := range options {
		o(s)
	}

	if err := s.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot ensure rate_limit_events table: %w", err)
	}

	return s, nil
}

func (s *Store) ensureTable(ctx context.Context) error {
	q := `
CREATE UNLOGGED TABLE IF NOT EXISTS rate_limit_events (
    key  TEXT NOT NULL,
    ts   BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rate_limit_events_key_ts
ON rate_limit_events (key, ts);
`
	_, err := s.pool.Exec(ctx, q)
	return err
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// AddAndCount implements ratelimit.Store. The per-key advisory lock
// serializes concurrent checks for one identity; checks for distinct
// identities only share the connection pool.
func (s *Store) AddAndCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, int64, error) {
	var (
		nowMs  = now.UnixMilli()
		cutoff = nowMs - window.Milliseconds()

		count  int64
		oldest int64
	)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM rate_limit_events WHERE key = $1 AND ts < $2`, key, cutoff); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `INSERT INTO rate_limit_events (key, ts) VALUES ($1, $2)`, key, nowMs); err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `SELECT count(*), min(ts) FROM rate_limit_events WHERE key = $1`, key)
		return row.Scan(&count, &oldest)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ratelimit.ErrStoreUnavailable, err)
	}

	return count, oldest, nil
}

// Cleanup removes rows older than the given age. Expired rows are
// already invisible to AddAndCount; this only reclaims storage for
// abandoned keys that stopped receiving traffic.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()

	tag, err := s.pool.Exec(ctx, `DELETE FROM rate_limit_events WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cannot cleanup rate limit events: %w", err)
	}

	return tag.RowsAffected(), nil
}

// StartCleanup starts a background goroutine that periodically
// removes expired rows. The goroutine stops when ctx is cancelled.
// Safe to call multiple times; only the first call starts it.
func (s *Store) StartCleanup(ctx context.Context) {
	s.cleanupOnce.Do(func() {
		go s.runCleanupLoop(ctx)
	})
}

func (s *Store) runCleanupLoop(ctx context.Context) {
	s.logger.InfoCtx(ctx, "starting rate limit cleanup loop",
		log.Duration("interval", s.cleanupInterval),
	)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoCtx(ctx, "stopping rate limit cleanup loop")
			return
		case <-ticker.C:
			rows, err := s.Cleanup(ctx, s.cleanupMaxAge)
			if err != nil {
				s.logger.ErrorCtx(ctx, "rate limit cleanup failed", log.Error(err))
				continue
			}

			s.logger.DebugCtx(ctx, "rate limit cleanup completed",
				log.Int64("rows_deleted", rows),
			)
		}
	}
}
