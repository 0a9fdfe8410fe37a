// Copyright 2025 INSA Automation Corp
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store provides transactional, tenant-stamped storage on top of
// PostgreSQL. Every accessor takes the tenant id explicitly; no query ever
// returns cross-tenant rows to higher layers.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"k8s.io/utils/clock"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	queryRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iiot_store_query_retries_total",
		Help: "Number of store operations retried after a transient error.",
	})
	queryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iiot_store_query_failures_total",
		Help: "Number of store operations that exhausted their retry budget.",
	})
	breakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "iiot_store_breaker_open",
		Help: "Whether the storage circuit breaker is currently open.",
	})
)

const (
	// Statement deadline for regular queries.
	stmtTimeout = 5 * time.Second
	// Aggregate queries get an explicit longer allowance.
	aggregateTimeout = 30 * time.Second

	retryInitialInterval = 100 * time.Millisecond
	retryMultiplier      = 4
	retryMaxAttempts     = 3
)

// Store is the persistence layer. Safe for concurrent use.
type Store struct {
	db      *sqlx.DB
	logger  log.Logger
	clock   clock.Clock
	breaker *gobreaker.CircuitBreaker
}

// Open connects to the database and registers store metrics.
func Open(logger log.Logger, reg prometheus.Registerer, dsn string) (*Store, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(queryRetries, queryFailures, breakerState)
	}

	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{
		db:     db,
		logger: logger,
		clock:  clock.RealClock{},
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "storage",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				breakerState.Set(1)
			} else {
				breakerState.Set(0)
			}
			_ = level.Warn(logger).Log("msg", "storage breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return s, nil
}

// NewWithDB wraps an existing connection; used by tests with sqlmock.
func NewWithDB(logger log.Logger, db *sql.DB, driverName string, c clock.Clock) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if c == nil {
		c = clock.RealClock{}
	}
	s := &Store{
		db:     sqlx.NewDb(db, driverName),
		logger: logger,
		clock:  c,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "storage"})
	return s
}

// Migrate applies all pending forward-only migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "set goose dialect")
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Healthy reports whether the storage breaker admits new work. The ingestion
// pipeline pauses adapters while this is false.
func (s *Store) Healthy() bool {
	return s.breaker.State() != gobreaker.StateOpen
}

func (s *Store) Close() error {
	return s.db.Close()
}

// transient reports whether err is worth retrying.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions. Class 57: operator intervention
		// (admin shutdown, crash shutdown).
		cls := pgErr.Code[:2]
		return cls == "08" || cls == "57"
	}
	return pgconn.SafeToRetry(err)
}

// run executes fn through the breaker with capped exponential backoff on
// transient errors. After the retry budget is exhausted the caller sees
// platform.ErrStorageUnavailable.
func (s *Store) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := s.breaker.Execute(func() (any, error) {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = retryInitialInterval
		bo.Multiplier = retryMultiplier
		bo.RandomizationFactor = 0

		attempt := 0
		return nil, backoff.Retry(func() error {
			attempt++
			err := fn(ctx)
			if err == nil {
				return nil
			}
			if !transient(err) {
				return backoff.Permanent(err)
			}
			if attempt >= retryMaxAttempts {
				return backoff.Permanent(errors.Wrap(platform.ErrStorageUnavailable, err.Error()))
			}
			queryRetries.Inc()
			_ = level.Debug(s.logger).Log("msg", "retrying store operation", "op", op, "attempt", attempt, "err", err)
			return err
		}, backoff.WithContext(bo, ctx))
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return platform.ErrStorageUnavailable
		}
		if errors.Is(err, platform.ErrStorageUnavailable) {
			queryFailures.Inc()
		}
		return err
	}
	return nil
}

// inTx runs fn inside a transaction with the default statement deadline.
func (s *Store) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	return s.run(ctx, op, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin transaction")
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return errors.Wrap(tx.Commit(), "commit transaction")
	})
}

// notFoundOr maps sql.ErrNoRows to the taxonomy not-found error.
func notFoundOr(err error, wrap string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return platform.ErrNotFound
	}
	return errors.Wrap(err, wrap)
}
