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

package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
)

// InsertTelemetryBatch writes a batch of normalized records idempotently.
// Duplicate (device_id, key, ts) rows at millisecond grain are dropped, not
// errors. The per-day telemetry cap is checked under a per-tenant advisory
// lock inside the same transaction, so two concurrent writers cannot both
// slip past the cap. Returns the number of rows actually inserted.
func (s *Store) InsertTelemetryBatch(ctx context.Context, tenantID string, cap *int64, points []model.TelemetryPoint) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}
	now := s.clock.Now().UTC()
	day := now.Format("2006-01-02")

	var inserted int64
	err := s.inTx(ctx, "insert_telemetry", func(ctx context.Context, tx *sqlx.Tx) error {
		inserted = 0
		// Short critical section serializing all telemetry writers of this
		// tenant. Released at transaction end.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tenantID); err != nil {
			return errors.Wrap(err, "acquire tenant write lock")
		}
		if cap != nil {
			var used int64
			err := tx.GetContext(ctx, &used, `
				SELECT COALESCE((SELECT count FROM telemetry_counters WHERE tenant_id = $1 AND day = $2), 0)`,
				tenantID, day)
			if err != nil {
				return errors.Wrap(err, "read telemetry counter")
			}
			if used+int64(len(points)) > *cap {
				return errors.Wrapf(platform.ErrQuotaExceeded, "daily telemetry cap %d reached", *cap)
			}
		}
		for i := range points {
			p := &points[i]
			res, err := tx.ExecContext(ctx, `
				INSERT INTO telemetry (tenant_id, device_id, key, numeric_value, string_value, unit, ts, ingested_at, quality, anomaly, source_protocol)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (device_id, key, ts) DO NOTHING`,
				tenantID, p.DeviceID, p.Key, p.NumericValue, p.StringValue, p.Unit,
				p.Timestamp.UTC().Truncate(time.Millisecond), now, p.Quality, p.Anomaly, p.SourceProtocol)
			if err != nil {
				return errors.Wrap(err, "insert telemetry point")
			}
			n, _ := res.RowsAffected()
			inserted += n
		}
		if inserted > 0 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO telemetry_counters (tenant_id, day, count) VALUES ($1, $2, $3)
				ON CONFLICT (tenant_id, day) DO UPDATE SET count = telemetry_counters.count + EXCLUDED.count`,
				tenantID, day, inserted); err != nil {
				return errors.Wrap(err, "bump telemetry counter")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// TelemetryWindow bounds a telemetry read, oldest first.
type TelemetryWindow struct {
	From time.Time
	To   time.Time
}

// TelemetryCursor pages through a telemetry window incrementally so callers
// can consume arbitrarily large windows without loading them at once.
type TelemetryCursor struct {
	s        *Store
	tenantID string
	deviceID string
	key      string
	window   TelemetryWindow
	afterID  int64
	afterTS  time.Time
	buf      []model.TelemetryPoint
	pos      int
	done     bool
}

const telemetryPageSize = 500

// FetchTelemetry returns a cursor over records in the window, ordered oldest
// first. key may be empty to fetch all keys of the device.
func (s *Store) FetchTelemetry(tenantID, deviceID, key string, w TelemetryWindow) *TelemetryCursor {
	return &TelemetryCursor{
		s:        s,
		tenantID: tenantID,
		deviceID: deviceID,
		key:      key,
		window:   w,
		afterTS:  w.From.Add(-time.Nanosecond),
	}
}

// Next returns the next record. ok is false once the window is exhausted.
func (c *TelemetryCursor) Next(ctx context.Context) (p model.TelemetryPoint, ok bool, err error) {
	if c.pos < len(c.buf) {
		p = c.buf[c.pos]
		c.pos++
		return p, true, nil
	}
	if c.done {
		return p, false, nil
	}
	q := `
		SELECT * FROM telemetry
		WHERE tenant_id = $1 AND device_id = $2 AND ts >= $3 AND ts <= $4
		  AND (ts, id) > ($5, $6)`
	args := []any{c.tenantID, c.deviceID, c.window.From.UTC(), c.window.To.UTC(), c.afterTS.UTC(), c.afterID}
	if c.key != "" {
		q += ` AND key = $7`
		args = append(args, c.key)
	}
	q += ` ORDER BY ts, id LIMIT 500`

	c.buf = c.buf[:0]
	err = c.s.run(ctx, "fetch_telemetry", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return c.s.db.SelectContext(ctx, &c.buf, q, args...)
	})
	if err != nil {
		return p, false, errors.Wrap(err, "fetch telemetry page")
	}
	if len(c.buf) == 0 {
		c.done = true
		return p, false, nil
	}
	if len(c.buf) < telemetryPageSize {
		c.done = true
	}
	last := c.buf[len(c.buf)-1]
	c.afterTS, c.afterID = last.Timestamp, last.ID
	c.pos = 1
	return c.buf[0], true, nil
}

// Aggregate names a server-side aggregation over numeric telemetry.
type Aggregate string

const (
	AggAvg        Aggregate = "avg"
	AggMin        Aggregate = "min"
	AggMax        Aggregate = "max"
	AggCount      Aggregate = "count"
	AggStddev     Aggregate = "stddev"
	AggPercentile Aggregate = "percentile"
)

// AggregateQuery describes one aggregate computation.
type AggregateQuery struct {
	TenantID   string
	DeviceID   string
	Key        string
	Aggregate  Aggregate
	Percentile float64 // only for AggPercentile, in (0,1]
	Window     TelemetryWindow
}

// QueryAggregate computes the aggregate server-side. samples is the number
// of numeric rows in the window; value is meaningless when samples is zero.
func (s *Store) QueryAggregate(ctx context.Context, q AggregateQuery) (value float64, samples int64, err error) {
	var expr string
	switch q.Aggregate {
	case AggAvg:
		expr = "avg(numeric_value)"
	case AggMin:
		expr = "min(numeric_value)"
	case AggMax:
		expr = "max(numeric_value)"
	case AggCount:
		expr = "count(numeric_value)"
	case AggStddev:
		expr = "COALESCE(stddev_samp(numeric_value), 0)"
	case AggPercentile:
		if q.Percentile <= 0 || q.Percentile > 1 {
			return 0, 0, errors.Wrap(platform.ErrValidation, "percentile must be in (0,1]")
		}
		expr = "percentile_cont($5) WITHIN GROUP (ORDER BY numeric_value)"
	default:
		return 0, 0, errors.Wrapf(platform.ErrValidation, "unknown aggregate %q", q.Aggregate)
	}

	row := struct {
		Value   *float64 `db:"value"`
		Samples int64    `db:"samples"`
	}{}
	query := `
		SELECT ` + expr + ` AS value, count(numeric_value) AS samples
		FROM telemetry
		WHERE tenant_id = $1 AND device_id = $2 AND key = $3 AND ts >= $4 AND ts <= $5 AND numeric_value IS NOT NULL`
	args := []any{q.TenantID, q.DeviceID, q.Key, q.Window.From.UTC(), q.Window.To.UTC()}
	if q.Aggregate == AggPercentile {
		query = `
		SELECT percentile_cont($6) WITHIN GROUP (ORDER BY numeric_value) AS value, count(numeric_value) AS samples
		FROM telemetry
		WHERE tenant_id = $1 AND device_id = $2 AND key = $3 AND ts >= $4 AND ts <= $5 AND numeric_value IS NOT NULL`
		args = append(args, q.Percentile)
	}

	err = s.run(ctx, "query_aggregate", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, aggregateTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &row, query, args...)
	})
	if err != nil {
		return 0, 0, errors.Wrap(err, "query aggregate")
	}
	if row.Value != nil {
		value = *row.Value
	}
	return value, row.Samples, nil
}

// LatestPoint returns the most recent reading of key on the device, or
// ErrNotFound when no row exists.
func (s *Store) LatestPoint(ctx context.Context, tenantID, deviceID, key string) (*model.TelemetryPoint, error) {
	var p model.TelemetryPoint
	err := s.run(ctx, "latest_point", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &p, `
			SELECT * FROM telemetry
			WHERE tenant_id = $1 AND device_id = $2 AND key = $3
			ORDER BY ts DESC LIMIT 1`, tenantID, deviceID, key)
	})
	if err != nil {
		return nil, notFoundOr(err, "latest point")
	}
	return &p, nil
}

// RecentPoints returns up to limit latest readings of a device across keys,
// newest first. The OPC UA mirror task uses this.
func (s *Store) RecentPoints(ctx context.Context, tenantID, deviceID string, limit int) ([]model.TelemetryPoint, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []model.TelemetryPoint
	err := s.run(ctx, "recent_points", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.SelectContext(ctx, &out, `
			SELECT DISTINCT ON (key) * FROM telemetry
			WHERE tenant_id = $1 AND device_id = $2
			ORDER BY key, ts DESC LIMIT $3`, tenantID, deviceID, limit)
	})
	if err != nil {
		return nil, errors.Wrap(err, "recent points")
	}
	return out, nil
}
