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
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateTenant inserts a new tenant. A duplicate slug yields ErrConflict.
func (s *Store) CreateTenant(ctx context.Context, t *model.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.clock.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	return s.run(ctx, "create_tenant", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tenants (id, slug, name, tier, max_devices, max_users, max_telemetry_per_day, max_retention_days, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
			t.ID, t.Slug, t.Name, t.Tier, t.MaxDevices, t.MaxUsers, t.MaxTelemetryPerDay, t.MaxRetentionDays, now)
		if isUniqueViolation(err) {
			return errors.Wrap(platform.ErrConflict, "tenant slug already exists")
		}
		return errors.Wrap(err, "insert tenant")
	})
}

// GetTenant fetches a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	var t model.Tenant
	err := s.run(ctx, "get_tenant", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &t, `SELECT * FROM tenants WHERE id = $1`, id)
	})
	if err != nil {
		return nil, notFoundOr(err, "get tenant")
	}
	return &t, nil
}

// GetTenantBySlug fetches a tenant by its URL-safe slug.
func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (*model.Tenant, error) {
	var t model.Tenant
	err := s.run(ctx, "get_tenant_by_slug", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &t, `SELECT * FROM tenants WHERE slug = $1`, slug)
	})
	if err != nil {
		return nil, notFoundOr(err, "get tenant by slug")
	}
	return &t, nil
}

// TenantFilter narrows ListTenants. Zero values mean no filtering.
type TenantFilter struct {
	Tier   model.Tier
	Search string // substring match on name or slug
	Limit  int
	Offset int
}

// ListTenants returns tenants matching the filter, newest first. System-admin
// surface only; callers enforce authorization.
func (s *Store) ListTenants(ctx context.Context, f TenantFilter) ([]model.Tenant, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	q := `SELECT * FROM tenants WHERE 1=1`
	args := []any{}
	if f.Tier != "" {
		args = append(args, f.Tier)
		q += ` AND tier = $` + strconv.Itoa(len(args))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := strconv.Itoa(len(args))
		q += ` AND (name ILIKE $` + n + ` OR slug ILIKE $` + n + `)`
	}
	args = append(args, f.Limit)
	q += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))
	args = append(args, f.Offset)
	q += ` OFFSET $` + strconv.Itoa(len(args))

	var out []model.Tenant
	err := s.run(ctx, "list_tenants", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.SelectContext(ctx, &out, q, args...)
	})
	if err != nil {
		return nil, errors.Wrap(err, "list tenants")
	}
	return out, nil
}

// UpdateTenant persists mutable tenant fields.
func (s *Store) UpdateTenant(ctx context.Context, t *model.Tenant) error {
	return s.run(ctx, "update_tenant", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		res, err := s.db.ExecContext(ctx, `
			UPDATE tenants SET name = $2, tier = $3, max_devices = $4, max_users = $5,
				max_telemetry_per_day = $6, max_retention_days = $7, updated_at = $8
			WHERE id = $1`,
			t.ID, t.Name, t.Tier, t.MaxDevices, t.MaxUsers, t.MaxTelemetryPerDay, t.MaxRetentionDays, s.clock.Now().UTC())
		if err != nil {
			return errors.Wrap(err, "update tenant")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return platform.ErrNotFound
		}
		return nil
	})
}

// DeleteTenant removes a tenant; all tenant-scoped rows cascade.
func (s *Store) DeleteTenant(ctx context.Context, id string) error {
	return s.run(ctx, "delete_tenant", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		res, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
		if err != nil {
			return errors.Wrap(err, "delete tenant")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return platform.ErrNotFound
		}
		return nil
	})
}

// TenantStats is the live usage summary of one tenant.
type TenantStats struct {
	DeviceCount    int64 `db:"device_count" json:"device_count"`
	UserCount      int64 `db:"user_count" json:"user_count"`
	RuleCount      int64 `db:"rule_count" json:"rule_count"`
	AlertCount     int64 `db:"alert_count" json:"alert_count"`
	TelemetryToday int64 `db:"telemetry_today" json:"telemetry_today"`
}

// GetTenantStats computes device/user/rule/alert counts and today's
// telemetry volume for the tenant.
func (s *Store) GetTenantStats(ctx context.Context, tenantID string) (*TenantStats, error) {
	var st TenantStats
	err := s.run(ctx, "tenant_stats", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, aggregateTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &st, `
			SELECT
				(SELECT count(*) FROM devices WHERE tenant_id = $1)      AS device_count,
				(SELECT count(*) FROM tenant_users WHERE tenant_id = $1) AS user_count,
				(SELECT count(*) FROM rules WHERE tenant_id = $1)        AS rule_count,
				(SELECT count(*) FROM alerts WHERE tenant_id = $1)       AS alert_count,
				COALESCE((SELECT count FROM telemetry_counters WHERE tenant_id = $1 AND day = $2), 0) AS telemetry_today`,
			tenantID, s.clock.Now().UTC().Format("2006-01-02"))
	})
	if err != nil {
		return nil, errors.Wrap(err, "tenant stats")
	}
	return &st, nil
}
