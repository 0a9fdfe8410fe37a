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
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
)

type policyRow struct {
	model.EscalationPolicy
	TiersRaw      []byte `db:"tiers"`
	SeveritiesRaw []byte `db:"severities"`
}

func (r *policyRow) toPolicy() (*model.EscalationPolicy, error) {
	p := r.EscalationPolicy
	if err := json.Unmarshal(r.TiersRaw, &p.Tiers); err != nil {
		return nil, errors.Wrap(err, "decode policy tiers")
	}
	if err := json.Unmarshal(r.SeveritiesRaw, &p.Severities); err != nil {
		return nil, errors.Wrap(err, "decode policy severities")
	}
	return &p, nil
}

// CreateEscalationPolicy inserts a policy with its ordered tier list.
func (s *Store) CreateEscalationPolicy(ctx context.Context, p *model.EscalationPolicy) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = s.clock.Now().UTC()
	tiers, err := json.Marshal(p.Tiers)
	if err != nil {
		return errors.Wrap(err, "encode policy tiers")
	}
	sevs, err := json.Marshal(p.Severities)
	if err != nil {
		return errors.Wrap(err, "encode policy severities")
	}
	return s.run(ctx, "create_escalation_policy", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO escalation_policies (id, tenant_id, name, tiers, severities, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			p.ID, p.TenantID, p.Name, tiers, sevs, p.CreatedAt)
		return errors.Wrap(err, "insert escalation policy")
	})
}

// GetEscalationPolicy fetches a policy within the tenant.
func (s *Store) GetEscalationPolicy(ctx context.Context, tenantID, id string) (*model.EscalationPolicy, error) {
	var row policyRow
	err := s.run(ctx, "get_escalation_policy", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &row, `
			SELECT * FROM escalation_policies WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	})
	if err != nil {
		return nil, notFoundOr(err, "get escalation policy")
	}
	return row.toPolicy()
}

// ListEscalationPolicies returns the tenant's policies.
func (s *Store) ListEscalationPolicies(ctx context.Context, tenantID string) ([]model.EscalationPolicy, error) {
	var rows []policyRow
	err := s.run(ctx, "list_escalation_policies", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.SelectContext(ctx, &rows, `
			SELECT * FROM escalation_policies WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	})
	if err != nil {
		return nil, errors.Wrap(err, "list escalation policies")
	}
	out := make([]model.EscalationPolicy, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toPolicy()
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// FindPolicyForSeverity returns the first policy of the tenant whose
// severity filter matches, or ErrNotFound.
func (s *Store) FindPolicyForSeverity(ctx context.Context, tenantID string, sev model.Severity) (*model.EscalationPolicy, error) {
	policies, err := s.ListEscalationPolicies(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for i := range policies {
		for _, ps := range policies[i].Severities {
			if ps == sev {
				return &policies[i], nil
			}
		}
	}
	return nil, platform.ErrNotFound
}

// UpdateEscalationPolicy persists mutable policy fields.
func (s *Store) UpdateEscalationPolicy(ctx context.Context, p *model.EscalationPolicy) error {
	tiers, err := json.Marshal(p.Tiers)
	if err != nil {
		return errors.Wrap(err, "encode policy tiers")
	}
	sevs, err := json.Marshal(p.Severities)
	if err != nil {
		return errors.Wrap(err, "encode policy severities")
	}
	return s.run(ctx, "update_escalation_policy", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		res, err := s.db.ExecContext(ctx, `
			UPDATE escalation_policies SET name = $3, tiers = $4, severities = $5
			WHERE tenant_id = $1 AND id = $2`, p.TenantID, p.ID, p.Name, tiers, sevs)
		if err != nil {
			return errors.Wrap(err, "update escalation policy")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return platform.ErrNotFound
		}
		return nil
	})
}

// DeleteEscalationPolicy removes a policy; alerts keep a nulled reference.
func (s *Store) DeleteEscalationPolicy(ctx context.Context, tenantID, id string) error {
	return s.run(ctx, "delete_escalation_policy", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM escalation_policies WHERE tenant_id = $1 AND id = $2`, tenantID, id)
		if err != nil {
			return errors.Wrap(err, "delete escalation policy")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return platform.ErrNotFound
		}
		return nil
	})
}

type scheduleRow struct {
	model.OnCallSchedule
	RotationRaw  []byte `db:"rotation"`
	OverridesRaw []byte `db:"overrides"`
}

func (r *scheduleRow) toSchedule() (*model.OnCallSchedule, error) {
	sc := r.OnCallSchedule
	if err := json.Unmarshal(r.RotationRaw, &sc.Rotation); err != nil {
		return nil, errors.Wrap(err, "decode rotation")
	}
	if len(r.OverridesRaw) > 0 {
		if err := json.Unmarshal(r.OverridesRaw, &sc.Overrides); err != nil {
			return nil, errors.Wrap(err, "decode overrides")
		}
	}
	return &sc, nil
}

// CreateOnCallSchedule inserts a schedule.
func (s *Store) CreateOnCallSchedule(ctx context.Context, sc *model.OnCallSchedule) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.Timezone == "" {
		sc.Timezone = "UTC"
	}
	sc.CreatedAt = s.clock.Now().UTC()
	rotation, err := json.Marshal(sc.Rotation)
	if err != nil {
		return errors.Wrap(err, "encode rotation")
	}
	overrides, err := json.Marshal(sc.Overrides)
	if err != nil {
		return errors.Wrap(err, "encode overrides")
	}
	if sc.Overrides == nil {
		overrides = []byte(`{}`)
	}
	return s.run(ctx, "create_oncall_schedule", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO oncall_schedules (id, tenant_id, name, rotation, overrides, timezone, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sc.ID, sc.TenantID, sc.Name, rotation, overrides, sc.Timezone, sc.CreatedAt)
		return errors.Wrap(err, "insert oncall schedule")
	})
}

// GetOnCallSchedule fetches a schedule within the tenant.
func (s *Store) GetOnCallSchedule(ctx context.Context, tenantID, id string) (*model.OnCallSchedule, error) {
	var row scheduleRow
	err := s.run(ctx, "get_oncall_schedule", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &row, `
			SELECT * FROM oncall_schedules WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	})
	if err != nil {
		return nil, notFoundOr(err, "get oncall schedule")
	}
	return row.toSchedule()
}

// ListOnCallSchedules returns the tenant's schedules.
func (s *Store) ListOnCallSchedules(ctx context.Context, tenantID string) ([]model.OnCallSchedule, error) {
	var rows []scheduleRow
	err := s.run(ctx, "list_oncall_schedules", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.SelectContext(ctx, &rows, `
			SELECT * FROM oncall_schedules WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	})
	if err != nil {
		return nil, errors.Wrap(err, "list oncall schedules")
	}
	out := make([]model.OnCallSchedule, 0, len(rows))
	for i := range rows {
		sc, err := rows[i].toSchedule()
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, nil
}

// UpdateOnCallSchedule persists mutable schedule fields.
func (s *Store) UpdateOnCallSchedule(ctx context.Context, sc *model.OnCallSchedule) error {
	rotation, err := json.Marshal(sc.Rotation)
	if err != nil {
		return errors.Wrap(err, "encode rotation")
	}
	overrides, err := json.Marshal(sc.Overrides)
	if err != nil {
		return errors.Wrap(err, "encode overrides")
	}
	if sc.Overrides == nil {
		overrides = []byte(`{}`)
	}
	return s.run(ctx, "update_oncall_schedule", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		res, err := s.db.ExecContext(ctx, `
			UPDATE oncall_schedules SET name = $3, rotation = $4, overrides = $5, timezone = $6
			WHERE tenant_id = $1 AND id = $2`,
			sc.TenantID, sc.ID, sc.Name, rotation, overrides, sc.Timezone)
		if err != nil {
			return errors.Wrap(err, "update oncall schedule")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return platform.ErrNotFound
		}
		return nil
	})
}

// DeleteOnCallSchedule removes a schedule.
func (s *Store) DeleteOnCallSchedule(ctx context.Context, tenantID, id string) error {
	return s.run(ctx, "delete_oncall_schedule", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM oncall_schedules WHERE tenant_id = $1 AND id = $2`, tenantID, id)
		if err != nil {
			return errors.Wrap(err, "delete oncall schedule")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return platform.ErrNotFound
		}
		return nil
	})
}
