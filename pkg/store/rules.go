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
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
)

type ruleRow struct {
	model.Rule
	ScopeRaw []byte `db:"scope"`
}

func (r *ruleRow) toRule() (*model.Rule, error) {
	rule := r.Rule
	if len(r.ScopeRaw) > 0 {
		if err := json.Unmarshal(r.ScopeRaw, &rule.Scope); err != nil {
			return nil, errors.Wrap(err, "decode rule scope")
		}
	}
	return &rule, nil
}

func rulesFromRows(rows []ruleRow) ([]model.Rule, error) {
	out := make([]model.Rule, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toRule()
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

// CreateRule inserts a rule stamped with its tenant.
func (s *Store) CreateRule(ctx context.Context, r *model.Rule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.clock.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	scope, err := json.Marshal(r.Scope)
	if err != nil {
		return errors.Wrap(err, "encode rule scope")
	}
	actions := r.Actions
	if len(actions) == 0 {
		actions = []byte(`[]`)
	}

	return s.run(ctx, "create_rule", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO rules (id, tenant_id, name, type, condition, actions, priority, enabled, cooldown_seconds, interval_seconds, scope, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
			r.ID, r.TenantID, r.Name, r.Type, r.Condition, actions, r.Priority, r.Enabled,
			r.CooldownSeconds, r.IntervalSeconds, scope, now)
		return errors.Wrap(err, "insert rule")
	})
}

// GetRule fetches a rule within the tenant.
func (s *Store) GetRule(ctx context.Context, tenantID, id string) (*model.Rule, error) {
	var row ruleRow
	err := s.run(ctx, "get_rule", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &row, `
			SELECT * FROM rules WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	})
	if err != nil {
		return nil, notFoundOr(err, "get rule")
	}
	return row.toRule()
}

// ListRules returns the tenant's rules.
func (s *Store) ListRules(ctx context.Context, tenantID string) ([]model.Rule, error) {
	var rows []ruleRow
	err := s.run(ctx, "list_rules", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.SelectContext(ctx, &rows, `
			SELECT * FROM rules WHERE tenant_id = $1 ORDER BY priority DESC, created_at`, tenantID)
	})
	if err != nil {
		return nil, errors.Wrap(err, "list rules")
	}
	return rulesFromRows(rows)
}

// ListEnabledRules returns every enabled rule across tenants, priority
// first. The periodic evaluator is the only caller.
func (s *Store) ListEnabledRules(ctx context.Context) ([]model.Rule, error) {
	var rows []ruleRow
	err := s.run(ctx, "list_enabled_rules", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.SelectContext(ctx, &rows, `
			SELECT * FROM rules WHERE enabled ORDER BY tenant_id, priority DESC`)
	})
	if err != nil {
		return nil, errors.Wrap(err, "list enabled rules")
	}
	return rulesFromRows(rows)
}

// ListEnabledRulesForTenant returns the tenant's enabled rules for reactive
// evaluation.
func (s *Store) ListEnabledRulesForTenant(ctx context.Context, tenantID string) ([]model.Rule, error) {
	var rows []ruleRow
	err := s.run(ctx, "list_enabled_rules_for_tenant", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.SelectContext(ctx, &rows, `
			SELECT * FROM rules WHERE tenant_id = $1 AND enabled ORDER BY priority DESC`, tenantID)
	})
	if err != nil {
		return nil, errors.Wrap(err, "list enabled rules for tenant")
	}
	return rulesFromRows(rows)
}

// UpdateRule persists mutable rule fields.
func (s *Store) UpdateRule(ctx context.Context, r *model.Rule) error {
	scope, err := json.Marshal(r.Scope)
	if err != nil {
		return errors.Wrap(err, "encode rule scope")
	}
	return s.run(ctx, "update_rule", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		res, err := s.db.ExecContext(ctx, `
			UPDATE rules SET name = $3, type = $4, condition = $5, actions = $6, priority = $7,
				enabled = $8, cooldown_seconds = $9, interval_seconds = $10, scope = $11, updated_at = $12
			WHERE tenant_id = $1 AND id = $2`,
			r.TenantID, r.ID, r.Name, r.Type, r.Condition, r.Actions, r.Priority,
			r.Enabled, r.CooldownSeconds, r.IntervalSeconds, scope, s.clock.Now().UTC())
		if err != nil {
			return errors.Wrap(err, "update rule")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return platform.ErrNotFound
		}
		return nil
	})
}

// DeleteRule removes a rule. Alerts referencing it keep their history with a
// nulled rule id.
func (s *Store) DeleteRule(ctx context.Context, tenantID, id string) error {
	return s.run(ctx, "delete_rule", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM rules WHERE tenant_id = $1 AND id = $2`, tenantID, id)
		if err != nil {
			return errors.Wrap(err, "delete rule")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return platform.ErrNotFound
		}
		return nil
	})
}

// MarkRuleEvaluated records the evaluation time used by the periodic
// scheduler to honor per-rule intervals.
func (s *Store) MarkRuleEvaluated(ctx context.Context, ruleID string, at time.Time) error {
	return s.run(ctx, "mark_rule_evaluated", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		_, err := s.db.ExecContext(ctx, `
			UPDATE rules SET last_evaluated_at = $2 WHERE id = $1`, ruleID, at.UTC())
		return errors.Wrap(err, "mark rule evaluated")
	})
}
