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
	"database/sql"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
)

type alertRow struct {
	model.Alert
	MetadataRaw []byte `db:"metadata"`
}

func (r *alertRow) toAlert() (*model.Alert, error) {
	a := r.Alert
	if len(r.MetadataRaw) > 0 {
		if err := json.Unmarshal(r.MetadataRaw, &a.Metadata); err != nil {
			return nil, errors.Wrap(err, "decode alert metadata")
		}
	}
	return &a, nil
}

// CreateAlertResult reports how an alert candidate landed.
type CreateAlertResult struct {
	Alert *model.Alert
	// Grouped is true when the alert was folded into an existing active
	// group; only ungrouped (representative) alerts drive escalation.
	Grouped bool
	GroupID string
}

// CreateAlert atomically inserts an alert, its initial `new` state row, its
// SLA row and performs group upsert: an active group with the same key whose
// last occurrence is within groupWindow absorbs the alert, otherwise the
// alert becomes the representative of a fresh group. sourceKey
// disambiguates externally-created alerts without a rule.
func (s *Store) CreateAlert(ctx context.Context, a *model.Alert, sourceKey *string, groupWindow time.Duration) (*CreateAlertResult, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.DuplicateCount == 0 {
		a.DuplicateCount = 1
	}
	now := s.clock.Now().UTC()
	a.CreatedAt = now
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return nil, errors.Wrap(err, "encode alert metadata")
	}
	if a.Metadata == nil {
		meta = []byte(`{}`)
	}

	res := &CreateAlertResult{Alert: a}
	err = s.inTx(ctx, "create_alert", func(ctx context.Context, tx *sqlx.Tx) error {
		// Serialize group upsert per key via the partial unique index plus a
		// lock on the existing group row.
		var g model.AlertGroup
		err := tx.GetContext(ctx, &g, `
			SELECT * FROM alert_groups
			WHERE tenant_id = $1 AND device_id = $2
			  AND COALESCE(rule_id::text, '') = COALESCE($3, '')
			  AND COALESCE(source_key, '') = COALESCE($4, '')
			  AND severity = $5 AND status = 'active'
			FOR UPDATE`,
			a.TenantID, a.DeviceID, a.RuleID, sourceKey, a.Severity)
		switch {
		case err == nil && now.Sub(g.LastOccurrenceAt) <= groupWindow:
			res.Grouped = true
			res.GroupID = g.ID
			a.GroupedAlertID = &g.RepresentativeAlertID
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return errors.Wrap(err, "lookup alert group")
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO alerts (id, tenant_id, device_id, rule_id, severity, message, metadata, escalation_policy_id, escalation_tier, grouped_alert_id, duplicate_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11)`,
			a.ID, a.TenantID, a.DeviceID, a.RuleID, a.Severity, a.Message, meta,
			a.EscalationPolicyID, a.GroupedAlertID, a.DuplicateCount, now); err != nil {
			return errors.Wrap(err, "insert alert")
		}

		// Every alert gets a `new` state row atomically with the insert.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO alert_states (id, alert_id, state, changed_by, changed_at)
			VALUES ($1, $2, 'new', 'system', $3)`,
			uuid.NewString(), a.ID, now); err != nil {
			return errors.Wrap(err, "insert initial alert state")
		}

		tta, ttr := a.Severity.SLATargets()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO alert_slas (alert_id, severity, tta_target_minutes, ttr_target_minutes, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)`,
			a.ID, a.Severity, tta, ttr, now); err != nil {
			return errors.Wrap(err, "insert alert sla")
		}

		if res.Grouped {
			if _, err := tx.ExecContext(ctx, `
				UPDATE alert_groups SET occurrence_count = occurrence_count + 1, last_occurrence_at = $2
				WHERE id = $1`, g.ID, now); err != nil {
				return errors.Wrap(err, "bump alert group")
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE alerts SET duplicate_count = duplicate_count + 1 WHERE id = $1`, g.RepresentativeAlertID)
			return errors.Wrap(err, "bump representative duplicate count")
		}

		// Close any stale active group outside the window before opening the
		// replacement, keeping at most one active group per key.
		if g.ID != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE alert_groups SET status = 'closed' WHERE id = $1`, g.ID); err != nil {
				return errors.Wrap(err, "close stale alert group")
			}
		}
		res.GroupID = uuid.NewString()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO alert_groups (id, tenant_id, device_id, rule_id, source_key, severity, first_occurrence_at, last_occurrence_at, occurrence_count, status, representative_alert_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 1, 'active', $8)`,
			res.GroupID, a.TenantID, a.DeviceID, a.RuleID, sourceKey, a.Severity, now, a.ID)
		return errors.Wrap(err, "insert alert group")
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetAlert fetches an alert within the tenant.
func (s *Store) GetAlert(ctx context.Context, tenantID, id string) (*model.Alert, error) {
	var row alertRow
	err := s.run(ctx, "get_alert", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &row, `
			SELECT * FROM alerts WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	})
	if err != nil {
		return nil, notFoundOr(err, "get alert")
	}
	return row.toAlert()
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	Severity model.Severity
	DeviceID string
	Limit    int
	Offset   int
}

// ListAlerts returns the tenant's alerts, newest first.
func (s *Store) ListAlerts(ctx context.Context, tenantID string, f AlertFilter) ([]model.Alert, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	q := `SELECT * FROM alerts WHERE tenant_id = $1`
	args := []any{tenantID}
	if f.Severity != "" {
		args = append(args, f.Severity)
		q += ` AND severity = $2`
	}
	if f.DeviceID != "" {
		args = append(args, f.DeviceID)
		q += ` AND device_id = $` + strconv.Itoa(len(args))
	}
	args = append(args, f.Limit)
	q += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))
	args = append(args, f.Offset)
	q += ` OFFSET $` + strconv.Itoa(len(args))

	var rows []alertRow
	err := s.run(ctx, "list_alerts", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.SelectContext(ctx, &rows, q, args...)
	})
	if err != nil {
		return nil, errors.Wrap(err, "list alerts")
	}
	out := make([]model.Alert, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toAlert()
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

// CurrentAlertState returns the latest state row of an alert.
func (s *Store) CurrentAlertState(ctx context.Context, alertID string) (*model.AlertState, error) {
	var st model.AlertState
	err := s.run(ctx, "current_alert_state", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &st, `
			SELECT * FROM alert_states WHERE alert_id = $1
			ORDER BY changed_at DESC, id DESC LIMIT 1`, alertID)
	})
	if err != nil {
		return nil, notFoundOr(err, "current alert state")
	}
	return &st, nil
}

// ListAlertStates returns the full ordered state history of an alert.
func (s *Store) ListAlertStates(ctx context.Context, tenantID, alertID string) ([]model.AlertState, error) {
	var out []model.AlertState
	err := s.run(ctx, "list_alert_states", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.SelectContext(ctx, &out, `
			SELECT st.* FROM alert_states st
			JOIN alerts a ON a.id = st.alert_id
			WHERE a.tenant_id = $1 AND st.alert_id = $2
			ORDER BY st.changed_at, st.id`, tenantID, alertID)
	})
	if err != nil {
		return nil, errors.Wrap(err, "list alert states")
	}
	return out, nil
}

// AddAlertNote appends a note row carrying the current state, without a
// state change.
func (s *Store) AddAlertNote(ctx context.Context, tenantID, alertID, changedBy, note string) error {
	return s.inTx(ctx, "add_alert_note", func(ctx context.Context, tx *sqlx.Tx) error {
		cur, err := lockAlertState(ctx, tx, tenantID, alertID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO alert_states (id, alert_id, state, changed_by, changed_at, note)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.NewString(), alertID, cur.State, changedBy, s.clock.Now().UTC(), note)
		return errors.Wrap(err, "insert alert note")
	})
}

// lockAlertState locks the alert row (serializing concurrent transitions)
// and returns its latest state.
func lockAlertState(ctx context.Context, tx *sqlx.Tx, tenantID, alertID string) (*model.AlertState, error) {
	var id string
	err := tx.GetContext(ctx, &id, `
		SELECT id FROM alerts WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, alertID)
	if err != nil {
		return nil, notFoundOr(err, "lock alert")
	}
	var st model.AlertState
	err = tx.GetContext(ctx, &st, `
		SELECT * FROM alert_states WHERE alert_id = $1
		ORDER BY changed_at DESC, id DESC LIMIT 1`, alertID)
	if err != nil {
		return nil, notFoundOr(err, "read current state")
	}
	return &st, nil
}

// TransitionAlert moves an alert to a new state under a row-level lock. Two
// concurrent attempts are serialized; the loser sees
// ErrInvalidStateTransition when its precondition no longer holds. SLA
// actuals are stamped on acknowledge and resolve within the same
// transaction.
func (s *Store) TransitionAlert(ctx context.Context, tenantID, alertID string, to model.AlertStateValue, changedBy string, note *string, systemAdmin bool) (*model.AlertState, error) {
	var out model.AlertState
	err := s.inTx(ctx, "transition_alert", func(ctx context.Context, tx *sqlx.Tx) error {
		cur, err := lockAlertState(ctx, tx, tenantID, alertID)
		if err != nil {
			return err
		}
		if !model.CanTransition(cur.State, to, systemAdmin) {
			return errors.Wrapf(platform.ErrInvalidStateTransition, "%s -> %s", cur.State, to)
		}
		now := s.clock.Now().UTC()
		out = model.AlertState{
			ID:        uuid.NewString(),
			AlertID:   alertID,
			State:     to,
			ChangedBy: changedBy,
			ChangedAt: now,
			Note:      note,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO alert_states (id, alert_id, state, changed_by, changed_at, note)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			out.ID, alertID, to, changedBy, now, note); err != nil {
			return errors.Wrap(err, "insert alert state")
		}

		var createdAt time.Time
		if err := tx.GetContext(ctx, &createdAt, `
			SELECT created_at FROM alerts WHERE id = $1`, alertID); err != nil {
			return errors.Wrap(err, "read alert created_at")
		}
		elapsed := int(math.Ceil(now.Sub(createdAt).Minutes()))

		switch to {
		case model.StateAcknowledged:
			if _, err := tx.ExecContext(ctx, `
				UPDATE alert_slas
				SET tta_actual_minutes = $2, tta_breached = ($2 > tta_target_minutes), updated_at = $3
				WHERE alert_id = $1 AND tta_actual_minutes IS NULL`, alertID, elapsed, now); err != nil {
				return errors.Wrap(err, "stamp tta")
			}
		case model.StateResolved:
			if _, err := tx.ExecContext(ctx, `
				UPDATE alert_slas
				SET ttr_actual_minutes = $2, ttr_breached = ($2 > ttr_target_minutes), updated_at = $3
				WHERE alert_id = $1 AND ttr_actual_minutes IS NULL`, alertID, elapsed, now); err != nil {
				return errors.Wrap(err, "stamp ttr")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAlertSLA fetches the SLA row of an alert within the tenant.
func (s *Store) GetAlertSLA(ctx context.Context, tenantID, alertID string) (*model.AlertSLA, error) {
	var sla model.AlertSLA
	err := s.run(ctx, "get_alert_sla", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &sla, `
			SELECT sl.* FROM alert_slas sl
			JOIN alerts a ON a.id = sl.alert_id
			WHERE a.tenant_id = $1 AND sl.alert_id = $2`, tenantID, alertID)
	})
	if err != nil {
		return nil, notFoundOr(err, "get alert sla")
	}
	return &sla, nil
}

// ListEscalatable returns unacknowledged (new or investigating),
// non-shadow alerts that carry an escalation policy.
func (s *Store) ListEscalatable(ctx context.Context) ([]model.Alert, error) {
	var rows []alertRow
	err := s.run(ctx, "list_escalatable", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, aggregateTimeout)
		defer cancel()
		return s.db.SelectContext(ctx, &rows, `
			SELECT a.* FROM alerts a
			JOIN LATERAL (
				SELECT state FROM alert_states st
				WHERE st.alert_id = a.id
				ORDER BY changed_at DESC, id DESC LIMIT 1
			) cur ON TRUE
			WHERE a.escalation_policy_id IS NOT NULL
			  AND a.grouped_alert_id IS NULL
			  AND cur.state IN ('new', 'investigating')`)
	})
	if err != nil {
		return nil, errors.Wrap(err, "list escalatable alerts")
	}
	out := make([]model.Alert, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toAlert()
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

// AdvanceEscalation records an escalation to tier. The guard keeps
// advancement monotonic under concurrent executors; false means another
// executor already advanced past tier.
func (s *Store) AdvanceEscalation(ctx context.Context, alertID string, tier int, at time.Time) (bool, error) {
	var advanced bool
	err := s.run(ctx, "advance_escalation", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		res, err := s.db.ExecContext(ctx, `
			UPDATE alerts SET escalation_tier = $2, last_escalation_at = $3
			WHERE id = $1 AND escalation_tier < $2`, alertID, tier, at.UTC())
		if err != nil {
			return errors.Wrap(err, "advance escalation")
		}
		n, _ := res.RowsAffected()
		advanced = n > 0
		return nil
	})
	return advanced, err
}

// SLABreach describes one SLA target that has newly passed for a still-open
// alert.
type SLABreach struct {
	AlertID  string         `db:"alert_id"`
	TenantID string         `db:"tenant_id"`
	DeviceID string         `db:"device_id"`
	Severity model.Severity `db:"severity"`
	Target   string         `db:"target"` // "tta" or "ttr"
}

// ListDueSLABreaches finds open alerts whose TTA or TTR target has passed
// without the matching transition, and which have not had a breach
// notification sent for that target yet.
func (s *Store) ListDueSLABreaches(ctx context.Context) ([]SLABreach, error) {
	now := s.clock.Now().UTC()
	var out []SLABreach
	err := s.run(ctx, "list_due_sla_breaches", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, aggregateTimeout)
		defer cancel()
		return s.db.SelectContext(ctx, &out, `
			SELECT sl.alert_id, a.tenant_id, a.device_id, sl.severity, 'tta' AS target
			FROM alert_slas sl JOIN alerts a ON a.id = sl.alert_id
			WHERE sl.tta_actual_minutes IS NULL AND NOT sl.tta_breach_sent
			  AND a.created_at + make_interval(mins => sl.tta_target_minutes) < $1
			UNION ALL
			SELECT sl.alert_id, a.tenant_id, a.device_id, sl.severity, 'ttr' AS target
			FROM alert_slas sl JOIN alerts a ON a.id = sl.alert_id
			WHERE sl.ttr_actual_minutes IS NULL AND NOT sl.ttr_breach_sent
			  AND a.created_at + make_interval(mins => sl.ttr_target_minutes) < $1`, now)
	})
	if err != nil {
		return nil, errors.Wrap(err, "list due sla breaches")
	}
	return out, nil
}

// MarkSLABreached flips the breach flag for target and records that the
// breach notification went out. The guard makes the notification
// exactly-once per target per alert even across monitor replicas.
func (s *Store) MarkSLABreached(ctx context.Context, alertID, target string) (bool, error) {
	col := "tta"
	if target == "ttr" {
		col = "ttr"
	}
	var marked bool
	err := s.run(ctx, "mark_sla_breached", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		res, err := s.db.ExecContext(ctx, `
			UPDATE alert_slas SET `+col+`_breached = TRUE, `+col+`_breach_sent = TRUE, updated_at = $2
			WHERE alert_id = $1 AND NOT `+col+`_breach_sent`, alertID, s.clock.Now().UTC())
		if err != nil {
			return errors.Wrap(err, "mark sla breached")
		}
		n, _ := res.RowsAffected()
		marked = n > 0
		return nil
	})
	return marked, err
}

// LatestAlertFor returns the most recent non-shadow alert emitted by a rule
// for a device along with its current state. Drives cooldown checks.
func (s *Store) LatestAlertFor(ctx context.Context, tenantID, ruleID, deviceID string) (*model.Alert, model.AlertStateValue, error) {
	var row struct {
		alertRow
		CurrentState model.AlertStateValue `db:"current_state"`
	}
	err := s.run(ctx, "latest_alert_for", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &row, `
			SELECT a.*, cur.state AS current_state FROM alerts a
			JOIN LATERAL (
				SELECT state FROM alert_states st
				WHERE st.alert_id = a.id
				ORDER BY changed_at DESC, id DESC LIMIT 1
			) cur ON TRUE
			WHERE a.tenant_id = $1 AND a.rule_id = $2 AND a.device_id = $3 AND a.grouped_alert_id IS NULL
			ORDER BY a.created_at DESC LIMIT 1`, tenantID, ruleID, deviceID)
	})
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
			return nil, "", platform.ErrNotFound
		}
		return nil, "", errors.Wrap(err, "latest alert for rule/device")
	}
	a, err := row.toAlert()
	if err != nil {
		return nil, "", err
	}
	return a, row.CurrentState, nil
}

// GetGroupByRepresentative fetches the group an alert represents.
func (s *Store) GetGroupByRepresentative(ctx context.Context, tenantID, alertID string) (*model.AlertGroup, error) {
	var g model.AlertGroup
	err := s.run(ctx, "get_group_by_representative", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return s.db.GetContext(ctx, &g, `
			SELECT * FROM alert_groups WHERE tenant_id = $1 AND representative_alert_id = $2
			ORDER BY last_occurrence_at DESC LIMIT 1`, tenantID, alertID)
	})
	if err != nil {
		return nil, notFoundOr(err, "get alert group")
	}
	return &g, nil
}

// CloseGroup marks a group closed, typically when its representative alert
// resolves.
func (s *Store) CloseGroup(ctx context.Context, tenantID, groupID string) error {
	return s.run(ctx, "close_group", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		_, err := s.db.ExecContext(ctx, `
			UPDATE alert_groups SET status = 'closed' WHERE tenant_id = $1 AND id = $2`, tenantID, groupID)
		return errors.Wrap(err, "close group")
	})
}
