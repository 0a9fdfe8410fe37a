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

package rules

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	clocktest "k8s.io/utils/clock/testing"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
)

type captureEmitter struct {
	candidates []Candidate
}

func (c *captureEmitter) Emit(_ context.Context, cand Candidate) error {
	c.candidates = append(c.candidates, cand)
	return nil
}

func testEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, *captureEmitter, *clocktest.FakeClock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.NewWithDB(nil, db, "sqlmock", nil)

	em := &captureEmitter{}
	e := New(nil, nil, st, nil, em, 30*time.Second)
	c := clocktest.NewFakeClock(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	e.clock = c
	return e, mock, em, c
}

func compiledThreshold(t *testing.T, r model.Rule) compiledRule {
	t.Helper()
	cr, err := (&Engine{}).compileOne(r)
	require.NoError(t, err)
	return cr
}

func thresholdRule(id string, cooldown int) model.Rule {
	return model.Rule{
		ID:              id,
		TenantID:        "t1",
		Name:            "hot",
		Type:            model.RuleThreshold,
		Condition:       []byte(`{"key":"temperature","operator":">","value":90}`),
		Priority:        4,
		Enabled:         true,
		CooldownSeconds: cooldown,
		Scope:           model.RuleScope{TenantWide: true},
	}
}

func TestConsumeQueuesOnlyMatchingRules(t *testing.T) {
	e, _, _, c := testEngine(t)

	cr := compiledThreshold(t, thresholdRule("r1", 0))
	e.compiled["t1"] = compiledSet{rules: []compiledRule{cr}, expiresAt: c.Now().Add(time.Hour)}

	v := 95.0
	e.Consume(context.Background(), model.TelemetryEvent{
		TenantID: "t1", DeviceID: "dev-1",
		Readings: map[string]model.Reading{"temperature": {Numeric: &v}},
	})
	require.Contains(t, e.pending, pendingKey{"t1", "r1", "dev-1"})

	// A key the rule does not read must not queue it.
	e.pending = map[pendingKey]struct{}{}
	e.Consume(context.Background(), model.TelemetryEvent{
		TenantID: "t1", DeviceID: "dev-1",
		Readings: map[string]model.Reading{"humidity": {Numeric: &v}},
	})
	require.Empty(t, e.pending)
}

func TestConsumeRespectsScope(t *testing.T) {
	e, _, _, c := testEngine(t)

	r := thresholdRule("r1", 0)
	r.Scope = model.RuleScope{DeviceIDs: []string{"dev-2"}}
	cr := compiledThreshold(t, r)
	e.compiled["t1"] = compiledSet{rules: []compiledRule{cr}, expiresAt: c.Now().Add(time.Hour)}

	v := 95.0
	e.Consume(context.Background(), model.TelemetryEvent{
		TenantID: "t1", DeviceID: "dev-1",
		Readings: map[string]model.Reading{"temperature": {Numeric: &v}},
	})
	require.Empty(t, e.pending)
}

func latestPointRows(v float64, ts time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "device_id", "key", "numeric_value", "string_value",
		"unit", "ts", "ingested_at", "quality", "anomaly", "source_protocol",
	}).AddRow(int64(1), "t1", "dev-1", "temperature", v, nil, nil, ts, ts, 1.0, false, "mqtt")
}

func TestEvaluateOnEmitsCandidate(t *testing.T) {
	e, mock, em, c := testEngine(t)
	cr := compiledThreshold(t, thresholdRule("r1", 0))

	mock.ExpectQuery("SELECT .+ FROM telemetry").WillReturnRows(latestPointRows(95, c.Now()))

	e.evaluateOn(context.Background(), cr, "dev-1")
	require.Len(t, em.candidates, 1)

	got := em.candidates[0]
	require.Equal(t, "t1", got.TenantID)
	require.Equal(t, "dev-1", got.DeviceID)
	require.Equal(t, "r1", got.RuleID)
	require.Equal(t, model.SeverityHigh, got.Severity, "priority 4 maps to high")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluateOnSuppressedByCooldown(t *testing.T) {
	e, mock, em, c := testEngine(t)
	cr := compiledThreshold(t, thresholdRule("r1", 300))

	mock.ExpectQuery("SELECT .+ FROM telemetry").WillReturnRows(latestPointRows(95, c.Now()))

	// Prior alert 60s ago, still in state new.
	alertCols := []string{
		"id", "tenant_id", "device_id", "rule_id", "severity", "message", "metadata",
		"escalation_policy_id", "escalation_tier", "last_escalation_at",
		"grouped_alert_id", "duplicate_count", "created_at", "current_state",
	}
	prior := sqlmock.NewRows(alertCols).AddRow(
		"a1", "t1", "dev-1", "r1", "high", "hot", []byte(`{}`),
		nil, 0, nil, nil, 0, c.Now().Add(-time.Minute), "new")
	mock.ExpectQuery("SELECT a\\..+ FROM alerts a").WillReturnRows(prior)

	e.evaluateOn(context.Background(), cr, "dev-1")
	require.Empty(t, em.candidates, "active alert within cooldown suppresses emission")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluateOnResolvedPriorDoesNotSuppress(t *testing.T) {
	e, mock, em, c := testEngine(t)
	cr := compiledThreshold(t, thresholdRule("r1", 300))

	mock.ExpectQuery("SELECT .+ FROM telemetry").WillReturnRows(latestPointRows(95, c.Now()))

	alertCols := []string{
		"id", "tenant_id", "device_id", "rule_id", "severity", "message", "metadata",
		"escalation_policy_id", "escalation_tier", "last_escalation_at",
		"grouped_alert_id", "duplicate_count", "created_at", "current_state",
	}
	prior := sqlmock.NewRows(alertCols).AddRow(
		"a1", "t1", "dev-1", "r1", "high", "hot", []byte(`{}`),
		nil, 0, nil, nil, 0, c.Now().Add(-time.Minute), "resolved")
	mock.ExpectQuery("SELECT a\\..+ FROM alerts a").WillReturnRows(prior)

	e.evaluateOn(context.Background(), cr, "dev-1")
	require.Len(t, em.candidates, 1, "a resolved prior alert never suppresses")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidateByChannel(t *testing.T) {
	e, _, _, c := testEngine(t)
	e.compiled["t1"] = compiledSet{expiresAt: c.Now().Add(time.Hour)}
	e.invalidateByChannel("rules:invalidate:t1")
	require.NotContains(t, e.compiled, "t1")
}
