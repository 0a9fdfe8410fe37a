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

package escalate

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	clocktest "k8s.io/utils/clock/testing"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/notify"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
)

type recordingDispatcher struct {
	sent []notify.Notification
}

func (d *recordingDispatcher) Dispatch(_ context.Context, n notify.Notification) {
	d.sent = append(d.sent, n)
}

func testExecutor(t *testing.T) (*Executor, sqlmock.Sqlmock, *recordingDispatcher) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.NewWithDB(nil, db, "sqlmock", clocktest.NewFakeClock(time.Now()))
	disp := &recordingDispatcher{}
	resolver := NewResolver(nil, st, nil)
	return NewExecutor(nil, nil, st, resolver, disp), mock, disp
}

func escalatableAlert() model.Alert {
	policyID := "p1"
	ruleID := "r1"
	return model.Alert{
		ID:                 "a1",
		TenantID:           "t1",
		DeviceID:           "d1",
		RuleID:             &ruleID,
		Severity:           model.SeverityCritical,
		Message:            "temp high",
		EscalationPolicyID: &policyID,
		CreatedAt:          time.Now().Add(-10 * time.Minute),
	}
}

func expectPolicy(mock sqlmock.Sqlmock, tiers string) {
	mock.ExpectQuery(`SELECT \* FROM escalation_policies WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs("t1", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "tiers", "severities", "created_at"}).
			AddRow("p1", "t1", "critical path", []byte(tiers), []byte(`["critical"]`), time.Now()))
}

func TestEscalationDispatchesTierWebhook(t *testing.T) {
	e, mock, disp := testExecutor(t)

	expectPolicy(mock, `[{"delay_minutes":5,"targets":["user:u1"],"channels":["email","webhook:pager"]}]`)
	mock.ExpectExec(`UPDATE alerts SET escalation_tier = \$2`).
		WithArgs("a1", 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM users WHERE id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "system_admin", "created_at"}).
			AddRow("u1", "op@acme.test", "x", false, time.Now()))
	mock.ExpectQuery(`SELECT \* FROM rules WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs("t1", "r1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "name", "type", "condition", "actions", "priority",
			"enabled", "cooldown_seconds", "interval_seconds", "scope",
			"last_evaluated_at", "created_at", "updated_at",
		}).AddRow("r1", "t1", "overheat", "threshold", []byte(`{}`),
			[]byte(`[{"channel":"webhook","name":"pager","url":"https://hooks.example.com/p","secret":"s"}]`),
			3, true, 0, 0, []byte(`{}`), nil, time.Now(), time.Now()))

	require.NoError(t, e.escalateOne(t.Context(), escalatableAlert()))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, disp.sent, 2)
	byChannel := map[string]notify.Notification{}
	for _, n := range disp.sent {
		byChannel[n.Action.Channel] = n
	}
	require.Equal(t, "op@acme.test", byChannel["email"].Action.Email)
	require.Equal(t, "https://hooks.example.com/p", byChannel["webhook"].Action.URL)
	require.Equal(t, "s", byChannel["webhook"].Action.Secret)
}

func TestEscalationSkipsUnresolvableWebhook(t *testing.T) {
	e, mock, disp := testExecutor(t)

	// External alert without a rule: webhook:<name> has nothing to resolve
	// against, so the channel is skipped while the tier still advances.
	expectPolicy(mock, `[{"delay_minutes":5,"targets":["user:u1"],"channels":["webhook:pager"]}]`)
	mock.ExpectExec(`UPDATE alerts SET escalation_tier = \$2`).
		WithArgs("a1", 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM users WHERE id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "system_admin", "created_at"}).
			AddRow("u1", "op@acme.test", "x", false, time.Now()))

	a := escalatableAlert()
	a.RuleID = nil
	require.NoError(t, e.escalateOne(t.Context(), a))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Empty(t, disp.sent)
}
