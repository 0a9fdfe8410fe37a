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

package alert

import (
	"context"
	"database/sql"
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

func testManager(t *testing.T) (*Manager, sqlmock.Sqlmock, *recordingDispatcher) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.NewWithDB(nil, db, "sqlmock", clocktest.NewFakeClock(time.Now()))
	disp := &recordingDispatcher{}
	return New(nil, nil, st, nil, disp), mock, disp
}

func alertColumns() []string {
	return []string{
		"id", "tenant_id", "device_id", "rule_id", "severity", "message", "metadata",
		"escalation_policy_id", "escalation_tier", "last_escalation_at",
		"grouped_alert_id", "duplicate_count", "created_at",
	}
}

func ruleColumns() []string {
	return []string{
		"id", "tenant_id", "name", "type", "condition", "actions", "priority",
		"enabled", "cooldown_seconds", "interval_seconds", "scope",
		"last_evaluated_at", "created_at", "updated_at",
	}
}

func expectBreachSweep(mock sqlmock.Sqlmock, markRows int64) {
	now := time.Now()
	mock.ExpectQuery(`SELECT sl.alert_id, a.tenant_id, a.device_id, sl.severity, 'tta' AS target`).
		WillReturnRows(sqlmock.NewRows([]string{"alert_id", "tenant_id", "device_id", "severity", "target"}).
			AddRow("a1", "t1", "d1", "critical", "tta"))
	mock.ExpectExec(`UPDATE alert_slas SET tta_breached = TRUE`).
		WithArgs("a1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, markRows))
	if markRows == 0 {
		return
	}

	// Breach note on the alert history.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM alerts WHERE tenant_id = \$1 AND id = \$2 FOR UPDATE`).
		WithArgs("t1", "a1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a1"))
	mock.ExpectQuery(`SELECT \* FROM alert_states WHERE alert_id = \$1`).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "alert_id", "state", "changed_by", "changed_at", "note"}).
			AddRow("st-1", "a1", "new", "system", now, nil))
	mock.ExpectExec(`INSERT INTO alert_states`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Notification targets come from the originating rule.
	mock.ExpectQuery(`SELECT \* FROM alerts WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs("t1", "a1").
		WillReturnRows(sqlmock.NewRows(alertColumns()).
			AddRow("a1", "t1", "d1", "r1", "critical", "temp high", []byte(`{}`), nil, 0, nil, nil, 0, now))
	mock.ExpectQuery(`SELECT \* FROM rules WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs("t1", "r1").
		WillReturnRows(sqlmock.NewRows(ruleColumns()).
			AddRow("r1", "t1", "overheat", "threshold", []byte(`{}`),
				[]byte(`[{"channel":"email","email":"ops@acme.test"}]`),
				3, true, 0, 0, []byte(`{}`), nil, now, now))
}

type recordingFanout struct {
	published []*model.Alert
}

func (f *recordingFanout) PublishAlert(_ context.Context, a *model.Alert) error {
	f.published = append(f.published, a)
	return nil
}

func groupColumns() []string {
	return []string{
		"id", "tenant_id", "device_id", "rule_id", "source_key", "severity",
		"first_occurrence_at", "last_occurrence_at", "occurrence_count",
		"status", "representative_alert_id",
	}
}

func expectRepresentativeInsert(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM alert_groups`).WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO alerts`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alert_states`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alert_slas`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alert_groups`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestCreateMirrorsRepresentativesToFanout(t *testing.T) {
	m, mock, _ := testManager(t)
	fan := &recordingFanout{}
	m.RegisterFanout(fan)

	expectRepresentativeInsert(mock)
	res, err := m.EmitExternal(t.Context(), &model.Alert{
		TenantID: "t1", DeviceID: "d1", Severity: model.SeverityInfo, Message: "vibration high",
	}, nil)
	require.NoError(t, err)
	require.False(t, res.Grouped)
	require.Len(t, fan.published, 1)
	require.Equal(t, "vibration high", fan.published[0].Message)

	// A second occurrence inside the group window folds into the active
	// group and rides the representative's broker message.
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM alert_groups`).
		WillReturnRows(sqlmock.NewRows(groupColumns()).
			AddRow("g1", "t1", "d1", nil, nil, "info", now, now, 1, "active", res.Alert.ID))
	mock.ExpectExec(`INSERT INTO alerts`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alert_states`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO alert_slas`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE alert_groups SET occurrence_count`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE alerts SET duplicate_count`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res2, err := m.EmitExternal(t.Context(), &model.Alert{
		TenantID: "t1", DeviceID: "d1", Severity: model.SeverityInfo, Message: "vibration high",
	}, nil)
	require.NoError(t, err)
	require.True(t, res2.Grouped)
	require.Len(t, fan.published, 1, "grouped occurrences are not mirrored")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSLAMonitorNotifiesBreachOnce(t *testing.T) {
	m, mock, disp := testManager(t)

	expectBreachSweep(mock, 1)
	m.checkSLAs(t.Context())

	require.Len(t, disp.sent, 1)
	require.Equal(t, "a1", disp.sent[0].AlertID)
	require.Equal(t, "email", disp.sent[0].Action.Channel)
	require.Contains(t, disp.sent[0].Subject, "SLA tta target breached")

	// A second sweep (or a second replica) sees the same due row but loses
	// the conditional update, so nothing more goes out.
	expectBreachSweep(mock, 0)
	m.checkSLAs(t.Context())

	require.Len(t, disp.sent, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepContinuesPastMarkErrors(t *testing.T) {
	m, mock, disp := testManager(t)

	mock.ExpectQuery(`SELECT sl.alert_id, a.tenant_id, a.device_id, sl.severity, 'tta' AS target`).
		WillReturnRows(sqlmock.NewRows([]string{"alert_id", "tenant_id", "device_id", "severity", "target"}).
			AddRow("a1", "t1", "d1", "high", "ttr").
			AddRow("a2", "t1", "d2", "high", "ttr"))
	mock.ExpectExec(`UPDATE alert_slas SET ttr_breached = TRUE`).
		WithArgs("a1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE alert_slas SET ttr_breached = TRUE`).
		WithArgs("a2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	m.checkSLAs(t.Context())

	require.Empty(t, disp.sent)
	require.NoError(t, mock.ExpectationsWereMet())
}
