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

package ingest

import (
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
)

func testPipeline(t *testing.T) (*Pipeline, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.NewWithDB(nil, db, "sqlmock", nil)
	return New(nil, nil, st, nil, false), mock
}

func numericEvent(deviceID string, v float64) model.TelemetryEvent {
	return model.TelemetryEvent{
		DeviceID:       deviceID,
		Readings:       map[string]model.Reading{"temperature": {Numeric: &v}},
		Timestamp:      time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		SourceProtocol: model.ProtocolMQTT,
	}
}

func TestTryEnqueueValidation(t *testing.T) {
	p, _ := testPipeline(t)

	require.True(t, p.TryEnqueue(numericEvent("dev-1", 21.5)))

	require.False(t, p.TryEnqueue(model.TelemetryEvent{}), "missing device id")
	require.False(t, p.TryEnqueue(model.TelemetryEvent{DeviceID: "dev-1"}), "no readings")
}

func TestTryEnqueueBackpressure(t *testing.T) {
	p, _ := testPipeline(t)

	for i := 0; i < queueCapacity; i++ {
		require.True(t, p.TryEnqueue(numericEvent("dev-1", float64(i))))
	}
	require.False(t, p.TryEnqueue(numericEvent("dev-1", 1)), "full queue must refuse, not block")
}

func TestTryEnqueueStampsTimestamp(t *testing.T) {
	p, _ := testPipeline(t)

	ev := numericEvent("dev-1", 1)
	ev.Timestamp = time.Time{}
	require.True(t, p.TryEnqueue(ev))

	got := <-p.ch
	require.False(t, got.Timestamp.IsZero(), "zero timestamps are stamped at enqueue")
}

func TestEventPoints(t *testing.T) {
	v := 21.5
	q := 0.9
	txt := "ok"
	ev := model.TelemetryEvent{
		DeviceID: "dev-1",
		Readings: map[string]model.Reading{
			"temperature": {Numeric: &v, Unit: "celsius", Quality: &q},
			"state":       {Text: &txt},
		},
		Timestamp:      time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		SourceProtocol: model.ProtocolCoAP,
	}

	pts := eventPoints("t1", ev)
	require.Len(t, pts, 2)

	byKey := map[string]model.TelemetryPoint{}
	for _, p := range pts {
		byKey[p.Key] = p
		require.Equal(t, "t1", p.TenantID)
		require.Equal(t, "dev-1", p.DeviceID)
		require.Equal(t, model.ProtocolCoAP, p.SourceProtocol)
		require.Equal(t, ev.Timestamp, p.Timestamp)
	}

	temp := byKey["temperature"]
	require.NotNil(t, temp.NumericValue)
	require.Equal(t, 21.5, *temp.NumericValue)
	require.NotNil(t, temp.Unit)
	require.Equal(t, "celsius", *temp.Unit)
	require.Equal(t, 0.9, temp.Quality)

	state := byKey["state"]
	require.NotNil(t, state.StringValue)
	require.Equal(t, "ok", *state.StringValue)
	require.Equal(t, 1.0, state.Quality, "missing quality defaults to 1")
	require.Nil(t, state.Unit)
}

func TestResolveBindingRejectsForeignTenantClaim(t *testing.T) {
	p, mock := testPipeline(t)

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "name", "type", "protocol", "status", "metadata", "last_seen_at", "created_at"}).
		AddRow("dev-1", "t1", "dev-1", "sensor", "mqtt", "active", []byte(`{}`), nil, time.Now())
	mock.ExpectQuery("SELECT .+ FROM devices WHERE id =").WillReturnRows(rows)

	ev := numericEvent("dev-1", 1)
	ev.TenantID = "t2"
	_, err := p.resolveBinding(t.Context(), &ev)
	require.Error(t, err, "device registered to another tenant must not ingest")
}

func TestResolveBindingCaches(t *testing.T) {
	p, mock := testPipeline(t)

	devRows := sqlmock.NewRows([]string{"id", "tenant_id", "name", "type", "protocol", "status", "metadata", "last_seen_at", "created_at"}).
		AddRow("dev-1", "t1", "dev-1", "sensor", "mqtt", "active", []byte(`{}`), nil, time.Now())
	mock.ExpectQuery("SELECT .+ FROM devices WHERE id =").WillReturnRows(devRows)

	quota := int64(1000)
	tenantRows := sqlmock.NewRows([]string{"id", "slug", "name", "tier", "max_devices", "max_users", "max_telemetry_per_day", "max_retention_days", "created_at", "updated_at"}).
		AddRow("t1", "acme", "Acme", "pro", nil, nil, quota, nil, time.Now(), time.Now())
	mock.ExpectQuery("SELECT .+ FROM tenants WHERE id =").WillReturnRows(tenantRows)

	ev := numericEvent("dev-1", 1)
	b, err := p.resolveBinding(t.Context(), &ev)
	require.NoError(t, err)
	require.Equal(t, "t1", b.tenantID)
	require.NotNil(t, b.quota)
	require.Equal(t, quota, *b.quota)

	// Second resolve hits the cache; no further queries expected.
	ev2 := numericEvent("dev-1", 2)
	b2, err := p.resolveBinding(t.Context(), &ev2)
	require.NoError(t, err)
	require.Equal(t, b.tenantID, b2.tenantID)
	require.NoError(t, mock.ExpectationsWereMet())
}
