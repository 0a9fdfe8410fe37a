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

package api

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	clocktest "k8s.io/utils/clock/testing"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/alert"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/tenant"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testServer struct {
	srv     *Server
	handler http.Handler
	mock    sqlmock.Sqlmock
	kernel  *tenant.Kernel
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.NewWithDB(nil, db, "sqlmock", nil)
	iss := tenant.NewIssuer(testSecret, 15*time.Minute, 24*time.Hour, clocktest.NewFakePassiveClock(time.Now()))
	kernel := tenant.NewKernel(nil, nil, st, iss)
	srv := New(Options{
		Store:  st,
		Kernel: kernel,
		Alerts: alert.New(nil, nil, st, nil, nil),
	})
	return &testServer{srv: srv, handler: srv.Handler(), mock: mock, kernel: kernel}
}

func (ts *testServer) token(t *testing.T, p tenant.Principal) string {
	t.Helper()
	access, _, err := ts.kernel.Issuer().Issue(p)
	require.NoError(t, err)
	return access
}

func (ts *testServer) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	return w
}

func memberPrincipal() tenant.Principal {
	return tenant.Principal{
		UserID:   "u1",
		Email:    "op@acme.test",
		TenantID: "t1",
		Role:     "member",
	}
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/devices", "", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDeviceTenantIsolation(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, memberPrincipal())

	// The row belongs to tenant t2, so the tenant-filtered lookup finds
	// nothing. The response must be indistinguishable from a missing device.
	ts.mock.ExpectQuery(`SELECT \* FROM devices WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs("t1", "dev-foreign").
		WillReturnError(sql.ErrNoRows)
	foreign := ts.do(t, http.MethodGet, "/devices/dev-foreign", token, "")

	ts.mock.ExpectQuery(`SELECT \* FROM devices WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs("t1", "dev-missing").
		WillReturnError(sql.ErrNoRows)
	missing := ts.do(t, http.MethodGet, "/devices/dev-missing", token, "")

	require.Equal(t, http.StatusNotFound, foreign.Code)
	require.Equal(t, http.StatusNotFound, missing.Code)
	require.JSONEq(t, missing.Body.String(), foreign.Body.String())
}

func TestTenantAccessDeniedLooksLikeMissing(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, memberPrincipal())

	// No query is even issued: visibility is decided before the store.
	w := ts.do(t, http.MethodGet, "/tenants/t2", token, "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.NoError(t, ts.mock.ExpectationsWereMet())
}

func TestLoginUpgradesLegacyHash(t *testing.T) {
	ts := newTestServer(t)
	sum := sha256.Sum256([]byte("hunter2hunter2"))
	legacy := hex.EncodeToString(sum[:])

	userCols := []string{"id", "email", "password_hash", "system_admin", "created_at"}
	ts.mock.ExpectQuery(`SELECT \* FROM users WHERE email = \$1`).
		WithArgs("op@acme.test").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("u1", "op@acme.test", legacy, false, time.Now()))
	ts.mock.ExpectExec(`UPDATE users SET password_hash`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ts.mock.ExpectQuery(`SELECT \* FROM tenants WHERE slug = \$1`).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "slug", "name", "tier", "max_devices", "max_users",
			"max_telemetry_per_day", "max_retention_days", "created_at", "updated_at",
		}).AddRow("t1", "acme", "Acme", "startup", nil, nil, nil, nil, time.Now(), time.Now()))
	ts.mock.ExpectQuery(`SELECT \* FROM tenant_users WHERE tenant_id = \$1 AND user_id = \$2`).
		WithArgs("t1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "user_id", "role", "tenant_admin", "joined_at"}).
			AddRow("t1", "u1", "operator", false, time.Now()))

	w := ts.do(t, http.MethodPost, "/auth/login", "",
		`{"email":"op@acme.test","password":"hunter2hunter2","tenant":"acme"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.RefreshToken)
	require.Equal(t, "t1", resp.User.TenantID)
	require.Equal(t, "operator", resp.User.Role)
	require.NoError(t, ts.mock.ExpectationsWereMet(), "legacy hash must be rewritten during login")
}

func TestLoginFailureIsOpaque(t *testing.T) {
	ts := newTestServer(t)

	ts.mock.ExpectQuery(`SELECT \* FROM users WHERE email = \$1`).
		WillReturnError(sql.ErrNoRows)
	noUser := ts.do(t, http.MethodPost, "/auth/login", "",
		`{"email":"ghost@acme.test","password":"whatever","tenant":"acme"}`)

	sum := sha256.Sum256([]byte("rightpassword"))
	userCols := []string{"id", "email", "password_hash", "system_admin", "created_at"}
	ts.mock.ExpectQuery(`SELECT \* FROM users WHERE email = \$1`).
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("u1", "op@acme.test", hex.EncodeToString(sum[:]), false, time.Now()))
	badPass := ts.do(t, http.MethodPost, "/auth/login", "",
		`{"email":"op@acme.test","password":"wrongpassword","tenant":"acme"}`)

	require.Equal(t, http.StatusUnauthorized, noUser.Code)
	require.Equal(t, http.StatusUnauthorized, badPass.Code)
	require.JSONEq(t, noUser.Body.String(), badPass.Body.String())
}

func TestCreateDeviceRejectsUnknownProtocol(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, memberPrincipal())

	w := ts.do(t, http.MethodPost, "/devices", token,
		`{"name":"pump-1","type":"pump","protocol":"zigbee"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "validation_error")
	require.NoError(t, ts.mock.ExpectationsWereMet())
}

func TestCreateRuleRejectsUncompilableCondition(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, memberPrincipal())

	w := ts.do(t, http.MethodPost, "/rules", token, `{
		"name": "bad operator",
		"type": "threshold",
		"condition": {"key": "temp", "operator": "~=", "value": 10},
		"priority": 3
	}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "validation_error")
	require.NoError(t, ts.mock.ExpectationsWereMet(), "rejected rules never reach the store")
}

func TestPolicyMutationNeedsTenantAdmin(t *testing.T) {
	ts := newTestServer(t)
	member := ts.token(t, memberPrincipal())

	w := ts.do(t, http.MethodPost, "/escalation-policies", member, `{
		"name": "p", "tiers": [{"delay_minutes": 5, "targets": ["user:u1"], "channels": ["email"]}],
		"severities": ["critical"]
	}`)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestAlertHistory(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, memberPrincipal())

	now := time.Now()
	ts.mock.ExpectQuery(`SELECT st\.\* FROM alert_states st`).
		WithArgs("t1", "a1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "alert_id", "state", "changed_by", "changed_at", "note"}).
			AddRow("s1", "a1", "new", "system", now.Add(-time.Hour), nil).
			AddRow("s2", "a1", "acknowledged", "u1", now, nil))
	ts.mock.ExpectQuery(`SELECT sl\.\* FROM alert_slas sl`).
		WithArgs("t1", "a1").
		WillReturnRows(sqlmock.NewRows([]string{
			"alert_id", "severity", "tta_target_minutes", "ttr_target_minutes",
			"tta_actual_minutes", "ttr_actual_minutes", "tta_breached", "ttr_breached",
			"tta_breach_sent", "ttr_breach_sent", "created_at", "updated_at",
		}).AddRow("a1", "high", 15, 120, 60, nil, true, false, true, false, now, now))

	w := ts.do(t, http.MethodGet, "/alerts/a1/history", token, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		States []json.RawMessage `json:"states"`
		SLA    struct {
			TTABreached bool `json:"tta_breached"`
		} `json:"sla"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.States, 2)
	require.True(t, resp.SLA.TTABreached)
}

type recordingCommandPublisher struct {
	payloads [][]byte
	err      error
}

func (p *recordingCommandPublisher) PublishCommand(_ context.Context, _ string, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.payloads = append(p.payloads, payload)
	return nil
}

func (ts *testServer) expectDevice(id string) {
	ts.mock.ExpectQuery(`SELECT \* FROM devices WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs("t1", id).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "name", "type", "protocol", "status", "metadata", "last_seen_at", "created_at",
		}).AddRow(id, "t1", "pump", "pump", "mqtt", "active", []byte(`{}`), nil, time.Now()))
}

func TestDeviceCommandFansOutToTransports(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, memberPrincipal())

	pub := &recordingCommandPublisher{}
	down := &recordingCommandPublisher{err: platform.ErrBrokerUnavailable}
	ts.srv.commands = []CommandPublisher{pub, down}

	ts.expectDevice("dev-1")
	w := ts.do(t, http.MethodPost, "/devices/dev-1/commands", token,
		`{"command":"restart","params":{"delay_seconds":5}}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Status     string `json:"status"`
		Transports int    `json:"transports"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "queued", resp.Status)
	require.Equal(t, 1, resp.Transports, "a down transport must not mask the one that accepted")

	require.Len(t, pub.payloads, 1)
	var payload struct {
		DeviceID string          `json:"device_id"`
		Command  string          `json:"command"`
		Params   json.RawMessage `json:"params"`
		IssuedAt time.Time       `json:"issued_at"`
	}
	require.NoError(t, json.Unmarshal(pub.payloads[0], &payload))
	require.Equal(t, "dev-1", payload.DeviceID)
	require.Equal(t, "restart", payload.Command)
	require.JSONEq(t, `{"delay_seconds":5}`, string(payload.Params))
	require.False(t, payload.IssuedAt.IsZero())
}

func TestDeviceCommandWithoutTransportIsUnavailable(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, memberPrincipal())

	ts.expectDevice("dev-1")
	w := ts.do(t, http.MethodPost, "/devices/dev-1/commands", token,
		`{"command":"restart"}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), "broker_unavailable")
}

func TestDeviceCommandChecksOwnershipFirst(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, memberPrincipal())

	pub := &recordingCommandPublisher{}
	ts.srv.commands = []CommandPublisher{pub}

	// The device belongs to another tenant, so the filtered lookup misses
	// and nothing reaches a broker.
	ts.mock.ExpectQuery(`SELECT \* FROM devices WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs("t1", "dev-foreign").
		WillReturnError(sql.ErrNoRows)
	w := ts.do(t, http.MethodPost, "/devices/dev-foreign/commands", token,
		`{"command":"restart"}`)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Empty(t, pub.payloads)
}

func TestStatusForMapsTaxonomy(t *testing.T) {
	// Spot checks on the error-to-status mapping the handlers rely on.
	for _, tc := range []struct {
		err    error
		status int
	}{
		{platform.ErrValidation, http.StatusBadRequest},
		{platform.ErrInvalidStateTransition, http.StatusBadRequest},
		{platform.ErrNotFound, http.StatusNotFound},
		{platform.ErrConflict, http.StatusConflict},
		{platform.ErrQuotaExceeded, http.StatusForbidden},
		{platform.ErrInvalidCredentials, http.StatusUnauthorized},
		{platform.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{errors.Wrap(platform.ErrNotFound, "wrapped deep"), http.StatusNotFound},
	} {
		require.Equal(t, tc.status, statusFor(tc.err), tc.err.Error())
	}
}
