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

package adapter

import (
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
)

func TestParseTelemetryJSONFlat(t *testing.T) {
	raw := []byte(`{"temperature": 95, "state": "running", "tenant_id": "t1"}`)
	ev, err := ParseTelemetryJSON("dev-1", raw, model.ProtocolMQTT)
	require.NoError(t, err)

	require.Equal(t, "dev-1", ev.DeviceID)
	require.Equal(t, "t1", ev.TenantID)
	require.Equal(t, model.ProtocolMQTT, ev.SourceProtocol)
	require.Len(t, ev.Readings, 2, "tenant_id is routing metadata, not a reading")

	require.NotNil(t, ev.Readings["temperature"].Numeric)
	require.Equal(t, 95.0, *ev.Readings["temperature"].Numeric)
	require.NotNil(t, ev.Readings["state"].Text)
	require.Equal(t, "running", *ev.Readings["state"].Text)
}

func TestParseTelemetryJSONNestedReadings(t *testing.T) {
	raw := []byte(`{
		"device_id": "dev-2",
		"timestamp": "2026-08-24T12:00:00Z",
		"readings": {
			"pressure": {"value": 4.2, "unit": "bar", "quality": 0.95},
			"valve": {"value": true}
		}
	}`)
	ev, err := ParseTelemetryJSON("", raw, model.ProtocolAMQP)
	require.NoError(t, err)

	require.Equal(t, "dev-2", ev.DeviceID)
	require.Equal(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), ev.Timestamp.UTC())

	p := ev.Readings["pressure"]
	require.NotNil(t, p.Numeric)
	require.Equal(t, 4.2, *p.Numeric)
	require.Equal(t, "bar", p.Unit)
	require.NotNil(t, p.Quality)
	require.Equal(t, 0.95, *p.Quality)

	v := ev.Readings["valve"]
	require.NotNil(t, v.Numeric)
	require.Equal(t, 1.0, *v.Numeric, "booleans map to 0/1")
}

func TestParseTelemetryJSONUnixTimestamps(t *testing.T) {
	secs := []byte(`{"temperature": 1, "ts": 1756036800}`)
	ev, err := ParseTelemetryJSON("dev-1", secs, model.ProtocolMQTT)
	require.NoError(t, err)
	require.Equal(t, int64(1756036800), ev.Timestamp.Unix())

	millis := []byte(`{"temperature": 1, "ts": 1756036800123}`)
	ev, err = ParseTelemetryJSON("dev-1", millis, model.ProtocolMQTT)
	require.NoError(t, err)
	require.Equal(t, int64(1756036800123), ev.Timestamp.UnixMilli())
}

func TestParseTelemetryJSONRejects(t *testing.T) {
	_, err := ParseTelemetryJSON("dev-1", []byte(`not json`), model.ProtocolMQTT)
	require.Error(t, err)

	_, err = ParseTelemetryJSON("dev-1", []byte(`{"tenant_id":"t1"}`), model.ProtocolMQTT)
	require.Error(t, err, "no readings")

	_, err = ParseTelemetryJSON("", []byte(`{"temperature": 1}`), model.ProtocolMQTT)
	require.Error(t, err, "no device id in topic or payload")
}

func TestDecodeTelemetryCBOR(t *testing.T) {
	raw, err := cbor.Marshal(map[string]any{
		"tenant_id":   "t1",
		"temperature": 21.5,
		"cycles":      uint64(42),
	})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, cbor.Unmarshal(raw, &doc))

	ev, err := DecodeTelemetry("dev-3", doc, model.ProtocolCoAP, raw)
	require.NoError(t, err)
	require.Equal(t, "t1", ev.TenantID)
	require.NotNil(t, ev.Readings["temperature"].Numeric)
	require.NotNil(t, ev.Readings["cycles"].Numeric)
	require.Equal(t, 42.0, *ev.Readings["cycles"].Numeric)
}

func TestDeviceFromTopic(t *testing.T) {
	require.Equal(t, "dev-1", deviceFromTopic("iiot/devices/dev-1/telemetry"))
	require.Equal(t, "dev-1", deviceFromTopic("factory/devices/dev-1/status"))
	require.Equal(t, "", deviceFromTopic("iiot/alerts/external"))
}

func TestExternalAlertValidation(t *testing.T) {
	a, key, err := externalAlert(externalAlertDoc{
		TenantID: "t1", DeviceID: "dev-1", Severity: "high",
		Message: "pump offline", SourceKey: "scada-17",
	})
	require.NoError(t, err)
	require.Equal(t, model.SeverityHigh, a.Severity)
	require.NotNil(t, key)
	require.Equal(t, "scada-17", *key)

	a, key, err = externalAlert(externalAlertDoc{TenantID: "t1", DeviceID: "dev-1", Severity: "catastrophic", Message: "x"})
	require.NoError(t, err)
	require.Equal(t, model.SeverityInfo, a.Severity, "unknown severities default to info")
	require.Nil(t, key)

	_, _, err = externalAlert(externalAlertDoc{DeviceID: "dev-1", Message: "x"})
	require.Error(t, err, "tenant_id is mandatory for external alerts")
}

func TestValidStatusInput(t *testing.T) {
	for _, s := range []string{"active", "offline", "error", "maintenance"} {
		require.True(t, ValidStatusInput(s), s)
	}
	for _, s := range []string{"", "ACTIVE", "sleeping", "decommissioned"} {
		require.False(t, ValidStatusInput(s), s)
	}
}
