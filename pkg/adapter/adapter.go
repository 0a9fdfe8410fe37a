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

// Package adapter hosts the protocol front-ends (MQTT, CoAP, AMQP, OPC UA)
// that translate device traffic into normalized telemetry events.
package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
)

var (
	eventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_adapter_events_received_total",
		Help: "Number of inbound protocol messages, by adapter.",
	}, []string{"adapter"})
	eventsMalformed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_adapter_events_malformed_total",
		Help: "Number of inbound messages dropped as unparsable, by adapter.",
	}, []string{"adapter"})
	backpressureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_adapter_backpressure_total",
		Help: "Number of messages deferred because the ingestion queue was full, by adapter.",
	}, []string{"adapter"})
	commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_adapter_commands_total",
		Help: "Number of device command messages, by adapter and direction.",
	}, []string{"adapter", "direction"})
)

// RegisterMetrics registers the shared adapter metrics once.
func RegisterMetrics(reg prometheus.Registerer) {
	if reg != nil {
		reg.MustRegister(eventsReceived, eventsMalformed, backpressureTotal, commandsTotal)
	}
}

// CommandPublisher pushes a command payload down to one device.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, deviceID string, payload []byte) error
}

var (
	_ CommandPublisher = (*MQTT)(nil)
	_ CommandPublisher = (*AMQP)(nil)
)

// Pipeline is the ingestion surface adapters feed.
type Pipeline interface {
	TryEnqueue(ev model.TelemetryEvent) bool
	Healthy() bool
}

// AlertSink accepts externally sourced alerts.
type AlertSink interface {
	EmitExternal(ctx context.Context, a *model.Alert, sourceKey *string) (*store.CreateAlertResult, error)
}

// StatusSink applies device status reports.
type StatusSink interface {
	SetStatus(ctx context.Context, deviceID string, status model.DeviceStatus) error
}

// reservedKeys are payload fields that are routing metadata, not readings.
var reservedKeys = map[string]bool{
	"tenant_id": true,
	"device_id": true,
	"timestamp": true,
	"ts":        true,
}

// DecodeTelemetry turns a decoded JSON/CBOR document into a normalized
// event. Flat numeric and string fields become readings; tenant_id and
// timestamp are routing metadata. A nested "readings" object may carry
// {value, unit, quality} shapes.
func DecodeTelemetry(deviceID string, doc map[string]any, proto model.Protocol, raw []byte) (model.TelemetryEvent, error) {
	ev := model.TelemetryEvent{
		DeviceID:       deviceID,
		Readings:       map[string]model.Reading{},
		SourceProtocol: proto,
		Raw:            raw,
	}
	if id, ok := doc["device_id"].(string); ok && ev.DeviceID == "" {
		ev.DeviceID = id
	}
	if tid, ok := doc["tenant_id"].(string); ok {
		ev.TenantID = tid
	}
	if ts := parseTimestamp(doc); !ts.IsZero() {
		ev.Timestamp = ts
	}

	fields := doc
	topLevel := true
	if nested, ok := doc["readings"].(map[string]any); ok {
		fields = nested
		topLevel = false
	}
	for key, val := range fields {
		if topLevel && (reservedKeys[key] || key == "readings") {
			continue
		}
		r, ok := toReading(val)
		if !ok {
			continue
		}
		ev.Readings[key] = r
	}
	if ev.DeviceID == "" {
		return ev, errors.New("telemetry without device id")
	}
	if len(ev.Readings) == 0 {
		return ev, errors.New("telemetry without readings")
	}
	return ev, nil
}

func parseTimestamp(doc map[string]any) time.Time {
	for _, key := range []string{"timestamp", "ts"} {
		switch v := doc[key].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t
			}
		case float64:
			return unixAuto(int64(v))
		case int64:
			return unixAuto(v)
		case uint64:
			return unixAuto(int64(v))
		}
	}
	return time.Time{}
}

// unixAuto interprets an integer timestamp as seconds or milliseconds by
// magnitude.
func unixAuto(v int64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

// toReading converts one payload value. Objects may carry value/unit/quality;
// scalars map directly. Booleans count as 0/1.
func toReading(val any) (model.Reading, bool) {
	switch v := val.(type) {
	case float64:
		return model.Reading{Numeric: &v}, true
	case int64:
		f := float64(v)
		return model.Reading{Numeric: &f}, true
	case uint64:
		f := float64(v)
		return model.Reading{Numeric: &f}, true
	case bool:
		f := 0.0
		if v {
			f = 1.0
		}
		return model.Reading{Numeric: &f}, true
	case string:
		return model.Reading{Text: &v}, true
	case map[string]any:
		inner, ok := toReading(v["value"])
		if !ok {
			return model.Reading{}, false
		}
		if unit, ok := v["unit"].(string); ok {
			inner.Unit = unit
		}
		if q, ok := v["quality"].(float64); ok {
			inner.Quality = &q
		}
		return inner, true
	}
	return model.Reading{}, false
}

// ParseTelemetryJSON decodes a JSON telemetry payload.
func ParseTelemetryJSON(deviceID string, raw []byte, proto model.Protocol) (model.TelemetryEvent, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.TelemetryEvent{}, errors.Wrap(err, "decode telemetry json")
	}
	return DecodeTelemetry(deviceID, doc, proto, raw)
}
