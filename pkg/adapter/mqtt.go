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
	"context"
	"encoding/json"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
)

// MQTTConfig carries broker settings for the MQTT front-end.
type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// MQTT subscribes to device telemetry, status and external alert topics on
// a shared broker.
type MQTT struct {
	logger   log.Logger
	cfg      MQTTConfig
	pipeline Pipeline
	alerts   AlertSink
	status   StatusSink
	client   mqtt.Client
}

// NewMQTT builds the adapter; Run establishes the connection.
func NewMQTT(logger log.Logger, cfg MQTTConfig, pipeline Pipeline, alerts AlertSink, status StatusSink) *MQTT {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "iiot"
	}
	return &MQTT{logger: logger, cfg: cfg, pipeline: pipeline, alerts: alerts, status: status}
}

// Run connects and serves until ctx is cancelled. The paho client handles
// reconnects with capped backoff; subscriptions are re-established on every
// (re)connect.
func (m *MQTT) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.BrokerURL).
		SetClientID(m.cfg.ClientID).
		SetUsername(m.cfg.Username).
		SetPassword(m.cfg.Password).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetOrderMatters(false)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		_ = level.Info(m.logger).Log("msg", "mqtt connected", "broker", m.cfg.BrokerURL)
		m.subscribe(ctx, c)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		_ = level.Warn(m.logger).Log("msg", "mqtt connection lost", "err", err)
	})

	m.client = mqtt.NewClient(opts)
	token := m.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "mqtt connect")
	}

	<-ctx.Done()
	m.client.Disconnect(250)
	return nil
}

func (m *MQTT) subscribe(ctx context.Context, c mqtt.Client) {
	subs := map[string]mqtt.MessageHandler{
		m.cfg.TopicPrefix + "/devices/+/telemetry": func(_ mqtt.Client, msg mqtt.Message) {
			m.handleTelemetry(ctx, msg)
		},
		m.cfg.TopicPrefix + "/devices/+/status": func(_ mqtt.Client, msg mqtt.Message) {
			m.handleStatus(ctx, msg)
		},
		m.cfg.TopicPrefix + "/devices/+/commands": func(_ mqtt.Client, msg mqtt.Message) {
			m.handleCommand(msg)
		},
		m.cfg.TopicPrefix + "/alerts/#": func(_ mqtt.Client, msg mqtt.Message) {
			m.handleAlert(ctx, msg)
		},
	}
	for topic, handler := range subs {
		if token := c.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			_ = level.Error(m.logger).Log("msg", "mqtt subscribe failed", "topic", topic, "err", token.Error())
		}
	}
}

// deviceFromTopic extracts the device id of <prefix>/devices/<id>/<leaf>.
func deviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		if p == "devices" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func (m *MQTT) handleTelemetry(ctx context.Context, msg mqtt.Message) {
	eventsReceived.WithLabelValues("mqtt").Inc()
	deviceID := deviceFromTopic(msg.Topic())
	ev, err := ParseTelemetryJSON(deviceID, msg.Payload(), model.ProtocolMQTT)
	if err != nil {
		eventsMalformed.WithLabelValues("mqtt").Inc()
		_ = level.Debug(m.logger).Log("msg", "malformed mqtt telemetry", "topic", msg.Topic(), "err", err)
		return
	}
	if !m.pipeline.TryEnqueue(ev) {
		// QoS 1 redelivery covers the gap once the queue drains.
		backpressureTotal.WithLabelValues("mqtt").Inc()
	}
}

func (m *MQTT) handleStatus(ctx context.Context, msg mqtt.Message) {
	eventsReceived.WithLabelValues("mqtt").Inc()
	deviceID := deviceFromTopic(msg.Topic())
	var doc struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(msg.Payload(), &doc); err != nil || deviceID == "" {
		eventsMalformed.WithLabelValues("mqtt").Inc()
		return
	}
	status := model.DeviceStatus(doc.Status)
	if !status.Valid() {
		eventsMalformed.WithLabelValues("mqtt").Inc()
		return
	}
	if err := m.status.SetStatus(ctx, deviceID, status); err != nil {
		_ = level.Warn(m.logger).Log("msg", "device status update failed", "device", deviceID, "err", err)
	}
}

// externalAlertDoc is the payload shape accepted on the alerts topics.
type externalAlertDoc struct {
	TenantID  string         `json:"tenant_id"`
	DeviceID  string         `json:"device_id"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	SourceKey string         `json:"source_key,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (m *MQTT) handleAlert(ctx context.Context, msg mqtt.Message) {
	eventsReceived.WithLabelValues("mqtt").Inc()
	var doc externalAlertDoc
	if err := json.Unmarshal(msg.Payload(), &doc); err != nil {
		eventsMalformed.WithLabelValues("mqtt").Inc()
		return
	}
	a, sourceKey, err := externalAlert(doc)
	if err != nil {
		eventsMalformed.WithLabelValues("mqtt").Inc()
		_ = level.Debug(m.logger).Log("msg", "malformed external alert", "topic", msg.Topic(), "err", err)
		return
	}
	if _, err := m.alerts.EmitExternal(ctx, a, sourceKey); err != nil {
		_ = level.Warn(m.logger).Log("msg", "external alert intake failed", "device", a.DeviceID, "err", err)
	}
}

// externalAlert validates and converts the external alert document.
func externalAlert(doc externalAlertDoc) (*model.Alert, *string, error) {
	if doc.TenantID == "" || doc.DeviceID == "" || doc.Message == "" {
		return nil, nil, errors.New("external alert requires tenant_id, device_id and message")
	}
	sev := model.Severity(doc.Severity)
	if !sev.Valid() {
		sev = model.SeverityInfo
	}
	a := &model.Alert{
		TenantID: doc.TenantID,
		DeviceID: doc.DeviceID,
		Severity: sev,
		Message:  doc.Message,
		Metadata: doc.Metadata,
	}
	var sourceKey *string
	if doc.SourceKey != "" {
		sourceKey = &doc.SourceKey
	}
	return a, sourceKey, nil
}

// handleCommand audits command traffic on the shared broker, whether it was
// published by PublishCommand or by an operator directly.
func (m *MQTT) handleCommand(msg mqtt.Message) {
	commandsTotal.WithLabelValues("mqtt", "observed").Inc()
	_ = level.Debug(m.logger).Log("msg", "device command observed",
		"device", deviceFromTopic(msg.Topic()), "bytes", len(msg.Payload()))
}

// PublishCommand sends a command payload to one device, QoS 1.
func (m *MQTT) PublishCommand(ctx context.Context, deviceID string, payload []byte) error {
	if m.client == nil || !m.client.IsConnected() {
		return errors.Wrap(platform.ErrBrokerUnavailable, "mqtt not connected")
	}
	topic := m.cfg.TopicPrefix + "/devices/" + deviceID + "/commands"
	token := m.client.Publish(topic, 1, false, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "publish command")
	}
	commandsTotal.WithLabelValues("mqtt", "sent").Inc()
	return nil
}
