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

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
)

// AMQPConfig carries broker settings.
type AMQPConfig struct {
	URL      string
	Exchange string // default "iiot"
	Queue    string // default "telemetry"
}

// AMQP consumes gateway telemetry from a durable queue and publishes alert
// and command fan-out messages.
type AMQP struct {
	logger   log.Logger
	cfg      AMQPConfig
	pipeline Pipeline

	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQP builds the adapter; Run establishes the connection.
func NewAMQP(logger log.Logger, cfg AMQPConfig, pipeline Pipeline) *AMQP {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "iiot"
	}
	if cfg.Queue == "" {
		cfg.Queue = "telemetry"
	}
	return &AMQP{logger: logger, cfg: cfg, pipeline: pipeline}
}

// Run connects, declares the topology and consumes until ctx is cancelled.
// Connection loss triggers a reconnect with capped backoff.
func (a *AMQP) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0 // retry forever

	for {
		if err := a.connect(); err != nil {
			_ = level.Warn(a.logger).Log("msg", "amqp connect failed", "err", err)
		} else {
			bo.Reset()
			if err := a.consume(ctx); err != nil {
				_ = level.Warn(a.logger).Log("msg", "amqp consumer stopped", "err", err)
			}
		}
		select {
		case <-ctx.Done():
			a.close()
			return nil
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (a *AMQP) connect() error {
	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return errors.Wrap(err, "amqp dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "amqp channel")
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "declare exchange")
	}
	q, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "declare telemetry queue")
	}
	if err := ch.QueueBind(q.Name, "telemetry.*", a.cfg.Exchange, false, nil); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "bind telemetry queue")
	}
	// One unacked message at a time: the queue itself is the buffer and a
	// nack under backpressure stays cheap.
	if err := ch.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "set prefetch")
	}
	a.conn, a.ch = conn, ch
	return nil
}

func (a *AMQP) close() {
	if a.conn != nil && !a.conn.IsClosed() {
		_ = a.conn.Close()
	}
}

func (a *AMQP) consume(ctx context.Context) error {
	deliveries, err := a.ch.Consume(a.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "start consumer")
	}
	_ = level.Info(a.logger).Log("msg", "amqp consuming", "queue", a.cfg.Queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			a.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery acks consumed messages, nacks with requeue on failure or
// backpressure.
func (a *AMQP) handleDelivery(ctx context.Context, d amqp.Delivery) {
	eventsReceived.WithLabelValues("amqp").Inc()

	// Routing key shape is telemetry.<device_id>.
	deviceID := ""
	if i := strings.Index(d.RoutingKey, "."); i >= 0 {
		deviceID = d.RoutingKey[i+1:]
	}

	ev, err := ParseTelemetryJSON(deviceID, d.Body, model.ProtocolAMQP)
	if err != nil {
		eventsMalformed.WithLabelValues("amqp").Inc()
		_ = level.Debug(a.logger).Log("msg", "malformed amqp telemetry", "routing_key", d.RoutingKey, "err", err)
		// Malformed payloads never become parseable; requeueing would loop.
		_ = d.Nack(false, false)
		return
	}
	if !a.pipeline.TryEnqueue(ev) {
		backpressureTotal.WithLabelValues("amqp").Inc()
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// PublishAlert emits a persistent alert fan-out message under
// alerts.<severity>.
func (a *AMQP) PublishAlert(ctx context.Context, alert *model.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(err, "encode alert")
	}
	return a.publish(ctx, "alerts."+string(alert.Severity), body)
}

// PublishCommand emits a persistent command message under
// commands.<device_id>.
func (a *AMQP) PublishCommand(ctx context.Context, deviceID string, payload []byte) error {
	if err := a.publish(ctx, "commands."+deviceID, payload); err != nil {
		return err
	}
	commandsTotal.WithLabelValues("amqp", "sent").Inc()
	return nil
}

func (a *AMQP) publish(ctx context.Context, routingKey string, body []byte) error {
	if a.ch == nil {
		return errors.Wrap(platform.ErrBrokerUnavailable, "amqp not connected")
	}
	err := a.ch.PublishWithContext(ctx, a.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	return errors.Wrapf(err, "publish %s", routingKey)
}
