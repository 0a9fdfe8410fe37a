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

// Package alert owns the alert lifecycle: creation with grouping and SLA
// rows, state transitions, and the SLA breach monitor.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/cache"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/notify"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/rules"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
)

var (
	alertsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_alerts_created_total",
		Help: "Number of alerts created, by severity.",
	}, []string{"severity"})
	alertsGrouped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iiot_alerts_grouped_total",
		Help: "Number of alerts folded into an existing active group.",
	})
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_alert_transitions_total",
		Help: "Number of alert state transitions, by target state.",
	}, []string{"to"})
	slaBreaches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_alert_sla_breaches_total",
		Help: "Number of SLA breaches detected by the monitor.",
	}, []string{"target"})
)

const (
	// groupWindow folds identical candidates into one active group.
	groupWindow = 5 * time.Minute
	// slaCheckInterval drives the breach monitor.
	slaCheckInterval = 5 * time.Minute
)

// Dispatcher is the slice of the notification layer the manager uses.
type Dispatcher interface {
	Dispatch(ctx context.Context, n notify.Notification)
}

// Fanout mirrors representative alerts to an external broker. The AMQP
// adapter implements it with persistent alerts.<severity> messages.
type Fanout interface {
	PublishAlert(ctx context.Context, a *model.Alert) error
}

// Manager orchestrates alert creation and transitions.
type Manager struct {
	logger     log.Logger
	store      *store.Store
	bus        *cache.Cache
	dispatcher Dispatcher
	fanouts    []Fanout
	clock      clock.Clock
}

// New builds the manager. reg, bus and dispatcher may be nil in tests.
func New(logger log.Logger, reg prometheus.Registerer, st *store.Store, bus *cache.Cache, dispatcher Dispatcher) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(alertsCreated, alertsGrouped, transitionsTotal, slaBreaches)
	}
	return &Manager{
		logger:     logger,
		store:      st,
		bus:        bus,
		dispatcher: dispatcher,
		clock:      clock.RealClock{},
	}
}

// RegisterFanout adds a broker mirror for newly created representative
// alerts. Grouped occurrences are not mirrored.
func (m *Manager) RegisterFanout(f Fanout) {
	m.fanouts = append(m.fanouts, f)
}

// Emit implements the rule engine's emitter: a matched rule becomes an
// alert.
func (m *Manager) Emit(ctx context.Context, c rules.Candidate) error {
	ruleID := c.RuleID
	a := &model.Alert{
		TenantID: c.TenantID,
		DeviceID: c.DeviceID,
		RuleID:   &ruleID,
		Severity: c.Severity,
		Message:  fmt.Sprintf("%s: %s", c.Title, c.Description),
	}
	_, err := m.create(ctx, a, nil, c.Actions)
	return err
}

// EmitExternal records an alert posted by an external system through the
// AMQP alerts binding or the API. sourceKey, when present, scopes grouping
// to the external source.
func (m *Manager) EmitExternal(ctx context.Context, a *model.Alert, sourceKey *string) (*store.CreateAlertResult, error) {
	return m.create(ctx, a, sourceKey, nil)
}

// create attaches the tenant's escalation policy, persists the alert with
// its state and SLA rows, then notifies unless the alert was folded into an
// active group.
func (m *Manager) create(ctx context.Context, a *model.Alert, sourceKey *string, actions []model.Action) (*store.CreateAlertResult, error) {
	switch a.Severity {
	case model.SeverityCritical, model.SeverityHigh, model.SeverityMedium:
		policy, err := m.store.FindPolicyForSeverity(ctx, a.TenantID, a.Severity)
		if err == nil {
			a.EscalationPolicyID = &policy.ID
		} else if !errors.Is(err, platform.ErrNotFound) {
			return nil, err
		}
	}

	res, err := m.store.CreateAlert(ctx, a, sourceKey, groupWindow)
	if err != nil {
		return nil, err
	}
	alertsCreated.WithLabelValues(string(a.Severity)).Inc()

	if res.Grouped {
		// Grouped occurrences ride the representative's notification and
		// escalation stream.
		alertsGrouped.Inc()
		return res, nil
	}

	m.publish(ctx, res.Alert.TenantID, res.Alert.ID, "created")
	for _, f := range m.fanouts {
		if err := f.PublishAlert(ctx, res.Alert); err != nil {
			_ = level.Warn(m.logger).Log("msg", "alert broker fan-out failed", "alert", res.Alert.ID, "err", err)
		}
	}
	if m.dispatcher != nil {
		for _, action := range actions {
			m.dispatcher.Dispatch(ctx, notify.Notification{
				TenantID: res.Alert.TenantID,
				AlertID:  res.Alert.ID,
				Severity: res.Alert.Severity,
				Subject:  fmt.Sprintf("[%s] %s", res.Alert.Severity, res.Alert.Message),
				Body:     res.Alert.Message,
				Action:   action,
			})
		}
	}
	return res, nil
}

// Transition applies a lifecycle transition and fans the change out.
func (m *Manager) Transition(ctx context.Context, tenantID, alertID string, to model.AlertStateValue, changedBy string, note *string, systemAdmin bool) (*model.AlertState, error) {
	st, err := m.store.TransitionAlert(ctx, tenantID, alertID, to, changedBy, note, systemAdmin)
	if err != nil {
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(to)).Inc()
	m.publish(ctx, tenantID, alertID, string(to))
	return st, nil
}

func (m *Manager) publish(ctx context.Context, tenantID, alertID, event string) {
	if m.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"tenant_id": tenantID,
		"alert_id":  alertID,
		"event":     event,
	})
	if err := m.bus.Publish(ctx, cache.ChannelAlerts, string(payload)); err != nil {
		_ = level.Debug(m.logger).Log("msg", "alert fan-out publish failed", "alert", alertID, "err", err)
	}
}

// RunSLAMonitor periodically flips breach flags on overdue alerts and emits
// exactly one breach notification per target per alert.
func (m *Manager) RunSLAMonitor(ctx context.Context) error {
	ticker := time.NewTicker(slaCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.checkSLAs(ctx)
		}
	}
}

func (m *Manager) checkSLAs(ctx context.Context) {
	due, err := m.store.ListDueSLABreaches(ctx)
	if err != nil {
		_ = level.Warn(m.logger).Log("msg", "sla breach listing failed", "err", err)
		return
	}
	for _, b := range due {
		marked, err := m.store.MarkSLABreached(ctx, b.AlertID, b.Target)
		if err != nil {
			_ = level.Warn(m.logger).Log("msg", "sla breach marking failed", "alert", b.AlertID, "target", b.Target, "err", err)
			continue
		}
		if !marked {
			// Another process already sent this breach.
			continue
		}
		slaBreaches.WithLabelValues(b.Target).Inc()
		m.notifyBreach(ctx, b)
	}
}

// notifyBreach sends the breach to the alert's rule-configured targets, and
// always records it on the alert history.
func (m *Manager) notifyBreach(ctx context.Context, b store.SLABreach) {
	subject := fmt.Sprintf("[%s] SLA %s target breached for device %s", b.Severity, b.Target, b.DeviceID)
	if err := m.store.AddAlertNote(ctx, b.TenantID, b.AlertID, "system", subject); err != nil {
		_ = level.Warn(m.logger).Log("msg", "sla breach note failed", "alert", b.AlertID, "err", err)
	}
	if m.dispatcher == nil {
		return
	}
	for _, action := range m.alertActions(ctx, b.TenantID, b.AlertID) {
		m.dispatcher.Dispatch(ctx, notify.Notification{
			TenantID: b.TenantID,
			AlertID:  b.AlertID,
			Severity: b.Severity,
			Subject:  subject,
			Body:     subject,
			Action:   action,
		})
	}
}

// alertActions resolves the notification targets configured on the alert's
// originating rule. External alerts without a rule have none.
func (m *Manager) alertActions(ctx context.Context, tenantID, alertID string) []model.Action {
	a, err := m.store.GetAlert(ctx, tenantID, alertID)
	if err != nil || a.RuleID == nil {
		return nil
	}
	r, err := m.store.GetRule(ctx, tenantID, *a.RuleID)
	if err != nil || len(r.Actions) == 0 {
		return nil
	}
	var actions []model.Action
	if err := json.Unmarshal(r.Actions, &actions); err != nil {
		_ = level.Warn(m.logger).Log("msg", "rule actions unparsable", "rule", *a.RuleID, "err", err)
		return nil
	}
	return actions
}
