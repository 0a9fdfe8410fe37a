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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/notify"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
)

var (
	escalationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_escalations_total",
		Help: "Number of escalation tier advances, by tier.",
	}, []string{"tier"})
	escalationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iiot_escalation_errors_total",
		Help: "Number of escalation passes aborted by an error.",
	})
	channelsUnmapped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_escalation_channels_unmapped_total",
		Help: "Number of tier channels skipped because no notification action could be built.",
	}, []string{"channel"})
)

const executorInterval = time.Minute

// Dispatcher is the slice of the notification layer the executor uses.
type Dispatcher interface {
	Dispatch(ctx context.Context, n notify.Notification)
}

// Executor advances unacknowledged alerts through policy tiers.
type Executor struct {
	logger     log.Logger
	store      *store.Store
	resolver   *Resolver
	dispatcher Dispatcher
	clock      clock.Clock
}

// NewExecutor builds the executor. reg and dispatcher may be nil in tests.
func NewExecutor(logger log.Logger, reg prometheus.Registerer, st *store.Store, resolver *Resolver, dispatcher Dispatcher) *Executor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(escalationsTotal, escalationErrors, channelsUnmapped)
	}
	return &Executor{
		logger:     logger,
		store:      st,
		resolver:   resolver,
		dispatcher: dispatcher,
		clock:      clock.RealClock{},
	}
}

// Run ticks the escalation pass until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(executorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.pass(ctx)
		}
	}
}

// pass escalates every eligible alert once. Alerts already acknowledged or
// resolved never appear in the listing, so acknowledging halts escalation.
func (e *Executor) pass(ctx context.Context) {
	alerts, err := e.store.ListEscalatable(ctx)
	if err != nil {
		escalationErrors.Inc()
		_ = level.Warn(e.logger).Log("msg", "escalatable alert listing failed", "err", err)
		return
	}
	for _, a := range alerts {
		if err := e.escalateOne(ctx, a); err != nil {
			_ = level.Warn(e.logger).Log("msg", "escalation failed", "alert", a.ID, "err", err)
		}
	}
}

// DueTier returns the highest 1-based tier index whose delay has elapsed and
// that lies beyond the alert's current tier, or 0 when none is due.
func DueTier(policy *model.EscalationPolicy, a model.Alert, now time.Time) int {
	age := now.Sub(a.CreatedAt)
	due := 0
	for i, tier := range policy.Tiers {
		idx := i + 1
		if idx <= a.EscalationTier {
			continue
		}
		if time.Duration(tier.DelayMinutes)*time.Minute <= age {
			due = idx
		}
	}
	return due
}

func (e *Executor) escalateOne(ctx context.Context, a model.Alert) error {
	policy, err := e.store.GetEscalationPolicy(ctx, a.TenantID, *a.EscalationPolicyID)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	idx := DueTier(policy, a, now)
	if idx == 0 {
		return nil
	}
	tier := policy.Tiers[idx-1]

	// Advance first: the conditional update makes the tier claim exclusive,
	// so two executor processes cannot both notify for the same tier.
	advanced, err := e.store.AdvanceEscalation(ctx, a.ID, idx, now)
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}
	escalationsTotal.WithLabelValues(fmt.Sprint(idx)).Inc()

	if e.dispatcher == nil {
		return nil
	}
	users := e.resolveTargets(ctx, a.TenantID, tier.Targets)
	webhooks := e.webhookActions(ctx, a, tier.Channels)
	subject := fmt.Sprintf("[%s] escalation tier %d: %s", a.Severity, idx, a.Message)
	send := func(action model.Action) {
		e.dispatcher.Dispatch(ctx, notify.Notification{
			TenantID: a.TenantID,
			AlertID:  a.ID,
			Severity: a.Severity,
			Subject:  subject,
			Body:     a.Message,
			Action:   action,
		})
	}
	for _, channel := range tier.Channels {
		// webhook:<name> channels address an endpoint, not a user, so they
		// fire once per tier.
		if name, isHook := strings.CutPrefix(channel, "webhook:"); isHook {
			action, ok := webhooks[name]
			if !ok {
				channelsUnmapped.WithLabelValues("webhook").Inc()
				_ = level.Warn(e.logger).Log("msg", "tier webhook has no configured action", "alert", a.ID, "webhook", name)
				continue
			}
			send(action)
			continue
		}
		for _, u := range users {
			action, ok := actionFor(channel, u)
			if !ok {
				channelsUnmapped.WithLabelValues(channel).Inc()
				_ = level.Warn(e.logger).Log("msg", "unknown tier channel", "alert", a.ID, "channel", channel)
				continue
			}
			send(action)
		}
	}
	return nil
}

// webhookActions maps webhook names configured on the alert's originating
// rule to their actions. Only consulted when a tier actually carries a
// webhook channel; external alerts without a rule resolve nothing.
func (e *Executor) webhookActions(ctx context.Context, a model.Alert, channels []string) map[string]model.Action {
	needed := false
	for _, c := range channels {
		if strings.HasPrefix(c, "webhook:") {
			needed = true
			break
		}
	}
	if !needed || a.RuleID == nil {
		return nil
	}
	r, err := e.store.GetRule(ctx, a.TenantID, *a.RuleID)
	if err != nil {
		_ = level.Warn(e.logger).Log("msg", "escalation rule lookup failed", "rule", *a.RuleID, "err", err)
		return nil
	}
	if len(r.Actions) == 0 {
		return nil
	}
	var actions []model.Action
	if err := json.Unmarshal(r.Actions, &actions); err != nil {
		_ = level.Warn(e.logger).Log("msg", "rule actions unparsable", "rule", *a.RuleID, "err", err)
		return nil
	}
	out := map[string]model.Action{}
	for _, action := range actions {
		if action.Channel == "webhook" && action.Name != "" {
			out[action.Name] = action
		}
	}
	return out
}

// resolveTargets expands user: and oncall: targets into user rows.
func (e *Executor) resolveTargets(ctx context.Context, tenantID string, targets []string) []*model.User {
	var users []*model.User
	for _, target := range targets {
		var userID string
		switch {
		case strings.HasPrefix(target, "user:"):
			userID = strings.TrimPrefix(target, "user:")
		case strings.HasPrefix(target, "oncall:"):
			var err error
			userID, err = e.resolver.OnCallUser(ctx, tenantID, strings.TrimPrefix(target, "oncall:"))
			if err != nil {
				_ = level.Warn(e.logger).Log("msg", "on-call resolution failed", "target", target, "err", err)
				continue
			}
		default:
			_ = level.Warn(e.logger).Log("msg", "unknown escalation target shape", "target", target)
			continue
		}
		u, err := e.store.GetUser(ctx, userID)
		if err != nil {
			_ = level.Warn(e.logger).Log("msg", "escalation target user lookup failed", "user", userID, "err", err)
			continue
		}
		users = append(users, u)
	}
	return users
}

// actionFor maps a per-user tier channel to a concrete notification action.
func actionFor(channel string, u *model.User) (model.Action, bool) {
	switch channel {
	case "email":
		return model.Action{Channel: "email", Email: u.Email}, true
	case "sms":
		// User rows carry no phone number yet; SMS escalation falls back to
		// email until they do.
		return model.Action{Channel: "email", Email: u.Email}, true
	}
	return model.Action{}, false
}
