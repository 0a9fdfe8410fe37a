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

// Package rules evaluates tenant-defined conditions over telemetry and emits
// alert candidates. Periodic and reactive triggering share one evaluation
// path so both produce identical results.
package rules

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/cache"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/platform"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
)

var (
	evaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_rules_evaluations_total",
		Help: "Number of rule evaluations by trigger mode.",
	}, []string{"mode"})
	evaluationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iiot_rules_evaluation_errors_total",
		Help: "Number of rule evaluations aborted by an error.",
	})
	malformedData = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iiot_rules_malformed_data_total",
		Help: "Number of evaluations skipped because the latest value was not numeric.",
	}, []string{"rule"})
	candidatesEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iiot_rules_candidates_emitted_total",
		Help: "Number of alert candidates emitted after cooldown checks.",
	})
	cooldownSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iiot_rules_cooldown_suppressed_total",
		Help: "Number of matches suppressed by an active alert within cooldown.",
	})
)

const (
	// compiledTTL bounds staleness of compiled rules when a bus
	// invalidation is missed.
	compiledTTL = 600 * time.Second
	// coalesceDelay batches reactive triggers for the same (rule, device).
	coalesceDelay = 2 * time.Second

	defaultIntervalSeconds = 30
)

// Candidate is a matched rule occurrence handed to the alert lifecycle.
type Candidate struct {
	TenantID    string
	DeviceID    string
	RuleID      string
	RuleName    string
	Severity    model.Severity
	Title       string
	Description string
	Actions     []model.Action
}

// Emitter receives candidates. The alert lifecycle manager implements it.
type Emitter interface {
	Emit(ctx context.Context, c Candidate) error
}

type compiledRule struct {
	rule model.Rule
	cond Condition
}

type compiledSet struct {
	rules     []compiledRule
	expiresAt time.Time
}

type pendingKey struct {
	tenantID string
	ruleID   string
	deviceID string
}

// Engine owns rule compilation, scheduling and evaluation.
type Engine struct {
	logger   log.Logger
	store    *store.Store
	bus      *cache.Cache
	emitter  Emitter
	clock    clock.Clock
	interval time.Duration

	mtx      sync.Mutex
	compiled map[string]compiledSet
	pending  map[pendingKey]struct{}
}

// New builds the engine. reg may be nil in tests.
func New(logger log.Logger, reg prometheus.Registerer, st *store.Store, bus *cache.Cache, emitter Emitter, interval time.Duration) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(evaluationsTotal, evaluationErrors, malformedData, candidatesEmitted, cooldownSuppressed)
	}
	if interval <= 0 {
		interval = defaultIntervalSeconds * time.Second
	}
	return &Engine{
		logger:   logger,
		store:    st,
		bus:      bus,
		emitter:  emitter,
		clock:    clock.RealClock{},
		interval: interval,
		compiled: map[string]compiledSet{},
		pending:  map[pendingKey]struct{}{},
	}
}

// Run drives the periodic scheduler, the reactive coalescing flush and the
// invalidation bus until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	var msgs <-chan cache.Message
	if e.bus != nil {
		msgs = e.bus.Subscribe(ctx, cache.RulesInvalidateChannel("*"))
	}

	periodic := time.NewTicker(e.interval)
	defer periodic.Stop()
	reactive := time.NewTicker(coalesceDelay)
	defer reactive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-periodic.C:
			e.evaluateDue(ctx)
		case <-reactive.C:
			e.flushPending(ctx)
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			e.invalidateByChannel(m.Channel)
		}
	}
}

// InvalidateTenant drops the tenant's compiled rules and broadcasts the
// invalidation for other processes. Called on rule create/update/delete.
func (e *Engine) InvalidateTenant(ctx context.Context, tenantID string) {
	e.mtx.Lock()
	delete(e.compiled, tenantID)
	e.mtx.Unlock()
	if e.bus != nil {
		if err := e.bus.Publish(ctx, cache.RulesInvalidateChannel(tenantID), ""); err != nil {
			_ = level.Debug(e.logger).Log("msg", "rule invalidation publish failed", "tenant", tenantID, "err", err)
		}
	}
}

func (e *Engine) invalidateByChannel(channel string) {
	// Channel shape is rules:invalidate:<tenant>.
	const prefix = "rules:invalidate:"
	if len(channel) <= len(prefix) {
		return
	}
	e.mtx.Lock()
	delete(e.compiled, channel[len(prefix):])
	e.mtx.Unlock()
}

// Consume implements the ingestion sink: queue matching rules for reactive
// evaluation, coalesced per (rule, device).
func (e *Engine) Consume(ctx context.Context, ev model.TelemetryEvent) {
	rules, err := e.tenantRules(ctx, ev.TenantID)
	if err != nil {
		_ = level.Warn(e.logger).Log("msg", "reactive rule lookup failed", "tenant", ev.TenantID, "err", err)
		return
	}
	for _, cr := range rules {
		if !cr.rule.Scope.Matches(ev.DeviceID) {
			continue
		}
		if !keysIntersect(cr.cond.Keys(), ev.Readings) {
			continue
		}
		e.mtx.Lock()
		e.pending[pendingKey{ev.TenantID, cr.rule.ID, ev.DeviceID}] = struct{}{}
		e.mtx.Unlock()
	}
}

func keysIntersect(keys []string, readings map[string]model.Reading) bool {
	for _, k := range keys {
		if _, ok := readings[k]; ok {
			return true
		}
	}
	return false
}

func (e *Engine) flushPending(ctx context.Context) {
	e.mtx.Lock()
	pending := e.pending
	e.pending = map[pendingKey]struct{}{}
	e.mtx.Unlock()

	for pk := range pending {
		rules, err := e.tenantRules(ctx, pk.tenantID)
		if err != nil {
			continue
		}
		for _, cr := range rules {
			if cr.rule.ID != pk.ruleID {
				continue
			}
			evaluationsTotal.WithLabelValues("reactive").Inc()
			e.evaluateOn(ctx, cr, pk.deviceID)
		}
	}
}

// evaluateDue runs one periodic pass over every enabled rule whose last
// evaluation is older than its interval.
func (e *Engine) evaluateDue(ctx context.Context) {
	all, err := e.store.ListEnabledRules(ctx)
	if err != nil {
		evaluationErrors.Inc()
		_ = level.Warn(e.logger).Log("msg", "periodic rule listing failed", "err", err)
		return
	}
	now := e.clock.Now()
	for _, r := range all {
		interval := time.Duration(r.IntervalSeconds) * time.Second
		if interval <= 0 {
			interval = e.interval
		}
		if r.LastEvaluatedAt != nil && now.Sub(*r.LastEvaluatedAt) < interval {
			continue
		}
		cr, err := e.compileOne(r)
		if err != nil {
			_ = level.Warn(e.logger).Log("msg", "skipping uncompilable rule", "rule", r.ID, "err", err)
			continue
		}
		evaluationsTotal.WithLabelValues("periodic").Inc()
		for _, deviceID := range e.ruleDevices(ctx, cr.rule) {
			e.evaluateOn(ctx, cr, deviceID)
		}
		if err := e.store.MarkRuleEvaluated(ctx, r.ID, now); err != nil {
			_ = level.Debug(e.logger).Log("msg", "marking rule evaluated failed", "rule", r.ID, "err", err)
		}
	}
}

// ruleDevices expands the rule scope into concrete device ids.
func (e *Engine) ruleDevices(ctx context.Context, r model.Rule) []string {
	if !r.Scope.TenantWide {
		return r.Scope.DeviceIDs
	}
	devices, err := e.store.ListDevices(ctx, r.TenantID)
	if err != nil {
		_ = level.Warn(e.logger).Log("msg", "device listing for tenant-wide rule failed", "rule", r.ID, "err", err)
		return nil
	}
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
	}
	return ids
}

// evaluateOn runs one rule against one device and emits on match, honoring
// the cooldown.
func (e *Engine) evaluateOn(ctx context.Context, cr compiledRule, deviceID string) {
	env := &storeEnv{store: e.store, tenantID: cr.rule.TenantID, clock: e.clock}
	out, err := cr.cond.Evaluate(ctx, env, deviceID)
	if err != nil {
		evaluationErrors.Inc()
		_ = level.Warn(e.logger).Log("msg", "rule evaluation failed", "rule", cr.rule.ID, "device", deviceID, "err", err)
		return
	}
	if out.Malformed {
		malformedData.WithLabelValues(cr.rule.ID).Inc()
		return
	}
	if !out.Fired {
		return
	}
	if e.inCooldown(ctx, cr.rule, deviceID) {
		cooldownSuppressed.Inc()
		return
	}

	var actions []model.Action
	if len(cr.rule.Actions) > 0 {
		if err := json.Unmarshal(cr.rule.Actions, &actions); err != nil {
			_ = level.Warn(e.logger).Log("msg", "rule actions unparsable", "rule", cr.rule.ID, "err", err)
		}
	}
	c := Candidate{
		TenantID:    cr.rule.TenantID,
		DeviceID:    deviceID,
		RuleID:      cr.rule.ID,
		RuleName:    cr.rule.Name,
		Severity:    model.SeverityFromPriority(cr.rule.Priority),
		Title:       cr.rule.Name,
		Description: out.Detail,
		Actions:     actions,
	}
	if err := e.emitter.Emit(ctx, c); err != nil {
		_ = level.Warn(e.logger).Log("msg", "candidate emission failed", "rule", cr.rule.ID, "device", deviceID, "err", err)
		return
	}
	candidatesEmitted.Inc()
}

// inCooldown reports whether a prior alert for (rule, device) was created
// within the cooldown and is still active. Resolved alerts never suppress.
func (e *Engine) inCooldown(ctx context.Context, r model.Rule, deviceID string) bool {
	if r.CooldownSeconds <= 0 {
		return false
	}
	prior, state, err := e.store.LatestAlertFor(ctx, r.TenantID, r.ID, deviceID)
	if err != nil {
		if !errors.Is(err, platform.ErrNotFound) {
			_ = level.Warn(e.logger).Log("msg", "cooldown lookup failed", "rule", r.ID, "err", err)
		}
		return false
	}
	if e.clock.Now().Sub(prior.CreatedAt) >= time.Duration(r.CooldownSeconds)*time.Second {
		return false
	}
	for _, s := range model.ActiveStates {
		if state == s {
			return true
		}
	}
	return false
}

// tenantRules returns the tenant's compiled enabled rules, from cache when
// fresh.
func (e *Engine) tenantRules(ctx context.Context, tenantID string) ([]compiledRule, error) {
	now := e.clock.Now()
	e.mtx.Lock()
	set, ok := e.compiled[tenantID]
	e.mtx.Unlock()
	if ok && now.Before(set.expiresAt) {
		return set.rules, nil
	}

	rs, err := e.store.ListEnabledRulesForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	compiled := make([]compiledRule, 0, len(rs))
	for _, r := range rs {
		cr, err := e.compileOne(r)
		if err != nil {
			_ = level.Warn(e.logger).Log("msg", "skipping uncompilable rule", "rule", r.ID, "err", err)
			continue
		}
		compiled = append(compiled, cr)
	}
	e.mtx.Lock()
	e.compiled[tenantID] = compiledSet{rules: compiled, expiresAt: now.Add(compiledTTL)}
	e.mtx.Unlock()
	return compiled, nil
}

func (e *Engine) compileOne(r model.Rule) (compiledRule, error) {
	cond, err := Compile(r.Type, r.Condition)
	if err != nil {
		return compiledRule{}, err
	}
	return compiledRule{rule: r, cond: cond}, nil
}

// storeEnv backs condition evaluation with live telemetry.
type storeEnv struct {
	store    *store.Store
	tenantID string
	clock    clock.Clock
}

func (s *storeEnv) LatestNumeric(ctx context.Context, deviceID, key string) (float64, bool, bool, error) {
	p, err := s.store.LatestPoint(ctx, s.tenantID, deviceID, key)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return 0, false, false, nil
		}
		return 0, false, false, err
	}
	if p.NumericValue == nil {
		return 0, true, true, nil
	}
	return *p.NumericValue, true, false, nil
}

func (s *storeEnv) Aggregate(ctx context.Context, deviceID, key string, agg store.Aggregate, window time.Duration) (float64, int64, error) {
	now := s.clock.Now()
	return s.store.QueryAggregate(ctx, store.AggregateQuery{
		TenantID:  s.tenantID,
		DeviceID:  deviceID,
		Key:       key,
		Aggregate: agg,
		Window:    store.TelemetryWindow{From: now.Add(-window), To: now},
	})
}

func (s *storeEnv) Now() time.Time { return s.clock.Now() }
