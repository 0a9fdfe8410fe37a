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

package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
)

// Env is what a condition may read during evaluation. The engine backs it
// with the store; tests back it with fixtures.
type Env interface {
	// LatestNumeric returns the most recent numeric value of key. found is
	// false when no row exists, malformed is true when the latest row holds
	// a non-numeric value.
	LatestNumeric(ctx context.Context, deviceID, key string) (value float64, found, malformed bool, err error)
	// Aggregate computes agg over the numeric rows of key in the trailing
	// window. samples is zero when the window is empty.
	Aggregate(ctx context.Context, deviceID, key string, agg store.Aggregate, window time.Duration) (value float64, samples int64, err error)
	Now() time.Time
}

// Outcome is one condition evaluation result. Missing data is neither a fire
// nor an error; it simply does not fire.
type Outcome struct {
	Fired     bool
	Malformed bool
	// Detail describes the observed values for the alert description.
	Detail string
}

// Condition is a compiled rule condition.
type Condition interface {
	// Keys lists the telemetry keys the condition reads, for reactive
	// trigger matching.
	Keys() []string
	Evaluate(ctx context.Context, env Env, deviceID string) (Outcome, error)
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Compile parses a rule's stored condition document into its executable
// form. Unknown operators, aggregates and shapes fail here, at rule save and
// cache fill time, never mid-evaluation.
func Compile(typ model.RuleType, raw []byte) (Condition, error) {
	switch typ {
	case model.RuleThreshold:
		var c thresholdCond
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, errors.Wrap(err, "parse threshold condition")
		}
		if c.Key == "" || !validOperator(c.Operator) {
			return nil, errors.Errorf("invalid threshold condition %s", raw)
		}
		return &c, nil
	case model.RuleComparison:
		var c comparisonCond
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, errors.Wrap(err, "parse comparison condition")
		}
		if c.KeyA == "" || c.KeyB == "" || !validOperator(c.Operator) {
			return nil, errors.Errorf("invalid comparison condition %s", raw)
		}
		return &c, nil
	case model.RuleStatistical:
		var c statisticalCond
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, errors.Wrap(err, "parse statistical condition")
		}
		if c.Key == "" || c.WindowSeconds <= 0 || !validOperator(c.Operator) {
			return nil, errors.Errorf("invalid statistical condition %s", raw)
		}
		switch store.Aggregate(c.Aggregate) {
		case store.AggAvg, store.AggMin, store.AggMax, store.AggCount, store.AggStddev:
		default:
			return nil, errors.Errorf("unknown aggregate %q", c.Aggregate)
		}
		return &c, nil
	case model.RuleTimeWindow:
		var c timeWindowDoc
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, errors.Wrap(err, "parse time_window condition")
		}
		sched, err := cronParser.Parse(c.ScheduleCronExpr)
		if err != nil {
			return nil, errors.Wrapf(err, "parse cron expression %q", c.ScheduleCronExpr)
		}
		inner, err := Compile(c.Inner.Type, c.Inner.Condition)
		if err != nil {
			return nil, errors.Wrap(err, "compile inner condition")
		}
		return &timeWindowCond{schedule: sched, inner: inner}, nil
	}
	return nil, errors.Errorf("unknown rule type %q", typ)
}

func validOperator(op string) bool {
	switch op {
	case ">", "<", ">=", "<=", "==", "!=":
		return true
	}
	return false
}

func compare(a float64, op string, b float64) bool {
	switch op {
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	case "==":
		return a == b
	case "!=":
		return a != b
	}
	return false
}

type thresholdCond struct {
	Key      string  `json:"key"`
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
}

func (c *thresholdCond) Keys() []string { return []string{c.Key} }

func (c *thresholdCond) Evaluate(ctx context.Context, env Env, deviceID string) (Outcome, error) {
	v, found, malformed, err := env.LatestNumeric(ctx, deviceID, c.Key)
	if err != nil {
		return Outcome{}, err
	}
	if malformed {
		return Outcome{Malformed: true}, nil
	}
	if !found {
		return Outcome{}, nil
	}
	return Outcome{
		Fired:  compare(v, c.Operator, c.Value),
		Detail: fmt.Sprintf("%s=%g %s %g", c.Key, v, c.Operator, c.Value),
	}, nil
}

type comparisonCond struct {
	KeyA     string `json:"key_a"`
	Operator string `json:"operator"`
	KeyB     string `json:"key_b"`
}

func (c *comparisonCond) Keys() []string { return []string{c.KeyA, c.KeyB} }

func (c *comparisonCond) Evaluate(ctx context.Context, env Env, deviceID string) (Outcome, error) {
	a, foundA, malformedA, err := env.LatestNumeric(ctx, deviceID, c.KeyA)
	if err != nil {
		return Outcome{}, err
	}
	b, foundB, malformedB, err := env.LatestNumeric(ctx, deviceID, c.KeyB)
	if err != nil {
		return Outcome{}, err
	}
	if malformedA || malformedB {
		return Outcome{Malformed: true}, nil
	}
	if !foundA || !foundB {
		return Outcome{}, nil
	}
	return Outcome{
		Fired:  compare(a, c.Operator, b),
		Detail: fmt.Sprintf("%s=%g %s %s=%g", c.KeyA, a, c.Operator, c.KeyB, b),
	}, nil
}

type statisticalCond struct {
	Key           string  `json:"key"`
	Aggregate     string  `json:"aggregate"`
	WindowSeconds int     `json:"window_seconds"`
	Operator      string  `json:"operator"`
	Value         float64 `json:"value"`
}

func (c *statisticalCond) Keys() []string { return []string{c.Key} }

func (c *statisticalCond) Evaluate(ctx context.Context, env Env, deviceID string) (Outcome, error) {
	window := time.Duration(c.WindowSeconds) * time.Second
	v, samples, err := env.Aggregate(ctx, deviceID, c.Key, store.Aggregate(c.Aggregate), window)
	if err != nil {
		return Outcome{}, err
	}
	if samples == 0 {
		return Outcome{}, nil
	}
	return Outcome{
		Fired:  compare(v, c.Operator, c.Value),
		Detail: fmt.Sprintf("%s(%s over %s)=%g %s %g", c.Aggregate, c.Key, window, v, c.Operator, c.Value),
	}, nil
}

type timeWindowDoc struct {
	ScheduleCronExpr string `json:"schedule_cron_expr"`
	Inner            struct {
		Type      model.RuleType  `json:"type"`
		Condition json.RawMessage `json:"condition"`
	} `json:"inner_condition"`
}

type timeWindowCond struct {
	schedule cron.Schedule
	inner    Condition
}

func (c *timeWindowCond) Keys() []string { return c.inner.Keys() }

// activeAt reports whether the cron expression matches the minute containing
// t.
func (c *timeWindowCond) activeAt(t time.Time) bool {
	minute := t.Truncate(time.Minute)
	return c.schedule.Next(minute.Add(-time.Second)).Equal(minute)
}

func (c *timeWindowCond) Evaluate(ctx context.Context, env Env, deviceID string) (Outcome, error) {
	if !c.activeAt(env.Now()) {
		return Outcome{}, nil
	}
	return c.inner.Evaluate(ctx, env, deviceID)
}
