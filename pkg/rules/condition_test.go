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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/model"
	"github.com/WilBtc/InsaAutomationCorp-sub005/pkg/store"
)

// fakeEnv serves fixed readings per key.
type fakeEnv struct {
	numeric   map[string]float64
	malformed map[string]bool
	aggValue  float64
	aggCount  int64
	now       time.Time
}

func (f *fakeEnv) LatestNumeric(_ context.Context, _, key string) (float64, bool, bool, error) {
	if f.malformed[key] {
		return 0, true, true, nil
	}
	v, ok := f.numeric[key]
	return v, ok, false, nil
}

func (f *fakeEnv) Aggregate(_ context.Context, _, _ string, _ store.Aggregate, _ time.Duration) (float64, int64, error) {
	return f.aggValue, f.aggCount, nil
}

func (f *fakeEnv) Now() time.Time { return f.now }

func mustCompile(t *testing.T, typ model.RuleType, raw string) Condition {
	t.Helper()
	c, err := Compile(typ, []byte(raw))
	require.NoError(t, err)
	return c
}

func TestThresholdCondition(t *testing.T) {
	c := mustCompile(t, model.RuleThreshold, `{"key":"temperature","operator":">","value":90}`)
	require.Equal(t, []string{"temperature"}, c.Keys())

	env := &fakeEnv{numeric: map[string]float64{"temperature": 95}}
	out, err := c.Evaluate(context.Background(), env, "dev-1")
	require.NoError(t, err)
	require.True(t, out.Fired)
	require.Contains(t, out.Detail, "temperature=95")

	env.numeric["temperature"] = 90
	out, err = c.Evaluate(context.Background(), env, "dev-1")
	require.NoError(t, err)
	require.False(t, out.Fired)
}

func TestThresholdMissingDataNeverFires(t *testing.T) {
	c := mustCompile(t, model.RuleThreshold, `{"key":"temperature","operator":"!=","value":0}`)
	out, err := c.Evaluate(context.Background(), &fakeEnv{}, "dev-1")
	require.NoError(t, err)
	require.False(t, out.Fired, "no telemetry row must not satisfy any operator")
	require.False(t, out.Malformed)
}

func TestThresholdMalformedData(t *testing.T) {
	c := mustCompile(t, model.RuleThreshold, `{"key":"state","operator":">","value":1}`)
	out, err := c.Evaluate(context.Background(), &fakeEnv{malformed: map[string]bool{"state": true}}, "dev-1")
	require.NoError(t, err)
	require.False(t, out.Fired)
	require.True(t, out.Malformed, "string value against numeric threshold is malformed, not a miss")
}

func TestComparisonCondition(t *testing.T) {
	c := mustCompile(t, model.RuleComparison, `{"key_a":"inlet","operator":">","key_b":"outlet"}`)
	require.ElementsMatch(t, []string{"inlet", "outlet"}, c.Keys())

	env := &fakeEnv{numeric: map[string]float64{"inlet": 10, "outlet": 7}}
	out, err := c.Evaluate(context.Background(), env, "dev-1")
	require.NoError(t, err)
	require.True(t, out.Fired)

	// One side missing never fires.
	delete(env.numeric, "outlet")
	out, err = c.Evaluate(context.Background(), env, "dev-1")
	require.NoError(t, err)
	require.False(t, out.Fired)
}

func TestStatisticalCondition(t *testing.T) {
	c := mustCompile(t, model.RuleStatistical,
		`{"key":"pressure","aggregate":"avg","window_seconds":300,"operator":">=","value":4}`)

	env := &fakeEnv{aggValue: 4.5, aggCount: 12}
	out, err := c.Evaluate(context.Background(), env, "dev-1")
	require.NoError(t, err)
	require.True(t, out.Fired)

	env.aggCount = 0
	out, err = c.Evaluate(context.Background(), env, "dev-1")
	require.NoError(t, err)
	require.False(t, out.Fired, "zero samples must not fire")
}

func TestTimeWindowCondition(t *testing.T) {
	// Weekdays 09:00-17:59.
	c := mustCompile(t, model.RuleTimeWindow, `{
		"schedule_cron_expr": "* 9-17 * * 1-5",
		"inner_condition": {"type":"threshold","condition":{"key":"temperature","operator":">","value":90}}
	}`)

	env := &fakeEnv{
		numeric: map[string]float64{"temperature": 95},
		now:     time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC), // Monday
	}
	out, err := c.Evaluate(context.Background(), env, "dev-1")
	require.NoError(t, err)
	require.True(t, out.Fired)

	env.now = time.Date(2026, 8, 24, 22, 0, 0, 0, time.UTC)
	out, err = c.Evaluate(context.Background(), env, "dev-1")
	require.NoError(t, err)
	require.False(t, out.Fired, "outside the cron window the inner condition is not consulted")

	env.now = time.Date(2026, 8, 23, 10, 30, 0, 0, time.UTC) // Sunday
	out, err = c.Evaluate(context.Background(), env, "dev-1")
	require.NoError(t, err)
	require.False(t, out.Fired)
}

func TestCompileRejectsInvalid(t *testing.T) {
	cases := []struct {
		typ model.RuleType
		raw string
	}{
		{model.RuleThreshold, `{"key":"t","operator":"~","value":1}`},
		{model.RuleThreshold, `{"operator":">","value":1}`},
		{model.RuleComparison, `{"key_a":"a","operator":">"}`},
		{model.RuleStatistical, `{"key":"t","aggregate":"median","window_seconds":60,"operator":">","value":1}`},
		{model.RuleStatistical, `{"key":"t","aggregate":"avg","window_seconds":0,"operator":">","value":1}`},
		{model.RuleTimeWindow, `{"schedule_cron_expr":"not cron","inner_condition":{"type":"threshold","condition":{"key":"t","operator":">","value":1}}}`},
		{model.RuleType("unknown"), `{}`},
	}
	for _, tc := range cases {
		_, err := Compile(tc.typ, []byte(tc.raw))
		require.Error(t, err, "%s %s", tc.typ, tc.raw)
	}
}

func TestCompareOperators(t *testing.T) {
	require.True(t, compare(2, ">", 1))
	require.True(t, compare(1, "<", 2))
	require.True(t, compare(2, ">=", 2))
	require.True(t, compare(2, "<=", 2))
	require.True(t, compare(2, "==", 2))
	require.True(t, compare(2, "!=", 1))
	require.False(t, compare(1, ">", 2))
	require.False(t, compare(2, "unknown", 2))
}
