package rules

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"telemetry-gateway/internal/data"
)

func lowPressureHighFlow(t *testing.T) Rule {
	t.Helper()
	var spec ConditionSpec
	require.NoError(t, json.Unmarshal([]byte(`{
		"AND": [
			{"field": "pressure", "op": "LT", "value": 2.0},
			{"field": "flow", "op": "GT", "value": 100}
		]
	}`), &spec))

	r, err := Definition{ID: "R1", SensorType: "pressure", Condition: spec, Severity: data.SeverityHigh}.Build()
	require.NoError(t, err)
	return r
}

func TestEvaluate_AndCondition(t *testing.T) {
	r := lowPressureHighFlow(t)

	m := Evaluate(Facts{"pressure": 1.5, "flow": 150}, "pressure", []Rule{r})
	require.Len(t, m, 1)
	assert.Equal(t, "R1", m[0].RuleID)
	assert.Equal(t, data.SeverityHigh, m[0].Severity)

	assert.Empty(t, Evaluate(Facts{"pressure": 2.5, "flow": 150}, "pressure", []Rule{r}))
}

func TestEvaluate_ScopeAndActive(t *testing.T) {
	r := lowPressureHighFlow(t)
	facts := Facts{"pressure": 1.5, "flow": 150}

	assert.Empty(t, Evaluate(facts, "flow", []Rule{r}), "scoped to pressure sensors")

	r.SensorType = ScopeAll
	assert.Len(t, Evaluate(facts, "flow", []Rule{r}), 1)

	r.Active = false
	assert.Empty(t, Evaluate(facts, "flow", []Rule{r}))
}

func TestLeaf_MissingFieldIsFalse(t *testing.T) {
	assert.False(t, Leaf{Field: "flow", Op: OpNEQ, Value: 1}.Eval(Facts{"value": 3}))
}

func TestLeaf_Operators(t *testing.T) {
	f := Facts{"v": 5}
	cases := []struct {
		leaf Leaf
		want bool
	}{
		{Leaf{Field: "v", Op: OpGT, Value: 4}, true},
		{Leaf{Field: "v", Op: OpGT, Value: 5}, false},
		{Leaf{Field: "v", Op: OpGTE, Value: 5}, true},
		{Leaf{Field: "v", Op: OpLT, Value: 5}, false},
		{Leaf{Field: "v", Op: OpLTE, Value: 5}, true},
		{Leaf{Field: "v", Op: OpEQ, Value: 5}, true},
		{Leaf{Field: "v", Op: OpNEQ, Value: 5}, false},
		{Leaf{Field: "v", Op: OpBetween, Lo: 5, Hi: 6}, true},
		{Leaf{Field: "v", Op: OpBetween, Lo: 1, Hi: 4.9}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.leaf.Eval(f), "%s %v", tc.leaf.Op, tc.leaf.Value)
	}
}

type countingCondition struct{ calls *int }

func (c countingCondition) Eval(Facts) bool {
	*c.calls++
	return true
}

func TestShortCircuit(t *testing.T) {
	calls := 0
	never := Leaf{Field: "missing", Op: OpGT, Value: 0}
	always := Leaf{Field: "v", Op: OpGT, Value: 0}

	assert.False(t, And{Children: []Condition{never, countingCondition{&calls}}}.Eval(Facts{"v": 1}))
	assert.True(t, Or{Children: []Condition{always, countingCondition{&calls}}}.Eval(Facts{"v": 1}))
	assert.Zero(t, calls)
}

func TestCompile_Rejects(t *testing.T) {
	bad := []ConditionSpec{
		{},
		{Field: "v", Op: "LIKE", Value: 1.0},
		{Field: "v", Op: "GT", Value: "high"},
		{Field: "v", Op: "BETWEEN", Value: []interface{}{5.0, 1.0}},
		{Field: "v", Op: "BETWEEN", Value: 3.0},
		{And: []ConditionSpec{}},
		{Field: "v", Op: "GT", Value: 1.0, Or: []ConditionSpec{{Field: "w", Op: "GT", Value: 1.0}}},
	}
	for i, spec := range bad {
		_, err := Compile(spec)
		assert.Error(t, err, "case %d", i)
	}
}

func TestConditionSpec_YAMLUpperCaseKeys(t *testing.T) {
	src := `
OR:
  - field: battery_level
    op: lte
    value: 10
  - field: signal_strength
    op: between
    value: [-120, -100]
`
	var spec ConditionSpec
	require.NoError(t, yaml.Unmarshal([]byte(src), &spec))

	c, err := Compile(spec)
	require.NoError(t, err)
	assert.True(t, c.Eval(Facts{"battery_level": 50, "signal_strength": -110}))
	assert.False(t, c.Eval(Facts{"battery_level": 50, "signal_strength": -90}))
}

func TestNewFacts(t *testing.T) {
	battery := 12.0
	r := data.RawReading{SensorID: "P1", Value: 1.5, Quality: "bad", BatteryLevel: &battery}

	f := NewFacts(r, "pressure", 0.7, map[string]float64{"flow": 150})

	assert.Equal(t, Facts{
		"value":         1.5,
		"pressure":      1.5,
		"flow":          150,
		"score":         0.7,
		"quality":       QualityBad,
		"battery_level": 12,
	}, f)
}

func writeRules(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFileSource(t *testing.T) {
	path := writeRules(t, t.TempDir(), `
rules:
  - id: low-pressure-high-flow
    sensor_type: pressure
    severity: critical
    condition:
      and:
        - {field: pressure, op: LT, value: 2.0}
        - {field: flow, op: GT, value: 100}
  - id: disabled
    sensor_type: "*"
    severity: low
    active: false
    condition: {field: value, op: GT, value: 0}
  - id: weak-battery
    severity: low
    condition: {field: battery_level, op: LT, value: 15}
`)

	got, err := NewFileSource(path).ListActiveRules(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, data.SeverityCritical, got[0].SeverityOnMatch)
	assert.Equal(t, ScopeAll, got[1].SensorType)

	flowOnly, err := NewFileSource(path).ListActiveRules(context.Background(), "flow")
	require.NoError(t, err)
	require.Len(t, flowOnly, 1)
	assert.Equal(t, "weak-battery", flowOnly[0].ID)
}

type stubSource struct {
	rules []Rule
	err   error
}

func (s *stubSource) ListActiveRules(context.Context, string) ([]Rule, error) {
	return s.rules, s.err
}

func TestCache_KeepsLastKnownGood(t *testing.T) {
	src := &stubSource{rules: []Rule{lowPressureHighFlow(t)}}
	c := NewCache(src, 0, zerolog.Nop())

	require.NoError(t, c.Refresh(context.Background()))
	assert.Len(t, c.Rules(), 1)
	assert.False(t, c.Degraded())

	src.rules, src.err = nil, ErrRuleSourceUnavailable
	err := c.Refresh(context.Background())
	assert.True(t, errors.Is(err, ErrRuleSourceUnavailable))
	assert.True(t, c.Degraded())
	assert.Len(t, c.Rules(), 1)
	assert.Len(t, c.Evaluate(Facts{"pressure": 1.5, "flow": 150}, "pressure"), 1)

	src.rules, src.err = []Rule{}, nil
	require.NoError(t, c.Refresh(context.Background()))
	assert.False(t, c.Degraded())
	assert.Empty(t, c.Rules())
}

func TestFileSource_MissingFile(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "nope.yaml")).ListActiveRules(context.Background(), "")
	assert.ErrorIs(t, err, ErrRuleSourceUnavailable)
}
