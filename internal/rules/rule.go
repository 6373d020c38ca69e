package rules

import (
	"fmt"
	"strings"

	"telemetry-gateway/internal/data"
)

// ScopeAll matches every sensor type.
const ScopeAll = "*"

// Rule is an operator-defined condition. Rules are read only here; editing
// them belongs to the admin tooling.
type Rule struct {
	ID              string
	SensorType      string
	Condition       Condition
	SeverityOnMatch data.Severity
	Active          bool
}

// Definition is the stored form of a rule.
type Definition struct {
	ID         string        `json:"id" yaml:"id"`
	SensorType string        `json:"sensor_type" yaml:"sensor_type"`
	Condition  ConditionSpec `json:"condition" yaml:"condition"`
	Severity   data.Severity `json:"severity" yaml:"severity"`
	Active     *bool         `json:"active,omitempty" yaml:"active,omitempty"`
}

// Build compiles the definition. Active defaults to true.
func (d Definition) Build() (Rule, error) {
	if d.ID == "" {
		return Rule{}, fmt.Errorf("rule without id")
	}
	cond, err := Compile(d.Condition)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", d.ID, err)
	}
	scope := strings.ToLower(strings.TrimSpace(d.SensorType))
	if scope == "" {
		scope = ScopeAll
	}
	return Rule{
		ID:              d.ID,
		SensorType:      scope,
		Condition:       cond,
		SeverityOnMatch: d.Severity,
		Active:          d.Active == nil || *d.Active,
	}, nil
}

func (r Rule) Applies(sensorType string) bool {
	return r.Active && (r.SensorType == ScopeAll || r.SensorType == sensorType)
}

type Match struct {
	RuleID   string
	Severity data.Severity
}

// Evaluate returns the rules in scope whose condition holds for the facts,
// in rule order.
func Evaluate(facts Facts, sensorType string, rules []Rule) []Match {
	var out []Match
	for _, r := range rules {
		if !r.Applies(sensorType) || r.Condition == nil {
			continue
		}
		if r.Condition.Eval(facts) {
			out = append(out, Match{RuleID: r.ID, Severity: r.SeverityOnMatch})
		}
	}
	return out
}

// Quality fact values.
const (
	QualityGood    = 1.0
	QualityUnknown = 0.5
	QualityBad     = 0.0
)

// NewFacts builds the fact set for one reading. The reading's own value is
// also exposed under its sensor type so multi-sensor conditions read
// naturally; siblings maps sensor type to that sibling's latest value.
func NewFacts(r data.RawReading, sensorType string, score float64, siblings map[string]float64) Facts {
	f := Facts{
		"value": r.Value,
		"score": score,
	}
	for k, v := range siblings {
		f[k] = v
	}
	if sensorType != "" {
		f[sensorType] = r.Value
	}

	switch {
	case r.Quality == "" || strings.EqualFold(r.Quality, "good"):
		f["quality"] = QualityGood
	case r.Faulty():
		f["quality"] = QualityBad
	default:
		f["quality"] = QualityUnknown
	}
	if r.BatteryLevel != nil {
		f["battery_level"] = *r.BatteryLevel
	}
	if r.SignalStrength != nil {
		f["signal_strength"] = *r.SignalStrength
	}
	return f
}
