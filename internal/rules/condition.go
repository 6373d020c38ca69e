// internal/rules/condition.go
package rules

import (
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"
)

type Op string

const (
	OpGT      Op = "GT"
	OpLT      Op = "LT"
	OpGTE     Op = "GTE"
	OpLTE     Op = "LTE"
	OpEQ      Op = "EQ"
	OpNEQ     Op = "NEQ"
	OpBetween Op = "BETWEEN"
)

// Facts are the named numeric values a condition is evaluated against.
type Facts map[string]float64

// Condition is a node of a compiled condition tree: Leaf, And or Or.
type Condition interface {
	Eval(f Facts) bool
}

type Leaf struct {
	Field string
	Op    Op
	Value float64
	Lo    float64
	Hi    float64
}

// Eval is false when the field is absent from the facts.
func (l Leaf) Eval(f Facts) bool {
	v, ok := f[l.Field]
	if !ok || math.IsNaN(v) {
		return false
	}
	switch l.Op {
	case OpGT:
		return v > l.Value
	case OpLT:
		return v < l.Value
	case OpGTE:
		return v >= l.Value
	case OpLTE:
		return v <= l.Value
	case OpEQ:
		return v == l.Value
	case OpNEQ:
		return v != l.Value
	case OpBetween:
		return v >= l.Lo && v <= l.Hi
	}
	return false
}

type And struct{ Children []Condition }

func (a And) Eval(f Facts) bool {
	for _, c := range a.Children {
		if !c.Eval(f) {
			return false
		}
	}
	return true
}

type Or struct{ Children []Condition }

func (o Or) Eval(f Facts) bool {
	for _, c := range o.Children {
		if c.Eval(f) {
			return true
		}
	}
	return false
}

// ConditionSpec is the serialized form of a condition tree, as stored in
// rule files and the rules table. Exactly one of And, Or or Field is set.
// Value is a number, or a [lo, hi] pair for BETWEEN.
type ConditionSpec struct {
	And   []ConditionSpec `json:"and,omitempty" yaml:"and,omitempty"`
	Or    []ConditionSpec `json:"or,omitempty" yaml:"or,omitempty"`
	Field string          `json:"field,omitempty" yaml:"field,omitempty"`
	Op    string          `json:"op,omitempty" yaml:"op,omitempty"`
	Value interface{}     `json:"value,omitempty" yaml:"value,omitempty"`
}

// UnmarshalYAML accepts AND/OR keys in any case, like encoding/json does.
func (c *ConditionSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		for i := 0; i < len(node.Content); i += 2 {
			node.Content[i].Value = strings.ToLower(node.Content[i].Value)
		}
	}
	type plain ConditionSpec
	return node.Decode((*plain)(c))
}

// Compile validates a condition definition and builds the evaluable tree.
func Compile(spec ConditionSpec) (Condition, error) {
	set := 0
	if spec.And != nil {
		set++
	}
	if spec.Or != nil {
		set++
	}
	if spec.Field != "" {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("condition must have exactly one of and, or, field")
	}

	switch {
	case spec.And != nil:
		children, err := compileAll(spec.And)
		if err != nil {
			return nil, fmt.Errorf("and: %w", err)
		}
		return And{Children: children}, nil
	case spec.Or != nil:
		children, err := compileAll(spec.Or)
		if err != nil {
			return nil, fmt.Errorf("or: %w", err)
		}
		return Or{Children: children}, nil
	}
	return compileLeaf(spec)
}

func compileAll(specs []ConditionSpec) ([]Condition, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("empty child list")
	}
	out := make([]Condition, 0, len(specs))
	for i, s := range specs {
		c, err := Compile(s)
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func compileLeaf(spec ConditionSpec) (Condition, error) {
	op := Op(strings.ToUpper(strings.TrimSpace(spec.Op)))
	leaf := Leaf{Field: spec.Field, Op: op}

	switch op {
	case OpGT, OpLT, OpGTE, OpLTE, OpEQ, OpNEQ:
		v, ok := toFloat(spec.Value)
		if !ok {
			return nil, fmt.Errorf("field %s: %s needs a numeric value, got %v", spec.Field, op, spec.Value)
		}
		leaf.Value = v
	case OpBetween:
		pair, ok := spec.Value.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("field %s: BETWEEN needs a [lo, hi] pair", spec.Field)
		}
		lo, okLo := toFloat(pair[0])
		hi, okHi := toFloat(pair[1])
		if !okLo || !okHi || lo > hi {
			return nil, fmt.Errorf("field %s: invalid BETWEEN range %v", spec.Field, pair)
		}
		leaf.Lo, leaf.Hi = lo, hi
	default:
		return nil, fmt.Errorf("field %s: unknown operator %q", spec.Field, spec.Op)
	}
	return leaf, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
