package rules

import (
	"github.com/rotisserie/eris"
)

// Operator is a comparison operator in a criteria leaf.
type Operator string

// Supported operators.
const (
	OpEq      Operator = "eq"
	OpNe      Operator = "ne"
	OpGt      Operator = "gt"
	OpGte     Operator = "gte"
	OpLt      Operator = "lt"
	OpLte     Operator = "lte"
	OpBetween Operator = "between"
	OpIn      Operator = "in"
	OpNotIn   Operator = "not_in"
	OpExists  Operator = "exists"
)

// Criterion is a compiled predicate over a Context.
type Criterion interface {
	Match(c *Context) bool
}

type matchAll struct{}

func (matchAll) Match(*Context) bool { return true }

type allOf []Criterion

func (a allOf) Match(c *Context) bool {
	for _, n := range a {
		if !n.Match(c) {
			return false
		}
	}
	return true
}

type anyOf []Criterion

func (a anyOf) Match(c *Context) bool {
	for _, n := range a {
		if n.Match(c) {
			return true
		}
	}
	return false
}

type negation struct{ inner Criterion }

func (n negation) Match(c *Context) bool { return !n.inner.Match(c) }

// comparison is a single field test. A missing field fails every operator
// except exists.
type comparison struct {
	field  string
	get    accessor
	op     Operator
	values []Value
}

func (cmp comparison) Match(c *Context) bool {
	v, ok := cmp.get(c)
	if cmp.op == OpExists {
		return ok
	}
	if !ok {
		return false
	}
	switch cmp.op {
	case OpEq:
		return v.Equal(cmp.values[0])
	case OpNe:
		return !v.Equal(cmp.values[0])
	case OpGt:
		return v.Cmp(cmp.values[0]) > 0
	case OpGte:
		return v.Cmp(cmp.values[0]) >= 0
	case OpLt:
		return v.Cmp(cmp.values[0]) < 0
	case OpLte:
		return v.Cmp(cmp.values[0]) <= 0
	case OpBetween:
		return v.Cmp(cmp.values[0]) >= 0 && v.Cmp(cmp.values[1]) <= 0
	case OpIn:
		return containsValue(cmp.values, v)
	case OpNotIn:
		return !containsValue(cmp.values, v)
	}
	return false
}

func containsValue(values []Value, v Value) bool {
	for _, x := range values {
		if x.Equal(v) {
			return true
		}
	}
	return false
}

// Compare builds a comparison leaf, checking the field exists and the
// operands fit the operator and the field's kind.
func Compare(name string, op Operator, values ...Value) (Criterion, error) {
	f, ok := fields[name]
	if !ok {
		return nil, eris.Errorf("rules: unknown field %q", name)
	}

	want := -1
	ordered := false
	switch op {
	case OpEq, OpNe:
		want = 1
	case OpGt, OpGte, OpLt, OpLte:
		want, ordered = 1, true
	case OpBetween:
		want, ordered = 2, true
	case OpIn, OpNotIn:
		if len(values) == 0 {
			return nil, eris.Errorf("rules: %s on %s needs at least one value", op, name)
		}
	case OpExists:
		want = 0
	default:
		return nil, eris.Errorf("rules: unknown operator %q", op)
	}
	if want >= 0 && len(values) != want {
		return nil, eris.Errorf("rules: %s on %s takes %d value(s), got %d", op, name, want, len(values))
	}
	if ordered && f.kind != KindNumber {
		return nil, eris.Errorf("rules: %s needs a numeric field, %s is %s", op, name, f.kind)
	}
	for _, v := range values {
		if v.Kind != f.kind {
			return nil, eris.Errorf("rules: field %s is %s, value %s is %s", name, f.kind, v, v.Kind)
		}
	}
	if op == OpBetween && values[0].Cmp(values[1]) > 0 {
		return nil, eris.Errorf("rules: between on %s has lower bound above upper bound", name)
	}

	return comparison{field: name, get: f.get, op: op, values: values}, nil
}

// All matches when every criterion matches. An empty All matches everything.
func All(c ...Criterion) Criterion {
	if len(c) == 0 {
		return matchAll{}
	}
	return allOf(c)
}

// Any matches when at least one criterion matches.
func Any(c ...Criterion) Criterion { return anyOf(c) }

// Not inverts a criterion.
func Not(c Criterion) Criterion { return negation{inner: c} }
