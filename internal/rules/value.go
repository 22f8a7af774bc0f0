package rules

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Kind is the type of a rule value.
type Kind int

// Value kinds.
const (
	KindNumber Kind = iota + 1
	KindString
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Value is a typed scalar that criteria compare against.
type Value struct {
	Kind Kind
	Num  decimal.Decimal
	Str  string
	Bool bool
}

// Number wraps a decimal.
func Number(d decimal.Decimal) Value { return Value{Kind: KindNumber, Num: d} }

// Int wraps an integer.
func Int(n int64) Value { return Number(decimal.NewFromInt(n)) }

// String wraps a string.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Equal compares two values of the same kind. Strings compare without
// regard to case since codes arrive in mixed case from upstream feeds.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Num.Equal(o.Num)
	case KindString:
		return strings.EqualFold(v.Str, o.Str)
	case KindBool:
		return v.Bool == o.Bool
	}
	return false
}

// Cmp orders two numbers. Both must be KindNumber.
func (v Value) Cmp(o Value) int {
	return v.Num.Cmp(o.Num)
}

func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return v.Num.String()
	case KindString:
		return v.Str
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	}
	return "<nil>"
}

// decodeValue parses a JSON scalar into a Value. Numbers keep their exact
// decimal representation.
func decodeValue(raw json.RawMessage) (Value, error) {
	var x any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&x); err != nil {
		return Value{}, eris.Wrap(err, "rules: decode value")
	}
	return valueOf(x)
}

func valueOf(x any) (Value, error) {
	switch t := x.(type) {
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return Value{}, eris.Wrapf(err, "rules: parse number %q", t)
		}
		return Number(d), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Value{}, eris.New("rules: null value")
	default:
		return Value{}, eris.Errorf("rules: unsupported value type %T", x)
	}
}

// decodeValues parses a JSON array of scalars.
func decodeValues(raw json.RawMessage) ([]Value, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, eris.Wrap(err, "rules: decode value list")
	}
	out := make([]Value, 0, len(items))
	for _, item := range items {
		v, err := decodeValue(item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
