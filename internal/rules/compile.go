package rules

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/rxclaims/internal/model"
)

// ErrUnsupported marks rule documents that use keys this engine cannot
// evaluate. Callers loading bulk reference data may skip such rules.
var ErrUnsupported = errors.New("rules: unsupported rule document")

// Rule is a plan rule with its criteria and action compiled.
type Rule struct {
	ID       int64
	PlanID   string
	Type     string
	Name     string
	Priority int
	Active   bool
	When     Criterion
	Action   Action
}

// Compile parses a stored rule. Both the structured form
// ({"all":[{"field":..,"op":..,"value":..}]}, {"type":"deny"}) and the flat
// legacy form ({"drug_class":..,"min_age":..}, {"requires_pa":true}) are
// accepted.
func Compile(r model.PlanRule) (*Rule, error) {
	when, err := CompileCriteria(r.Criteria)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: compile criteria of rule %d", r.ID)
	}
	action, err := CompileAction(r.Action)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: compile action of rule %d", r.ID)
	}
	return &Rule{
		ID:       r.ID,
		PlanID:   r.PlanID,
		Type:     r.Type,
		Name:     r.Name,
		Priority: r.Priority,
		Active:   r.Active,
		When:     when,
		Action:   action,
	}, nil
}

// CompileCriteria parses a criteria document. An empty document matches
// every claim.
func CompileCriteria(doc string) (Criterion, error) {
	doc = strings.TrimSpace(doc)
	if doc == "" || doc == "null" {
		return matchAll{}, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(doc), &obj); err != nil {
		return nil, eris.Wrap(err, "rules: criteria is not a JSON object")
	}
	if len(obj) == 0 {
		return matchAll{}, nil
	}
	if isStructured(obj) {
		return compileNode(obj)
	}
	return compileLegacyCriteria(obj)
}

func isStructured(obj map[string]json.RawMessage) bool {
	for _, k := range []string{"field", "all", "any", "not"} {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

func compileRaw(raw json.RawMessage) (Criterion, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, eris.Wrap(err, "rules: criteria node is not a JSON object")
	}
	return compileNode(obj)
}

func compileList(raw json.RawMessage) ([]Criterion, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, eris.Wrap(err, "rules: combinator needs a list")
	}
	out := make([]Criterion, 0, len(items))
	for _, item := range items {
		c, err := compileRaw(item)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func compileNode(obj map[string]json.RawMessage) (Criterion, error) {
	if raw, ok := obj["all"]; ok {
		if len(obj) != 1 {
			return nil, eris.New("rules: all must be the only key of its node")
		}
		children, err := compileList(raw)
		if err != nil {
			return nil, err
		}
		return All(children...), nil
	}
	if raw, ok := obj["any"]; ok {
		if len(obj) != 1 {
			return nil, eris.New("rules: any must be the only key of its node")
		}
		children, err := compileList(raw)
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			return nil, eris.New("rules: any needs at least one child")
		}
		return Any(children...), nil
	}
	if raw, ok := obj["not"]; ok {
		if len(obj) != 1 {
			return nil, eris.New("rules: not must be the only key of its node")
		}
		inner, err := compileRaw(raw)
		if err != nil {
			return nil, err
		}
		return Not(inner), nil
	}

	var leaf struct {
		Field  string          `json:"field"`
		Op     Operator        `json:"op"`
		Value  json.RawMessage `json:"value"`
		Values json.RawMessage `json:"values"`
	}
	b, _ := json.Marshal(obj)
	if err := json.Unmarshal(b, &leaf); err != nil {
		return nil, eris.Wrap(err, "rules: decode comparison")
	}
	if leaf.Field == "" {
		return nil, eris.New("rules: comparison needs a field")
	}
	if leaf.Op == "" {
		leaf.Op = OpEq
	}

	var values []Value
	switch {
	case len(leaf.Values) > 0:
		vs, err := decodeValues(leaf.Values)
		if err != nil {
			return nil, err
		}
		values = vs
	case len(leaf.Value) > 0 && leaf.Value[0] == '[':
		vs, err := decodeValues(leaf.Value)
		if err != nil {
			return nil, err
		}
		values = vs
	case len(leaf.Value) > 0:
		v, err := decodeValue(leaf.Value)
		if err != nil {
			return nil, err
		}
		values = []Value{v}
	}
	return Compare(leaf.Field, leaf.Op, values...)
}

type actionDoc struct {
	Type          ActionType       `json:"type"`
	Reason        string           `json:"reason"`
	Message       string           `json:"message"`
	Tier          int              `json:"tier"`
	MaxQuantity   *decimal.Decimal `json:"max_quantity"`
	MaxDaysSupply *int             `json:"max_days_supply"`
	Flag          string           `json:"flag"`

	Copay              *decimal.Decimal   `json:"copay"`
	Coinsurance        *decimal.Decimal   `json:"coinsurance"`
	ApplyDeductible    *bool              `json:"apply_deductible"`
	PharmacyType       model.PharmacyType `json:"pharmacy_type"`
	AllowOtherPharmacy bool               `json:"allow_other_pharmacy"`
	RefillThreshold    decimal.Decimal    `json:"refill_threshold"`
	EarlyRefillDays    int                `json:"early_refill_days"`
}

// CompileAction parses an action document.
func CompileAction(doc string) (Action, error) {
	doc = strings.TrimSpace(doc)
	if doc == "" || doc == "null" {
		return Action{}, eris.New("rules: empty action")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(doc), &obj); err != nil {
		return Action{}, eris.Wrap(err, "rules: action is not a JSON object")
	}
	if _, ok := obj["type"]; !ok {
		return compileLegacyAction(obj)
	}

	var a actionDoc
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return Action{}, eris.Wrap(err, "rules: decode action")
	}
	action := Action{
		Type:          a.Type,
		Reason:        model.ReasonCode(strings.ToUpper(a.Reason)),
		Message:       a.Message,
		Tier:          a.Tier,
		MaxQuantity:   a.MaxQuantity,
		MaxDaysSupply: a.MaxDaysSupply,
		Flag:          a.Flag,

		PharmacyType:       model.PharmacyType(strings.ToUpper(string(a.PharmacyType))),
		AllowOtherPharmacy: a.AllowOtherPharmacy,
		RefillThreshold:    a.RefillThreshold,
		EarlyRefillDays:    a.EarlyRefillDays,
	}
	if a.Type == ActionCostShare {
		action.CostShare = &model.TierTerms{Copay: a.Copay, Coinsurance: a.Coinsurance}
		action.SkipDeductible = a.ApplyDeductible != nil && !*a.ApplyDeductible
	}
	if err := action.Validate(); err != nil {
		return Action{}, err
	}
	return action, nil
}
