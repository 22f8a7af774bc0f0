package rules

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/rxclaims/internal/model"
)

type legacyKey struct {
	field string
	op    Operator
}

// Flat criteria keys produced by the plan-rule generator and their
// structured equivalents.
var legacyCriteria = map[string]legacyKey{
	"drug_class":         {"drug.class", OpEq},
	"is_generic":         {"drug.generic", OpEq},
	"min_age":            {"member.age", OpGte},
	"max_age":            {"member.age", OpLte},
	"age_range":          {"member.age", OpBetween},
	"quantity_threshold": {"claim.quantity", OpGt},
	"days_supply":        {"claim.days_supply", OpEq},
	"min_days_supply":    {"claim.days_supply", OpGte},
	"cost_threshold":     {"claim.submitted_amount", OpGte},
	"tier":               {"formulary.tier", OpEq},
	"pharmacy_type":      {"pharmacy.type", OpEq},
	"gender":             {"member.gender", OpEq},
	"diagnosis":          {"claim.diagnosis_code", OpEq},
	"diagnosis_codes":    {"claim.diagnosis_code", OpIn},
	"acute_pain":         {"claim.acute_pain", OpEq},
	"dea_schedule":       {"drug.dea_schedule", OpEq},
	"drug_type":          {"drug.type", OpEq},
	"pregnancy_category": {"drug.pregnancy_category", OpEq},
}

func compileLegacyCriteria(obj map[string]json.RawMessage) (Criterion, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []Criterion
	for _, k := range keys {
		raw := obj[k]

		if k == "specialty" {
			v, err := decodeValue(raw)
			if err != nil || v.Kind != KindBool {
				return nil, eris.Errorf("rules: specialty must be a boolean")
			}
			op := OpEq
			if !v.Bool {
				op = OpNe
			}
			c, err := Compare("formulary.status", op, String(string(model.FormularySpecialty)))
			if err != nil {
				return nil, err
			}
			parts = append(parts, c)
			continue
		}
		if k == "diagnosis_required" {
			v, err := decodeValue(raw)
			if err != nil || v.Kind != KindBool {
				return nil, eris.Errorf("rules: diagnosis_required must be a boolean")
			}
			c, err := Compare("claim.diagnosis_code", OpExists)
			if err != nil {
				return nil, err
			}
			if !v.Bool {
				c = Not(c)
			}
			parts = append(parts, c)
			continue
		}

		lk, ok := legacyCriteria[k]
		if !ok {
			return nil, eris.Wrapf(ErrUnsupported, "criteria key %q", k)
		}
		var values []Value
		var err error
		if lk.op == OpBetween || lk.op == OpIn {
			values, err = decodeValues(raw)
		} else {
			var v Value
			v, err = decodeValue(raw)
			values = []Value{v}
		}
		if err != nil {
			return nil, eris.Wrapf(err, "rules: criteria key %q", k)
		}
		c, err := Compare(lk.field, lk.op, values...)
		if err != nil {
			return nil, err
		}
		parts = append(parts, c)
	}
	return All(parts...), nil
}

type legacyAction struct {
	Covered           *bool            `json:"covered"`
	DenialMessage     string           `json:"denial_message"`
	RequiresPA        bool             `json:"requires_pa"`
	RequiredFirstLine []string         `json:"required_first_line"`
	MaxQuantity       *decimal.Decimal `json:"max_quantity"`
	MaxDaysSupply     *int             `json:"max_days_supply"`
	Tier              int              `json:"tier"`
	Action            string           `json:"action"`
	WarningMessage    string           `json:"warning_message"`

	Copay           *decimal.Decimal `json:"copay"`
	Coinsurance     *decimal.Decimal `json:"coinsurance"`
	ApplyDeductible *bool            `json:"apply_deductible"`

	RequiredPharmacyType string `json:"required_pharmacy_type"`
	OutOfNetworkAllowed  bool   `json:"out_of_network_allowed"`

	RefillThreshold *decimal.Decimal `json:"refill_too_soon_threshold"`
	EarlyRefillDays int              `json:"early_refill_days"`
}

func compileLegacyAction(obj map[string]json.RawMessage) (Action, error) {
	b, _ := json.Marshal(obj)
	var la legacyAction
	if err := json.Unmarshal(b, &la); err != nil {
		return Action{}, eris.Wrap(err, "rules: decode legacy action")
	}

	var a Action
	switch {
	case la.Covered != nil && !*la.Covered:
		a = Action{Type: ActionDeny, Message: la.DenialMessage}
	case strings.EqualFold(la.Action, "REJECT"):
		a = Action{Type: ActionDeny, Message: la.WarningMessage}
	case la.RequiresPA:
		a = Action{Type: ActionRequirePA}
	case len(la.RequiredFirstLine) > 0:
		a = Action{Type: ActionRequireStepTherapy, Message: "first line: " + strings.Join(la.RequiredFirstLine, ", ")}
	case la.MaxQuantity != nil || la.MaxDaysSupply != nil:
		a = Action{Type: ActionCapQuantity, MaxQuantity: la.MaxQuantity, MaxDaysSupply: la.MaxDaysSupply}
	case la.Copay != nil || la.Coinsurance != nil:
		a = Action{
			Type:           ActionCostShare,
			CostShare:      legacyCostShare(la.Copay, la.Coinsurance),
			SkipDeductible: la.ApplyDeductible != nil && !*la.ApplyDeductible,
		}
	case la.RequiredPharmacyType != "":
		a = Action{
			Type:               ActionRequirePharmacy,
			PharmacyType:       model.PharmacyType(strings.ToUpper(la.RequiredPharmacyType)),
			AllowOtherPharmacy: la.OutOfNetworkAllowed,
		}
	case la.RefillThreshold != nil:
		a = Action{Type: ActionRefillLimit, RefillThreshold: *la.RefillThreshold, EarlyRefillDays: la.EarlyRefillDays}
	case la.Tier != 0:
		a = Action{Type: ActionOverrideTier, Tier: la.Tier}
	case la.Action != "":
		a = Action{Type: ActionFlag, Flag: strings.ToLower(la.Action), Message: la.WarningMessage}
	default:
		return Action{}, eris.Wrap(ErrUnsupported, "action has no recognized effect")
	}
	if err := a.Validate(); err != nil {
		return Action{}, err
	}
	return a, nil
}

// legacyCostShare picks the one cost-sharing form a flat document means.
// Generated documents carry both keys with the unused one zeroed.
func legacyCostShare(copay, coinsurance *decimal.Decimal) *model.TierTerms {
	switch {
	case copay != nil && copay.IsPositive():
		return &model.TierTerms{Copay: copay}
	case coinsurance != nil && coinsurance.IsPositive():
		return &model.TierTerms{Coinsurance: coinsurance}
	case copay != nil:
		return &model.TierTerms{Copay: copay}
	}
	return &model.TierTerms{Coinsurance: coinsurance}
}
