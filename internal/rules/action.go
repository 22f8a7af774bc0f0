package rules

import (
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/rxclaims/internal/model"
)

// ActionType is what a matching rule does to the claim.
type ActionType string

// Supported actions.
const (
	ActionDeny               ActionType = "deny"
	ActionRequirePA          ActionType = "require_pa"
	ActionRequireStepTherapy ActionType = "require_step_therapy"
	ActionOverrideTier       ActionType = "override_tier"
	ActionCapQuantity        ActionType = "cap_quantity"
	ActionFlag               ActionType = "flag"
	ActionCostShare          ActionType = "cost_share"
	ActionRequirePharmacy    ActionType = "require_pharmacy_type"
	ActionRefillLimit        ActionType = "refill_limit"
)

// Action is a compiled rule action.
type Action struct {
	Type          ActionType
	Reason        model.ReasonCode
	Message       string
	Tier          int
	MaxQuantity   *decimal.Decimal
	MaxDaysSupply *int
	Flag          string

	// CostShare replaces the tier's copay or coinsurance for the claim.
	CostShare *model.TierTerms
	// SkipDeductible exempts the claim from the deductible.
	SkipDeductible bool

	PharmacyType model.PharmacyType
	// AllowOtherPharmacy turns a pharmacy type mismatch into a flag.
	AllowOtherPharmacy bool

	// RefillThreshold is the share of the previous fill's days supply that
	// must elapse before the same drug may be filled again.
	RefillThreshold decimal.Decimal
	EarlyRefillDays int
}

// Validate checks the action's parameters and fills in default reasons.
func (a *Action) Validate() error {
	switch a.Type {
	case ActionDeny:
		if a.Reason == "" {
			a.Reason = model.ReasonRuleDenied
		}
	case ActionRequirePA:
		a.Reason = model.ReasonPriorAuthRequired
	case ActionRequireStepTherapy:
		a.Reason = model.ReasonStepTherapyRequired
	case ActionOverrideTier:
		if a.Tier < model.MinTier || a.Tier > model.MaxTier {
			return eris.Errorf("rules: override_tier to %d outside [%d,%d]", a.Tier, model.MinTier, model.MaxTier)
		}
		a.Reason = model.ReasonTierOverride
	case ActionCapQuantity:
		if a.MaxQuantity == nil && a.MaxDaysSupply == nil {
			return eris.New("rules: cap_quantity needs max_quantity or max_days_supply")
		}
		if a.MaxQuantity != nil && !a.MaxQuantity.IsPositive() {
			return eris.New("rules: cap_quantity max_quantity must be positive")
		}
		if a.MaxDaysSupply != nil && *a.MaxDaysSupply <= 0 {
			return eris.New("rules: cap_quantity max_days_supply must be positive")
		}
	case ActionFlag:
		if a.Reason == "" {
			a.Reason = model.ReasonRuleFlag
		}
	case ActionCostShare:
		if err := validateCostShare(a.CostShare); err != nil {
			return err
		}
		a.Reason = model.ReasonCostShareOverride
	case ActionRequirePharmacy:
		if a.PharmacyType == "" {
			return eris.New("rules: require_pharmacy_type needs pharmacy_type")
		}
		if a.Reason == "" {
			a.Reason = model.ReasonPharmacyNotInNetwork
		}
	case ActionRefillLimit:
		if !a.RefillThreshold.IsPositive() || a.RefillThreshold.GreaterThan(decimal.NewFromInt(1)) {
			return eris.Errorf("rules: refill_limit threshold %s outside (0,1]", a.RefillThreshold)
		}
		if a.EarlyRefillDays < 0 {
			return eris.New("rules: refill_limit early_refill_days must not be negative")
		}
		a.Reason = model.ReasonRefillTooSoon
	default:
		return eris.Errorf("rules: unknown action %q", a.Type)
	}
	return nil
}

func validateCostShare(t *model.TierTerms) error {
	switch {
	case t == nil || (t.Copay == nil && t.Coinsurance == nil):
		return eris.New("rules: cost_share needs copay or coinsurance")
	case t.Copay != nil && t.Coinsurance != nil:
		return eris.New("rules: cost_share sets both copay and coinsurance")
	case t.Copay != nil && t.Copay.IsNegative():
		return eris.New("rules: cost_share copay is negative")
	case t.Coinsurance != nil && (t.Coinsurance.IsNegative() || t.Coinsurance.GreaterThan(decimal.NewFromInt(1))):
		return eris.New("rules: cost_share coinsurance outside [0,1]")
	}
	return nil
}
