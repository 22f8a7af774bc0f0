package model

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// TierTerms is the cost-sharing rule of one formulary tier. Exactly one of
// Copay and Coinsurance is set.
type TierTerms struct {
	Copay       *decimal.Decimal `json:"copay,omitempty" yaml:"copay"`
	Coinsurance *decimal.Decimal `json:"coinsurance,omitempty" yaml:"coinsurance"`
}

// BenefitTerms are the cost-sharing terms of a plan.
type BenefitTerms struct {
	PlanID             string            `json:"plan_id" yaml:"plan_id"`
	FormularyID        string            `json:"formulary_id" yaml:"formulary_id"`
	NetworkIDs         []string          `json:"network_ids,omitempty" yaml:"network_ids"`
	PlanYearStartMonth int               `json:"plan_year_start_month,omitempty" yaml:"plan_year_start_month"`
	AnnualDeductible   decimal.Decimal   `json:"annual_deductible" yaml:"annual_deductible"`
	OutOfPocketMax     decimal.Decimal   `json:"out_of_pocket_max" yaml:"out_of_pocket_max"`
	Tiers              map[int]TierTerms `json:"tiers" yaml:"tiers"`
	// MaxDaysSupply caps the days supply of any one fill. Zero means
	// DefaultMaxDaysSupply.
	MaxDaysSupply int `json:"max_days_supply,omitempty" yaml:"max_days_supply"`
}

// DefaultMaxDaysSupply is the plan limit on days supply when a plan sets none.
const DefaultMaxDaysSupply = 90

// DaysSupplyLimit returns the plan's effective days supply limit.
func (b BenefitTerms) DaysSupplyLimit() int {
	if b.MaxDaysSupply > 0 {
		return b.MaxDaysSupply
	}
	return DefaultMaxDaysSupply
}

// Validate checks that every tier 1-5 is defined with exactly one
// cost-sharing rule and that amounts are non-negative.
func (b BenefitTerms) Validate() error {
	if b.PlanID == "" {
		return eris.New("model: benefit terms require plan_id")
	}
	if b.FormularyID == "" {
		return eris.Errorf("model: plan %s has no formulary", b.PlanID)
	}
	if b.PlanYearStartMonth < 0 || b.PlanYearStartMonth > 12 {
		return eris.Errorf("model: plan %s has invalid plan year start month %d", b.PlanID, b.PlanYearStartMonth)
	}
	if b.MaxDaysSupply < 0 {
		return eris.Errorf("model: plan %s has negative max days supply", b.PlanID)
	}
	if b.AnnualDeductible.IsNegative() || b.OutOfPocketMax.IsNegative() {
		return eris.Errorf("model: plan %s has negative deductible or out-of-pocket max", b.PlanID)
	}
	for tier := MinTier; tier <= MaxTier; tier++ {
		t, ok := b.Tiers[tier]
		if !ok {
			return eris.Errorf("model: plan %s is missing tier %d terms", b.PlanID, tier)
		}
		switch {
		case t.Copay != nil && t.Coinsurance != nil:
			return eris.Errorf("model: plan %s tier %d sets both copay and coinsurance", b.PlanID, tier)
		case t.Copay == nil && t.Coinsurance == nil:
			return eris.Errorf("model: plan %s tier %d sets neither copay nor coinsurance", b.PlanID, tier)
		case t.Copay != nil && t.Copay.IsNegative():
			return eris.Errorf("model: plan %s tier %d copay is negative", b.PlanID, tier)
		case t.Coinsurance != nil && (t.Coinsurance.IsNegative() || t.Coinsurance.GreaterThan(decimal.NewFromInt(1))):
			return eris.Errorf("model: plan %s tier %d coinsurance outside [0,1]", b.PlanID, tier)
		}
	}
	return nil
}

// PlanYear returns the plan year a date of service falls in. Plans whose
// year starts mid-calendar attribute early months to the previous year.
func (b BenefitTerms) PlanYear(date Date) int {
	start := time.Month(b.PlanYearStartMonth)
	if start < time.January {
		start = time.January
	}
	if date.Month() < start {
		return date.Year() - 1
	}
	return date.Year()
}
