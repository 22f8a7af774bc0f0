// Package costshare splits a claim's allowed amount between member and plan.
package costshare

import (
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/rxclaims/internal/model"
)

// CentPlaces is the number of decimal places amounts are rounded to.
const CentPlaces = 2

// Input is everything a split depends on. Totals are the accumulators as
// they stand before this claim. Override, when set, is used in place of the
// tier's terms.
type Input struct {
	Terms          *model.BenefitTerms
	Tier           int
	Allowed        decimal.Decimal
	Totals         model.AccumulatorTotals
	Override       *model.TierTerms
	SkipDeductible bool
}

// Split is the member/plan division of one claim.
type Split struct {
	Allowed           decimal.Decimal
	PatientPay        decimal.Decimal
	PlanPay           decimal.Decimal
	DeductibleApplied decimal.Decimal
	TierShare         decimal.Decimal
	// StopLoss is the member share shifted to the plan by the out-of-pocket cap.
	StopLoss      decimal.Decimal
	OOPMaxReached bool
}

// OOPApplied is the amount that counts toward the out-of-pocket maximum.
func (s Split) OOPApplied() decimal.Decimal { return s.PatientPay }

// Calculator computes cost-sharing splits. It is stateless and safe for
// concurrent use.
type Calculator struct{}

// NewCalculator returns a Calculator.
func NewCalculator() *Calculator { return &Calculator{} }

// AllowedAmount prices the approved quantity: the ingredient cost is
// prorated by approved over submitted quantity and the dispensing fee is
// added in full.
func AllowedAmount(claim model.ClaimRequest, approvedQty decimal.Decimal) decimal.Decimal {
	ingredient := claim.IngredientCost
	if claim.Quantity.IsPositive() && approvedQty.LessThan(claim.Quantity) {
		ingredient = ingredient.Mul(approvedQty).Div(claim.Quantity)
	}
	return ingredient.Add(claim.DispensingFee)
}

// Split applies the deductible, then the tier's copay or coinsurance, then
// caps the member share at the remaining out-of-pocket room. Arithmetic is
// exact; amounts are rounded half-up to cents once at the end and plan pay is
// derived from the rounded figures so the two shares always sum to allowed.
func (c *Calculator) Split(in Input) (Split, error) {
	if in.Terms == nil {
		return Split{}, eris.New("costshare: missing benefit terms")
	}
	terms, ok := in.Terms.Tiers[in.Tier]
	if in.Override != nil {
		terms, ok = *in.Override, true
	}
	if !ok {
		return Split{}, eris.Errorf("costshare: plan %s has no terms for tier %d", in.Terms.PlanID, in.Tier)
	}
	if in.Allowed.IsNegative() {
		return Split{}, eris.Errorf("costshare: negative allowed amount %s", in.Allowed)
	}

	allowed := in.Allowed

	var deductible decimal.Decimal
	if !in.SkipDeductible {
		deductibleRoom := clampZero(in.Terms.AnnualDeductible.Sub(in.Totals.DeductibleMet))
		deductible = decimal.Min(allowed, deductibleRoom)
	}

	remaining := allowed.Sub(deductible)
	var tierShare decimal.Decimal
	switch {
	case terms.Copay != nil:
		tierShare = decimal.Min(*terms.Copay, remaining)
	case terms.Coinsurance != nil:
		tierShare = remaining.Mul(*terms.Coinsurance)
	default:
		return Split{}, eris.Errorf("costshare: plan %s tier %d has no cost-sharing rule", in.Terms.PlanID, in.Tier)
	}

	patient := deductible.Add(tierShare)
	oopRoom := clampZero(in.Terms.OutOfPocketMax.Sub(in.Totals.OutOfPocketMet))
	var stopLoss decimal.Decimal
	if patient.GreaterThan(oopRoom) {
		stopLoss = patient.Sub(oopRoom)
		patient = oopRoom
		deductible = decimal.Min(deductible, patient)
	}

	out := Split{
		Allowed:           allowed.Round(CentPlaces),
		PatientPay:        patient.Round(CentPlaces),
		DeductibleApplied: deductible.Round(CentPlaces),
		TierShare:         tierShare.Round(CentPlaces),
		StopLoss:          stopLoss.Round(CentPlaces),
		OOPMaxReached:     stopLoss.IsPositive(),
	}
	out.PlanPay = out.Allowed.Sub(out.PatientPay)
	return out, nil
}

func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
