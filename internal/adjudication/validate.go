package adjudication

import (
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rxclaims/internal/formulary"
	"github.com/sells-group/rxclaims/internal/model"
)

// Sentinel errors behind ERROR results. ResultError maps a result back to
// one of these.
var (
	ErrValidation  = errors.New("adjudication: invalid claim")
	ErrLookup      = errors.New("adjudication: reference lookup failed")
	ErrAccumulator = errors.New("adjudication: accumulator update failed")
)

// NDCLength is the number of digits in a normalized drug code.
const NDCLength = 11

// Validate checks the structural fields of a claim.
func Validate(c model.ClaimRequest) error {
	switch {
	case c.MemberID == "":
		return eris.Wrap(ErrValidation, "missing member_id")
	case c.PharmacyID == "":
		return eris.Wrap(ErrValidation, "missing pharmacy_id")
	case c.DrugCode == "":
		return eris.Wrap(ErrValidation, "missing ndc")
	case !validNDC(c.DrugCode):
		return eris.Wrapf(ErrValidation, "ndc %q is not %d digits", c.DrugCode, NDCLength)
	case !c.Quantity.IsPositive():
		return eris.Wrapf(ErrValidation, "quantity_dispensed %s must be positive", c.Quantity)
	case c.DaysSupply <= 0:
		return eris.Wrapf(ErrValidation, "days_supply %d must be positive", c.DaysSupply)
	case c.DateOfService.IsZero():
		return eris.Wrap(ErrValidation, "missing date_of_service")
	case c.IngredientCost.IsNegative():
		return eris.Wrap(ErrValidation, "ingredient_cost is negative")
	case c.DispensingFee.IsNegative():
		return eris.Wrap(ErrValidation, "dispensing_fee is negative")
	}
	return nil
}

func validNDC(code string) bool {
	n := formulary.NormalizeNDC(code)
	if len(n) != NDCLength {
		return false
	}
	for i := 0; i < len(n); i++ {
		if n[i] < '0' || n[i] > '9' {
			return false
		}
	}
	return true
}

// ResultError returns the sentinel behind an ERROR result, or nil for any
// other status.
func ResultError(r *model.AdjudicationResult) error {
	if r == nil || r.Status != model.ClaimStatusError {
		return nil
	}
	switch {
	case r.HasReason(model.ReasonInvalidClaim):
		return ErrValidation
	case r.HasReason(model.ReasonAccumulatorFailure):
		return ErrAccumulator
	default:
		return ErrLookup
	}
}
