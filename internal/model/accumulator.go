package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AccumulatorKey identifies one member's running totals for a plan year.
type AccumulatorKey struct {
	MemberID string `json:"member_id"`
	PlanID   string `json:"plan_id"`
	PlanYear int    `json:"plan_year"`
}

func (k AccumulatorKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.MemberID, k.PlanID, k.PlanYear)
}

// AccumulatorTotals are the running deductible and out-of-pocket amounts.
type AccumulatorTotals struct {
	DeductibleMet  decimal.Decimal `json:"deductible_met"`
	OutOfPocketMet decimal.Decimal `json:"out_of_pocket_met"`
}

// AccumulatorView is the post-claim snapshot reported on a result.
type AccumulatorView struct {
	PlanYear         int             `json:"plan_year"`
	DeductibleMet    decimal.Decimal `json:"deductible_met"`
	OutOfPocketMet   decimal.Decimal `json:"out_of_pocket_met"`
	AnnualDeductible decimal.Decimal `json:"annual_deductible"`
	OutOfPocketMax   decimal.Decimal `json:"out_of_pocket_max"`
}

// Cents converts an amount already rounded to the minor unit into integer
// cents for storage.
func Cents(d decimal.Decimal) int64 {
	return d.Round(2).Shift(2).IntPart()
}

// FromCents converts stored integer cents back into an amount.
func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}
