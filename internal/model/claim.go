package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClaimRequest is a single pharmacy dispensing event submitted for
// adjudication. It is never mutated by the pipeline.
type ClaimRequest struct {
	ClaimNumber    string          `json:"claim_number,omitempty" csv:"claim_number"`
	MemberID       string          `json:"member_id" csv:"member_id"`
	PharmacyID     string          `json:"pharmacy_id" csv:"pharmacy_id"`
	DrugCode       string          `json:"ndc" csv:"ndc"`
	Quantity       decimal.Decimal `json:"quantity_dispensed" csv:"quantity_dispensed"`
	DaysSupply     int             `json:"days_supply" csv:"days_supply"`
	RefillNumber   int             `json:"refill_number" csv:"refill_number"`
	DateOfService  Date            `json:"date_of_service" csv:"date_of_service"`
	ReceivedAt     time.Time       `json:"received_at,omitempty" csv:"received_timestamp"`
	IngredientCost decimal.Decimal `json:"ingredient_cost" csv:"ingredient_cost_submitted"`
	DispensingFee  decimal.Decimal `json:"dispensing_fee" csv:"dispensing_fee_submitted"`
	// DiagnosisCode is the ICD-10 code the prescriber submitted, if any.
	DiagnosisCode string `json:"diagnosis_code,omitempty" csv:"diagnosis_code,omitempty"`
	AcutePain     *bool  `json:"acute_pain,omitempty" csv:"acute_pain,omitempty"`
}

// SubmittedAmount is the billed ingredient cost plus dispensing fee.
func (c ClaimRequest) SubmittedAmount() decimal.Decimal {
	return c.IngredientCost.Add(c.DispensingFee)
}

// ClaimStatus is the terminal adjudication status of a claim.
type ClaimStatus string

const (
	ClaimStatusApproved ClaimStatus = "APPROVED"
	ClaimStatusDenied   ClaimStatus = "DENIED"
	ClaimStatusPartial  ClaimStatus = "PARTIAL"
	ClaimStatusError    ClaimStatus = "ERROR"
)

// AllClaimStatuses lists terminal statuses in reporting order.
var AllClaimStatuses = []ClaimStatus{
	ClaimStatusApproved,
	ClaimStatusPartial,
	ClaimStatusDenied,
	ClaimStatusError,
}

// Paid reports whether the claim was payable.
func (s ClaimStatus) Paid() bool {
	return s == ClaimStatusApproved || s == ClaimStatusPartial
}

// ReasonCode explains a denial, error or override on a result.
type ReasonCode string

const (
	ReasonInvalidClaim         ReasonCode = "INVALID_CLAIM"
	ReasonMemberNotEligible    ReasonCode = "MEMBER_NOT_ELIGIBLE"
	ReasonPharmacyNotInNetwork ReasonCode = "PHARMACY_NOT_IN_NETWORK"
	ReasonFormularyExclusion   ReasonCode = "FORMULARY_EXCLUSION"
	ReasonRuleDenied           ReasonCode = "RULE_DENIED"
	ReasonPriorAuthRequired    ReasonCode = "PRIOR_AUTH_REQUIRED"
	ReasonStepTherapyRequired  ReasonCode = "STEP_THERAPY_REQUIRED"
	ReasonTierOverride         ReasonCode = "TIER_OVERRIDE"
	ReasonQuantityCapped       ReasonCode = "QUANTITY_CAPPED"
	ReasonDaysSupplyCapped     ReasonCode = "DAYS_SUPPLY_CAPPED"
	ReasonQuantityLimit        ReasonCode = "QUANTITY_LIMIT"
	ReasonDaysSupplyLimit      ReasonCode = "DAYS_SUPPLY_LIMIT"
	ReasonRuleFlag             ReasonCode = "RULE_FLAG"
	ReasonOOPMaxReached        ReasonCode = "OOP_MAX_REACHED"
	ReasonDURReject            ReasonCode = "DUR_REJECT"
	ReasonRefillTooSoon        ReasonCode = "REFILL_TOO_SOON"
	ReasonPlanLimitsExceeded   ReasonCode = "PLAN_LIMITS_EXCEEDED"
	ReasonCostShareOverride    ReasonCode = "COST_SHARE_OVERRIDE"
	ReasonLookupFailure        ReasonCode = "LOOKUP_FAILURE"
	ReasonAccumulatorFailure   ReasonCode = "ACCUMULATOR_FAILURE"
)

// Fill is an approved dispensing remembered for clinical review of later
// claims by the same member.
type Fill struct {
	ClaimNumber   string
	DrugCode      string
	DateOfService Date
	DaysSupply    int
}

// Covers reports whether the fill's supply is still on hand on date. A fill
// covers its own date of service.
func (f Fill) Covers(date Date) bool {
	if date.Before(f.DateOfService) {
		return false
	}
	return DaysBetween(f.DateOfService, date) < max(f.DaysSupply, 1)
}

// AdjudicationResult is the outcome of adjudicating one claim.
type AdjudicationResult struct {
	ClaimNumber        string           `json:"claim_number"`
	MemberID           string           `json:"member_id"`
	PlanID             string           `json:"plan_id,omitempty"`
	Status             ClaimStatus      `json:"status"`
	Reasons            []ReasonCode     `json:"reasons,omitempty"`
	Message            string           `json:"message,omitempty"`
	Tier               int              `json:"tier,omitempty"`
	AllowedAmount      decimal.Decimal  `json:"allowed_amount"`
	PatientPay         decimal.Decimal  `json:"patient_pay"`
	PlanPay            decimal.Decimal  `json:"plan_pay"`
	DeductibleApplied  decimal.Decimal  `json:"deductible_applied"`
	OOPApplied         decimal.Decimal  `json:"oop_applied"`
	QuantityApproved   decimal.Decimal  `json:"quantity_approved"`
	DaysSupplyApproved int              `json:"days_supply_approved,omitempty"`
	AppliedRules       []int64          `json:"applied_rules,omitempty"`
	DecidingRule       int64            `json:"deciding_rule,omitempty"`
	Accumulators       *AccumulatorView `json:"accumulators,omitempty"`
	DateOfService      Date             `json:"date_of_service"`
	ProcessedAt        time.Time        `json:"processed_at"`
	DurationMicros     int64            `json:"duration_us"`
	PersistError       string           `json:"persist_error,omitempty"`
}

// HasReason reports whether code is among the result's reasons.
func (r *AdjudicationResult) HasReason(code ReasonCode) bool {
	for _, c := range r.Reasons {
		if c == code {
			return true
		}
	}
	return false
}

// AddReason appends code unless it is already present.
func (r *AdjudicationResult) AddReason(code ReasonCode) {
	if !r.HasReason(code) {
		r.Reasons = append(r.Reasons, code)
	}
}
