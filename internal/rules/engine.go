// Package rules compiles plan rules into predicate trees and evaluates them
// against claims in a fixed, reproducible order.
package rules

import (
	"context"
	"fmt"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/rxclaims/internal/formulary"
	"github.com/sells-group/rxclaims/internal/model"
)

// Finder returns the compiled rules of a plan.
type Finder interface {
	FindActiveRules(ctx context.Context, planID string) ([]*Rule, error)
}

// AuthChecker reports whether authorizations are on file for a fill.
type AuthChecker interface {
	HasPriorAuth(ctx context.Context, memberID, drugCode string, date model.Date) (bool, error)
	HasStepTherapyException(ctx context.Context, memberID, drugCode string, date model.Date) (bool, error)
}

// Outcome is the result of evaluating a plan's rules against one claim.
type Outcome struct {
	Denied     bool
	Reason     model.ReasonCode
	Message    string
	Tier       int
	Quantity   decimal.Decimal
	DaysSupply int
	// Capped is set when a cap lowered the submitted quantity or days supply.
	Capped bool
	// CostShare, when set, replaces the tier's cost-sharing terms. The
	// highest-priority matching cost_share rule sets it.
	CostShare      *model.TierTerms
	SkipDeductible bool
	Reasons        []model.ReasonCode
	Flags          []string
	AppliedRules   []int64
	DecidingRule   int64
}

// AddReason records a non-terminal reason once.
func (o *Outcome) AddReason(code model.ReasonCode) {
	for _, c := range o.Reasons {
		if c == code {
			return
		}
	}
	o.Reasons = append(o.Reasons, code)
}

// Deny marks the outcome as denied.
func (o *Outcome) Deny(code model.ReasonCode, message string) {
	o.Denied = true
	o.Reason = code
	o.Message = message
}

// CapQuantity lowers the approved quantity to limit if it is below the
// current value.
func (o *Outcome) CapQuantity(limit decimal.Decimal, reason model.ReasonCode) {
	if limit.LessThan(o.Quantity) {
		o.Quantity = limit
		o.Capped = true
		o.AddReason(reason)
	}
}

// CapDaysSupply lowers the approved days supply to limit if it is below the
// current value.
func (o *Outcome) CapDaysSupply(limit int, reason model.ReasonCode) {
	if limit < o.DaysSupply {
		o.DaysSupply = limit
		o.Capped = true
		o.AddReason(reason)
	}
}

// Engine evaluates plan rules.
type Engine struct {
	rules Finder
	auths AuthChecker
}

// NewEngine creates an Engine. auths may be nil, in which case no
// authorization is ever on file.
func NewEngine(rules Finder, auths AuthChecker) *Engine {
	return &Engine{rules: rules, auths: auths}
}

// Sorted returns the active rules in evaluation order: priority descending,
// then rule id ascending. The input is not modified.
func Sorted(in []*Rule) []*Rule {
	out := make([]*Rule, 0, len(in))
	for _, r := range in {
		if r != nil && r.Active {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Evaluate applies every matching rule in order until one terminates the
// claim. The returned outcome starts from the formulary tier and the
// submitted quantity and days supply.
func (e *Engine) Evaluate(ctx context.Context, rc *Context) (*Outcome, error) {
	all, err := e.rules.FindActiveRules(ctx, rc.PlanID)
	if err != nil {
		return nil, eris.Wrapf(err, "rules: find rules for plan %s", rc.PlanID)
	}

	out := &Outcome{
		Quantity:   rc.Claim.Quantity,
		DaysSupply: rc.Claim.DaysSupply,
	}
	if rc.Entry != nil {
		out.Tier = rc.Entry.Tier
	}

	for _, r := range Sorted(all) {
		if !r.When.Match(rc) {
			continue
		}
		out.AppliedRules = append(out.AppliedRules, r.ID)
		out.DecidingRule = r.ID

		stop, err := e.apply(ctx, r, rc, out)
		if err != nil {
			return nil, eris.Wrapf(err, "rules: apply rule %d", r.ID)
		}
		if stop {
			break
		}
	}
	return out, nil
}

func (e *Engine) apply(ctx context.Context, r *Rule, rc *Context, out *Outcome) (bool, error) {
	a := r.Action
	switch a.Type {
	case ActionDeny:
		out.Deny(a.Reason, messageOr(a.Message, r.Name))
		return true, nil

	case ActionRequirePA:
		ok, err := e.HasPriorAuth(ctx, rc.Claim)
		if err != nil {
			return false, err
		}
		if !ok {
			out.Deny(model.ReasonPriorAuthRequired, messageOr(a.Message, r.Name))
			return true, nil
		}

	case ActionRequireStepTherapy:
		ok, err := e.HasStepTherapyException(ctx, rc.Claim)
		if err != nil {
			return false, err
		}
		if !ok {
			out.Deny(model.ReasonStepTherapyRequired, messageOr(a.Message, r.Name))
			return true, nil
		}

	case ActionOverrideTier:
		if out.Tier != a.Tier {
			out.Tier = a.Tier
			out.AddReason(model.ReasonTierOverride)
		}

	case ActionCapQuantity:
		if a.MaxQuantity != nil {
			out.CapQuantity(*a.MaxQuantity, model.ReasonQuantityCapped)
		}
		if a.MaxDaysSupply != nil {
			out.CapDaysSupply(*a.MaxDaysSupply, model.ReasonDaysSupplyCapped)
		}

	case ActionFlag:
		out.AddReason(a.Reason)
		if a.Flag != "" {
			out.Flags = append(out.Flags, a.Flag)
		}

	case ActionCostShare:
		if out.CostShare == nil {
			out.CostShare = a.CostShare
			out.SkipDeductible = a.SkipDeductible
			out.AddReason(a.Reason)
		}

	case ActionRequirePharmacy:
		if rc.Pharmacy != nil && rc.Pharmacy.Type == a.PharmacyType {
			return false, nil
		}
		if a.AllowOtherPharmacy {
			out.AddReason(model.ReasonRuleFlag)
			out.Flags = append(out.Flags, "pharmacy_type:"+string(a.PharmacyType))
			return false, nil
		}
		out.Deny(a.Reason, messageOr(a.Message, fmt.Sprintf("%s requires a %s pharmacy", r.Name, a.PharmacyType)))
		return true, nil

	case ActionRefillLimit:
		if prior, ok := tooSoon(a, rc); ok {
			out.Deny(a.Reason, messageOr(a.Message, fmt.Sprintf("refill too soon after claim %s of %s", prior.ClaimNumber, prior.DateOfService)))
			return true, nil
		}
	}
	return false, nil
}

// tooSoon finds an earlier fill of the same product whose refill window has
// not opened by the claim's date of service.
func tooSoon(a Action, rc *Context) (model.Fill, bool) {
	ndc := formulary.NormalizeNDC(rc.Claim.DrugCode)
	for _, f := range rc.Fills {
		if f.DrugCode != ndc || f.ClaimNumber == rc.Claim.ClaimNumber {
			continue
		}
		elapsed := model.DaysBetween(f.DateOfService, rc.Claim.DateOfService)
		if elapsed < 0 {
			continue
		}
		due := int(a.RefillThreshold.Mul(decimal.NewFromInt(int64(f.DaysSupply))).Ceil().IntPart()) - a.EarlyRefillDays
		if elapsed < due {
			return f, true
		}
	}
	return model.Fill{}, false
}

// HasPriorAuth reports whether a prior authorization covers the claim.
func (e *Engine) HasPriorAuth(ctx context.Context, claim model.ClaimRequest) (bool, error) {
	if e.auths == nil {
		return false, nil
	}
	ok, err := e.auths.HasPriorAuth(ctx, claim.MemberID, claim.DrugCode, claim.DateOfService)
	if err != nil {
		return false, eris.Wrap(err, "rules: prior auth lookup")
	}
	return ok, nil
}

// HasStepTherapyException reports whether a step therapy exception covers
// the claim.
func (e *Engine) HasStepTherapyException(ctx context.Context, claim model.ClaimRequest) (bool, error) {
	if e.auths == nil {
		return false, nil
	}
	ok, err := e.auths.HasStepTherapyException(ctx, claim.MemberID, claim.DrugCode, claim.DateOfService)
	if err != nil {
		return false, eris.Wrap(err, "rules: step therapy lookup")
	}
	return ok, nil
}

func messageOr(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}
