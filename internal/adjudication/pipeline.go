// Package adjudication runs a pharmacy claim through eligibility, network,
// formulary, plan rules and cost sharing to a terminal status.
package adjudication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/rxclaims/internal/costshare"
	"github.com/sells-group/rxclaims/internal/dur"
	"github.com/sells-group/rxclaims/internal/eligibility"
	"github.com/sells-group/rxclaims/internal/formulary"
	"github.com/sells-group/rxclaims/internal/ledger"
	"github.com/sells-group/rxclaims/internal/model"
	"github.com/sells-group/rxclaims/internal/rules"
)

// ReferenceData is the read-only plan, member and product data a claim is
// adjudicated against. Finders return nil with a nil error for unknown ids.
type ReferenceData interface {
	eligibility.EnrollmentFinder
	formulary.EntryFinder
	rules.Finder
	rules.AuthChecker
	dur.InteractionFinder
	FindBenefitTerms(ctx context.Context, planID string) (*model.BenefitTerms, error)
	FindMember(ctx context.Context, memberID string) (*model.Member, error)
	FindDrug(ctx context.Context, ndc string) (*model.Drug, error)
	FindPharmacy(ctx context.Context, pharmacyID string) (*model.Pharmacy, error)
}

// Sink receives every result, whatever its status.
type Sink interface {
	Persist(ctx context.Context, result *model.AdjudicationResult) error
}

// Options tune pipeline behavior.
type Options struct {
	RequireInNetwork bool
	ClaimPrefix      string
}

// Pipeline adjudicates claims. It is safe for concurrent use.
type Pipeline struct {
	ref         ReferenceData
	eligibility *eligibility.Resolver
	formulary   *formulary.Resolver
	rules       *rules.Engine
	costs       *costshare.Calculator
	ledger      *ledger.Ledger
	history     *dur.History
	review      *dur.Reviewer
	sink        Sink
	opts        Options
	seq         atomic.Int64
	now         func() time.Time
	log         *zap.Logger
}

// New creates a Pipeline. sink may be nil.
func New(ref ReferenceData, l *ledger.Ledger, sink Sink, opts Options) *Pipeline {
	if opts.ClaimPrefix == "" {
		opts.ClaimPrefix = "CLM"
	}
	return &Pipeline{
		ref:         ref,
		eligibility: eligibility.NewResolver(ref),
		formulary:   formulary.NewResolver(ref),
		rules:       rules.NewEngine(ref, ref),
		costs:       costshare.NewCalculator(),
		ledger:      l,
		history:     dur.NewHistory(),
		review:      dur.NewReviewer(ref),
		sink:        sink,
		opts:        opts,
		now:         time.Now,
	}
}

// Ledger returns the accumulator ledger the pipeline mutates.
func (p *Pipeline) Ledger() *ledger.Ledger { return p.ledger }

// NextClaimNumber allocates a claim number for a claim submitted without one.
func (p *Pipeline) NextClaimNumber() string {
	return fmt.Sprintf("%s%015d", p.opts.ClaimPrefix, p.seq.Add(1))
}

// Adjudicate decides a claim. It never returns nil: validation, lookup and
// accumulator problems produce an ERROR result, and business declines a
// DENIED one. The request itself is not modified.
func (p *Pipeline) Adjudicate(ctx context.Context, claim model.ClaimRequest) *model.AdjudicationResult {
	start := p.now()
	if claim.ClaimNumber == "" {
		claim.ClaimNumber = p.NextClaimNumber()
	}

	base := p.log
	if base == nil {
		base = zap.L()
	}
	log := base.With(
		zap.String("claim", claim.ClaimNumber),
		zap.String("member", claim.MemberID),
	)

	res := &model.AdjudicationResult{
		ClaimNumber:   claim.ClaimNumber,
		MemberID:      claim.MemberID,
		DateOfService: claim.DateOfService,
	}
	p.decide(ctx, claim, res, newTracker(log, p.now))

	res.ProcessedAt = p.now().UTC()
	res.DurationMicros = res.ProcessedAt.Sub(start.UTC()).Microseconds()

	if p.sink != nil {
		if err := p.sink.Persist(ctx, res); err != nil {
			log.Warn("adjudication: persist result failed", zap.Error(err))
			res.PersistError = err.Error()
		}
	}

	log.Debug("adjudication: claim complete",
		zap.String("plan", res.PlanID),
		zap.String("status", string(res.Status)),
		zap.Int64("duration_us", res.DurationMicros),
	)
	return res
}

func (p *Pipeline) decide(ctx context.Context, claim model.ClaimRequest, res *model.AdjudicationResult, t *tracker) {
	if err := Validate(claim); err != nil {
		t.fail(res, model.ReasonInvalidClaim, err)
		return
	}
	t.advance(PhaseValidated)

	enrollment, err := p.eligibility.Resolve(ctx, claim.MemberID, claim.DateOfService)
	if errors.Is(err, eligibility.ErrNotEligible) {
		deny(res, model.ReasonMemberNotEligible, "no enrollment covers the date of service")
		return
	}
	if err != nil {
		t.fail(res, model.ReasonLookupFailure, err)
		return
	}
	res.PlanID = enrollment.PlanID

	terms, err := p.ref.FindBenefitTerms(ctx, enrollment.PlanID)
	if err == nil && terms == nil {
		err = eris.Errorf("adjudication: plan %s has no benefit terms", enrollment.PlanID)
	}
	if err != nil {
		t.fail(res, model.ReasonLookupFailure, err)
		return
	}
	t.advance(PhaseEligibilityChecked)

	pharmacy, err := p.ref.FindPharmacy(ctx, claim.PharmacyID)
	if err != nil {
		t.fail(res, model.ReasonLookupFailure, eris.Wrapf(err, "adjudication: find pharmacy %s", claim.PharmacyID))
		return
	}
	if p.opts.RequireInNetwork && !eligibility.InNetwork(pharmacy, terms, claim.DateOfService) {
		deny(res, model.ReasonPharmacyNotInNetwork, fmt.Sprintf("pharmacy %s is not in network for plan %s", claim.PharmacyID, terms.PlanID))
		return
	}
	t.advance(PhaseNetworkChecked)

	entry, err := p.formulary.Resolve(ctx, terms.FormularyID, claim.DrugCode)
	if errors.Is(err, formulary.ErrNotOnFormulary) {
		deny(res, model.ReasonFormularyExclusion, fmt.Sprintf("drug %s is not on formulary %s", claim.DrugCode, terms.FormularyID))
		return
	}
	if err != nil {
		t.fail(res, model.ReasonLookupFailure, err)
		return
	}
	res.Tier = entry.Tier
	t.advance(PhaseFormularyResolved)

	fills := p.history.Active(claim.MemberID, claim.DateOfService)
	finding, err := p.review.Review(ctx, claim.DrugCode, fills)
	if err != nil {
		t.fail(res, model.ReasonLookupFailure, err)
		return
	}
	if finding != nil {
		in := finding.Interaction
		if in.Severity.Rejects() {
			deny(res, model.ReasonDURReject, fmt.Sprintf("%s drug interaction %s with claim %s", strings.ToLower(string(in.Severity)), in.Code, finding.Fill.ClaimNumber))
			return
		}
		t.log.Debug("adjudication: drug interaction below reject threshold",
			zap.String("interaction", in.Code),
			zap.String("severity", string(in.Severity)),
		)
	}
	t.advance(PhaseDURChecked)

	rc, err := p.ruleContext(ctx, claim, terms.PlanID, entry, pharmacy)
	if err != nil {
		t.fail(res, model.ReasonLookupFailure, err)
		return
	}
	rc.Fills = fills
	outcome, err := p.rules.Evaluate(ctx, rc)
	if err != nil {
		t.fail(res, model.ReasonLookupFailure, err)
		return
	}
	res.AppliedRules = outcome.AppliedRules
	res.DecidingRule = outcome.DecidingRule
	if !outcome.Denied {
		if err := p.applyPlanLimits(ctx, claim, terms, entry, outcome); err != nil {
			t.fail(res, model.ReasonLookupFailure, err)
			return
		}
	}
	if outcome.Denied {
		deny(res, outcome.Reason, outcome.Message)
		return
	}
	res.Tier = outcome.Tier
	for _, r := range outcome.Reasons {
		res.AddReason(r)
	}
	t.advance(PhaseRulesEvaluated)

	if err := p.shareCost(ctx, claim, terms, outcome, res, t); err != nil {
		return
	}
	t.advance(PhaseCostShared)

	res.QuantityApproved = outcome.Quantity
	res.DaysSupplyApproved = outcome.DaysSupply
	res.Status = model.ClaimStatusApproved
	if outcome.Capped {
		res.Status = model.ClaimStatusPartial
	}
	p.history.Record(claim.MemberID, model.Fill{
		ClaimNumber:   claim.ClaimNumber,
		DrugCode:      claim.DrugCode,
		DateOfService: claim.DateOfService,
		DaysSupply:    outcome.DaysSupply,
	})
}

func (p *Pipeline) ruleContext(ctx context.Context, claim model.ClaimRequest, planID string, entry *model.FormularyEntry, pharmacy *model.Pharmacy) (*rules.Context, error) {
	member, err := p.ref.FindMember(ctx, claim.MemberID)
	if err != nil {
		return nil, eris.Wrapf(err, "adjudication: find member %s", claim.MemberID)
	}
	drug, err := p.ref.FindDrug(ctx, formulary.NormalizeNDC(claim.DrugCode))
	if err != nil {
		return nil, eris.Wrapf(err, "adjudication: find drug %s", claim.DrugCode)
	}
	return &rules.Context{
		PlanID:   planID,
		Claim:    claim,
		Entry:    entry,
		Member:   member,
		Drug:     drug,
		Pharmacy: pharmacy,
	}, nil
}

// applyPlanLimits enforces the utilization management flags carried on the
// formulary entry itself once plan rules have run, then the plan's days
// supply limit on what is left to dispense.
func (p *Pipeline) applyPlanLimits(ctx context.Context, claim model.ClaimRequest, terms *model.BenefitTerms, entry *model.FormularyEntry, out *rules.Outcome) error {
	if entry.RequiresPriorAuth {
		ok, err := p.rules.HasPriorAuth(ctx, claim)
		if err != nil {
			return err
		}
		if !ok {
			out.Deny(model.ReasonPriorAuthRequired, "formulary requires prior authorization")
			return nil
		}
	}
	if entry.QuantityLimit != nil {
		out.CapQuantity(decimal.NewFromInt(int64(*entry.QuantityLimit)), model.ReasonQuantityLimit)
	}
	if entry.DaysSupplyLimit != nil {
		out.CapDaysSupply(*entry.DaysSupplyLimit, model.ReasonDaysSupplyLimit)
	}
	if limit := terms.DaysSupplyLimit(); out.DaysSupply > limit {
		out.Deny(model.ReasonPlanLimitsExceeded, fmt.Sprintf("days supply %d exceeds plan limit of %d", out.DaysSupply, limit))
	}
	return nil
}

// shareCost splits the allowed amount and posts it to the accumulators as
// one step under the member's ledger lock. On failure res is already marked.
func (p *Pipeline) shareCost(ctx context.Context, claim model.ClaimRequest, terms *model.BenefitTerms, out *rules.Outcome, res *model.AdjudicationResult, t *tracker) error {
	key := model.AccumulatorKey{
		MemberID: claim.MemberID,
		PlanID:   terms.PlanID,
		PlanYear: terms.PlanYear(claim.DateOfService),
	}
	allowed := costshare.AllowedAmount(claim, out.Quantity)

	var split costshare.Split
	var splitErr error
	totals, err := p.ledger.Update(ctx, key, func(current model.AccumulatorTotals) (ledger.Delta, error) {
		split, splitErr = p.costs.Split(costshare.Input{
			Terms:   terms,
			Tier:    out.Tier,
			Allowed: allowed,
			Totals:  current,

			Override:       out.CostShare,
			SkipDeductible: out.SkipDeductible,
		})
		if splitErr != nil {
			return ledger.Delta{}, splitErr
		}
		return ledger.Delta{Deductible: split.DeductibleApplied, OutOfPocket: split.OOPApplied()}, nil
	})
	switch {
	case splitErr != nil:
		t.fail(res, model.ReasonLookupFailure, splitErr)
		return splitErr
	case err != nil:
		t.fail(res, model.ReasonAccumulatorFailure, err)
		return err
	}

	res.AllowedAmount = split.Allowed
	res.PatientPay = split.PatientPay
	res.PlanPay = split.PlanPay
	res.DeductibleApplied = split.DeductibleApplied
	res.OOPApplied = split.OOPApplied()
	if split.OOPMaxReached {
		res.AddReason(model.ReasonOOPMaxReached)
	}
	res.Accumulators = &model.AccumulatorView{
		PlanYear:         key.PlanYear,
		DeductibleMet:    totals.DeductibleMet,
		OutOfPocketMet:   totals.OutOfPocketMet,
		AnnualDeductible: terms.AnnualDeductible,
		OutOfPocketMax:   terms.OutOfPocketMax,
	}
	return nil
}

func deny(res *model.AdjudicationResult, reason model.ReasonCode, message string) {
	res.Status = model.ClaimStatusDenied
	res.AddReason(reason)
	res.Message = message
}
