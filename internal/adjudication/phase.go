package adjudication

import (
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/rxclaims/internal/model"
)

// Phase is a step a claim passes through on its way to a terminal status.
type Phase string

// Phases in order.
const (
	PhaseReceived           Phase = "RECEIVED"
	PhaseValidated          Phase = "VALIDATED"
	PhaseEligibilityChecked Phase = "ELIGIBILITY_CHECKED"
	PhaseNetworkChecked     Phase = "NETWORK_CHECKED"
	PhaseFormularyResolved  Phase = "FORMULARY_RESOLVED"
	PhaseDURChecked         Phase = "DUR_CHECKED"
	PhaseRulesEvaluated     Phase = "RULES_EVALUATED"
	PhaseCostShared         Phase = "COST_SHARED"
)

// tracker logs phase transitions with the time spent in the previous phase.
type tracker struct {
	log   *zap.Logger
	phase Phase
	since time.Time
	now   func() time.Time
}

func newTracker(log *zap.Logger, now func() time.Time) *tracker {
	return &tracker{log: log, phase: PhaseReceived, now: now, since: now()}
}

func (t *tracker) advance(next Phase) {
	at := t.now()
	t.log.Debug("adjudication: phase complete",
		zap.String("phase", string(t.phase)),
		zap.String("next", string(next)),
		zap.Int64("duration_us", at.Sub(t.since).Microseconds()),
	)
	t.phase = next
	t.since = at
}

// fail marks res as an ERROR. Invalid submissions log at warn level, lookup
// and accumulator failures at error level.
func (t *tracker) fail(res *model.AdjudicationResult, reason model.ReasonCode, err error) {
	res.Status = model.ClaimStatusError
	res.AddReason(reason)
	res.Message = err.Error()

	fields := []zap.Field{
		zap.String("reason", string(reason)),
		zap.String("phase", string(t.phase)),
		zap.Error(err),
	}
	if reason == model.ReasonInvalidClaim {
		t.log.Warn("adjudication: claim rejected", fields...)
		return
	}
	t.log.Error("adjudication: claim failed", fields...)
}
