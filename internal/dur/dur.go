// Package dur performs drug utilization review. It remembers the fills a
// member has been approved for and checks each new claim against the known
// interactions of the products still on hand.
package dur

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rxclaims/internal/formulary"
	"github.com/sells-group/rxclaims/internal/model"
)

// DefaultRetentionDays is how long a fill is kept after its supply runs out.
// Claims replayed slightly out of date order still see it.
const DefaultRetentionDays = 30

// InteractionFinder returns the known interactions that involve a product.
type InteractionFinder interface {
	FindInteractions(ctx context.Context, ndc string) ([]model.DrugInteraction, error)
}

// History is an in-memory record of approved fills per member. It is safe
// for concurrent use.
type History struct {
	mu     sync.Mutex
	fills  map[string][]model.Fill
	retain int
}

// NewHistory creates an empty History.
func NewHistory() *History {
	return &History{fills: make(map[string][]model.Fill), retain: DefaultRetentionDays}
}

// Record remembers an approved fill and drops the member's fills that ran out
// more than the retention window before it.
func (h *History) Record(memberID string, f model.Fill) {
	f.DrugCode = formulary.NormalizeNDC(f.DrugCode)

	h.mu.Lock()
	defer h.mu.Unlock()

	kept := h.fills[memberID][:0]
	for _, old := range h.fills[memberID] {
		if old.DateOfService.AddDays(old.DaysSupply + h.retain).Before(f.DateOfService) {
			continue
		}
		kept = append(kept, old)
	}
	h.fills[memberID] = append(kept, f)
}

// Active returns the member's fills whose supply is on hand on date.
func (h *History) Active(memberID string, date model.Date) []model.Fill {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []model.Fill
	for _, f := range h.fills[memberID] {
		if f.Covers(date) {
			out = append(out, f)
		}
	}
	return out
}

// Finding is an interaction a claim triggers against an earlier fill.
type Finding struct {
	Interaction model.DrugInteraction
	Fill        model.Fill
}

// Reviewer checks claims against drug interactions.
type Reviewer struct {
	interactions InteractionFinder
}

// NewReviewer creates a Reviewer.
func NewReviewer(interactions InteractionFinder) *Reviewer {
	return &Reviewer{interactions: interactions}
}

var severityRank = map[model.InteractionSeverity]int{
	model.SeverityContraindicated: 4,
	model.SeverityMajor:           3,
	model.SeverityModerate:        2,
	model.SeverityMinor:           1,
}

// Review returns the most severe interaction between ndc and any of fills,
// or nil when there is none. Fills of ndc itself are not interactions.
func (r *Reviewer) Review(ctx context.Context, ndc string, fills []model.Fill) (*Finding, error) {
	if len(fills) == 0 {
		return nil, nil
	}
	ndc = formulary.NormalizeNDC(ndc)
	known, err := r.interactions.FindInteractions(ctx, ndc)
	if err != nil {
		return nil, eris.Wrapf(err, "dur: find interactions of %s", ndc)
	}

	var worst *Finding
	for _, in := range known {
		other := in.Other(ndc)
		if other == "" || other == ndc {
			continue
		}
		for _, f := range fills {
			if f.DrugCode != other {
				continue
			}
			if worst == nil || severityRank[in.Severity] > severityRank[worst.Interaction.Severity] {
				worst = &Finding{Interaction: in, Fill: f}
			}
		}
	}
	return worst, nil
}
