// Package eligibility decides whether a member is covered by a plan on a
// date of service and whether the dispensing pharmacy is in the plan's network.
package eligibility

import (
	"context"
	"errors"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rxclaims/internal/model"
)

// ErrNotEligible is returned when no enrollment covers the date of service.
var ErrNotEligible = errors.New("eligibility: member not eligible on date of service")

// EnrollmentFinder looks up every enrollment on file for a member.
type EnrollmentFinder interface {
	FindEnrollments(ctx context.Context, memberID string) ([]model.Enrollment, error)
}

// Resolver selects the enrollment in force on a date of service.
type Resolver struct {
	enrollments EnrollmentFinder
}

// NewResolver creates a Resolver backed by finder.
func NewResolver(finder EnrollmentFinder) *Resolver {
	return &Resolver{enrollments: finder}
}

// Resolve returns the enrollment covering date. When several enrollments
// overlap the date, the most recent effective date wins and equal effective
// dates fall back to the lowest plan id.
func (r *Resolver) Resolve(ctx context.Context, memberID string, date model.Date) (*model.Enrollment, error) {
	enrollments, err := r.enrollments.FindEnrollments(ctx, memberID)
	if err != nil {
		return nil, eris.Wrapf(err, "eligibility: find enrollments for member %s", memberID)
	}

	var candidates []model.Enrollment
	for _, e := range enrollments {
		if e.Covers(date) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNotEligible
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.EffectiveDate.Equal(b.EffectiveDate) {
			return a.EffectiveDate.After(b.EffectiveDate)
		}
		return a.PlanID < b.PlanID
	})

	chosen := candidates[0]
	return &chosen, nil
}

// InNetwork reports whether pharmacy holds an active contract on date with
// one of the plan's networks. A plan that lists no networks is open to every
// pharmacy; an unknown pharmacy is never in network.
func InNetwork(pharmacy *model.Pharmacy, terms *model.BenefitTerms, date model.Date) bool {
	if pharmacy == nil {
		return false
	}
	if len(terms.NetworkIDs) == 0 {
		return true
	}
	for _, n := range pharmacy.Networks {
		if !n.Covers(date) {
			continue
		}
		for _, id := range terms.NetworkIDs {
			if n.NetworkID == id {
				return true
			}
		}
	}
	return false
}
