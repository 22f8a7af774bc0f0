// Package formulary resolves a drug's coverage on a plan's formulary.
package formulary

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rxclaims/internal/model"
)

// ErrNotOnFormulary is returned when the formulary has no entry for a drug.
var ErrNotOnFormulary = errors.New("formulary: drug not on formulary")

// EntryFinder looks up a single formulary entry. A nil entry with a nil
// error means the drug is not listed.
type EntryFinder interface {
	FindEntry(ctx context.Context, formularyID, drugCode string) (*model.FormularyEntry, error)
}

// Resolver returns the formulary entry covering a drug.
type Resolver struct {
	entries EntryFinder
}

// NewResolver creates a Resolver backed by finder.
func NewResolver(finder EntryFinder) *Resolver {
	return &Resolver{entries: finder}
}

// Resolve returns the entry for drugCode on formularyID or ErrNotOnFormulary.
func (r *Resolver) Resolve(ctx context.Context, formularyID, drugCode string) (*model.FormularyEntry, error) {
	entry, err := r.entries.FindEntry(ctx, formularyID, NormalizeNDC(drugCode))
	if err != nil {
		return nil, eris.Wrapf(err, "formulary: find entry %s/%s", formularyID, drugCode)
	}
	if entry == nil {
		return nil, ErrNotOnFormulary
	}
	return entry, nil
}

// NormalizeNDC strips the hyphens from a drug code so 5-4-2 and plain 11
// digit forms compare equal.
func NormalizeNDC(code string) string {
	out := make([]byte, 0, len(code))
	for i := 0; i < len(code); i++ {
		if code[i] != '-' {
			out = append(out, code[i])
		}
	}
	return string(out)
}
