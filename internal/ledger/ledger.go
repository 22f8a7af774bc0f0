// Package ledger keeps per-member, per-plan-year deductible and out-of-pocket
// accumulators. Updates to one key are serialized; distinct keys never
// contend beyond the brief arena lookup.
package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/rxclaims/internal/model"
)

// ErrNegativeDelta is returned when an update would decrease an accumulator.
var ErrNegativeDelta = errors.New("ledger: accumulator deltas must be non-negative")

// Backend persists accumulators. LoadAccumulator reports found=false for a
// key it has never seen.
type Backend interface {
	LoadAccumulator(ctx context.Context, key model.AccumulatorKey) (model.AccumulatorTotals, bool, error)
	SaveAccumulator(ctx context.Context, key model.AccumulatorKey, totals model.AccumulatorTotals) error
}

// Delta is the amount a claim adds to each accumulator.
type Delta struct {
	Deductible  decimal.Decimal
	OutOfPocket decimal.Decimal
}

// IsZero reports whether the delta changes nothing.
func (d Delta) IsZero() bool {
	return d.Deductible.IsZero() && d.OutOfPocket.IsZero()
}

type entry struct {
	mu     sync.Mutex
	loaded bool
	totals model.AccumulatorTotals
}

// Ledger is an in-memory accumulator arena with optional write-through
// persistence.
type Ledger struct {
	mu      sync.Mutex
	entries map[model.AccumulatorKey]*entry
	backend Backend
}

// New creates a Ledger. backend may be nil for a purely in-memory ledger.
func New(backend Backend) *Ledger {
	return &Ledger{
		entries: make(map[model.AccumulatorKey]*entry),
		backend: backend,
	}
}

func (l *Ledger) entry(key model.AccumulatorKey) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	return e
}

// load must be called with e.mu held.
func (l *Ledger) load(ctx context.Context, key model.AccumulatorKey, e *entry) error {
	if e.loaded {
		return nil
	}
	if l.backend != nil {
		totals, found, err := l.backend.LoadAccumulator(ctx, key)
		if err != nil {
			return eris.Wrapf(err, "ledger: load %s", key)
		}
		if found {
			e.totals = totals
		}
	}
	e.loaded = true
	return nil
}

// Update runs fn against the key's current totals and applies the delta it
// returns, all under the key's lock, so no other update to the same key can
// interleave between the read and the write. New totals are saved to the
// backend before they become visible; if fn or the save fails the entry is
// left unchanged.
func (l *Ledger) Update(ctx context.Context, key model.AccumulatorKey, fn func(current model.AccumulatorTotals) (Delta, error)) (model.AccumulatorTotals, error) {
	e := l.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := l.load(ctx, key, e); err != nil {
		return model.AccumulatorTotals{}, err
	}

	current := e.totals
	delta, err := fn(current)
	if err != nil {
		return current, err
	}
	if delta.Deductible.IsNegative() || delta.OutOfPocket.IsNegative() {
		return current, ErrNegativeDelta
	}
	if delta.IsZero() {
		return current, nil
	}

	next := model.AccumulatorTotals{
		DeductibleMet:  current.DeductibleMet.Add(delta.Deductible),
		OutOfPocketMet: current.OutOfPocketMet.Add(delta.OutOfPocket),
	}
	if l.backend != nil {
		if err := l.backend.SaveAccumulator(ctx, key, next); err != nil {
			return current, eris.Wrapf(err, "ledger: save %s", key)
		}
	}
	e.totals = next
	return next, nil
}

// ApplyAndGet adds the given amounts to key and returns the new totals.
func (l *Ledger) ApplyAndGet(ctx context.Context, key model.AccumulatorKey, deductible, outOfPocket decimal.Decimal) (model.AccumulatorTotals, error) {
	return l.Update(ctx, key, func(model.AccumulatorTotals) (Delta, error) {
		return Delta{Deductible: deductible, OutOfPocket: outOfPocket}, nil
	})
}

// Get returns a snapshot of key's totals. A key no update has touched is
// read straight from the backend and is not added to the arena.
func (l *Ledger) Get(ctx context.Context, key model.AccumulatorKey) (model.AccumulatorTotals, error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	l.mu.Unlock()

	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := l.load(ctx, key, e); err != nil {
			return model.AccumulatorTotals{}, err
		}
		return e.totals, nil
	}

	if l.backend == nil {
		return model.AccumulatorTotals{}, nil
	}
	totals, _, err := l.backend.LoadAccumulator(ctx, key)
	if err != nil {
		return model.AccumulatorTotals{}, eris.Wrapf(err, "ledger: load %s", key)
	}
	return totals, nil
}

// Len returns the number of keys updated since the ledger was created.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
