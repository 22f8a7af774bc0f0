// Package store persists adjudication results, accumulator totals and the
// dead-letter queue in PostgreSQL or SQLite.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rxclaims/internal/model"
	"github.com/sells-group/rxclaims/internal/resilience"
)

// ResultFilter specifies criteria for listing results. Zero fields match
// everything.
type ResultFilter struct {
	MemberID string            `json:"member_id,omitempty"`
	PlanID   string            `json:"plan_id,omitempty"`
	Status   model.ClaimStatus `json:"status,omitempty"`
	Since    time.Time         `json:"since,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	Offset   int               `json:"offset,omitempty"`
}

// Store defines the persistence interface for adjudication.
type Store interface {
	// Results
	Persist(ctx context.Context, result *model.AdjudicationResult) error
	SaveResults(ctx context.Context, results []*model.AdjudicationResult) error
	GetResult(ctx context.Context, claimNumber string) (*model.AdjudicationResult, error)
	ListResults(ctx context.Context, filter ResultFilter) ([]model.AdjudicationResult, error)
	CountByStatus(ctx context.Context, since time.Time) (map[model.ClaimStatus]int, error)

	// Accumulators
	LoadAccumulator(ctx context.Context, key model.AccumulatorKey) (model.AccumulatorTotals, bool, error)
	SaveAccumulator(ctx context.Context, key model.AccumulatorKey, totals model.AccumulatorTotals) error

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open creates the store named by driver ("postgres" or "sqlite").
func Open(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Store, error) {
	switch driver {
	case "postgres":
		s, err := NewPostgres(ctx, dsn, poolCfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

// defaultListLimit caps ListResults and DequeueDLQ when no limit is given.
const defaultListLimit = 100

// resultColumns are the claim_results columns in row order.
var resultColumns = []string{
	"claim_number",
	"member_id",
	"plan_id",
	"status",
	"tier",
	"allowed_cents",
	"patient_pay_cents",
	"plan_pay_cents",
	"deductible_cents",
	"oop_cents",
	"date_of_service",
	"processed_at",
	"result",
}

// resultRow flattens r into resultColumns order. Amounts are stored as
// integer cents next to the full JSON document.
func resultRow(r *model.AdjudicationResult) ([]any, error) {
	if r.ClaimNumber == "" {
		return nil, eris.New("store: result has no claim number")
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal result %s", r.ClaimNumber)
	}
	return []any{
		r.ClaimNumber,
		r.MemberID,
		r.PlanID,
		string(r.Status),
		r.Tier,
		model.Cents(r.AllowedAmount),
		model.Cents(r.PatientPay),
		model.Cents(r.PlanPay),
		model.Cents(r.DeductibleApplied),
		model.Cents(r.OOPApplied),
		r.DateOfService.String(),
		r.ProcessedAt.UTC(),
		payload,
	}, nil
}

func decodeResult(payload []byte) (*model.AdjudicationResult, error) {
	var r model.AdjudicationResult
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal result")
	}
	return &r, nil
}
