package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rxclaims/internal/model"
)

// MetricsSnapshot holds a point-in-time view of adjudication health.
type MetricsSnapshot struct {
	// Claim outcomes within the lookback window.
	ClaimsTotal    int                       `json:"claims_total"`
	ByStatus       map[model.ClaimStatus]int `json:"by_status"`
	ClaimsApproved int                       `json:"claims_approved"`
	ClaimsPartial  int                       `json:"claims_partial"`
	ClaimsDenied   int                       `json:"claims_denied"`
	ClaimsError    int                       `json:"claims_error"`
	ErrorRate      float64                   `json:"error_rate"`
	DenialRate     float64                   `json:"denial_rate"`

	DLQDepth int `json:"dlq_depth"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the read side of the result store the collector needs.
type Source interface {
	CountByStatus(ctx context.Context, since time.Time) (map[model.ClaimStatus]int, error)
	CountDLQ(ctx context.Context) (int, error)
}

// Collector gathers metrics from the result store.
type Collector struct {
	source  Source
	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(src Source) *Collector {
	return &Collector{source: src, nowFunc: time.Now}
}

// Collect gathers a snapshot of claim outcomes over the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	counts, err := c.source.CountByStatus(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count results")
	}
	snap.ByStatus = counts
	for _, n := range counts {
		snap.ClaimsTotal += n
	}
	snap.ClaimsApproved = counts[model.ClaimStatusApproved]
	snap.ClaimsPartial = counts[model.ClaimStatusPartial]
	snap.ClaimsDenied = counts[model.ClaimStatusDenied]
	snap.ClaimsError = counts[model.ClaimStatusError]

	if snap.ClaimsTotal > 0 {
		snap.ErrorRate = float64(snap.ClaimsError) / float64(snap.ClaimsTotal)
		// Denial rate is over claims that got a business decision.
		if decided := snap.ClaimsTotal - snap.ClaimsError; decided > 0 {
			snap.DenialRate = float64(snap.ClaimsDenied) / float64(decided)
		}
	}

	dlqCount, err := c.source.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlqCount

	return snap, nil
}
