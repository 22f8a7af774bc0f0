package resilience

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/rxclaims/internal/model"
)

// Error types recorded on dead-letter entries.
const (
	ErrorTypeTransient = "transient"
	ErrorTypePermanent = "permanent"
)

// DLQEntry is an adjudication result whose write to the store failed. The
// decision itself is final; only persistence is retried.
type DLQEntry struct {
	ID           string                   `json:"id"`
	ClaimNumber  string                   `json:"claim_number"`
	Result       model.AdjudicationResult `json:"result"`
	Error        string                   `json:"error"`
	ErrorType    string                   `json:"error_type"`
	RetryCount   int                      `json:"retry_count"`
	MaxRetries   int                      `json:"max_retries"`
	NextRetryAt  time.Time                `json:"next_retry_at"`
	CreatedAt    time.Time                `json:"created_at"`
	LastFailedAt time.Time                `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// NewDLQEntry builds a dead-letter entry for a failed write of result.
// Permanent failures get no automatic retries.
func NewDLQEntry(result *model.AdjudicationResult, err error, maxRetries int, now time.Time) DLQEntry {
	errType := ClassifyError(err)
	if errType == ErrorTypePermanent {
		maxRetries = 0
	}
	return DLQEntry{
		ID:           uuid.New().String(),
		ClaimNumber:  result.ClaimNumber,
		Result:       *result,
		Error:        err.Error(),
		ErrorType:    errType,
		MaxRetries:   maxRetries,
		NextRetryAt:  now,
		CreatedAt:    now,
		LastFailedAt: now,
	}
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// NextAttempt is when the entry becomes eligible again after its next
// failure, backing off exponentially from cfg.InitialBackoff.
func (e *DLQEntry) NextAttempt(cfg RetryConfig, now time.Time) time.Time {
	cfg = applyDefaults(cfg)
	cfg.JitterFraction = 0
	return now.Add(computeBackoff(e.RetryCount, cfg))
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTypeTransient
	}
	return ErrorTypePermanent
}
