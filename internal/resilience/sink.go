package resilience

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rxclaims/internal/model"
)

// Persister writes one adjudication result.
type Persister interface {
	Persist(ctx context.Context, result *model.AdjudicationResult) error
}

// DeadLetters stores results that could not be written.
type DeadLetters interface {
	EnqueueDLQ(ctx context.Context, entry DLQEntry) error
}

// DLQStore is the dead-letter queue as seen by redelivery.
type DLQStore interface {
	DeadLetters
	DequeueDLQ(ctx context.Context, filter DLQFilter) ([]DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error
}

// Sink wraps a Persister with retries, a circuit breaker and dead-lettering.
type Sink struct {
	next       Persister
	dlq        DeadLetters
	retry      RetryConfig
	breaker    *CircuitBreaker
	maxRetries int
	now        func() time.Time
}

// NewSink creates a Sink. dlq may be nil, in which case failed writes are
// only reported.
func NewSink(next Persister, dlq DeadLetters, retry RetryConfig, circuit CircuitBreakerConfig, maxRetries int) *Sink {
	if circuit.OnStateChange == nil {
		circuit.OnStateChange = func(from, to CircuitState) {
			zap.L().Warn("resilience: result store circuit changed",
				zap.Stringer("from", from), zap.Stringer("to", to))
		}
	}
	if circuit.ShouldTrip == nil {
		circuit.ShouldTrip = IsTransient
	}
	if retry.OnRetry == nil {
		retry.OnRetry = RetryLogger("persist result")
	}
	return &Sink{
		next:       next,
		dlq:        dlq,
		retry:      retry,
		breaker:    NewCircuitBreaker(circuit),
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// Breaker exposes the circuit state for health reporting.
func (s *Sink) Breaker() *CircuitBreaker { return s.breaker }

// Persist writes result, retrying transient failures. A write that still
// fails is dead-lettered and the original error is returned.
func (s *Sink) Persist(ctx context.Context, result *model.AdjudicationResult) error {
	err := Do(ctx, s.retry, func(ctx context.Context) error {
		return s.breaker.Execute(ctx, func(ctx context.Context) error {
			return s.next.Persist(ctx, result)
		})
	})
	if err == nil {
		return nil
	}

	log := zap.L().With(zap.String("claim", result.ClaimNumber))
	if s.dlq == nil {
		return eris.Wrapf(err, "resilience: persist claim %s", result.ClaimNumber)
	}

	entry := NewDLQEntry(result, err, s.maxRetries, s.now().UTC())
	if dlqErr := s.dlq.EnqueueDLQ(context.WithoutCancel(ctx), entry); dlqErr != nil {
		log.Error("resilience: dead-letter enqueue failed", zap.Error(dlqErr), zap.NamedError("cause", err))
		return eris.Wrapf(err, "resilience: persist claim %s", result.ClaimNumber)
	}
	log.Warn("resilience: result dead-lettered",
		zap.String("dlq_id", entry.ID),
		zap.String("error_type", entry.ErrorType),
		zap.Error(err),
	)
	return eris.Wrapf(err, "resilience: persist claim %s (dead-lettered as %s)", result.ClaimNumber, entry.ID)
}

// RedeliveryStats counts the outcome of one Redeliver pass.
type RedeliveryStats struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Redeliver writes due dead-letter entries to target. Delivered entries are
// removed; failed ones are rescheduled with exponential backoff.
func Redeliver(ctx context.Context, q DLQStore, target Persister, filter DLQFilter, cfg RetryConfig) (RedeliveryStats, error) {
	var stats RedeliveryStats

	entries, err := q.DequeueDLQ(ctx, filter)
	if err != nil {
		return stats, eris.Wrap(err, "resilience: dequeue dlq")
	}

	for i := range entries {
		e := &entries[i]
		if ctx.Err() != nil {
			break
		}
		stats.Attempted++

		if werr := target.Persist(ctx, &e.Result); werr != nil {
			stats.Failed++
			next := e.NextAttempt(cfg, time.Now().UTC())
			if err := q.IncrementDLQRetry(ctx, e.ID, next, werr.Error()); err != nil {
				return stats, eris.Wrapf(err, "resilience: reschedule dlq entry %s", e.ID)
			}
			zap.L().Warn("resilience: redelivery failed",
				zap.String("claim", e.ClaimNumber),
				zap.Int("retry_count", e.RetryCount+1),
				zap.Time("next_retry_at", next),
				zap.Error(werr),
			)
			continue
		}

		if err := q.RemoveDLQ(ctx, e.ID); err != nil {
			return stats, eris.Wrapf(err, "resilience: remove dlq entry %s", e.ID)
		}
		stats.Delivered++
	}
	return stats, nil
}
