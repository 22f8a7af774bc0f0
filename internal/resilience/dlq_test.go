package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/sells-group/rxclaims/internal/model"
)

func TestDLQEntry_CanRetry(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		maxRetries int
		want       bool
	}{
		{"below max", 0, 3, true},
		{"at max", 3, 3, false},
		{"above max", 5, 3, false},
		{"one below max", 2, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := DLQEntry{
				RetryCount: tt.retryCount,
				MaxRetries: tt.maxRetries,
			}
			if got := e.CanRetry(); got != tt.want {
				t.Errorf("CanRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transient error", NewTransientError(errors.New("503"), 503), "transient"},
		{"permanent error", errors.New("invalid input"), "permanent"},
		{"connection reset", errors.New("connection reset by peer"), "transient"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewDLQEntry(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	res := &model.AdjudicationResult{ClaimNumber: "CLM000000000000007", Status: model.ClaimStatusApproved}

	e := NewDLQEntry(res, errors.New("connection reset by peer"), 3, now)
	if e.ID == "" {
		t.Error("expected generated id")
	}
	if e.ClaimNumber != res.ClaimNumber || e.Result.Status != model.ClaimStatusApproved {
		t.Errorf("entry does not carry the result: %+v", e)
	}
	if e.ErrorType != ErrorTypeTransient || e.MaxRetries != 3 || !e.CanRetry() {
		t.Errorf("transient entry should be retryable: %+v", e)
	}
	if !e.NextRetryAt.Equal(now) {
		t.Errorf("expected entry due immediately, got %v", e.NextRetryAt)
	}

	p := NewDLQEntry(res, errors.New(`violates check constraint "claim_results_status_check"`), 3, now)
	if p.ErrorType != ErrorTypePermanent || p.CanRetry() {
		t.Errorf("permanent entry should not be retryable: %+v", p)
	}
}

func TestDLQEntry_NextAttempt(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: time.Minute, Multiplier: 2, JitterFraction: 0.5}

	e := DLQEntry{RetryCount: 2}
	if got := e.NextAttempt(cfg, now); !got.Equal(now.Add(4 * time.Second)) {
		t.Errorf("expected 4s backoff without jitter, got %v", got.Sub(now))
	}

	e.RetryCount = 20
	if got := e.NextAttempt(cfg, now); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("expected backoff capped at 1m, got %v", got.Sub(now))
	}
}
