package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rxclaims/internal/model"
)

// mockSource implements Source for testing.
type mockSource struct {
	counts    map[model.ClaimStatus]int
	dlqCount  int
	countErr  error
	dlqErr    error
	lastSince time.Time
}

func (m *mockSource) CountByStatus(_ context.Context, since time.Time) (map[model.ClaimStatus]int, error) {
	m.lastSince = since
	if m.countErr != nil {
		return nil, m.countErr
	}
	return m.counts, nil
}

func (m *mockSource) CountDLQ(_ context.Context) (int, error) {
	return m.dlqCount, m.dlqErr
}

func TestCollector_Collect(t *testing.T) {
	src := &mockSource{
		counts: map[model.ClaimStatus]int{
			model.ClaimStatusApproved: 70,
			model.ClaimStatusPartial:  5,
			model.ClaimStatusDenied:   15,
			model.ClaimStatusError:    10,
		},
		dlqCount: 3,
	}
	c := NewCollector(src)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.nowFunc = func() time.Time { return now }

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, now.Add(-24*time.Hour), src.lastSince)
	assert.Equal(t, 100, snap.ClaimsTotal)
	assert.Equal(t, 70, snap.ClaimsApproved)
	assert.Equal(t, 5, snap.ClaimsPartial)
	assert.Equal(t, 15, snap.ClaimsDenied)
	assert.Equal(t, 10, snap.ClaimsError)
	assert.InDelta(t, 0.10, snap.ErrorRate, 1e-9)
	assert.InDelta(t, 15.0/90.0, snap.DenialRate, 1e-9)
	assert.Equal(t, 3, snap.DLQDepth)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, now, snap.CollectedAt)
}

func TestCollector_Collect_Empty(t *testing.T) {
	c := NewCollector(&mockSource{counts: map[model.ClaimStatus]int{}})

	snap, err := c.Collect(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, snap.ClaimsTotal)
	assert.Zero(t, snap.ErrorRate)
	assert.Zero(t, snap.DenialRate)
	assert.Equal(t, 24, snap.LookbackHours, "non-positive lookback falls back to a day")
}

func TestCollector_Collect_AllErrors(t *testing.T) {
	c := NewCollector(&mockSource{counts: map[model.ClaimStatus]int{model.ClaimStatusError: 4}})

	snap, err := c.Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap.ErrorRate)
	assert.Zero(t, snap.DenialRate)
}

func TestCollector_Collect_CountError(t *testing.T) {
	c := NewCollector(&mockSource{countErr: errors.New("db down")})

	_, err := c.Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count results")
}

func TestCollector_Collect_DLQError(t *testing.T) {
	c := NewCollector(&mockSource{counts: map[model.ClaimStatus]int{}, dlqErr: errors.New("db down")})

	_, err := c.Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count dlq")
}
