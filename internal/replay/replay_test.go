package replay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rxclaims/internal/model"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	// idle is added once, right after the first reading.
	idle  time.Duration
	reads int
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.reads++
	if c.reads == 1 {
		c.now = c.now.Add(c.idle)
	}
	return now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

type funcAdjudicator func(ctx context.Context, claim model.ClaimRequest) *model.AdjudicationResult

func (f funcAdjudicator) Adjudicate(ctx context.Context, claim model.ClaimRequest) *model.AdjudicationResult {
	return f(ctx, claim)
}

func approveAll() funcAdjudicator {
	return func(_ context.Context, c model.ClaimRequest) *model.AdjudicationResult {
		return &model.AdjudicationResult{ClaimNumber: c.ClaimNumber, Status: model.ClaimStatusApproved}
	}
}

var epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func claimAt(n int, offset time.Duration) model.ClaimRequest {
	return model.ClaimRequest{
		ClaimNumber: fmt.Sprintf("CLM%015d", n),
		MemberID:    "M1",
		ReceivedAt:  epoch.Add(offset),
	}
}

func feed(claims ...model.ClaimRequest) <-chan model.ClaimRequest {
	ch := make(chan model.ClaimRequest, len(claims))
	for _, c := range claims {
		ch <- c
	}
	close(ch)
	return ch
}

func newFakeScheduler(t *testing.T, adj Adjudicator, cfg Config) (*Scheduler, *fakeClock) {
	t.Helper()
	s, err := NewScheduler(adj, cfg)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.now = clock.Now
	s.sleep = clock.Sleep
	return s, clock
}

func TestNewScheduler_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewScheduler(approveAll(), Config{Speed: 0})
	assert.ErrorContains(t, err, "speed must be positive")

	_, err = NewScheduler(approveAll(), Config{Speed: 1, MaxTPS: -1})
	assert.ErrorContains(t, err, "max tps")

	s, err := NewScheduler(approveAll(), Config{Speed: 2})
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkers, s.cfg.Workers)
}

func TestRun_PacingPreservesSpacing(t *testing.T) {
	t.Parallel()

	s, clock := newFakeScheduler(t, approveAll(), Config{Speed: 10, Workers: 1})

	sum, err := s.Run(context.Background(), feed(
		claimAt(1, 0),
		claimAt(2, 10*time.Second),
		claimAt(3, 15*time.Second),
	))
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{time.Second, 500 * time.Millisecond}, clock.sleeps)
	assert.Equal(t, int64(3), sum.Processed)
	assert.Equal(t, 15*time.Second, sum.SimulatedSpan)
	assert.Equal(t, 1500*time.Millisecond, sum.WallTime)
	assert.InDelta(t, 10.0, sum.EffectiveSpeed, 0.001)
	assert.InDelta(t, 2.0, sum.Throughput, 0.001)
}

func TestRun_PacingRealClock(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	t.Parallel()

	var mu sync.Mutex
	dispatched := map[string]time.Time{}
	adj := funcAdjudicator(func(_ context.Context, c model.ClaimRequest) *model.AdjudicationResult {
		mu.Lock()
		dispatched[c.ClaimNumber] = time.Now()
		mu.Unlock()
		return &model.AdjudicationResult{Status: model.ClaimStatusApproved}
	})

	s, err := NewScheduler(adj, Config{Speed: 10, Workers: 4})
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Run(context.Background(), feed(
		claimAt(1, 0),
		claimAt(2, 10*time.Second),
		claimAt(3, 15*time.Second),
	))
	require.NoError(t, err)

	tolerance := float64(150 * time.Millisecond)
	assert.InDelta(t, 0, float64(dispatched[claimAt(1, 0).ClaimNumber].Sub(start)), tolerance)
	assert.InDelta(t, float64(time.Second), float64(dispatched[claimAt(2, 0).ClaimNumber].Sub(start)), tolerance)
	assert.InDelta(t, float64(1500*time.Millisecond), float64(dispatched[claimAt(3, 0).ClaimNumber].Sub(start)), tolerance)
}

func TestRun_OutOfOrderDispatchesImmediately(t *testing.T) {
	t.Parallel()

	s, clock := newFakeScheduler(t, approveAll(), Config{Speed: 1, Workers: 2})

	sum, err := s.Run(context.Background(), feed(
		claimAt(1, 0),
		claimAt(2, 4*time.Second),
		claimAt(3, 2*time.Second),
		claimAt(4, 6*time.Second),
	))
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{4 * time.Second, 2 * time.Second}, clock.sleeps)
	assert.Equal(t, int64(1), sum.OutOfOrder)
	assert.Equal(t, int64(4), sum.Dispatched)
}

func TestRun_SkipsDuplicateClaimNumbers(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	adj := funcAdjudicator(func(_ context.Context, c model.ClaimRequest) *model.AdjudicationResult {
		calls.Add(1)
		return &model.AdjudicationResult{Status: model.ClaimStatusApproved}
	})
	s, _ := newFakeScheduler(t, adj, Config{Speed: 100, Workers: 2})

	sum, err := s.Run(context.Background(), feed(claimAt(1, 0), claimAt(1, time.Second), claimAt(2, 2*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), sum.SkippedDuplicates)
}

func TestRun_CountsByStatus(t *testing.T) {
	t.Parallel()

	statuses := []model.ClaimStatus{
		model.ClaimStatusApproved, model.ClaimStatusDenied, model.ClaimStatusApproved,
		model.ClaimStatusPartial, model.ClaimStatusError,
	}
	adj := funcAdjudicator(func(_ context.Context, c model.ClaimRequest) *model.AdjudicationResult {
		var n int
		_, _ = fmt.Sscanf(c.ClaimNumber, "CLM%d", &n)
		res := &model.AdjudicationResult{Status: statuses[n]}
		if n == 4 {
			res.PersistError = "store down"
		}
		return res
	})
	s, _ := newFakeScheduler(t, adj, Config{Speed: 1, Workers: 3})

	var claims []model.ClaimRequest
	for i := range statuses {
		claims = append(claims, claimAt(i, time.Duration(i)*time.Second))
	}
	sum, err := s.Run(context.Background(), feed(claims...))
	require.NoError(t, err)

	assert.Equal(t, int64(2), sum.Count(model.ClaimStatusApproved))
	assert.Equal(t, int64(1), sum.Count(model.ClaimStatusDenied))
	assert.Equal(t, int64(1), sum.Count(model.ClaimStatusPartial))
	assert.Equal(t, int64(1), sum.Count(model.ClaimStatusError))
	assert.Equal(t, int64(1), sum.PersistFailures)
}

func TestRun_BoundedWorkers(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	adj := funcAdjudicator(func(_ context.Context, c model.ClaimRequest) *model.AdjudicationResult {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return &model.AdjudicationResult{Status: model.ClaimStatusApproved}
	})
	s, _ := newFakeScheduler(t, adj, Config{Speed: 1, Workers: 2})

	var claims []model.ClaimRequest
	for i := 0; i < 20; i++ {
		claims = append(claims, claimAt(i, 0))
	}
	sum, err := s.Run(context.Background(), feed(claims...))
	require.NoError(t, err)
	assert.Equal(t, int64(20), sum.Processed)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRun_CancelStopsDispatchAndDrains(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var drainedCtxErr atomic.Value
	adj := funcAdjudicator(func(ctx context.Context, c model.ClaimRequest) *model.AdjudicationResult {
		cancel()
		time.Sleep(20 * time.Millisecond)
		if ctx.Err() != nil {
			drainedCtxErr.Store(ctx.Err())
		}
		return &model.AdjudicationResult{Status: model.ClaimStatusApproved}
	})

	s, err := NewScheduler(adj, Config{Speed: 1, Workers: 2})
	require.NoError(t, err)

	sum, err := s.Run(ctx, feed(claimAt(1, 0), claimAt(2, time.Hour)))
	require.NoError(t, err)
	assert.True(t, sum.Stopped)
	assert.Equal(t, int64(1), sum.Dispatched)
	assert.Equal(t, int64(1), sum.Processed)
	assert.Nil(t, drainedCtxErr.Load(), "in-flight claims are not cancelled")
}

func TestRun_MaxTPS(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	t.Parallel()

	s, err := NewScheduler(approveAll(), Config{Speed: 1, Workers: 4, MaxTPS: 20})
	require.NoError(t, err)

	var claims []model.ClaimRequest
	for i := 0; i < 5; i++ {
		claims = append(claims, claimAt(i, 0))
	}
	start := time.Now()
	sum, err := s.Run(context.Background(), feed(claims...))
	require.NoError(t, err)
	assert.Equal(t, int64(5), sum.Processed)
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
}

func TestRunReplay_SortsByArrival(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []string
	adj := funcAdjudicator(func(_ context.Context, c model.ClaimRequest) *model.AdjudicationResult {
		mu.Lock()
		order = append(order, c.ClaimNumber)
		mu.Unlock()
		return &model.AdjudicationResult{Status: model.ClaimStatusApproved}
	})

	claims := []model.ClaimRequest{
		claimAt(3, 30*time.Millisecond),
		claimAt(1, 0),
		claimAt(2, 15*time.Millisecond),
	}
	sum, err := RunReplay(context.Background(), adj, claims, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum.Processed)
	assert.Zero(t, sum.OutOfOrder)
	assert.Equal(t, []string{claimAt(1, 0).ClaimNumber, claimAt(2, 0).ClaimNumber, claimAt(3, 0).ClaimNumber}, order)
}

func TestRun_PacingAnchorsAtFirstClaim(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		idle time.Duration
	}{
		{name: "claims ready at start", idle: 0},
		{name: "slow source", idle: 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, clock := newFakeScheduler(t, approveAll(), Config{Speed: 10, Workers: 1})
			clock.idle = tt.idle

			sum, err := s.Run(context.Background(), feed(
				claimAt(1, 0),
				claimAt(2, 10*time.Second),
				claimAt(3, 15*time.Second),
			))
			require.NoError(t, err)

			assert.Equal(t, []time.Duration{time.Second, 500 * time.Millisecond}, clock.sleeps,
				"the wait for the first claim does not count toward pacing")
			assert.Equal(t, tt.idle+1500*time.Millisecond, sum.WallTime)
			assert.Equal(t, int64(3), sum.Processed)
		})
	}
}

func TestRun_CancelWhileWorkersBusy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		workers int
	}{
		{name: "single worker", workers: 1},
		{name: "pool", workers: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			started := make(chan struct{}, tt.workers+2)
			release := make(chan struct{})
			adj := funcAdjudicator(func(_ context.Context, c model.ClaimRequest) *model.AdjudicationResult {
				started <- struct{}{}
				<-release
				return &model.AdjudicationResult{ClaimNumber: c.ClaimNumber, Status: model.ClaimStatusApproved}
			})
			s, _ := newFakeScheduler(t, adj, Config{Speed: 1, Workers: tt.workers})

			var claims []model.ClaimRequest
			for i := 0; i < tt.workers+2; i++ {
				claims = append(claims, claimAt(i, 0))
			}

			type result struct {
				sum *Summary
				err error
			}
			done := make(chan result, 1)
			go func() {
				sum, err := s.Run(ctx, feed(claims...))
				done <- result{sum, err}
			}()

			for i := 0; i < tt.workers; i++ {
				<-started
			}
			cancel()
			close(release)

			res := <-done
			require.NoError(t, res.err)
			assert.True(t, res.sum.Stopped)
			assert.Equal(t, int64(tt.workers), res.sum.Dispatched, "no claim is dispatched after stop")
			assert.Equal(t, int64(tt.workers), res.sum.Processed)
		})
	}
}
