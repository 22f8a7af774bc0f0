// Package replay feeds a recorded claim stream through the adjudication
// pipeline at a configurable multiple of its original arrival rate.
package replay

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/rxclaims/internal/model"
)

// Defaults applied by RunReplay and to zero Config fields.
const (
	DefaultWorkers          = 8
	DefaultProgressInterval = 10 * time.Second
)

// Adjudicator decides one claim.
type Adjudicator interface {
	Adjudicate(ctx context.Context, claim model.ClaimRequest) *model.AdjudicationResult
}

// Config controls pacing and concurrency.
type Config struct {
	// Speed divides recorded inter-arrival gaps; 10 replays ten times faster.
	Speed float64
	// Workers bounds the number of claims adjudicated at once.
	Workers int
	// MaxTPS caps dispatch rate when positive.
	MaxTPS float64
	// ProgressInterval is how often progress is logged; zero disables it.
	ProgressInterval time.Duration
}

// Summary describes a finished replay.
type Summary struct {
	Dispatched        int64                       `json:"dispatched"`
	Processed         int64                       `json:"processed"`
	ByStatus          map[model.ClaimStatus]int64 `json:"by_status"`
	PersistFailures   int64                       `json:"persist_failures"`
	SkippedDuplicates int64                       `json:"skipped_duplicates"`
	OutOfOrder        int64                       `json:"out_of_order"`
	Stopped           bool                        `json:"stopped"`
	WallTime          time.Duration               `json:"wall_time"`
	SimulatedSpan     time.Duration               `json:"simulated_span"`
	EffectiveSpeed    float64                     `json:"effective_speed"`
	Throughput        float64                     `json:"throughput"`
	MeanLatency       time.Duration               `json:"mean_latency"`
}

// Count returns the number of processed claims with status.
func (s *Summary) Count(status model.ClaimStatus) int64 {
	return s.ByStatus[status]
}

// Scheduler paces claims to their recorded arrival times and hands them to
// a bounded worker pool.
type Scheduler struct {
	adj   Adjudicator
	cfg   Config
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewScheduler creates a Scheduler.
func NewScheduler(adj Adjudicator, cfg Config) (*Scheduler, error) {
	if cfg.Speed <= 0 {
		return nil, eris.Errorf("replay: speed must be positive, got %v", cfg.Speed)
	}
	if cfg.MaxTPS < 0 {
		return nil, eris.Errorf("replay: max tps must not be negative, got %v", cfg.MaxTPS)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Scheduler{
		adj:   adj,
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type counters struct {
	dispatched atomic.Int64
	processed  atomic.Int64
	persistErr atomic.Int64
	latencyNs  atomic.Int64

	mu       sync.Mutex
	byStatus map[model.ClaimStatus]int64
}

func (c *counters) record(res *model.AdjudicationResult, latency time.Duration) {
	c.processed.Add(1)
	c.latencyNs.Add(int64(latency))
	if res.PersistError != "" {
		c.persistErr.Add(1)
	}
	c.mu.Lock()
	c.byStatus[res.Status]++
	c.mu.Unlock()
}

// Run replays claims, which must arrive ordered by ReceivedAt, until the
// channel closes or ctx is cancelled. Each claim is dispatched at
// anchor + (receivedAt - firstReceivedAt) / speed, where anchor is the moment
// the first timed claim was read. Targets are computed from the absolute
// offset so sleep overshoot never accumulates. Claims that arrive out of
// order are dispatched immediately. Cancellation stops dispatch, including
// while waiting for a free worker; claims already handed to a worker finish
// on a context that is not cancelled, and the summary reports Stopped.
func (s *Scheduler) Run(ctx context.Context, claims <-chan model.ClaimRequest) (*Summary, error) {
	log := zap.L().With(zap.Float64("speed", s.cfg.Speed), zap.Int("workers", s.cfg.Workers))
	log.Info("replay: starting")

	var limiter *rate.Limiter
	if s.cfg.MaxTPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MaxTPS), 1)
	}

	c := &counters{byStatus: make(map[model.ClaimStatus]int64)}
	workCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	slots := make(chan struct{}, s.cfg.Workers)

	start := s.now()
	stopProgress := s.logProgress(log, c, start)

	var (
		first, last time.Time
		anchor      time.Time
		haveFirst   bool
		skipped     int64
		outOfOrder  int64
		stopped     bool
		seen        = make(map[string]struct{})
	)

dispatch:
	for {
		var claim model.ClaimRequest
		var ok bool
		select {
		case <-ctx.Done():
			stopped = true
			break dispatch
		case claim, ok = <-claims:
			if !ok {
				break dispatch
			}
		}

		if claim.ClaimNumber != "" {
			if _, dup := seen[claim.ClaimNumber]; dup {
				skipped++
				log.Warn("replay: skipping duplicate claim", zap.String("claim", claim.ClaimNumber))
				continue
			}
			seen[claim.ClaimNumber] = struct{}{}
		}

		received := claim.ReceivedAt
		switch {
		case received.IsZero():
			// Untimed claims are not paced.
		case !haveFirst:
			first, last, haveFirst = received, received, true
			anchor = s.now()
		case received.Before(last):
			outOfOrder++
			log.Warn("replay: claim out of order, dispatching immediately",
				zap.String("claim", claim.ClaimNumber),
				zap.Time("received_at", received),
				zap.Time("previous", last),
			)
		default:
			last = received
			target := anchor.Add(time.Duration(float64(received.Sub(first)) / s.cfg.Speed))
			if wait := target.Sub(s.now()); wait > 0 {
				if err := s.sleep(ctx, wait); err != nil {
					stopped = true
					break dispatch
				}
			}
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				stopped = true
				break dispatch
			}
		}

		select {
		case <-ctx.Done():
			stopped = true
			break dispatch
		case slots <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-slots
			stopped = true
			break dispatch
		}

		c.dispatched.Add(1)
		g.Go(func() error {
			defer func() { <-slots }()
			t0 := s.now()
			res := s.adj.Adjudicate(workCtx, claim)
			c.record(res, s.now().Sub(t0))
			return nil
		})
	}

	err := g.Wait()
	stopProgress()
	if err != nil {
		return nil, eris.Wrap(err, "replay: workers")
	}

	sum := &Summary{
		Dispatched:        c.dispatched.Load(),
		Processed:         c.processed.Load(),
		ByStatus:          c.byStatus,
		PersistFailures:   c.persistErr.Load(),
		SkippedDuplicates: skipped,
		OutOfOrder:        outOfOrder,
		Stopped:           stopped,
		WallTime:          s.now().Sub(start),
		SimulatedSpan:     last.Sub(first),
	}
	if sum.WallTime > 0 {
		sum.EffectiveSpeed = float64(sum.SimulatedSpan) / float64(sum.WallTime)
		sum.Throughput = float64(sum.Processed) / sum.WallTime.Seconds()
	}
	if sum.Processed > 0 {
		sum.MeanLatency = time.Duration(c.latencyNs.Load() / sum.Processed)
	}

	log.Info("replay: complete",
		zap.Int64("dispatched", sum.Dispatched),
		zap.Int64("processed", sum.Processed),
		zap.Int64("skipped_duplicates", sum.SkippedDuplicates),
		zap.Bool("stopped", sum.Stopped),
		zap.Int64("duration_ms", sum.WallTime.Milliseconds()),
	)
	return sum, nil
}

func (s *Scheduler) logProgress(log *zap.Logger, c *counters, start time.Time) func() {
	if s.cfg.ProgressInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				elapsed := s.now().Sub(start)
				processed := c.processed.Load()
				log.Info("replay: progress",
					zap.Int64("dispatched", c.dispatched.Load()),
					zap.Int64("processed", processed),
					zap.Float64("claims_per_sec", float64(processed)/elapsed.Seconds()),
				)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// RunReplay sorts claims by arrival time and replays them at speed with
// default workers.
func RunReplay(ctx context.Context, adj Adjudicator, claims []model.ClaimRequest, speed float64) (*Summary, error) {
	s, err := NewScheduler(adj, Config{Speed: speed, Workers: DefaultWorkers, ProgressInterval: DefaultProgressInterval})
	if err != nil {
		return nil, err
	}

	ordered := make([]model.ClaimRequest, len(claims))
	copy(ordered, claims)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ReceivedAt.Before(ordered[j].ReceivedAt)
	})

	ch := make(chan model.ClaimRequest)
	go func() {
		defer close(ch)
		for _, c := range ordered {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return s.Run(ctx, ch)
}
