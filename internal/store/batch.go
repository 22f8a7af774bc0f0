package store

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rxclaims/internal/model"
)

// BatchSaver is the subset of Store a BatchWriter flushes into.
type BatchSaver interface {
	SaveResults(ctx context.Context, results []*model.AdjudicationResult) error
}

// ErrBatchWriterClosed is returned by Persist after Close.
var ErrBatchWriterClosed = eris.New("store: batch writer closed")

type pendingWrite struct {
	result *model.AdjudicationResult
	done   chan error
}

// BatchWriter groups concurrent Persist calls into SaveResults batches.
// Each caller blocks until the batch holding its result has been written,
// so a nil return still means the result is durable.
//
// At most one batch is in flight. Results that arrive while it is being
// written form the next batch, which starts as soon as the write returns.
// An idle writer starts at once unless a linger interval is set, in which
// case it waits up to that long for size results to accumulate.
type BatchWriter struct {
	saver  BatchSaver
	size   int
	linger time.Duration

	mu      sync.Mutex
	pending []pendingWrite
	timer   *time.Timer
	writing bool
	closed  bool
	wg      sync.WaitGroup
}

// NewBatchWriter creates a writer whose batches hold at most size results.
// size <= 1 writes every result on its own; linger <= 0 never waits for a
// batch to fill.
func NewBatchWriter(saver BatchSaver, size int, linger time.Duration) *BatchWriter {
	if size < 1 {
		size = 1
	}
	if linger < 0 {
		linger = 0
	}
	return &BatchWriter{saver: saver, size: size, linger: linger}
}

// Persist queues result and waits for its batch to be written.
func (w *BatchWriter) Persist(ctx context.Context, result *model.AdjudicationResult) error {
	p := pendingWrite{result: result, done: make(chan error, 1)}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrBatchWriterClosed
	}
	w.pending = append(w.pending, p)
	if !w.writing {
		switch {
		case len(w.pending) >= w.size || w.linger == 0:
			w.startLocked()
		case w.timer == nil:
			w.timer = time.AfterFunc(w.linger, w.lingerExpired)
		}
	}
	w.mu.Unlock()

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return eris.Wrapf(ctx.Err(), "store: wait for batch write of %s", result.ClaimNumber)
	}
}

// Close writes pending results, waits for in-flight batches and rejects
// further writes.
func (w *BatchWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	if !w.writing && len(w.pending) > 0 {
		w.startLocked()
	}
	w.mu.Unlock()
	w.wg.Wait()
	return nil
}

func (w *BatchWriter) lingerExpired() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timer = nil
	if !w.writing && len(w.pending) > 0 {
		w.startLocked()
	}
}

// startLocked hands the next batch to a writer goroutine. Caller holds w.mu.
func (w *BatchWriter) startLocked() {
	w.writing = true
	batch := w.takeLocked()
	w.wg.Add(1)
	go w.run(batch)
}

// takeLocked detaches up to size pending results. Caller holds w.mu.
func (w *BatchWriter) takeLocked() []pendingWrite {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	n := min(len(w.pending), w.size)
	batch := w.pending[:n:n]
	w.pending = w.pending[n:]
	if len(w.pending) == 0 {
		w.pending = nil
	}
	return batch
}

// run writes batch, then keeps draining whatever queued up meanwhile.
func (w *BatchWriter) run(batch []pendingWrite) {
	defer w.wg.Done()
	for {
		w.write(batch)

		w.mu.Lock()
		if len(w.pending) == 0 {
			w.writing = false
			w.mu.Unlock()
			return
		}
		batch = w.takeLocked()
		w.mu.Unlock()
	}
}

func (w *BatchWriter) write(batch []pendingWrite) {
	results := make([]*model.AdjudicationResult, len(batch))
	for i, p := range batch {
		results[i] = p.result
	}

	// A batch outlives any single caller's context.
	err := w.saver.SaveResults(context.Background(), results)
	if err != nil {
		zap.L().Warn("store: batch write failed",
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
	}
	for _, p := range batch {
		p.done <- err
	}
}
