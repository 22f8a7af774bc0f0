package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rxclaims/internal/adjudication"
	"github.com/sells-group/rxclaims/internal/config"
	"github.com/sells-group/rxclaims/internal/ledger"
	"github.com/sells-group/rxclaims/internal/refdata"
	"github.com/sells-group/rxclaims/internal/resilience"
	"github.com/sells-group/rxclaims/internal/store"
)

// engineEnv holds everything the adjudicate, replay and serve commands need.
type engineEnv struct {
	Store    store.Store
	Catalog  *refdata.Catalog
	Ledger   *ledger.Ledger
	Writer   *store.BatchWriter
	Sink     *resilience.Sink
	Pipeline *adjudication.Pipeline
}

// Close flushes pending result writes and releases the store.
func (e *engineEnv) Close() {
	if e.Writer != nil {
		if err := e.Writer.Close(); err != nil {
			zap.L().Warn("flush pending results", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func newResultWriter(saver store.BatchSaver, p config.PersistConfig) *store.BatchWriter {
	return store.NewBatchWriter(saver, p.BatchSize, time.Duration(p.LingerMs)*time.Millisecond)
}

// initEngine loads reference data, opens the store and builds the pipeline.
// Results flow pipeline -> resilient sink -> batch writer -> store, and
// writes that exhaust their retries land in the store's dead-letter queue.
// Callers should defer env.Close().
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	catalog, err := refdata.LoadFile(cfg.Reference.Path)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	writer := newResultWriter(st, cfg.Persist)

	retry, circuit := resilience.FromConfig(cfg.Resilience)
	sink := resilience.NewSink(writer, st, retry, circuit, cfg.Resilience.DLQMaxRetries)

	l := ledger.New(st)
	p := adjudication.New(catalog, l, sink, adjudication.Options{
		RequireInNetwork: cfg.Adjudication.RequireInNetwork,
		ClaimPrefix:      cfg.Adjudication.ClaimPrefix,
	})

	stats := catalog.Stats()
	zap.L().Info("adjudication engine ready",
		zap.String("store", cfg.Store.Driver),
		zap.Int("plans", stats.Plans),
		zap.Int("rules", stats.Rules),
		zap.Int("batch_size", cfg.Persist.BatchSize),
	)

	return &engineEnv{
		Store:    st,
		Catalog:  catalog,
		Ledger:   l,
		Writer:   writer,
		Sink:     sink,
		Pipeline: p,
	}, nil
}
