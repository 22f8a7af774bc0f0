package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/rxclaims/internal/db"
	"github.com/sells-group/rxclaims/internal/model"
	"github.com/sells-group/rxclaims/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlUpsertResult = `INSERT INTO claim_results
	(claim_number, member_id, plan_id, status, tier, allowed_cents, patient_pay_cents, plan_pay_cents,
	 deductible_cents, oop_cents, date_of_service, processed_at, result)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (claim_number) DO UPDATE SET
	  member_id = $2, plan_id = $3, status = $4, tier = $5, allowed_cents = $6, patient_pay_cents = $7,
	  plan_pay_cents = $8, deductible_cents = $9, oop_cents = $10, date_of_service = $11,
	  processed_at = $12, result = $13`
	sqlGetResult       = `SELECT result FROM claim_results WHERE claim_number = $1`
	sqlLoadAccumulator = `SELECT deductible_cents, oop_cents FROM accumulators
	WHERE member_id = $1 AND plan_id = $2 AND plan_year = $3`
	sqlSaveAccumulator = `INSERT INTO accumulators (member_id, plan_id, plan_year, deductible_cents, oop_cents, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (member_id, plan_id, plan_year) DO UPDATE SET
	  deductible_cents = $4, oop_cents = $5, updated_at = $6`
)

// preparedStatements are prepared on each new connection; they cover the
// per-claim hot path.
var preparedStatements = map[string]string{
	"upsert_result":    sqlUpsertResult,
	"get_result":       sqlGetResult,
	"load_accumulator": sqlLoadAccumulator,
	"save_accumulator": sqlSaveAccumulator,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Tables may not exist yet on a fresh database; prepare failures are
	// ignored and the statements are parsed on first use instead.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			_, _ = conn.Prepare(ctx, name, sql)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS claim_results (
	claim_number      TEXT PRIMARY KEY,
	member_id         TEXT NOT NULL,
	plan_id           TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	tier              INTEGER NOT NULL DEFAULT 0,
	allowed_cents     BIGINT NOT NULL DEFAULT 0,
	patient_pay_cents BIGINT NOT NULL DEFAULT 0,
	plan_pay_cents    BIGINT NOT NULL DEFAULT 0,
	deductible_cents  BIGINT NOT NULL DEFAULT 0,
	oop_cents         BIGINT NOT NULL DEFAULT 0,
	date_of_service   TEXT NOT NULL DEFAULT '',
	processed_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	result            JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_claim_results_member ON claim_results(member_id, plan_id);
CREATE INDEX IF NOT EXISTS idx_claim_results_status ON claim_results(status);
CREATE INDEX IF NOT EXISTS idx_claim_results_processed_at ON claim_results(processed_at);

CREATE TABLE IF NOT EXISTS accumulators (
	member_id        TEXT NOT NULL,
	plan_id          TEXT NOT NULL,
	plan_year        INTEGER NOT NULL,
	deductible_cents BIGINT NOT NULL DEFAULT 0,
	oop_cents        BIGINT NOT NULL DEFAULT 0,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (member_id, plan_id, plan_year)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	claim_number   TEXT NOT NULL,
	result         JSONB NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Persist upserts one result keyed by claim number.
func (s *PostgresStore) Persist(ctx context.Context, result *model.AdjudicationResult) error {
	row, err := resultRow(result)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, sqlUpsertResult, row...)
	return eris.Wrapf(err, "postgres: save result %s", result.ClaimNumber)
}

// SaveResults upserts a batch of results through COPY and a temp table.
func (s *PostgresStore) SaveResults(ctx context.Context, results []*model.AdjudicationResult) error {
	rows := make([][]any, 0, len(results))
	for _, r := range results {
		row, err := resultRow(r)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "claim_results",
		Columns:      resultColumns,
		ConflictKeys: []string{"claim_number"},
	}, rows)
	return eris.Wrapf(err, "postgres: save %d results", len(results))
}

// GetResult returns the stored result, or nil when the claim is unknown.
func (s *PostgresStore) GetResult(ctx context.Context, claimNumber string) (*model.AdjudicationResult, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, sqlGetResult, claimNumber).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get result %s", claimNumber)
	}
	return decodeResult(payload)
}

func (s *PostgresStore) ListResults(ctx context.Context, filter ResultFilter) ([]model.AdjudicationResult, error) {
	query := `SELECT result FROM claim_results WHERE true`
	args := []any{}
	argIdx := 1

	add := func(clause string, v any) {
		query += fmt.Sprintf(clause, argIdx)
		args = append(args, v)
		argIdx++
	}
	if filter.MemberID != "" {
		add(` AND member_id = $%d`, filter.MemberID)
	}
	if filter.PlanID != "" {
		add(` AND plan_id = $%d`, filter.PlanID)
	}
	if filter.Status != "" {
		add(` AND status = $%d`, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		add(` AND processed_at >= $%d`, filter.Since.UTC())
	}
	query += ` ORDER BY processed_at DESC, claim_number DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	add(` LIMIT $%d`, limit)
	if filter.Offset > 0 {
		add(` OFFSET $%d`, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list results")
	}
	defer rows.Close()

	var out []model.AdjudicationResult
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		r, err := decodeResult(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list results iterate")
}

func (s *PostgresStore) CountByStatus(ctx context.Context, since time.Time) (map[model.ClaimStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM claim_results WHERE processed_at >= $1 GROUP BY status`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by status")
	}
	defer rows.Close()

	counts := make(map[model.ClaimStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.ClaimStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count by status iterate")
}

// Accumulators

func (s *PostgresStore) LoadAccumulator(ctx context.Context, key model.AccumulatorKey) (model.AccumulatorTotals, bool, error) {
	var deductible, oop int64
	err := s.pool.QueryRow(ctx, sqlLoadAccumulator, key.MemberID, key.PlanID, key.PlanYear).Scan(&deductible, &oop)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AccumulatorTotals{}, false, nil
		}
		return model.AccumulatorTotals{}, false, eris.Wrapf(err, "postgres: load accumulator %s", key)
	}
	return model.AccumulatorTotals{
		DeductibleMet:  model.FromCents(deductible),
		OutOfPocketMet: model.FromCents(oop),
	}, true, nil
}

func (s *PostgresStore) SaveAccumulator(ctx context.Context, key model.AccumulatorKey, totals model.AccumulatorTotals) error {
	_, err := s.pool.Exec(ctx, sqlSaveAccumulator,
		key.MemberID, key.PlanID, key.PlanYear,
		model.Cents(totals.DeductibleMet), model.Cents(totals.OutOfPocketMet),
		time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save accumulator %s", key)
}

// Dead letter queue methods

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	resultJSON, err := json.Marshal(entry.Result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq result")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, claim_number, result, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $4, error_type = $5, retry_count = $6, next_retry_at = $8, last_failed_at = $10`,
		entry.ID, entry.ClaimNumber, resultJSON, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, claim_number, result, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var resultJSON []byte
		if err := rows.Scan(&e.ID, &e.ClaimNumber, &resultJSON, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		if err := json.Unmarshal(resultJSON, &e.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq result")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt.UTC(), lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dlq_entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}
