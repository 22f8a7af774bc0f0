package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/rxclaims/internal/model"
	"github.com/sells-group/rxclaims/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, nowFunc: time.Now}, nil
}

// Timestamps are stored as fixed-width UTC text so they compare correctly as
// strings.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS claim_results (
	claim_number      TEXT PRIMARY KEY,
	member_id         TEXT NOT NULL,
	plan_id           TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	tier              INTEGER NOT NULL DEFAULT 0,
	allowed_cents     INTEGER NOT NULL DEFAULT 0,
	patient_pay_cents INTEGER NOT NULL DEFAULT 0,
	plan_pay_cents    INTEGER NOT NULL DEFAULT 0,
	deductible_cents  INTEGER NOT NULL DEFAULT 0,
	oop_cents         INTEGER NOT NULL DEFAULT 0,
	date_of_service   TEXT NOT NULL DEFAULT '',
	processed_at      TEXT NOT NULL,
	result            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS accumulators (
	member_id        TEXT NOT NULL,
	plan_id          TEXT NOT NULL,
	plan_year        INTEGER NOT NULL,
	deductible_cents INTEGER NOT NULL DEFAULT 0,
	oop_cents        INTEGER NOT NULL DEFAULT 0,
	updated_at       TEXT NOT NULL,
	PRIMARY KEY (member_id, plan_id, plan_year)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	claim_number   TEXT NOT NULL,
	result         TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	last_failed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_claim_results_member ON claim_results(member_id, plan_id);
CREATE INDEX IF NOT EXISTS idx_claim_results_status ON claim_results(status);
CREATE INDEX IF NOT EXISTS idx_claim_results_processed_at ON claim_results(processed_at);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

const sqliteUpsertResult = `INSERT INTO claim_results
	(claim_number, member_id, plan_id, status, tier, allowed_cents, patient_pay_cents, plan_pay_cents,
	 deductible_cents, oop_cents, date_of_service, processed_at, result)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (claim_number) DO UPDATE SET
	  member_id = excluded.member_id, plan_id = excluded.plan_id, status = excluded.status,
	  tier = excluded.tier, allowed_cents = excluded.allowed_cents,
	  patient_pay_cents = excluded.patient_pay_cents, plan_pay_cents = excluded.plan_pay_cents,
	  deductible_cents = excluded.deductible_cents, oop_cents = excluded.oop_cents,
	  date_of_service = excluded.date_of_service, processed_at = excluded.processed_at,
	  result = excluded.result`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteRow converts a result row for SQLite, which keeps timestamps and
// JSON as text.
func sqliteRow(r *model.AdjudicationResult) ([]any, error) {
	row, err := resultRow(r)
	if err != nil {
		return nil, err
	}
	row[11] = sqliteTime(r.ProcessedAt)
	row[12] = string(row[12].([]byte))
	return row, nil
}

func (s *SQLiteStore) Persist(ctx context.Context, result *model.AdjudicationResult) error {
	row, err := sqliteRow(result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqliteUpsertResult, row...)
	return eris.Wrapf(err, "sqlite: save result %s", result.ClaimNumber)
}

// SaveResults upserts a batch of results in one transaction.
func (s *SQLiteStore) SaveResults(ctx context.Context, results []*model.AdjudicationResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save results")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertResult)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare save results")
	}
	defer stmt.Close()

	for _, r := range results {
		row, err := sqliteRow(r)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return eris.Wrapf(err, "sqlite: save result %s", r.ClaimNumber)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save results")
}

func (s *SQLiteStore) GetResult(ctx context.Context, claimNumber string) (*model.AdjudicationResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM claim_results WHERE claim_number = ?`, claimNumber,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get result %s", claimNumber)
	}
	return decodeResult([]byte(payload))
}

func (s *SQLiteStore) ListResults(ctx context.Context, filter ResultFilter) ([]model.AdjudicationResult, error) {
	query := `SELECT result FROM claim_results WHERE 1=1`
	var args []any

	if filter.MemberID != "" {
		query += ` AND member_id = ?`
		args = append(args, filter.MemberID)
	}
	if filter.PlanID != "" {
		query += ` AND plan_id = ?`
		args = append(args, filter.PlanID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND processed_at >= ?`
		args = append(args, sqliteTime(filter.Since))
	}
	query += ` ORDER BY processed_at DESC, claim_number DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list results")
	}
	defer rows.Close()

	var out []model.AdjudicationResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		r, err := decodeResult([]byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list results iterate")
}

func (s *SQLiteStore) CountByStatus(ctx context.Context, since time.Time) (map[model.ClaimStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM claim_results WHERE processed_at >= ? GROUP BY status`,
		sqliteTime(since),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by status")
	}
	defer rows.Close()

	counts := make(map[model.ClaimStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.ClaimStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count by status iterate")
}

func (s *SQLiteStore) LoadAccumulator(ctx context.Context, key model.AccumulatorKey) (model.AccumulatorTotals, bool, error) {
	var deductible, oop int64
	err := s.db.QueryRowContext(ctx,
		`SELECT deductible_cents, oop_cents FROM accumulators WHERE member_id = ? AND plan_id = ? AND plan_year = ?`,
		key.MemberID, key.PlanID, key.PlanYear,
	).Scan(&deductible, &oop)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AccumulatorTotals{}, false, nil
	}
	if err != nil {
		return model.AccumulatorTotals{}, false, eris.Wrapf(err, "sqlite: load accumulator %s", key)
	}
	return model.AccumulatorTotals{
		DeductibleMet:  model.FromCents(deductible),
		OutOfPocketMet: model.FromCents(oop),
	}, true, nil
}

func (s *SQLiteStore) SaveAccumulator(ctx context.Context, key model.AccumulatorKey, totals model.AccumulatorTotals) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accumulators (member_id, plan_id, plan_year, deductible_cents, oop_cents, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (member_id, plan_id, plan_year) DO UPDATE SET
		   deductible_cents = excluded.deductible_cents, oop_cents = excluded.oop_cents,
		   updated_at = excluded.updated_at`,
		key.MemberID, key.PlanID, key.PlanYear,
		model.Cents(totals.DeductibleMet), model.Cents(totals.OutOfPocketMet),
		sqliteTime(s.nowFunc()),
	)
	return eris.Wrapf(err, "sqlite: save accumulator %s", key)
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	resultJSON, err := json.Marshal(entry.Result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq result")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := s.nowFunc()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastFailedAt.IsZero() {
		entry.LastFailedAt = now
	}
	if entry.NextRetryAt.IsZero() {
		entry.NextRetryAt = now
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, claim_number, result, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type, retry_count = excluded.retry_count,
		   next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.ClaimNumber, string(resultJSON), entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries,
		sqliteTime(entry.NextRetryAt), sqliteTime(entry.CreatedAt), sqliteTime(entry.LastFailedAt),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, claim_number, result, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{sqliteTime(s.nowFunc())}

	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		e, err := scanDLQEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		sqliteTime(nextRetryAt), lastErr, sqliteTime(s.nowFunc()), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDLQEntry(row scannable) (*resilience.DLQEntry, error) {
	var e resilience.DLQEntry
	var resultJSON, nextRetry, created, lastFailed string
	if err := row.Scan(&e.ID, &e.ClaimNumber, &resultJSON, &e.Error, &e.ErrorType,
		&e.RetryCount, &e.MaxRetries, &nextRetry, &created, &lastFailed); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan dlq entry")
	}
	if err := json.NewDecoder(strings.NewReader(resultJSON)).Decode(&e.Result); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal dlq result")
	}
	var err error
	if e.NextRetryAt, err = parseSQLiteTime(nextRetry); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	if e.LastFailedAt, err = parseSQLiteTime(lastFailed); err != nil {
		return nil, err
	}
	return &e, nil
}
