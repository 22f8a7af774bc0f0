package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var resultsUpsert = UpsertConfig{
	Table:        "claim_results",
	Columns:      []string{"claim_number", "status", "patient_pay_cents"},
	ConflictKeys: []string{"claim_number"},
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, resultsUpsert, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "claim_results",
		ConflictKeys: []string{"claim_number"},
	}, [][]any{{"CLM1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "claim_results",
		Columns: []string{"claim_number", "status"},
	}, [][]any{{"CLM1", "APPROVED"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_claim_results"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_claim_results"}, resultsUpsert.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "claim_results" .* ON CONFLICT \("claim_number"\) DO UPDATE SET "status" = EXCLUDED."status", "patient_pay_cents" = EXCLUDED."patient_pay_cents"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	rows := [][]any{{"CLM1", "APPROVED", int64(1000)}, {"CLM2", "DENIED", int64(0)}}
	n, err := BulkUpsert(context.Background(), mock, resultsUpsert, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyFailureRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_claim_results"}, resultsUpsert.Columns).
		WillReturnError(fmt.Errorf("connection reset by peer"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, resultsUpsert, [][]any{{"CLM1", "APPROVED", int64(0)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage rows for claim_results")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_BeginFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin().WillReturnError(fmt.Errorf("too many connections"))

	_, err = BulkUpsert(context.Background(), mock, resultsUpsert, [][]any{{"CLM1", "APPROVED", int64(0)}})
	assert.ErrorContains(t, err, "begin tx")
}

func TestUpsertSQL_DoNothing(t *testing.T) {
	cfg := UpsertConfig{
		Table:        "dead_letter_queue",
		Columns:      []string{"id"},
		ConflictKeys: []string{"id"},
	}
	got := upsertSQL(cfg, "_tmp")
	assert.Equal(t, `INSERT INTO "dead_letter_queue" ("id") SELECT "id" FROM "_tmp" ON CONFLICT ("id") DO NOTHING`, got)
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"claim_results", `"claim_results"`},
		{"audit.claim_results", `"audit"."claim_results"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"member_id", "plan_id", "plan_year"})
	assert.Equal(t, `"member_id", "plan_id", "plan_year"`, result)
}
