package budget

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	sql  string
	args []any
}

type recordingDB struct {
	calls []execCall
	fail  int
}

func (d *recordingDB) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	d.calls = append(d.calls, execCall{sql: sql, args: args})
	if d.fail > 0 && len(d.calls) == d.fail {
		return pgconn.CommandTag{}, fmt.Errorf("boom")
	}
	rows := strings.Count(sql, "(") - 1
	return pgconn.NewCommandTag(fmt.Sprintf("INSERT 0 %d", rows)), nil
}

func (d *recordingDB) Query(context.Context, string, ...interface{}) (pgx.Rows, error) {
	return nil, fmt.Errorf("not implemented")
}

func (d *recordingDB) QueryRow(context.Context, string, ...interface{}) pgx.Row {
	return nil
}

func TestInsertBatchesSplitsStatements(t *testing.T) {
	db := &recordingDB{}
	cols := []string{"a", "b"}
	n, err := insertBatches(context.Background(), db, "t", cols, 1201, DefaultBatchSize, func(i int) []any {
		return []any{i, "x"}
	})
	require.NoError(t, err)
	assert.Equal(t, 1201, n)
	require.Len(t, db.calls, 3)
	assert.Len(t, db.calls[0].args, 1000)
	assert.Len(t, db.calls[1].args, 1000)
	assert.Len(t, db.calls[2].args, 402)
	assert.True(t, strings.HasPrefix(db.calls[0].sql, "INSERT INTO t (a, b) VALUES ($1, $2), ($3, $4)"))
	assert.True(t, strings.HasSuffix(db.calls[0].sql, "($999, $1000)"))
	assert.True(t, strings.HasPrefix(db.calls[2].sql, "INSERT INTO t (a, b) VALUES ($1, $2), "))
	assert.True(t, strings.HasSuffix(db.calls[2].sql, "($401, $402)"))
	assert.Equal(t, 201, strings.Count(db.calls[2].sql, "($"))
	assert.Equal(t, 500, db.calls[1].args[0])
	assert.Equal(t, 1000, db.calls[2].args[0])
}

func TestInsertBatchesStaysUnderBindLimit(t *testing.T) {
	db := &recordingDB{}
	n, err := insertBatches(context.Background(), db, "t", []string{"a", "b"}, 40000, 40000, func(i int) []any {
		return []any{i, "x"}
	})
	require.NoError(t, err)
	assert.Equal(t, 40000, n)
	require.Len(t, db.calls, 2)
	assert.Len(t, db.calls[0].args, 2*32767)
	assert.Len(t, db.calls[1].args, 2*(40000-32767))
	assert.LessOrEqual(t, MaxBatchSize*len(budgetColumns), maxBindParams)
	assert.LessOrEqual(t, MaxBatchSize*len(estimateColumns), maxBindParams)
}

func TestInsertBatchesStopsOnError(t *testing.T) {
	db := &recordingDB{fail: 2}
	n, err := insertBatches(context.Background(), db, "t", []string{"a"}, 25, 10, func(i int) []any { return []any{i} })
	require.Error(t, err)
	assert.Equal(t, 10, n)
	assert.Contains(t, err.Error(), "rows 10-20")
	assert.Len(t, db.calls, 2)
}

func TestInsertEstimatesFlattensSeries(t *testing.T) {
	db := &recordingDB{}
	repo := &repository{db: db}
	lines := []EstimateLine{{
		Key:    DimensionKey{SalesRep: "alice", Customer: "Acme"},
		Month:  7,
		Values: map[MetricSeries]float64{SeriesQuantity: 5000, SeriesRevenue: 12, SeriesMargin: 3},
	}}
	n, err := repo.InsertEstimates(context.Background(), "FP", 2025, lines, "u-1", 500)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, db.calls, 1)
	args := db.calls[0].args
	require.Len(t, args, 3*len(estimateColumns))
	assert.Equal(t, "KGS", args[10])
	assert.Equal(t, 5000.0, args[11])
	assert.Equal(t, "MORM", args[len(estimateColumns)*2+10])
}

func TestEnsureDivisionRejectsUnsafeNames(t *testing.T) {
	repo := &repository{db: &recordingDB{}}
	err := repo.EnsureDivision(context.Background(), "fp'; DROP TABLE x")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	db := &recordingDB{}
	repo = &repository{db: db}
	require.NoError(t, repo.EnsureDivision(context.Background(), "FP"))
	require.Len(t, db.calls, 2)
	assert.Contains(t, db.calls[0].sql, `"sales_facts_fp_period_idx"`)
	assert.Contains(t, db.calls[0].sql, "WHERE division = 'FP'")
}
