package budget

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/salesbudget/internal/platform/db"
)

// DefaultBatchSize bounds rows per INSERT statement.
const DefaultBatchSize = 500

// MaxBatchSize keeps the widest insert under the PostgreSQL bind limit.
const MaxBatchSize = 4000

// Repository reads budget inputs and opens write transactions.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ActualMonths(ctx context.Context, division string, year int) ([]int, error)
	ActualRows(ctx context.Context, division string, year int, months []int) ([]ActualRow, error)
	ActualQuantities(ctx context.Context, division, salesRep string, year int) ([]SheetLine, error)
	BudgetLines(ctx context.Context, key BudgetKey) ([]SheetLine, error)
	Pricing(ctx context.Context, division string, year int) ([]PricingRecord, error)
	BudgetSummary(ctx context.Context, key BudgetKey) (BudgetSummary, error)
	EnsureDivision(ctx context.Context, division string) error
}

// TxRepository holds the statements that must run inside one transaction.
type TxRepository interface {
	DeleteEstimates(ctx context.Context, division string, year int, months []int) (int64, error)
	InsertEstimates(ctx context.Context, division string, year int, lines []EstimateLine, actor string, batchSize int) (int, error)
	DeleteBudget(ctx context.Context, key BudgetKey) (int64, error)
	InsertBudget(ctx context.Context, key BudgetKey, records []BudgetRecord, prov Provenance, batchSize int) (int, error)
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

type repository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewRepository constructs the pgx backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool, pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx, pool: r.pool})
	})
}

func (r *repository) ActualMonths(ctx context.Context, division string, year int) ([]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT month FROM sales_facts
		WHERE division = $1 AND year = $2 AND data_type = $3
		ORDER BY month`, division, year, string(DataActual))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var months []int
	for rows.Next() {
		var m int32
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		months = append(months, int(m))
	}
	return months, rows.Err()
}

func (r *repository) ActualRows(ctx context.Context, division string, year int, months []int) ([]ActualRow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT sales_rep, customer, country, product_group, material, process,
		       month, values_type, SUM(value)
		FROM sales_facts
		WHERE division = $1 AND year = $2 AND data_type = $3 AND month = ANY($4)
		GROUP BY sales_rep, customer, country, product_group, material, process, month, values_type`,
		division, year, string(DataActual), toInt32s(months))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ActualRow
	for rows.Next() {
		var (
			row    ActualRow
			month  int32
			series string
		)
		if err := rows.Scan(&row.Key.SalesRep, &row.Key.Customer, &row.Key.Country, &row.Key.ProductGroup,
			&row.Key.Material, &row.Key.Process, &month, &series, &row.Value); err != nil {
			return nil, err
		}
		row.Month = int(month)
		row.Series = MetricSeries(series)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *repository) ActualQuantities(ctx context.Context, division, salesRep string, year int) ([]SheetLine, error) {
	rows, err := r.db.Query(ctx, `
		SELECT customer, country, product_group, month, SUM(value)
		FROM sales_facts
		WHERE division = $1 AND year = $2 AND data_type = $3 AND values_type = $4
		  AND ($5::text = '' OR sales_rep = $5)
		GROUP BY customer, country, product_group, month`,
		division, year, string(DataActual), string(SeriesQuantity), salesRep)
	if err != nil {
		return nil, err
	}
	return scanSheetLines(rows)
}

func (r *repository) BudgetLines(ctx context.Context, key BudgetKey) ([]SheetLine, error) {
	rows, err := r.db.Query(ctx, `
		SELECT customer, country, product_group, month, SUM(value)
		FROM budget_lines
		WHERE kind = $1 AND division = $2 AND sales_rep = $3 AND budget_year = $4 AND values_type = $5
		GROUP BY customer, country, product_group, month`,
		string(key.Kind), key.Division, key.SalesRep, key.Year, string(SeriesQuantity))
	if err != nil {
		return nil, err
	}
	return scanSheetLines(rows)
}

func scanSheetLines(rows pgx.Rows) ([]SheetLine, error) {
	defer rows.Close()
	var out []SheetLine
	for rows.Next() {
		var (
			line  SheetLine
			month int32
		)
		if err := rows.Scan(&line.Customer, &line.Country, &line.ProductGroup, &month, &line.Value); err != nil {
			return nil, err
		}
		line.Month = int(month)
		out = append(out, line)
	}
	return out, rows.Err()
}

func (r *repository) Pricing(ctx context.Context, division string, year int) ([]PricingRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT product_group, selling_price, margin_rate
		FROM product_group_pricing
		WHERE division = $1 AND year = $2
		ORDER BY product_group`, division, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PricingRecord
	for rows.Next() {
		var rec PricingRecord
		if err := rows.Scan(&rec.ProductGroup, &rec.SellingPrice, &rec.MarginRate); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repository) BudgetSummary(ctx context.Context, key BudgetKey) (BudgetSummary, error) {
	var summary BudgetSummary
	var count int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM budget_lines
		WHERE kind = $1 AND division = $2 AND sales_rep = $3 AND budget_year = $4`,
		string(key.Kind), key.Division, key.SalesRep, key.Year).Scan(&count)
	if err != nil {
		return summary, err
	}
	summary.RowCount = int(count)
	if count == 0 {
		return summary, nil
	}
	var (
		prov       Provenance
		importID   pgtype.Text
		importedAt pgtype.Timestamptz
	)
	err = r.db.QueryRow(ctx, `
		SELECT import_id, source_file, file_hash, imported_by, imported_at
		FROM budget_lines
		WHERE kind = $1 AND division = $2 AND sales_rep = $3 AND budget_year = $4
		ORDER BY imported_at DESC
		LIMIT 1`,
		string(key.Kind), key.Division, key.SalesRep, key.Year).Scan(&importID, &prov.SourceFile, &prov.FileHash, &prov.ImportedBy, &importedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return summary, nil
		}
		return summary, err
	}
	prov.ImportID = importID.String
	if importedAt.Valid {
		prov.ImportedAt = importedAt.Time
	}
	summary.LastImport = &prov
	return summary, nil
}

var divisionPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,32}$`)

// EnsureDivision creates the per-division partial indexes. It is idempotent
// and meant to run once per division at startup.
func (r *repository) EnsureDivision(ctx context.Context, division string) error {
	if !divisionPattern.MatchString(division) {
		return fmt.Errorf("%w: division %q is not a valid identifier", ErrInvalidRequest, division)
	}
	slug := strings.ToLower(division)
	stmts := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON sales_facts (year, data_type, month) WHERE division = '%s'`,
			pgx.Identifier{"sales_facts_" + slug + "_period_idx"}.Sanitize(), division),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON budget_lines (kind, sales_rep, budget_year) WHERE division = '%s'`,
			pgx.Identifier{"budget_lines_" + slug + "_key_idx"}.Sanitize(), division),
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("budget: ensure division %s: %w", division, err)
		}
	}
	return nil
}

func (r *repository) DeleteEstimates(ctx context.Context, division string, year int, months []int) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM sales_facts
		WHERE division = $1 AND year = $2 AND data_type = $3 AND month = ANY($4)`,
		division, year, string(DataEstimate), toInt32s(months))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var estimateColumns = []string{
	"division", "year", "month", "data_type", "sales_rep", "customer", "country",
	"product_group", "material", "process", "values_type", "value", "created_by",
}

func (r *repository) InsertEstimates(ctx context.Context, division string, year int, lines []EstimateLine, actor string, batchSize int) (int, error) {
	type flat struct {
		line   *EstimateLine
		series MetricSeries
	}
	rows := make([]flat, 0, len(lines)*len(AllSeries))
	for i := range lines {
		for _, s := range AllSeries {
			rows = append(rows, flat{line: &lines[i], series: s})
		}
	}
	return insertBatches(ctx, r.db, "sales_facts", estimateColumns, len(rows), batchSize, func(i int) []any {
		l := rows[i].line
		return []any{
			division, year, l.Month, string(DataEstimate), l.Key.SalesRep, l.Key.Customer, l.Key.Country,
			l.Key.ProductGroup, l.Key.Material, l.Key.Process, string(rows[i].series), l.Values[rows[i].series], actor,
		}
	})
}

func (r *repository) DeleteBudget(ctx context.Context, key BudgetKey) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM budget_lines
		WHERE kind = $1 AND division = $2 AND sales_rep = $3 AND budget_year = $4`,
		string(key.Kind), key.Division, key.SalesRep, key.Year)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var budgetColumns = []string{
	"kind", "division", "sales_rep", "budget_year", "month", "customer", "country", "product_group",
	"values_type", "value", "import_id", "source_file", "file_hash", "imported_by", "imported_at",
}

func (r *repository) InsertBudget(ctx context.Context, key BudgetKey, records []BudgetRecord, prov Provenance, batchSize int) (int, error) {
	return insertBatches(ctx, r.db, "budget_lines", budgetColumns, len(records), batchSize, func(i int) []any {
		rec := records[i]
		return []any{
			string(key.Kind), key.Division, key.SalesRep, key.Year, rec.Month, rec.Customer, rec.Country, rec.ProductGroup,
			string(SeriesQuantity), rec.Value, prov.ImportID, prov.SourceFile, prov.FileHash, prov.ImportedBy, prov.ImportedAt,
		}
	})
}

// maxBindParams is the PostgreSQL limit on parameters in one statement.
const maxBindParams = 65535

// insertBatches writes n rows as multi-row INSERT statements of at most
// batchSize rows each. batchSize is clamped so a statement never exceeds
// maxBindParams.
func insertBatches(ctx context.Context, q dbtx, table string, columns []string, n, batchSize int, row func(int) []any) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if limit := maxBindParams / len(columns); batchSize > limit {
		batchSize = limit
	}
	head := "INSERT INTO " + table + " (" + strings.Join(columns, ", ") + ") VALUES "
	inserted := 0
	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)
		var sb strings.Builder
		sb.WriteString(head)
		args := make([]any, 0, (end-start)*len(columns))
		for i := start; i < end; i++ {
			if i > start {
				sb.WriteString(", ")
			}
			values := row(i)
			sb.WriteByte('(')
			for c, v := range values {
				if c > 0 {
					sb.WriteString(", ")
				}
				args = append(args, v)
				fmt.Fprintf(&sb, "$%d", len(args))
			}
			sb.WriteByte(')')
		}
		tag, err := q.Exec(ctx, sb.String(), args...)
		if err != nil {
			return inserted, fmt.Errorf("insert %s rows %d-%d: %w", table, start, end, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func toInt32s(in []int) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}
