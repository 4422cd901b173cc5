package budget

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
)

type estimateSlot struct {
	division string
	year     int
	month    int
}

// mockRepository keeps everything in memory. Writes made inside WithTx are
// applied only when the callback succeeds.
type mockRepository struct {
	mu sync.Mutex

	actualMonths []int
	actualRows   []ActualRow
	actualLines  []SheetLine
	pricing      map[int][]PricingRecord
	pricingErr   error
	pricingCalls int
	summaryErr   error

	estimates  map[estimateSlot][]EstimateLine
	budgets    map[BudgetKey][]BudgetRecord
	provenance map[BudgetKey]Provenance

	divisions  []string
	batchSizes []int
	insertErr  error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		pricing:    make(map[int][]PricingRecord),
		estimates:  make(map[estimateSlot][]EstimateLine),
		budgets:    make(map[BudgetKey][]BudgetRecord),
		provenance: make(map[BudgetKey]Provenance),
	}
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	tx := &mockTx{
		parent:     m,
		estimates:  maps.Clone(m.estimates),
		budgets:    maps.Clone(m.budgets),
		provenance: maps.Clone(m.provenance),
	}
	m.mu.Unlock()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estimates, m.budgets, m.provenance = tx.estimates, tx.budgets, tx.provenance
	return nil
}

func (m *mockRepository) ActualMonths(context.Context, string, int) ([]int, error) {
	return slices.Clone(m.actualMonths), nil
}

func (m *mockRepository) ActualRows(_ context.Context, _ string, _ int, months []int) ([]ActualRow, error) {
	var out []ActualRow
	for _, row := range m.actualRows {
		if slices.Contains(months, row.Month) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *mockRepository) ActualQuantities(context.Context, string, string, int) ([]SheetLine, error) {
	return slices.Clone(m.actualLines), nil
}

func (m *mockRepository) BudgetLines(_ context.Context, key BudgetKey) ([]SheetLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SheetLine
	for _, rec := range m.budgets[key] {
		out = append(out, SheetLine{Customer: rec.Customer, Country: rec.Country, ProductGroup: rec.ProductGroup, Month: rec.Month, Value: rec.Value})
	}
	return out, nil
}

func (m *mockRepository) Pricing(_ context.Context, _ string, year int) ([]PricingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pricingCalls++
	if m.pricingErr != nil {
		return nil, m.pricingErr
	}
	return m.pricing[year], nil
}

func (m *mockRepository) BudgetSummary(_ context.Context, key BudgetKey) (BudgetSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.summaryErr != nil {
		return BudgetSummary{}, m.summaryErr
	}
	summary := BudgetSummary{RowCount: len(m.budgets[key])}
	if prov, ok := m.provenance[key]; ok {
		summary.LastImport = &prov
	}
	return summary, nil
}

func (m *mockRepository) EnsureDivision(_ context.Context, division string) error {
	if division == "" {
		return errors.New("empty division")
	}
	m.divisions = append(m.divisions, division)
	return nil
}

type mockTx struct {
	parent     *mockRepository
	estimates  map[estimateSlot][]EstimateLine
	budgets    map[BudgetKey][]BudgetRecord
	provenance map[BudgetKey]Provenance
}

func (t *mockTx) DeleteEstimates(_ context.Context, division string, year int, months []int) (int64, error) {
	var n int64
	for _, month := range months {
		slot := estimateSlot{division, year, month}
		n += int64(len(t.estimates[slot]))
		delete(t.estimates, slot)
	}
	return n, nil
}

func (t *mockTx) InsertEstimates(_ context.Context, division string, year int, lines []EstimateLine, _ string, batchSize int) (int, error) {
	t.parent.batchSizes = append(t.parent.batchSizes, batchSize)
	if t.parent.insertErr != nil {
		return 0, t.parent.insertErr
	}
	n := 0
	for _, line := range lines {
		slot := estimateSlot{division, year, line.Month}
		t.estimates[slot] = append(t.estimates[slot], line)
		n += len(line.Values)
	}
	return n, nil
}

func (t *mockTx) DeleteBudget(_ context.Context, key BudgetKey) (int64, error) {
	n := int64(len(t.budgets[key]))
	delete(t.budgets, key)
	delete(t.provenance, key)
	return n, nil
}

func (t *mockTx) InsertBudget(_ context.Context, key BudgetKey, records []BudgetRecord, prov Provenance, batchSize int) (int, error) {
	t.parent.batchSizes = append(t.parent.batchSizes, batchSize)
	if t.parent.insertErr != nil {
		return 0, t.parent.insertErr
	}
	t.budgets[key] = slices.Clone(records)
	t.provenance[key] = prov
	return len(records), nil
}
