package budget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInvalidator struct {
	calls chan struct{}
	err   error
}

func newRecordingInvalidator() *recordingInvalidator {
	return &recordingInvalidator{calls: make(chan struct{}, 8)}
}

func (r *recordingInvalidator) InvalidateBudgets(ctx context.Context) error {
	r.calls <- struct{}{}
	return r.err
}

func (r *recordingInvalidator) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("cache invalidation not issued")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, repo Repository) (*Service, *recordingInvalidator) {
	t.Helper()
	svc := NewService(repo, nil, NewMetrics(prometheus.NewRegistry()), discardLogger(), ServiceConfig{BatchSize: 250})
	inv := newRecordingInvalidator()
	svc.invalidator = inv
	svc.now = func() time.Time { return time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC) }
	return svc, inv
}

func newCachedService(t *testing.T, repo Repository) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc := NewService(repo, NewCache(client, time.Minute), nil, discardLogger(), ServiceConfig{})
	return svc, mr
}

func seededActuals(repo *mockRepository) (DimensionKey, DimensionKey) {
	small := DimensionKey{SalesRep: "alice", Customer: "Acme", Country: "DE", ProductGroup: "Film"}
	large := DimensionKey{SalesRep: "bob", Customer: "Beta", Country: "FR", ProductGroup: "Sheet"}
	repo.actualMonths = []int{1, 2, 3, 4, 5, 6, 7}
	for m := 1; m <= 7; m++ {
		repo.actualRows = append(repo.actualRows,
			ActualRow{Key: small, Month: m, Series: SeriesQuantity, Value: 5000},
			ActualRow{Key: large, Month: m, Series: SeriesQuantity, Value: 15000},
			ActualRow{Key: small, Month: m, Series: SeriesRevenue, Value: 100},
			ActualRow{Key: large, Month: m, Series: SeriesRevenue, Value: 300},
		)
	}
	return small, large
}

func TestCalculateEstimateExcludesTargetMonths(t *testing.T) {
	repo := newMockRepository()
	small, _ := seededActuals(repo)
	svc, _ := newTestService(t, repo)

	est, err := svc.CalculateEstimate(context.Background(), EstimateRequest{Division: "FP", Year: 2025, Months: []int{7, 8, 9, 10, 11, 12}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, est.BasePeriod)
	assert.Equal(t, 20000.0, est.MonthlyTotals[SeriesQuantity])
	assert.Equal(t, 400.0, est.MonthlyTotals[SeriesRevenue])
	require.NotEmpty(t, est.Lines)
	assert.Equal(t, small, est.Lines[0].Key)
	assert.Equal(t, 7, est.Lines[0].Month)
	assert.InDelta(t, 5000, est.Lines[0].Values[SeriesQuantity], 1e-9)
	assert.Empty(t, repo.estimates, "preview must not write")
}

func TestCalculateEstimateValidation(t *testing.T) {
	svc, _ := newTestService(t, newMockRepository())
	cases := []EstimateRequest{
		{Year: 2025, Months: []int{7}},
		{Division: "FP", Year: 1999, Months: []int{7}},
		{Division: "FP", Year: 2025},
		{Division: "FP", Year: 2025, Months: []int{13}},
		{Division: "FP", Year: 2025, Months: []int{7, 7}},
	}
	for i, req := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			_, err := svc.CalculateEstimate(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestCalculateEstimateNoBasePeriod(t *testing.T) {
	repo := newMockRepository()
	repo.actualMonths = []int{7, 8}
	svc, _ := newTestService(t, repo)
	_, err := svc.CalculateEstimate(context.Background(), EstimateRequest{Division: "FP", Year: 2025, Months: []int{7, 8, 9}})
	assert.ErrorIs(t, err, ErrNoBasePeriod)
}

func TestSaveEstimateReplacesTargetMonths(t *testing.T) {
	repo := newMockRepository()
	seededActuals(repo)
	stale := EstimateLine{Key: DimensionKey{Customer: "Gone"}, Month: 8, Values: map[MetricSeries]float64{SeriesQuantity: 1}}
	kept := EstimateLine{Key: DimensionKey{Customer: "Other"}, Month: 3, Values: map[MetricSeries]float64{SeriesQuantity: 1}}
	repo.estimates[estimateSlot{"FP", 2025, 8}] = []EstimateLine{stale, stale}
	repo.estimates[estimateSlot{"FP", 2025, 3}] = []EstimateLine{kept}
	svc, inv := newTestService(t, repo)

	res, err := svc.SaveEstimate(context.Background(), EstimateRequest{Division: "FP", Year: 2025, Months: []int{8, 9}, ActorID: "u-1"})
	require.NoError(t, err)
	inv.wait(t)

	assert.Equal(t, int64(2), res.Deleted)
	assert.Equal(t, 2*2*len(AllSeries), res.Inserted)
	assert.Equal(t, []int{250}, repo.batchSizes)
	require.Len(t, repo.estimates[estimateSlot{"FP", 2025, 8}], 2)
	for _, line := range repo.estimates[estimateSlot{"FP", 2025, 8}] {
		assert.NotEqual(t, "Gone", line.Key.Customer)
	}
	assert.Len(t, repo.estimates[estimateSlot{"FP", 2025, 3}], 1)
}

type slowInvalidator struct {
	done atomic.Bool
}

func (s *slowInvalidator) InvalidateBudgets(ctx context.Context) error {
	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	s.done.Store(true)
	return nil
}

func TestSaveEstimateSyncInvalidate(t *testing.T) {
	repo := newMockRepository()
	seededActuals(repo)
	svc, _ := newTestService(t, repo)
	inv := &slowInvalidator{}
	svc.invalidator = inv
	svc.cfg.SyncInvalidate = true

	_, err := svc.SaveEstimate(context.Background(), EstimateRequest{Division: "FP", Year: 2025, Months: []int{8}})
	require.NoError(t, err)
	assert.True(t, inv.done.Load(), "invalidation must finish before the write returns")
}

func TestSaveEstimateRollsBack(t *testing.T) {
	repo := newMockRepository()
	seededActuals(repo)
	repo.estimates[estimateSlot{"FP", 2025, 8}] = []EstimateLine{{Month: 8}}
	repo.insertErr = errors.New("connection reset")
	svc, _ := newTestService(t, repo)

	_, err := svc.SaveEstimate(context.Background(), EstimateRequest{Division: "FP", Year: 2025, Months: []int{8}})
	require.ErrorIs(t, err, ErrPersistence)
	assert.Len(t, repo.estimates[estimateSlot{"FP", 2025, 8}], 1)
}

func budgetKey() BudgetKey {
	return BudgetKey{Kind: KindSalesRep, Division: "FP", SalesRep: "alice", Year: 2026}
}

func TestReplaceBudgetLeavesNoStaleRows(t *testing.T) {
	repo := newMockRepository()
	key := budgetKey()
	old := make([]BudgetRecord, 300)
	for i := range old {
		old[i] = BudgetRecord{Customer: fmt.Sprintf("old-%d", i), Country: "DE", ProductGroup: "Film", Month: i%12 + 1, Value: 1}
	}
	repo.budgets[key] = old
	repo.provenance[key] = Provenance{ImportID: "prev", SourceFile: "old.html"}
	other := BudgetKey{Kind: KindSalesRep, Division: "FP", SalesRep: "bob", Year: 2026}
	repo.budgets[other] = []BudgetRecord{{Customer: "x", Country: "y", ProductGroup: "Film", Month: 1, Value: 9}}
	repo.pricing[2025] = []PricingRecord{{ProductGroup: "film", SellingPrice: 3, MarginRate: 0.5}}
	svc, inv := newTestService(t, repo)

	records := []BudgetRecord{
		{Customer: "Acme", Country: "DE", ProductGroup: "Film", Month: 1, Value: 100},
		{Customer: "Acme", Country: "DE", ProductGroup: "Film", Month: 2, Value: 200},
		{Customer: "Acme", Country: "DE", ProductGroup: "Unpriced", Month: 3, Value: 50},
	}
	outcome, err := svc.ReplaceBudget(context.Background(), key, records, Provenance{ImportID: "new", SourceFile: "new.html"})
	require.NoError(t, err)
	inv.wait(t)

	assert.Equal(t, 300, outcome.ExistingCount)
	require.NotNil(t, outcome.LastImport)
	assert.Equal(t, "prev", outcome.LastImport.ImportID)
	assert.Equal(t, int64(300), outcome.Deleted)
	assert.Equal(t, map[MetricSeries]int{SeriesQuantity: 3, SeriesRevenue: 0, SeriesMargin: 0}, outcome.Inserted)
	assert.Equal(t, Totals{Quantity: 350, Revenue: 900, Margin: 150}, outcome.Totals)
	assert.Empty(t, outcome.Errors)

	assert.Equal(t, records, repo.budgets[key])
	assert.Len(t, repo.budgets[other], 1)
	assert.Equal(t, "new", repo.provenance[key].ImportID)
	assert.False(t, repo.provenance[key].ImportedAt.IsZero())
}

func TestReplaceBudgetRollbackKeepsPreviousBudget(t *testing.T) {
	repo := newMockRepository()
	key := budgetKey()
	repo.budgets[key] = []BudgetRecord{{Customer: "keep", Country: "DE", ProductGroup: "Film", Month: 1, Value: 1}}
	repo.insertErr = errors.New("unique violation")
	svc, _ := newTestService(t, repo)

	_, err := svc.ReplaceBudget(context.Background(), key, []BudgetRecord{{Customer: "new", Country: "DE", ProductGroup: "Film", Month: 1, Value: 5}}, Provenance{})
	require.ErrorIs(t, err, ErrPersistence)
	assert.NotContains(t, err.Error(), "unique violation")
	require.Len(t, repo.budgets[key], 1)
	assert.Equal(t, "keep", repo.budgets[key][0].Customer)
}

func TestReplaceBudgetPricingUnavailable(t *testing.T) {
	repo := newMockRepository()
	repo.pricingErr = errors.New("pricing table offline")
	repo.summaryErr = errors.New("summary timeout")
	svc, _ := newTestService(t, repo)

	outcome, err := svc.ReplaceBudget(context.Background(), budgetKey(), []BudgetRecord{{Customer: "a", Country: "b", ProductGroup: "Film", Month: 1, Value: 10}}, Provenance{})
	require.NoError(t, err)
	assert.Equal(t, Totals{Quantity: 10}, outcome.Totals)
	assert.Len(t, outcome.Errors, 1)
	assert.Zero(t, outcome.ExistingCount)
}

func TestReplaceBudgetRejectsIncompleteKey(t *testing.T) {
	svc, _ := newTestService(t, newMockRepository())
	_, err := svc.ReplaceBudget(context.Background(), BudgetKey{Kind: KindSalesRep, Division: "FP", Year: 2026}, nil, Provenance{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestResolvePricingIsCachedUntilInvalidated(t *testing.T) {
	repo := newMockRepository()
	repo.pricing[2025] = []PricingRecord{{ProductGroup: "Film", SellingPrice: 3, MarginRate: 1}}
	svc, _ := newCachedService(t, repo)
	ctx := context.Background()

	book, err := svc.ResolvePricing(ctx, "FP", 2025)
	require.NoError(t, err)
	rec, ok := book.Lookup("film")
	require.True(t, ok)
	assert.Equal(t, 3.0, rec.SellingPrice)

	_, err = svc.ResolvePricing(ctx, "FP", 2025)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.pricingCalls)

	require.NoError(t, svc.cache.InvalidateBudgets(ctx))
	_, err = svc.ResolvePricing(ctx, "FP", 2025)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.pricingCalls)
}

func TestCacheVersionAndBump(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := NewCache(client, time.Minute)
	ctx := context.Background()

	key, err := cache.BuildKey(ctx, "pricing", "FP", "2025")
	require.NoError(t, err)
	assert.Equal(t, "budget:pricing:FP:2025:1", key)

	sub := client.Subscribe(ctx, bumpChannel)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, cache.InvalidateBudgets(ctx))
	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", msg.Payload)

	key, err = cache.BuildKey(ctx, "pricing", "FP", "2025")
	require.NoError(t, err)
	assert.Equal(t, "budget:pricing:FP:2025:2", key)
}

func TestNilCacheCallsLoader(t *testing.T) {
	var cache *Cache
	var out []PricingRecord
	err := cache.FetchJSON(context.Background(), "k", &out, func(context.Context) (any, error) {
		return []PricingRecord{{ProductGroup: "Film"}}, nil
	})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.NoError(t, cache.InvalidateBudgets(context.Background()))
}

func TestBuildSheet(t *testing.T) {
	repo := newMockRepository()
	key := budgetKey()
	repo.actualLines = []SheetLine{
		{Customer: "Acme", Country: "DE", ProductGroup: "Film", Month: 1, Value: 90},
		{Customer: "Zed", Country: "US", ProductGroup: "Bags", Month: 2, Value: 10},
	}
	repo.budgets[key] = []BudgetRecord{{Customer: "Acme", Country: "DE", ProductGroup: "Film", Month: 1, Value: 100}}
	repo.pricing[2025] = []PricingRecord{{ProductGroup: "Film", SellingPrice: 2}}
	svc, _ := newTestService(t, repo)

	sheet, err := svc.BuildSheet(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 2025, sheet.ActualYear)
	require.Len(t, sheet.Rows, 2)
	assert.Equal(t, "Bags", sheet.Rows[0].ProductGroup)
	assert.Equal(t, 90.0, sheet.Rows[1].Actual[0])
	assert.Equal(t, 100.0, sheet.Rows[1].Budget[0])
	assert.Equal(t, 10.0, sheet.ActualTotals[1])
	assert.Len(t, sheet.Pricing, 1)
}

func TestAssembleSheetDivisionalGroupsByProduct(t *testing.T) {
	key := BudgetKey{Kind: KindDivisional, Division: "FP", Year: 2026}
	sheet := AssembleSheet(key, []SheetLine{
		{Customer: "A", Country: "DE", ProductGroup: "Film", Month: 1, Value: 1},
		{Customer: "B", Country: "FR", ProductGroup: "Film", Month: 1, Value: 2},
	}, nil, nil, time.Now())
	require.Len(t, sheet.Rows, 1)
	assert.Equal(t, 3.0, sheet.Rows[0].Actual[0])
	assert.Empty(t, sheet.Rows[0].Customer)
}

func TestEnsureDivisions(t *testing.T) {
	repo := newMockRepository()
	svc, _ := newTestService(t, repo)
	require.NoError(t, svc.EnsureDivisions(context.Background(), []string{"FP", "SB"}))
	assert.Equal(t, []string{"FP", "SB"}, repo.divisions)
	assert.Error(t, svc.EnsureDivisions(context.Background(), []string{""}))
}
