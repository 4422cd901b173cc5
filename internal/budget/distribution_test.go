package budget

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowsFor(key DimensionKey, series MetricSeries, months []int, value float64) []ActualRow {
	out := make([]ActualRow, 0, len(months))
	for _, m := range months {
		out = append(out, ActualRow{Key: key, Month: m, Series: series, Value: value})
	}
	return out
}

func TestSelectBasePeriod(t *testing.T) {
	base, err := SelectBasePeriod([]int{3, 1, 2, 7, 8, 2}, []int{7, 8, 9})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, base)

	_, err = SelectBasePeriod([]int{7, 8}, []int{7, 8, 9})
	assert.ErrorIs(t, err, ErrNoBasePeriod)

	_, err = SelectBasePeriod(nil, []int{1})
	assert.ErrorIs(t, err, ErrNoBasePeriod)
}

func TestDistributeWorkedExample(t *testing.T) {
	base := []int{1, 2, 3, 4, 5, 6}
	small := DimensionKey{SalesRep: "alice", Customer: "Acme", Country: "DE", ProductGroup: "Film"}
	large := DimensionKey{SalesRep: "bob", Customer: "Beta", Country: "FR", ProductGroup: "Sheet"}
	var rows []ActualRow
	rows = append(rows, rowsFor(small, SeriesQuantity, base, 5000)...)
	rows = append(rows, rowsFor(large, SeriesQuantity, base, 15000)...)
	// Target-month actuals must not leak into the base.
	rows = append(rows, ActualRow{Key: small, Month: 7, Series: SeriesQuantity, Value: 1e6})

	est, err := Distribute(base, []int{8, 7}, rows)
	require.NoError(t, err)
	assert.Equal(t, []int{7, 8}, est.TargetMonths)
	assert.Equal(t, 120000.0, est.BaseTotals[SeriesQuantity])
	assert.Equal(t, 20000.0, est.MonthlyTotals[SeriesQuantity])

	require.Len(t, est.Lines, 4)
	first := est.Lines[0]
	assert.Equal(t, small, first.Key)
	assert.Equal(t, 7, first.Month)
	assert.InDelta(t, 5000, first.Values[SeriesQuantity], 1e-9)
	assert.Equal(t, 0.0, first.Values[SeriesRevenue])
	assert.Contains(t, first.Values, SeriesMargin)

	require.Len(t, est.Months, 2)
	assert.InDelta(t, 20000, est.Months[0].Quantity, 1e-9)
}

func TestDistributeRoundsOnlyMonthlyTotal(t *testing.T) {
	a := DimensionKey{Customer: "A"}
	b := DimensionKey{Customer: "B"}
	rows := []ActualRow{
		{Key: a, Month: 1, Series: SeriesQuantity, Value: 1},
		{Key: b, Month: 1, Series: SeriesQuantity, Value: 2},
		{Key: b, Month: 2, Series: SeriesQuantity, Value: 2},
	}
	est, err := Distribute([]int{1, 2}, []int{3}, rows)
	require.NoError(t, err)
	assert.Equal(t, 3.0, est.MonthlyTotals[SeriesQuantity]) // round(5/2)
	assert.InDelta(t, 3.0*1/5, est.Lines[0].Values[SeriesQuantity], 1e-12)
	assert.InDelta(t, 3.0*4/5, est.Lines[1].Values[SeriesQuantity], 1e-12)
}

func TestDistributeZeroHistoryKeepsLines(t *testing.T) {
	active := DimensionKey{Customer: "Active"}
	dormant := DimensionKey{Customer: "Dormant"}
	rows := []ActualRow{
		{Key: active, Month: 1, Series: SeriesQuantity, Value: 100},
		{Key: active, Month: 1, Series: SeriesRevenue, Value: 400},
		{Key: dormant, Month: 1, Series: SeriesQuantity, Value: 0},
	}
	est, err := Distribute([]int{1}, []int{2, 3}, rows)
	require.NoError(t, err)
	require.Len(t, est.Lines, 4)
	for _, line := range est.Lines {
		require.Len(t, line.Values, 3)
		if line.Key == dormant {
			for _, s := range AllSeries {
				assert.Zero(t, line.Values[s])
			}
		}
	}
	// No margin history at all: every share is zero, not NaN.
	for _, line := range est.Lines {
		assert.False(t, math.IsNaN(line.Values[SeriesMargin]))
	}
}

func TestDistributeConservesTotals(t *testing.T) {
	base := []int{1, 2, 3, 4, 5}
	var rows []ActualRow
	for i := 0; i < 40; i++ {
		key := DimensionKey{Customer: string(rune('A' + i%26)), Material: string(rune('a' + i%7)), Process: string(rune('0' + i%3))}
		for _, m := range base {
			rows = append(rows,
				ActualRow{Key: key, Month: m, Series: SeriesQuantity, Value: float64((i*37+m*11)%97) + 0.25},
				ActualRow{Key: key, Month: m, Series: SeriesRevenue, Value: float64((i*53+m*7)%311) * 1.7},
				ActualRow{Key: key, Month: m, Series: SeriesMargin, Value: float64((i*13+m*29)%71) / 3},
			)
		}
	}
	est, err := Distribute(base, []int{6, 7, 8, 9, 10, 11, 12}, rows)
	require.NoError(t, err)

	sums := make(map[int]map[MetricSeries]float64)
	for _, line := range est.Lines {
		if sums[line.Month] == nil {
			sums[line.Month] = make(map[MetricSeries]float64)
		}
		for s, v := range line.Values {
			sums[line.Month][s] += v
		}
	}
	for month, bySeries := range sums {
		for _, s := range AllSeries {
			want := est.MonthlyTotals[s]
			assert.InEpsilon(t, want, bySeries[s], 1e-6, "month %d series %s", month, s)
		}
	}
}

func TestDistributeEmptyBase(t *testing.T) {
	_, err := Distribute(nil, []int{1}, nil)
	assert.ErrorIs(t, err, ErrNoBasePeriod)
}
