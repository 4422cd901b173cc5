package budget

import (
	"math"
	"sort"
)

// Distribute projects the base-period monthly average of every series onto
// each target month and fans it out across dimensions by historical share.
// Only the monthly average is rounded; per-dimension values are left exact.
func Distribute(base, targets []int, rows []ActualRow) (Estimate, error) {
	if len(base) == 0 {
		return Estimate{}, ErrNoBasePeriod
	}
	inBase := make(map[int]struct{}, len(base))
	for _, m := range base {
		inBase[m] = struct{}{}
	}

	baseTotals := make(map[MetricSeries]float64, len(AllSeries))
	dimTotals := make(map[DimensionKey]map[MetricSeries]float64)
	var keys []DimensionKey
	for _, row := range rows {
		if _, ok := inBase[row.Month]; !ok || !row.Series.Valid() {
			continue
		}
		totals, ok := dimTotals[row.Key]
		if !ok {
			totals = make(map[MetricSeries]float64, len(AllSeries))
			dimTotals[row.Key] = totals
			keys = append(keys, row.Key)
		}
		totals[row.Series] += row.Value
		baseTotals[row.Series] += row.Value
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	monthly := make(map[MetricSeries]float64, len(AllSeries))
	for _, s := range AllSeries {
		monthly[s] = math.Round(baseTotals[s] / float64(len(base)))
	}

	shares := make(map[DimensionKey]map[MetricSeries]float64, len(keys))
	for _, key := range keys {
		share := make(map[MetricSeries]float64, len(AllSeries))
		for _, s := range AllSeries {
			if baseTotals[s] > 0 {
				share[s] = dimTotals[key][s] / baseTotals[s]
			}
		}
		shares[key] = share
	}

	sortedTargets := append([]int(nil), targets...)
	sort.Ints(sortedTargets)

	est := Estimate{
		BasePeriod:    append([]int(nil), base...),
		TargetMonths:  sortedTargets,
		BaseTotals:    baseTotals,
		MonthlyTotals: monthly,
		Months:        make([]MonthTotal, 0, len(sortedTargets)),
		Lines:         make([]EstimateLine, 0, len(keys)*len(sortedTargets)),
	}
	for _, month := range sortedTargets {
		total := MonthTotal{Month: month}
		for _, key := range keys {
			values := make(map[MetricSeries]float64, len(AllSeries))
			for _, s := range AllSeries {
				values[s] = monthly[s] * shares[key][s]
			}
			total.Quantity += values[SeriesQuantity]
			total.Revenue += values[SeriesRevenue]
			total.Margin += values[SeriesMargin]
			est.Lines = append(est.Lines, EstimateLine{Key: key, Month: month, Values: values})
		}
		est.Months = append(est.Months, total)
	}
	return est, nil
}
