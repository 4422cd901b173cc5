package budget

import (
	"strings"

	"golang.org/x/text/cases"
)

// NormalizeGroup folds case and collapses whitespace so product groups
// exported by different tools compare equal.
func NormalizeGroup(group string) string {
	// Casers are stateful; one per call.
	return cases.Fold().String(strings.Join(strings.Fields(group), " "))
}

// PriceBook resolves pricing per product group for one (division, year).
type PriceBook struct {
	Division string          `json:"division"`
	Year     int             `json:"year"`
	Records  []PricingRecord `json:"records"`
	byGroup  map[string]PricingRecord
}

// NewPriceBook indexes records by normalized product group. Later duplicates win.
func NewPriceBook(division string, year int, records []PricingRecord) *PriceBook {
	book := &PriceBook{Division: division, Year: year, Records: records}
	book.index()
	return book
}

func (b *PriceBook) index() {
	b.byGroup = make(map[string]PricingRecord, len(b.Records))
	for _, rec := range b.Records {
		b.byGroup[NormalizeGroup(rec.ProductGroup)] = rec
	}
}

// Lookup returns pricing for the group and whether it matched. Unmatched
// groups resolve to zero price and zero margin.
func (b *PriceBook) Lookup(group string) (PricingRecord, bool) {
	if b == nil {
		return PricingRecord{ProductGroup: group}, false
	}
	if b.byGroup == nil {
		b.index()
	}
	rec, ok := b.byGroup[NormalizeGroup(group)]
	if !ok {
		return PricingRecord{ProductGroup: group}, false
	}
	return rec, true
}

// Totals prices quantity records. Revenue is quantity times selling price,
// margin is quantity times margin rate.
func (b *PriceBook) Totals(records []BudgetRecord) Totals {
	var t Totals
	for _, rec := range records {
		price, _ := b.Lookup(rec.ProductGroup)
		t.Quantity += rec.Value
		t.Revenue += rec.Value * price.SellingPrice
		t.Margin += rec.Value * price.MarginRate
	}
	return t
}

// PricingYear is the reference year used to price a budget year.
func PricingYear(budgetYear int) int {
	return budgetYear - 1
}
