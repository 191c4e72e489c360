package stock

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FIFO ORDERING
// =============================================================================
// Oldest acquisition first keeps perishable produce moving. SQL stores
// express the same order in ORDER BY; in-process stores call SortFIFO.

// LessFIFO orders by AcquiredAt, then ProductName, then ID.
func LessFIFO(a, b PurchaseEntry) bool {
	if !a.AcquiredAt.Equal(b.AcquiredAt) {
		return a.AcquiredAt.Before(b.AcquiredAt)
	}
	if a.ProductName != b.ProductName {
		return a.ProductName < b.ProductName
	}
	return a.ID < b.ID
}

func SortFIFO(entries []PurchaseEntry) {
	sort.SliceStable(entries, func(i, j int) bool { return LessFIFO(entries[i], entries[j]) })
}

// MatchesQuery reports whether q is a case-insensitive substring of the
// product name or the category name. An empty q matches everything.
func MatchesQuery(e PurchaseEntry, q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(e.ProductName), q) ||
		strings.Contains(strings.ToLower(e.CategoryName), q)
}

// IsAvailable reports whether the entry can still be allocated from.
func IsAvailable(e PurchaseEntry) bool {
	return e.RemainingQuantity.IsPositive()
}

// FIFOCandidates picks, in FIFO order, the entries for product that can
// cover qty on their own. entries must already be in FIFO order.
func FIFOCandidates(entries []PurchaseEntry, product string, qty decimal.Decimal) []PurchaseEntry {
	var out []PurchaseEntry
	for _, e := range entries {
		if !strings.EqualFold(strings.TrimSpace(e.ProductName), strings.TrimSpace(product)) {
			continue
		}
		if e.RemainingQuantity.GreaterThanOrEqual(qty) {
			out = append(out, e)
		}
	}
	return out
}
