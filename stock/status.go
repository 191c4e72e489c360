package stock

import "github.com/shopspring/decimal"

// =============================================================================
// STATUS - Derived from (remaining, total)
// =============================================================================

type Status string

const (
	StatusUnused  Status = "UNUSED"
	StatusPartial Status = "PARTIAL"
	StatusUsed    Status = "USED"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusUnused, StatusPartial, StatusUsed:
		return true
	}
	return false
}

// DeriveStatus is the single definition of the entry status rule:
//
//	remaining == total     -> UNUSED
//	0 < remaining < total  -> PARTIAL
//	remaining == 0         -> USED
//
// The allocation path, intake and the reconciler all call this. Values
// outside [0, total] are clamped to the nearest end; CheckBalance reports
// them as violations.
func DeriveStatus(remaining, total decimal.Decimal) Status {
	switch {
	case remaining.GreaterThanOrEqual(total):
		return StatusUnused
	case remaining.LessThanOrEqual(decimal.Zero):
		return StatusUsed
	default:
		return StatusPartial
	}
}

// CheckBalance returns an error when remaining is outside [0, total].
func CheckBalance(remaining, total decimal.Decimal) error {
	if remaining.IsNegative() || remaining.GreaterThan(total) {
		return &BalanceViolationError{Remaining: remaining, Total: total}
	}
	return nil
}

// =============================================================================
// LINK STATUS - Derived from the delivery's line items
// =============================================================================

type LinkStatus string

const (
	LinkStatusUnlinked LinkStatus = "UNLINKED"
	LinkStatusLinked   LinkStatus = "LINKED"
)

// DeriveLinkStatus returns LINKED iff every item references an entry.
func DeriveLinkStatus(items []LineItem) LinkStatus {
	for _, it := range items {
		if !it.IsLinked() {
			return LinkStatusUnlinked
		}
	}
	return LinkStatusLinked
}
