/*
Package stock provides the produce stock ledger.

PURPOSE:
  Tracks purchased stock (purchase entries) and the delivery line items
  that consume it. Every purchase carries a remaining-quantity balance that
  is decremented when a line item is linked to it. Status and link flags
  are derived values and are recomputed on every write.

KEY CONCEPTS IN THIS FILE (types.go):
  - PurchaseEntry: one intake of stock (a purchase ledger entry)
  - LineItem:      one allocation request inside a delivery
  - Delivery:      aggregate owning its line items
  - Status / LinkStatus: derived flags (see status.go)

DESIGN PRINCIPLES:
  1. Precision: quantities and prices use decimal.Decimal
  2. Type Safety: distinct ID types for entries, items and deliveries
  3. One rule, one place: derived fields only come from status.go

USAGE:
  entry, err := ledger.RecordPurchase(ctx, stock.NewPurchase{
      ProductName:   "Roma tomatoes",
      TotalQuantity: decimal.NewFromInt(100),
      Unit:          stock.UnitKilogram,
      UnitPrice:     decimal.RequireFromString("1.20"),
      AcquiredAt:    time.Now(),
  })

SEE ALSO:
  - status.go: DeriveStatus / DeriveLinkStatus
  - ledger.go: Allocate, ListAvailable and intake operations
  - store.go:  persistence interfaces
*/
package stock

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntryID string
type LineItemID string
type DeliveryID string

// =============================================================================
// UNIT OF MEASURE
// =============================================================================

// Unit is the unit a quantity is denominated in. Free-form; the constants
// cover what the warehouse uses day to day.
type Unit string

const (
	UnitKilogram Unit = "kg"
	UnitBox      Unit = "box"
	UnitCrate    Unit = "crate"
	UnitBunch    Unit = "bunch"
	UnitPiece    Unit = "piece"
)

// =============================================================================
// PURCHASE ENTRY - One intake of stock
// =============================================================================

// PurchaseEntry is a purchase ledger entry.
//
// INVARIANTS:
//   - 0 <= RemainingQuantity <= TotalQuantity
//   - Status == DeriveStatus(RemainingQuantity, TotalQuantity)
//
// Only Ledger.Allocate (and the reconciler's repair path) mutate
// RemainingQuantity and Status.
type PurchaseEntry struct {
	ID                EntryID
	ProductName       string
	CategoryID        string
	CategoryName      string
	SupplierID        string
	TotalQuantity     decimal.Decimal
	Unit              Unit
	UnitPrice         decimal.Decimal
	AcquiredAt        time.Time
	ExpiresAt         *time.Time
	RemainingQuantity decimal.Decimal
	Status            Status
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AllocatedQuantity is what has been consumed from the entry so far.
func (e PurchaseEntry) AllocatedQuantity() decimal.Decimal {
	return e.TotalQuantity.Sub(e.RemainingQuantity)
}

// NewPurchase is the input to Ledger.RecordPurchase.
type NewPurchase struct {
	ProductName   string
	CategoryID    string
	CategoryName  string
	SupplierID    string
	TotalQuantity decimal.Decimal
	Unit          Unit
	UnitPrice     decimal.Decimal
	AcquiredAt    time.Time
	ExpiresAt     *time.Time
}

// =============================================================================
// DELIVERY - Aggregate of line items
// =============================================================================

// LineItem is a delivery line item. EntryID is nil until the item is linked,
// and it is set exactly once.
type LineItem struct {
	ID          LineItemID
	DeliveryID  DeliveryID
	ProductName string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	EntryID     *EntryID
	LinkedAt    *time.Time
	Position    int
}

// IsLinked reports whether the item already references a purchase entry.
func (li LineItem) IsLinked() bool { return li.EntryID != nil }

// Amount is quantity times unit price.
func (li LineItem) Amount() decimal.Decimal { return li.Quantity.Mul(li.UnitPrice) }

// Delivery owns its line items. It references, but does not own, the
// purchase entries its items are linked to.
type Delivery struct {
	ID           DeliveryID
	CustomerID   string
	DeliveryDate time.Time
	Items        []LineItem
	LinkStatus   LinkStatus
	CreatedAt    time.Time
}

// TotalAmount is the sum of the line item amounts.
func (d Delivery) TotalAmount() decimal.Decimal {
	total := decimal.Zero
	for _, it := range d.Items {
		total = total.Add(it.Amount())
	}
	return total
}

// NewDelivery is the input to Ledger.CreateDelivery.
type NewDelivery struct {
	CustomerID   string
	DeliveryDate time.Time
	Items        []NewLineItem
}

type NewLineItem struct {
	ProductName string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
}

// =============================================================================
// ALLOCATION RESULT
// =============================================================================

// Allocation describes a successful link of a line item to an entry.
type Allocation struct {
	LineItemID         LineItemID
	EntryID            EntryID
	DeliveryID         DeliveryID
	Quantity           decimal.Decimal
	Unit               Unit
	RemainingQuantity  decimal.Decimal
	EntryStatus        Status
	DeliveryLinkStatus LinkStatus
	LinkedAt           time.Time
}

// =============================================================================
// QUERY FILTERS
// =============================================================================

// AvailableFilter narrows ListAvailable. Query is matched case-insensitively
// as a substring of the product name or the category name.
type AvailableFilter struct {
	Query string
}

// PurchaseFilter narrows ListPurchases.
type PurchaseFilter struct {
	Query  string
	Status Status // empty = any
}
