/*
store.go - Persistence interfaces for the stock ledger

PURPOSE:
  Defines the boundary between ledger logic and the database. The ledger
  never builds SQL; it asks the store for records and for a transaction.

KEY INTERFACES:
  Store:   reads, inserts and the available-stock query
  TxStore: Store plus WithTx for all-or-nothing allocation
  Tx:      operations valid inside one transaction, including locking reads

LOCKING CONTRACT:
  Lock* methods read a record and hold a write lock on it until the
  transaction ends (postgres: SELECT ... FOR UPDATE; sqlite and memory:
  the store-wide write lock held by WithTx). The ledger always locks in the
  order delivery -> line item -> entry.

NOT FOUND:
  Get and Lock methods return (nil, nil) for a missing record. The ledger turns that
  into the matching ErrXxxNotFound.

IMPLEMENTATIONS:
  - store/memory:   in-process, for tests and development
  - store/sqlite:   database/sql + go-sqlite3
  - store/postgres: gorm + PostgreSQL row locks

SEE ALSO:
  - ledger.go: the only writer of balances and links
*/
package stock

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Reads and inserts
// =============================================================================

type Store interface {
	// InsertEntry persists a new purchase entry.
	InsertEntry(ctx context.Context, e PurchaseEntry) error

	GetEntry(ctx context.Context, id EntryID) (*PurchaseEntry, error)

	// ListEntries returns entries matching filter ordered by AcquiredAt,
	// then ProductName.
	ListEntries(ctx context.Context, filter PurchaseFilter) ([]PurchaseEntry, error)

	// ListAvailable returns entries with remaining > 0 in FIFO order:
	// AcquiredAt ASC, ProductName ASC, ID ASC.
	ListAvailable(ctx context.Context, filter AvailableFilter) ([]PurchaseEntry, error)

	// InsertDelivery persists a delivery and all of its items.
	InsertDelivery(ctx context.Context, d Delivery) error

	// GetDelivery returns the delivery with its items ordered by Position.
	GetDelivery(ctx context.Context, id DeliveryID) (*Delivery, error)

	GetLineItem(ctx context.Context, id LineItemID) (*LineItem, error)

	// ListDeliveryIDs returns every delivery id. Used by reconciliation.
	ListDeliveryIDs(ctx context.Context) ([]DeliveryID, error)

	// AllocatedByEntry sums the quantity of linked line items per entry.
	AllocatedByEntry(ctx context.Context) (map[EntryID]decimal.Decimal, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns an error the transaction is rolled back and that error
	// is returned unchanged. Otherwise the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the set of operations available inside WithTx.
type Tx interface {
	LockDelivery(ctx context.Context, id DeliveryID) (*Delivery, error)
	LockLineItem(ctx context.Context, id LineItemID) (*LineItem, error)
	LockEntry(ctx context.Context, id EntryID) (*PurchaseEntry, error)

	// ListLineItems reads the delivery's items as seen by this transaction.
	ListLineItems(ctx context.Context, deliveryID DeliveryID) ([]LineItem, error)

	LinkLineItem(ctx context.Context, itemID LineItemID, entryID EntryID, at time.Time) error
	UpdateEntryBalance(ctx context.Context, id EntryID, remaining decimal.Decimal, status Status) error
	UpdateDeliveryLinkStatus(ctx context.Context, id DeliveryID, status LinkStatus) error

	// LinkedUsage counts and sums the line items referencing the entry.
	LinkedUsage(ctx context.Context, id EntryID) (Usage, error)
	DeleteEntry(ctx context.Context, id EntryID) error
}

// Usage is what line items have drawn from one entry.
type Usage struct {
	Items    int
	Quantity decimal.Decimal
}
