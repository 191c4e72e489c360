/*
ledger.go - Stock ledger operations

PURPOSE:
  The Ledger is the only component that changes a purchase entry's
  remaining quantity or links a line item. Every change runs inside one
  storage transaction, so an allocation either fully happens or leaves no
  trace.

ALLOCATION (Allocate):
  Preconditions, checked in this order, each with its own error:
    1. line item exists            -> ErrLineItemNotFound
    2. line item not yet linked    -> *AlreadyLinkedError
    3. entry exists                -> ErrEntryNotFound
    4. remaining >= requested      -> *InsufficientStockError
  Effects, all in one transaction:
    a. link the item to the entry
    b. remaining -= requested
    c. status = DeriveStatus(remaining, total)
    d. delivery link flag = DeriveLinkStatus(items)

CONCURRENCY:
  1. A per-entry critical section (Locker) queues callers for the same entry.
  2. Inside the transaction the store locks delivery -> line item -> entry.
     Two allocations against one entry therefore see each other's
     decrements, and two links in the same delivery see each other's links.

IDEMPOTENCY:
  Linking the same item twice fails with ErrAlreadyLinked on the second
  call; the entry is decremented once.

SEE ALSO:
  - status.go:    the derivation rules
  - available.go: FIFO ordering for ListAvailable / AllocateFIFO
  - reconcile.go: offline check/repair using the same rules
*/
package stock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/lock"
	"go.uber.org/zap"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store  TxStore
	locker lock.Locker
	log    *zap.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Ledger)

// WithLocker replaces the default in-process keyed lock.
func WithLocker(l lock.Locker) Option { return func(lg *Ledger) { lg.locker = l } }

func WithLogger(l *zap.Logger) Option { return func(lg *Ledger) { lg.log = l } }

func WithClock(now func() time.Time) Option { return func(lg *Ledger) { lg.now = now } }

// WithIDGenerator is used by tests that need predictable ids.
func WithIDGenerator(fn func() string) Option { return func(lg *Ledger) { lg.newID = fn } }

func NewLedger(store TxStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		locker: lock.NewKeyed(),
		log:    zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store exposes the underlying store for read-only collaborators.
func (l *Ledger) Store() TxStore { return l.store }

// =============================================================================
// ALLOCATE
// =============================================================================

// Allocate links one unlinked line item to one purchase entry.
func (l *Ledger) Allocate(ctx context.Context, itemID LineItemID, entryID EntryID) (Allocation, error) {
	log := l.log.With(zap.String("line_item_id", string(itemID)), zap.String("entry_id", string(entryID)))

	// The item's delivery never changes, so it is safe to read it before
	// locking. The locked re-read below is authoritative.
	peek, err := l.store.GetLineItem(ctx, itemID)
	if err != nil {
		return Allocation{}, storageErr("get line item", err)
	}
	if peek == nil {
		return Allocation{}, ErrLineItemNotFound
	}

	release, err := l.lockEntry(ctx, entryID)
	if err != nil {
		return Allocation{}, err
	}
	defer release()

	var alloc Allocation
	err = l.store.WithTx(ctx, func(tx Tx) error {
		a, err := l.allocateTx(ctx, tx, peek.DeliveryID, itemID, entryID)
		if err != nil {
			return err
		}
		alloc = a
		return nil
	})
	if err != nil {
		err = classify("allocate", err)
		log.Debug("allocation rejected", zap.String("kind", string(KindOf(err))), zap.Error(err))
		return Allocation{}, err
	}

	log.Info("stock allocated",
		zap.String("quantity", alloc.Quantity.String()),
		zap.String("remaining", alloc.RemainingQuantity.String()),
		zap.String("status", string(alloc.EntryStatus)),
		zap.String("delivery_link_status", string(alloc.DeliveryLinkStatus)),
	)
	return alloc, nil
}

func (l *Ledger) allocateTx(ctx context.Context, tx Tx, deliveryID DeliveryID, itemID LineItemID, entryID EntryID) (Allocation, error) {
	if _, err := tx.LockDelivery(ctx, deliveryID); err != nil {
		return Allocation{}, storageErr("lock delivery", err)
	}

	item, err := tx.LockLineItem(ctx, itemID)
	if err != nil {
		return Allocation{}, storageErr("lock line item", err)
	}
	if item == nil {
		return Allocation{}, ErrLineItemNotFound
	}
	if item.IsLinked() {
		return Allocation{}, &AlreadyLinkedError{LineItemID: item.ID, EntryID: *item.EntryID}
	}

	entry, err := tx.LockEntry(ctx, entryID)
	if err != nil {
		return Allocation{}, storageErr("lock entry", err)
	}
	if entry == nil {
		return Allocation{}, ErrEntryNotFound
	}
	if entry.RemainingQuantity.LessThan(item.Quantity) {
		return Allocation{}, &InsufficientStockError{
			EntryID:     entry.ID,
			ProductName: entry.ProductName,
			Available:   entry.RemainingQuantity,
			Unit:        entry.Unit,
			Requested:   item.Quantity,
		}
	}

	remaining := entry.RemainingQuantity.Sub(item.Quantity)
	if err := CheckBalance(remaining, entry.TotalQuantity); err != nil {
		return Allocation{}, err
	}
	status := DeriveStatus(remaining, entry.TotalQuantity)
	now := l.now()

	if err := tx.LinkLineItem(ctx, item.ID, entry.ID, now); err != nil {
		return Allocation{}, storageErr("link line item", err)
	}
	if err := tx.UpdateEntryBalance(ctx, entry.ID, remaining, status); err != nil {
		return Allocation{}, storageErr("update entry balance", err)
	}

	items, err := tx.ListLineItems(ctx, item.DeliveryID)
	if err != nil {
		return Allocation{}, storageErr("list line items", err)
	}
	linkStatus := DeriveLinkStatus(items)
	if err := tx.UpdateDeliveryLinkStatus(ctx, item.DeliveryID, linkStatus); err != nil {
		return Allocation{}, storageErr("update delivery link status", err)
	}

	return Allocation{
		LineItemID:         item.ID,
		EntryID:            entry.ID,
		DeliveryID:         item.DeliveryID,
		Quantity:           item.Quantity,
		Unit:               entry.Unit,
		RemainingQuantity:  remaining,
		EntryStatus:        status,
		DeliveryLinkStatus: linkStatus,
		LinkedAt:           now,
	}, nil
}

// AllocateFIFO links the line item to the oldest available entry for the
// item's product that can cover the whole requested quantity.
func (l *Ledger) AllocateFIFO(ctx context.Context, itemID LineItemID) (Allocation, error) {
	item, err := l.store.GetLineItem(ctx, itemID)
	if err != nil {
		return Allocation{}, storageErr("get line item", err)
	}
	if item == nil {
		return Allocation{}, ErrLineItemNotFound
	}
	if item.IsLinked() {
		return Allocation{}, &AlreadyLinkedError{LineItemID: item.ID, EntryID: *item.EntryID}
	}
	if strings.TrimSpace(item.ProductName) == "" {
		return Allocation{}, &ValidationError{Field: "product_name", Message: "line item has no product to match"}
	}

	available, err := l.store.ListAvailable(ctx, AvailableFilter{Query: item.ProductName})
	if err != nil {
		return Allocation{}, storageErr("list available", err)
	}
	candidates := FIFOCandidates(available, item.ProductName, item.Quantity)

	for _, c := range candidates {
		alloc, err := l.Allocate(ctx, itemID, c.ID)
		if errors.Is(err, ErrInsufficientStock) {
			// Another caller drained this entry after we listed it.
			continue
		}
		return alloc, err
	}

	best := decimal.Zero
	var unit Unit
	for _, e := range available {
		if strings.EqualFold(e.ProductName, item.ProductName) && e.RemainingQuantity.GreaterThan(best) {
			best, unit = e.RemainingQuantity, e.Unit
		}
	}
	return Allocation{}, &InsufficientStockError{
		ProductName: item.ProductName,
		Available:   best,
		Unit:        unit,
		Requested:   item.Quantity,
	}
}

// =============================================================================
// AVAILABLE STOCK
// =============================================================================

// ListAvailable returns entries with remaining stock, oldest first.
func (l *Ledger) ListAvailable(ctx context.Context, filter AvailableFilter) ([]PurchaseEntry, error) {
	filter.Query = strings.TrimSpace(filter.Query)
	entries, err := l.store.ListAvailable(ctx, filter)
	if err != nil {
		return nil, storageErr("list available", err)
	}
	if entries == nil {
		entries = []PurchaseEntry{}
	}
	return entries, nil
}

// =============================================================================
// PURCHASE INTAKE
// =============================================================================

// RecordPurchase creates a new purchase entry with remaining == total.
func (l *Ledger) RecordPurchase(ctx context.Context, in NewPurchase) (PurchaseEntry, error) {
	if err := validatePurchase(in); err != nil {
		return PurchaseEntry{}, err
	}

	now := l.now()
	e := PurchaseEntry{
		ID:                EntryID(l.newID()),
		ProductName:       strings.TrimSpace(in.ProductName),
		CategoryID:        in.CategoryID,
		CategoryName:      strings.TrimSpace(in.CategoryName),
		SupplierID:        in.SupplierID,
		TotalQuantity:     in.TotalQuantity,
		Unit:              in.Unit,
		UnitPrice:         in.UnitPrice,
		AcquiredAt:        in.AcquiredAt.UTC(),
		ExpiresAt:         utcPtr(in.ExpiresAt),
		RemainingQuantity: in.TotalQuantity,
		Status:            DeriveStatus(in.TotalQuantity, in.TotalQuantity),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := l.store.InsertEntry(ctx, e); err != nil {
		return PurchaseEntry{}, storageErr("insert entry", err)
	}

	l.log.Info("purchase recorded",
		zap.String("entry_id", string(e.ID)),
		zap.String("product", e.ProductName),
		zap.String("quantity", e.TotalQuantity.String()),
		zap.String("unit", string(e.Unit)),
	)
	return e, nil
}

func validatePurchase(in NewPurchase) error {
	switch {
	case strings.TrimSpace(in.ProductName) == "":
		return &ValidationError{Field: "product_name", Message: "required"}
	case !in.TotalQuantity.IsPositive():
		return &ValidationError{Field: "total_quantity", Message: "must be positive"}
	case strings.TrimSpace(string(in.Unit)) == "":
		return &ValidationError{Field: "unit", Message: "required"}
	case in.UnitPrice.IsNegative():
		return &ValidationError{Field: "unit_price", Message: "must not be negative"}
	case !fitsAmount(in.TotalQuantity):
		return &ValidationError{Field: "total_quantity", Message: amountLimitMessage}
	case !fitsAmount(in.UnitPrice):
		return &ValidationError{Field: "unit_price", Message: amountLimitMessage}
	case in.AcquiredAt.IsZero():
		return &ValidationError{Field: "acquired_at", Message: "required"}
	case in.ExpiresAt != nil && in.ExpiresAt.Before(in.AcquiredAt):
		return &ValidationError{Field: "expires_at", Message: "before acquisition date"}
	}
	return nil
}

// Quantities and prices must fit numeric(18,4), the postgres column type,
// whichever store is in use.
const (
	AmountScale        = 4
	amountLimitMessage = "at most 4 decimal places and less than 10^14"
)

var amountBound = decimal.New(1, 14)

func fitsAmount(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(AmountScale)) && d.Abs().LessThan(amountBound)
}

func (l *Ledger) GetPurchase(ctx context.Context, id EntryID) (PurchaseEntry, error) {
	e, err := l.store.GetEntry(ctx, id)
	if err != nil {
		return PurchaseEntry{}, storageErr("get entry", err)
	}
	if e == nil {
		return PurchaseEntry{}, ErrEntryNotFound
	}
	return *e, nil
}

func (l *Ledger) ListPurchases(ctx context.Context, filter PurchaseFilter) ([]PurchaseEntry, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, &ValidationError{Field: "status", Message: "unknown status " + string(filter.Status)}
	}
	filter.Query = strings.TrimSpace(filter.Query)
	entries, err := l.store.ListEntries(ctx, filter)
	if err != nil {
		return nil, storageErr("list entries", err)
	}
	if entries == nil {
		entries = []PurchaseEntry{}
	}
	return entries, nil
}

// DeletePurchase removes an entry that no line item references.
func (l *Ledger) DeletePurchase(ctx context.Context, id EntryID) error {
	release, err := l.lockEntry(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	err = l.store.WithTx(ctx, func(tx Tx) error {
		e, err := tx.LockEntry(ctx, id)
		if err != nil {
			return storageErr("lock entry", err)
		}
		if e == nil {
			return ErrEntryNotFound
		}
		usage, err := tx.LinkedUsage(ctx, id)
		if err != nil {
			return storageErr("linked usage", err)
		}
		if usage.Items > 0 {
			return ErrEntryInUse
		}
		return storageErr("delete entry", tx.DeleteEntry(ctx, id))
	})
	if err != nil {
		return classify("delete purchase", err)
	}
	l.log.Info("purchase deleted", zap.String("entry_id", string(id)))
	return nil
}

// =============================================================================
// DELIVERIES
// =============================================================================

// CreateDelivery creates a delivery whose items are all unlinked.
func (l *Ledger) CreateDelivery(ctx context.Context, in NewDelivery) (Delivery, error) {
	if strings.TrimSpace(in.CustomerID) == "" {
		return Delivery{}, &ValidationError{Field: "customer_id", Message: "required"}
	}
	if in.DeliveryDate.IsZero() {
		return Delivery{}, &ValidationError{Field: "delivery_date", Message: "required"}
	}
	if len(in.Items) == 0 {
		return Delivery{}, &ValidationError{Field: "items", Message: "at least one line item required"}
	}

	d := Delivery{
		ID:           DeliveryID(l.newID()),
		CustomerID:   strings.TrimSpace(in.CustomerID),
		DeliveryDate: in.DeliveryDate.UTC(),
		CreatedAt:    l.now(),
	}
	for i, it := range in.Items {
		if !it.Quantity.IsPositive() {
			return Delivery{}, &ValidationError{Field: "items.quantity", Message: "must be positive"}
		}
		if it.UnitPrice.IsNegative() {
			return Delivery{}, &ValidationError{Field: "items.unit_price", Message: "must not be negative"}
		}
		if !fitsAmount(it.Quantity) {
			return Delivery{}, &ValidationError{Field: "items.quantity", Message: amountLimitMessage}
		}
		if !fitsAmount(it.UnitPrice) {
			return Delivery{}, &ValidationError{Field: "items.unit_price", Message: amountLimitMessage}
		}
		d.Items = append(d.Items, LineItem{
			ID:          LineItemID(l.newID()),
			DeliveryID:  d.ID,
			ProductName: strings.TrimSpace(it.ProductName),
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Position:    i,
		})
	}
	d.LinkStatus = DeriveLinkStatus(d.Items)

	if err := l.store.InsertDelivery(ctx, d); err != nil {
		return Delivery{}, storageErr("insert delivery", err)
	}
	l.log.Info("delivery created",
		zap.String("delivery_id", string(d.ID)),
		zap.Int("items", len(d.Items)),
	)
	return d, nil
}

func (l *Ledger) GetDelivery(ctx context.Context, id DeliveryID) (Delivery, error) {
	d, err := l.store.GetDelivery(ctx, id)
	if err != nil {
		return Delivery{}, storageErr("get delivery", err)
	}
	if d == nil {
		return Delivery{}, ErrDeliveryNotFound
	}
	return *d, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func entryLockKey(id EntryID) string { return "stock-entry:" + string(id) }

func (l *Ledger) lockEntry(ctx context.Context, id EntryID) (func(), error) {
	release, err := l.locker.Lock(ctx, entryLockKey(id))
	if err != nil {
		return nil, errors.Join(ErrLockTimeout, err)
	}
	return release, nil
}

// classify keeps domain errors as they are and marks everything else
// (begin/commit failures, driver errors) as a storage failure.
func classify(op string, err error) error {
	if KindOf(err) == KindUnknown {
		return storageErr(op, err)
	}
	return err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
