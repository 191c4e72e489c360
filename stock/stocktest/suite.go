/*
Package stocktest holds ledger scenarios that every stock.TxStore must pass.

USAGE:

	func TestLedgerSuite(t *testing.T) {
	    stocktest.Run(t, func(t *testing.T) stock.TxStore {
	        s, err := sqlite.New(":memory:")
	        require.NoError(t, err)
	        t.Cleanup(func() { s.Close() })
	        return s
	    })
	}

Each scenario gets a fresh store from the factory.
*/
package stocktest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/lock"
	"github.com/warp/stock-ledger/stock"
)

// Factory returns an empty store.
type Factory func(t *testing.T) stock.TxStore

// Run executes every scenario against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	scenarios := []struct {
		name string
		fn   func(t *testing.T, h *Harness)
	}{
		{"AllocateDrainsEntry", testAllocateDrainsEntry},
		{"DeliveryLinkFlag", testDeliveryLinkFlag},
		{"AlreadyLinkedIsNoop", testAlreadyLinkedIsNoop},
		{"InsufficientLeavesStateUnchanged", testInsufficientLeavesStateUnchanged},
		{"PreconditionOrder", testPreconditionOrder},
		{"Conservation", testConservation},
		{"ListAvailableFIFO", testListAvailableFIFO},
		{"ListAvailableQuery", testListAvailableQuery},
		{"ListPurchasesFilter", testListPurchasesFilter},
		{"AllocateFIFO", testAllocateFIFO},
		{"DeletePurchase", testDeletePurchase},
		{"ConcurrentAllocationsFit", testConcurrentAllocationsFit},
		{"ConcurrentAllocationsOverflow", testConcurrentAllocationsOverflow},
		{"ConcurrentLinksSameDelivery", testConcurrentLinksSameDelivery},
		{"ReconcileClean", testReconcileClean},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			sc.fn(t, NewHarness(t, newStore(t)))
		})
	}

	// Without the entry lock the store's transactions alone must keep
	// concurrent allocations consistent, as with several instances each
	// holding only a local lock.
	storeOnly := []struct {
		name string
		fn   func(t *testing.T, h *Harness)
	}{
		{"ConcurrentAllocationsFit", testConcurrentAllocationsFit},
		{"ConcurrentAllocationsOverflow", testConcurrentAllocationsOverflow},
		{"ConcurrentLinksSameDelivery", testConcurrentLinksSameDelivery},
	}
	for _, sc := range storeOnly {
		t.Run("StoreOnly/"+sc.name, func(t *testing.T) {
			sc.fn(t, NewHarness(t, newStore(t), stock.WithLocker(lock.Nop{})))
		})
	}
}

// =============================================================================
// HARNESS
// =============================================================================

// Harness wraps a ledger with helpers that keep scenarios short.
type Harness struct {
	T      *testing.T
	Ctx    context.Context
	Store  stock.TxStore
	Ledger *stock.Ledger
	Day    time.Time

	seq int64
}

func NewHarness(t *testing.T, s stock.TxStore, opts ...stock.Option) *Harness {
	h := &Harness{
		T:     t,
		Ctx:   context.Background(),
		Store: s,
		Day:   time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
	}
	opts = append([]stock.Option{stock.WithIDGenerator(h.nextID)}, opts...)
	h.Ledger = stock.NewLedger(s, opts...)
	return h
}

func (h *Harness) nextID() string {
	return fmt.Sprintf("id-%04d", atomic.AddInt64(&h.seq, 1))
}

// Qty parses a decimal literal.
func Qty(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Purchase records an entry acquired dayOffset days after h.Day.
func (h *Harness) Purchase(product, total string, dayOffset int) stock.PurchaseEntry {
	h.T.Helper()
	e, err := h.Ledger.RecordPurchase(h.Ctx, stock.NewPurchase{
		ProductName:   product,
		CategoryName:  "Vegetables",
		TotalQuantity: Qty(total),
		Unit:          stock.UnitKilogram,
		UnitPrice:     Qty("1.50"),
		AcquiredAt:    h.Day.AddDate(0, 0, dayOffset),
	})
	require.NoError(h.T, err)
	return e
}

// Deliver creates a delivery with one item per quantity.
func (h *Harness) Deliver(product string, quantities ...string) stock.Delivery {
	h.T.Helper()
	in := stock.NewDelivery{CustomerID: "cust-1", DeliveryDate: h.Day.AddDate(0, 0, 7)}
	for _, q := range quantities {
		in.Items = append(in.Items, stock.NewLineItem{ProductName: product, Quantity: Qty(q), UnitPrice: Qty("2.00")})
	}
	d, err := h.Ledger.CreateDelivery(h.Ctx, in)
	require.NoError(h.T, err)
	return d
}

// Entry re-reads an entry.
func (h *Harness) Entry(id stock.EntryID) stock.PurchaseEntry {
	h.T.Helper()
	e, err := h.Ledger.GetPurchase(h.Ctx, id)
	require.NoError(h.T, err)
	return e
}

func (h *Harness) Delivery(id stock.DeliveryID) stock.Delivery {
	h.T.Helper()
	d, err := h.Ledger.GetDelivery(h.Ctx, id)
	require.NoError(h.T, err)
	return d
}

// AssertBalance checks remaining and status of an entry.
func (h *Harness) AssertBalance(id stock.EntryID, remaining string, status stock.Status) {
	h.T.Helper()
	e := h.Entry(id)
	assert.True(h.T, e.RemainingQuantity.Equal(Qty(remaining)),
		"remaining: want %s, got %s", remaining, e.RemainingQuantity)
	assert.Equal(h.T, status, e.Status)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func testAllocateDrainsEntry(t *testing.T, h *Harness) {
	// GIVEN: an entry of 100 and three line items (40, 60, 1)
	e := h.Purchase("Roma tomatoes", "100", 0)
	h.AssertBalance(e.ID, "100", stock.StatusUnused)
	d := h.Deliver("Roma tomatoes", "40", "60", "1")

	// WHEN: 40 is allocated
	a, err := h.Ledger.Allocate(h.Ctx, d.Items[0].ID, e.ID)
	require.NoError(t, err)
	assert.True(t, a.RemainingQuantity.Equal(Qty("60")))
	assert.Equal(t, stock.StatusPartial, a.EntryStatus)
	h.AssertBalance(e.ID, "60", stock.StatusPartial)

	// WHEN: 60 more is allocated
	_, err = h.Ledger.Allocate(h.Ctx, d.Items[1].ID, e.ID)
	require.NoError(t, err)
	h.AssertBalance(e.ID, "0", stock.StatusUsed)

	// THEN: the last unit is refused
	_, err = h.Ledger.Allocate(h.Ctx, d.Items[2].ID, e.ID)
	assert.ErrorIs(t, err, stock.ErrInsufficientStock)
	assert.Equal(t, stock.KindInsufficientStock, stock.KindOf(err))

	var ise *stock.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.True(t, ise.Available.IsZero())
	assert.True(t, ise.Requested.Equal(Qty("1")))
	assert.Equal(t, stock.UnitKilogram, ise.Unit)
	h.AssertBalance(e.ID, "0", stock.StatusUsed)
}

func testDeliveryLinkFlag(t *testing.T, h *Harness) {
	// GIVEN: a delivery with two unlinked items
	e := h.Purchase("Carrots", "50", 0)
	d := h.Deliver("Carrots", "5", "7")
	assert.Equal(t, stock.LinkStatusUnlinked, d.LinkStatus)

	// WHEN: the first item is linked, the delivery is still unlinked
	a, err := h.Ledger.Allocate(h.Ctx, d.Items[0].ID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, stock.LinkStatusUnlinked, a.DeliveryLinkStatus)
	assert.Equal(t, stock.LinkStatusUnlinked, h.Delivery(d.ID).LinkStatus)

	// WHEN: the second item is linked, the delivery becomes linked
	a, err = h.Ledger.Allocate(h.Ctx, d.Items[1].ID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, stock.LinkStatusLinked, a.DeliveryLinkStatus)

	got := h.Delivery(d.ID)
	assert.Equal(t, stock.LinkStatusLinked, got.LinkStatus)
	require.Len(t, got.Items, 2)
	for _, it := range got.Items {
		require.NotNil(t, it.EntryID)
		assert.Equal(t, e.ID, *it.EntryID)
		assert.NotNil(t, it.LinkedAt)
	}
	h.AssertBalance(e.ID, "38", stock.StatusPartial)
}

func testAlreadyLinkedIsNoop(t *testing.T, h *Harness) {
	// GIVEN: an item linked once
	e := h.Purchase("Leeks", "10", 0)
	other := h.Purchase("Leeks", "10", 1)
	d := h.Deliver("Leeks", "3")
	_, err := h.Ledger.Allocate(h.Ctx, d.Items[0].ID, e.ID)
	require.NoError(t, err)

	// WHEN: it is linked again, to the same entry or another one
	_, err = h.Ledger.Allocate(h.Ctx, d.Items[0].ID, e.ID)
	assert.ErrorIs(t, err, stock.ErrAlreadyLinked)
	_, err = h.Ledger.Allocate(h.Ctx, d.Items[0].ID, other.ID)
	assert.ErrorIs(t, err, stock.ErrAlreadyLinked)

	var ale *stock.AlreadyLinkedError
	require.ErrorAs(t, err, &ale)
	assert.Equal(t, e.ID, ale.EntryID)

	// THEN: the entry was decremented exactly once
	h.AssertBalance(e.ID, "7", stock.StatusPartial)
	h.AssertBalance(other.ID, "10", stock.StatusUnused)
}

func testInsufficientLeavesStateUnchanged(t *testing.T, h *Harness) {
	e := h.Purchase("Spinach", "4.5", 0)
	d := h.Deliver("Spinach", "4.6")

	_, err := h.Ledger.Allocate(h.Ctx, d.Items[0].ID, e.ID)
	require.ErrorIs(t, err, stock.ErrInsufficientStock)

	h.AssertBalance(e.ID, "4.5", stock.StatusUnused)
	got := h.Delivery(d.ID)
	assert.Nil(t, got.Items[0].EntryID)
	assert.Equal(t, stock.LinkStatusUnlinked, got.LinkStatus)
}

func testPreconditionOrder(t *testing.T, h *Harness) {
	e := h.Purchase("Onions", "1", 0)
	d := h.Deliver("Onions", "1", "5")

	// Missing item wins over missing entry.
	_, err := h.Ledger.Allocate(h.Ctx, "no-such-item", "no-such-entry")
	assert.ErrorIs(t, err, stock.ErrLineItemNotFound)

	// Missing entry.
	_, err = h.Ledger.Allocate(h.Ctx, d.Items[0].ID, "no-such-entry")
	assert.ErrorIs(t, err, stock.ErrEntryNotFound)
	assert.Equal(t, stock.KindNotFound, stock.KindOf(err))

	_, err = h.Ledger.Allocate(h.Ctx, d.Items[0].ID, e.ID)
	require.NoError(t, err)

	// Already linked wins over missing entry and over insufficient stock.
	_, err = h.Ledger.Allocate(h.Ctx, d.Items[0].ID, "no-such-entry")
	assert.ErrorIs(t, err, stock.ErrAlreadyLinked)
	_, err = h.Ledger.Allocate(h.Ctx, d.Items[0].ID, e.ID)
	assert.ErrorIs(t, err, stock.ErrAlreadyLinked)

	// Insufficient stock only when everything else holds.
	_, err = h.Ledger.Allocate(h.Ctx, d.Items[1].ID, e.ID)
	assert.ErrorIs(t, err, stock.ErrInsufficientStock)
}

func testConservation(t *testing.T, h *Harness) {
	// GIVEN: two entries and a handful of allocations across deliveries
	a := h.Purchase("Potatoes", "25", 0)
	b := h.Purchase("Potatoes", "12.5", 1)
	d1 := h.Deliver("Potatoes", "10", "2.5")
	d2 := h.Deliver("Potatoes", "12.5", "3")

	_, err := h.Ledger.Allocate(h.Ctx, d1.Items[0].ID, a.ID)
	require.NoError(t, err)
	_, err = h.Ledger.Allocate(h.Ctx, d1.Items[1].ID, b.ID)
	require.NoError(t, err)
	_, err = h.Ledger.Allocate(h.Ctx, d2.Items[0].ID, a.ID)
	require.NoError(t, err)
	_, err = h.Ledger.Allocate(h.Ctx, d2.Items[1].ID, b.ID)
	require.NoError(t, err)

	// THEN: remaining + linked quantities == total for every entry
	allocated, err := h.Store.AllocatedByEntry(h.Ctx)
	require.NoError(t, err)
	for _, id := range []stock.EntryID{a.ID, b.ID} {
		e := h.Entry(id)
		assert.True(t, e.RemainingQuantity.Add(allocated[id]).Equal(e.TotalQuantity),
			"entry %s: %s + %s != %s", id, e.RemainingQuantity, allocated[id], e.TotalQuantity)
		assert.Equal(t, stock.DeriveStatus(e.RemainingQuantity, e.TotalQuantity), e.Status)
	}
	h.AssertBalance(a.ID, "2.5", stock.StatusPartial)
	h.AssertBalance(b.ID, "7", stock.StatusPartial)
}

func testListAvailableFIFO(t *testing.T, h *Harness) {
	// GIVEN: entries acquired on different days, one exhausted
	late := h.Purchase("Apples", "10", 3)
	early := h.Purchase("Pears", "10", 0)
	sameDayB := h.Purchase("Beets", "10", 1)
	sameDayA := h.Purchase("Artichokes", "10", 1)
	gone := h.Purchase("Apples", "2", 0)

	d := h.Deliver("Apples", "2")
	_, err := h.Ledger.Allocate(h.Ctx, d.Items[0].ID, gone.ID)
	require.NoError(t, err)

	// WHEN
	got, err := h.Ledger.ListAvailable(h.Ctx, stock.AvailableFilter{})
	require.NoError(t, err)

	// THEN: oldest first, product name breaks ties, exhausted entries hidden
	var ids []stock.EntryID
	for _, e := range got {
		assert.True(t, e.RemainingQuantity.IsPositive())
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []stock.EntryID{early.ID, sameDayA.ID, sameDayB.ID, late.ID}, ids)
}

func testListAvailableQuery(t *testing.T, h *Harness) {
	tomato := h.Purchase("Cherry Tomatoes", "10", 0)
	h.Purchase("Basil", "10", 0)
	pct := h.Purchase("100% Juice", "10", 0)

	got, err := h.Ledger.ListAvailable(h.Ctx, stock.AvailableFilter{Query: "  TOMATO "})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, tomato.ID, got[0].ID)

	// Category names match too.
	got, err = h.Ledger.ListAvailable(h.Ctx, stock.AvailableFilter{Query: "vegetab"})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	// LIKE wildcards are literal.
	got, err = h.Ledger.ListAvailable(h.Ctx, stock.AvailableFilter{Query: "%"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pct.ID, got[0].ID)

	got, err = h.Ledger.ListAvailable(h.Ctx, stock.AvailableFilter{Query: "kale"})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	// Case folding is not limited to ASCII.
	apples := h.Purchase("Äpfel", "10", 1)
	got, err = h.Ledger.ListAvailable(h.Ctx, stock.AvailableFilter{Query: "äPFEL"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, apples.ID, got[0].ID)
}

func testListPurchasesFilter(t *testing.T, h *Harness) {
	a := h.Purchase("Garlic", "10", 0)
	b := h.Purchase("Ginger", "10", 1)
	d := h.Deliver("Garlic", "10")
	_, err := h.Ledger.Allocate(h.Ctx, d.Items[0].ID, a.ID)
	require.NoError(t, err)

	all, err := h.Ledger.ListPurchases(h.Ctx, stock.PurchaseFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	used, err := h.Ledger.ListPurchases(h.Ctx, stock.PurchaseFilter{Status: stock.StatusUsed})
	require.NoError(t, err)
	require.Len(t, used, 1)
	assert.Equal(t, a.ID, used[0].ID)

	unused, err := h.Ledger.ListPurchases(h.Ctx, stock.PurchaseFilter{Status: stock.StatusUnused, Query: "gin"})
	require.NoError(t, err)
	require.Len(t, unused, 1)
	assert.Equal(t, b.ID, unused[0].ID)
}

func testAllocateFIFO(t *testing.T, h *Harness) {
	// GIVEN: an old entry too small for the request and a newer one that fits
	small := h.Purchase("Zucchini", "3", 0)
	big := h.Purchase("Zucchini", "20", 2)
	newest := h.Purchase("Zucchini", "20", 5)
	h.Purchase("Zucchini flowers", "50", 0)
	d := h.Deliver("zucchini", "5", "2", "100")

	// WHEN: FIFO skips entries that cannot cover the whole item
	a, err := h.Ledger.AllocateFIFO(h.Ctx, d.Items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, big.ID, a.EntryID)

	// THEN: a smaller item drains the oldest entry first
	a, err = h.Ledger.AllocateFIFO(h.Ctx, d.Items[1].ID)
	require.NoError(t, err)
	assert.Equal(t, small.ID, a.EntryID)

	// AND: nothing covers 100
	_, err = h.Ledger.AllocateFIFO(h.Ctx, d.Items[2].ID)
	var ise *stock.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Empty(t, ise.EntryID)
	assert.True(t, ise.Available.Equal(Qty("20")))

	_, err = h.Ledger.AllocateFIFO(h.Ctx, d.Items[0].ID)
	assert.ErrorIs(t, err, stock.ErrAlreadyLinked)

	h.AssertBalance(newest.ID, "20", stock.StatusUnused)
}

func testDeletePurchase(t *testing.T, h *Harness) {
	used := h.Purchase("Fennel", "10", 0)
	spare := h.Purchase("Fennel", "10", 1)
	d := h.Deliver("Fennel", "1")
	_, err := h.Ledger.Allocate(h.Ctx, d.Items[0].ID, used.ID)
	require.NoError(t, err)

	err = h.Ledger.DeletePurchase(h.Ctx, used.ID)
	assert.ErrorIs(t, err, stock.ErrEntryInUse)
	assert.Equal(t, stock.KindConflict, stock.KindOf(err))

	require.NoError(t, h.Ledger.DeletePurchase(h.Ctx, spare.ID))
	_, err = h.Ledger.GetPurchase(h.Ctx, spare.ID)
	assert.ErrorIs(t, err, stock.ErrEntryNotFound)

	err = h.Ledger.DeletePurchase(h.Ctx, spare.ID)
	assert.ErrorIs(t, err, stock.ErrEntryNotFound)
}

// allocateConcurrently links each item to entry from its own goroutine and
// returns how many calls succeeded.
func allocateConcurrently(t *testing.T, h *Harness, entry stock.EntryID, items []stock.LineItemID) int32 {
	var ok int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, id := range items {
		wg.Add(1)
		go func(id stock.LineItemID) {
			defer wg.Done()
			<-start
			_, err := h.Ledger.Allocate(h.Ctx, id, entry)
			if err == nil {
				atomic.AddInt32(&ok, 1)
				return
			}
			assert.ErrorIs(t, err, stock.ErrInsufficientStock)
		}(id)
	}
	close(start)
	wg.Wait()
	return ok
}

func testConcurrentAllocationsFit(t *testing.T, h *Harness) {
	e := h.Purchase("Kale", "10", 0)
	d1 := h.Deliver("Kale", "4")
	d2 := h.Deliver("Kale", "5")

	n := allocateConcurrently(t, h, e.ID, []stock.LineItemID{d1.Items[0].ID, d2.Items[0].ID})

	assert.Equal(t, int32(2), n)
	h.AssertBalance(e.ID, "1", stock.StatusPartial)
}

func testConcurrentAllocationsOverflow(t *testing.T, h *Harness) {
	e := h.Purchase("Kale", "10", 0)
	var items []stock.LineItemID
	for i := 0; i < 8; i++ {
		items = append(items, h.Deliver("Kale", "6").Items[0].ID)
	}

	n := allocateConcurrently(t, h, e.ID, items)

	assert.Equal(t, int32(1), n, "exactly one allocation fits")
	h.AssertBalance(e.ID, "4", stock.StatusPartial)
}

func testConcurrentLinksSameDelivery(t *testing.T, h *Harness) {
	// Items of one delivery linked in parallel against different entries
	// must still leave the delivery LINKED.
	a := h.Purchase("Chard", "10", 0)
	b := h.Purchase("Chard", "10", 1)
	d := h.Deliver("Chard", "1", "1")

	var wg sync.WaitGroup
	for i, entry := range []stock.EntryID{a.ID, b.ID} {
		wg.Add(1)
		go func(item stock.LineItemID, entry stock.EntryID) {
			defer wg.Done()
			_, err := h.Ledger.Allocate(h.Ctx, item, entry)
			assert.NoError(t, err)
		}(d.Items[i].ID, entry)
	}
	wg.Wait()

	assert.Equal(t, stock.LinkStatusLinked, h.Delivery(d.ID).LinkStatus)
}

func testReconcileClean(t *testing.T, h *Harness) {
	e := h.Purchase("Radish", "10", 0)
	d := h.Deliver("Radish", "3", "4")
	_, err := h.Ledger.Allocate(h.Ctx, d.Items[0].ID, e.ID)
	require.NoError(t, err)

	report, err := stock.NewReconciler(h.Ledger).Run(h.Ctx, stock.ReconcileOptions{})
	require.NoError(t, err)
	assert.True(t, report.Clean(), "unexpected drift: %+v", report)
	assert.Equal(t, 1, report.EntriesChecked)
	assert.Equal(t, 1, report.DeliveriesChecked)
}
