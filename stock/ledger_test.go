package stock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/lock"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/stock/stocktest"
	"github.com/warp/stock-ledger/store/memory"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newHarness(t *testing.T, opts ...stock.Option) (*stocktest.Harness, *memory.Memory) {
	m := memory.New()
	return stocktest.NewHarness(t, m, opts...), m
}

func TestLedgerSuite_Memory(t *testing.T) {
	stocktest.Run(t, func(t *testing.T) stock.TxStore { return memory.New() })
}

// =============================================================================
// RECORD PURCHASE
// =============================================================================

func TestRecordPurchase_StartsUnused(t *testing.T) {
	h, _ := newHarness(t)
	expires := h.Day.AddDate(0, 0, 14)

	e, err := h.Ledger.RecordPurchase(h.Ctx, stock.NewPurchase{
		ProductName:   "  Butter lettuce ",
		CategoryID:    "cat-greens",
		CategoryName:  "Greens",
		SupplierID:    "sup-7",
		TotalQuantity: dec("24"),
		Unit:          stock.UnitCrate,
		UnitPrice:     dec("8.40"),
		AcquiredAt:    h.Day,
		ExpiresAt:     &expires,
	})
	require.NoError(t, err)

	assert.Equal(t, "Butter lettuce", e.ProductName)
	assert.True(t, e.RemainingQuantity.Equal(e.TotalQuantity))
	assert.Equal(t, stock.StatusUnused, e.Status)
	assert.True(t, e.AllocatedQuantity().IsZero())

	got := h.Entry(e.ID)
	assert.Equal(t, stock.UnitCrate, got.Unit)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expires))
}

func TestRecordPurchase_Validation(t *testing.T) {
	h, _ := newHarness(t)
	valid := func() stock.NewPurchase {
		return stock.NewPurchase{
			ProductName:   "Beans",
			TotalQuantity: dec("10"),
			Unit:          stock.UnitKilogram,
			UnitPrice:     dec("1"),
			AcquiredAt:    h.Day,
		}
	}
	before := h.Day.AddDate(0, 0, -1)

	tests := []struct {
		name  string
		field string
		edit  func(*stock.NewPurchase)
	}{
		{"missing product", "product_name", func(p *stock.NewPurchase) { p.ProductName = " " }},
		{"zero quantity", "total_quantity", func(p *stock.NewPurchase) { p.TotalQuantity = dec("0") }},
		{"negative quantity", "total_quantity", func(p *stock.NewPurchase) { p.TotalQuantity = dec("-1") }},
		{"missing unit", "unit", func(p *stock.NewPurchase) { p.Unit = "" }},
		{"negative price", "unit_price", func(p *stock.NewPurchase) { p.UnitPrice = dec("-0.01") }},
		{"missing acquisition", "acquired_at", func(p *stock.NewPurchase) { p.AcquiredAt = time.Time{} }},
		{"expires before acquisition", "expires_at", func(p *stock.NewPurchase) { p.ExpiresAt = &before }},
		{"quantity too fine", "total_quantity", func(p *stock.NewPurchase) { p.TotalQuantity = dec("1.00001") }},
		{"quantity too large", "total_quantity", func(p *stock.NewPurchase) { p.TotalQuantity = dec("100000000000000") }},
		{"price too fine", "unit_price", func(p *stock.NewPurchase) { p.UnitPrice = dec("0.12345") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid()
			tt.edit(&in)

			_, err := h.Ledger.RecordPurchase(h.Ctx, in)

			var ve *stock.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, stock.KindInvalidInput, stock.KindOf(err))
		})
	}
}

func TestListPurchases_UnknownStatus(t *testing.T) {
	h, _ := newHarness(t)
	_, err := h.Ledger.ListPurchases(h.Ctx, stock.PurchaseFilter{Status: "ROTTEN"})
	assert.ErrorIs(t, err, stock.ErrInvalidInput)
}

// =============================================================================
// DELIVERIES
// =============================================================================

func TestCreateDelivery_AssignsItems(t *testing.T) {
	h, _ := newHarness(t)
	d := h.Deliver("Peppers", "2", "3.5")

	assert.Equal(t, stock.LinkStatusUnlinked, d.LinkStatus)
	require.Len(t, d.Items, 2)
	for i, it := range d.Items {
		assert.Equal(t, d.ID, it.DeliveryID)
		assert.Equal(t, i, it.Position)
		assert.False(t, it.IsLinked())
	}
	assert.True(t, d.TotalAmount().Equal(dec("11")))

	got := h.Delivery(d.ID)
	assert.Equal(t, d.Items[0].ID, got.Items[0].ID)
	assert.Equal(t, d.Items[1].ID, got.Items[1].ID)
}

func TestCreateDelivery_Validation(t *testing.T) {
	h, _ := newHarness(t)
	day := h.Day

	tests := []struct {
		name  string
		in    stock.NewDelivery
		field string
	}{
		{"missing customer", stock.NewDelivery{DeliveryDate: day, Items: []stock.NewLineItem{{Quantity: dec("1")}}}, "customer_id"},
		{"missing date", stock.NewDelivery{CustomerID: "c", Items: []stock.NewLineItem{{Quantity: dec("1")}}}, "delivery_date"},
		{"no items", stock.NewDelivery{CustomerID: "c", DeliveryDate: day}, "items"},
		{"zero quantity", stock.NewDelivery{CustomerID: "c", DeliveryDate: day, Items: []stock.NewLineItem{{Quantity: dec("0")}}}, "items.quantity"},
		{"negative price", stock.NewDelivery{CustomerID: "c", DeliveryDate: day, Items: []stock.NewLineItem{{Quantity: dec("1"), UnitPrice: dec("-1")}}}, "items.unit_price"},
		{"quantity too fine", stock.NewDelivery{CustomerID: "c", DeliveryDate: day, Items: []stock.NewLineItem{{Quantity: dec("0.00001")}}}, "items.quantity"},
		{"quantity too large", stock.NewDelivery{CustomerID: "c", DeliveryDate: day, Items: []stock.NewLineItem{{Quantity: dec("100000000000000")}}}, "items.quantity"},
		{"price too fine", stock.NewDelivery{CustomerID: "c", DeliveryDate: day, Items: []stock.NewLineItem{{Quantity: dec("1"), UnitPrice: dec("2.00005")}}}, "items.unit_price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Ledger.CreateDelivery(h.Ctx, tt.in)
			var ve *stock.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestGetDelivery_NotFound(t *testing.T) {
	h, _ := newHarness(t)
	_, err := h.Ledger.GetDelivery(h.Ctx, "nope")
	assert.ErrorIs(t, err, stock.ErrDeliveryNotFound)
	assert.True(t, stock.IsNotFound(err))
}

// =============================================================================
// ALLOCATE - edge cases beyond the shared suite
// =============================================================================

func TestAllocate_ExactRemainderUsesEntry(t *testing.T) {
	h, _ := newHarness(t)
	e := h.Purchase("Mint", "0.75", 0)
	d := h.Deliver("Mint", "0.75")

	a, err := h.Ledger.Allocate(h.Ctx, d.Items[0].ID, e.ID)
	require.NoError(t, err)

	assert.Equal(t, stock.StatusUsed, a.EntryStatus)
	assert.True(t, a.RemainingQuantity.IsZero())
	assert.Equal(t, stock.LinkStatusLinked, a.DeliveryLinkStatus)
}

func TestAllocate_AllowsCrossProductLink(t *testing.T) {
	// Linking is by entry id; the product names are not compared.
	h, _ := newHarness(t)
	e := h.Purchase("Red onions", "5", 0)
	d := h.Deliver("Onions", "2")

	_, err := h.Ledger.Allocate(h.Ctx, d.Items[0].ID, e.ID)
	require.NoError(t, err)
	h.AssertBalance(e.ID, "3", stock.StatusPartial)
}

func TestAllocate_UsesClock(t *testing.T) {
	at := time.Date(2025, time.April, 1, 9, 30, 0, 0, time.UTC)
	h, _ := newHarness(t, stock.WithClock(func() time.Time { return at }))
	e := h.Purchase("Dill", "5", 0)
	d := h.Deliver("Dill", "1")

	a, err := h.Ledger.Allocate(h.Ctx, d.Items[0].ID, e.ID)
	require.NoError(t, err)
	assert.True(t, a.LinkedAt.Equal(at))

	got := h.Delivery(d.ID)
	require.NotNil(t, got.Items[0].LinkedAt)
	assert.True(t, got.Items[0].LinkedAt.Equal(at))
}

type failingLocker struct{}

func (failingLocker) Lock(ctx context.Context, key string) (func(), error) {
	return nil, lock.ErrNotObtained
}

func TestAllocate_LockFailureIsRetryable(t *testing.T) {
	h, _ := newHarness(t, stock.WithLocker(failingLocker{}))
	e := h.Purchase("Sage", "5", 0)
	d := h.Deliver("Sage", "1")

	_, err := h.Ledger.Allocate(h.Ctx, d.Items[0].ID, e.ID)

	assert.ErrorIs(t, err, stock.ErrLockTimeout)
	assert.ErrorIs(t, err, lock.ErrNotObtained)
	assert.Equal(t, stock.KindStorageFailure, stock.KindOf(err))
	assert.True(t, stock.IsRetryable(err))
	h.AssertBalance(e.ID, "5", stock.StatusUnused)
}

// brokenStore fails inside the transaction after the item has been linked.
type brokenStore struct {
	*memory.Memory
}

func (b brokenStore) WithTx(ctx context.Context, fn func(stock.Tx) error) error {
	return b.Memory.WithTx(ctx, func(tx stock.Tx) error {
		return fn(brokenTx{tx})
	})
}

type brokenTx struct{ stock.Tx }

func (brokenTx) UpdateEntryBalance(context.Context, stock.EntryID, decimal.Decimal, stock.Status) error {
	return errors.New("disk full")
}

func TestAllocate_StorageFailureRollsBack(t *testing.T) {
	h := stocktest.NewHarness(t, brokenStore{memory.New()})
	e := h.Purchase("Thyme", "5", 0)
	d := h.Deliver("Thyme", "1")

	_, err := h.Ledger.Allocate(h.Ctx, d.Items[0].ID, e.ID)

	assert.ErrorIs(t, err, stock.ErrStorage)
	assert.Equal(t, stock.KindStorageFailure, stock.KindOf(err))
	var se *stock.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "update entry balance", se.Op)

	// The link made before the failure was rolled back.
	got := h.Delivery(d.ID)
	assert.Nil(t, got.Items[0].EntryID)
	h.AssertBalance(e.ID, "5", stock.StatusUnused)
}

func TestAllocate_LogsSuccess(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h, _ := newHarness(t, stock.WithLogger(zap.New(core)))
	e := h.Purchase("Oregano", "5", 0)
	d := h.Deliver("Oregano", "2")

	_, err := h.Ledger.Allocate(h.Ctx, d.Items[0].ID, e.ID)
	require.NoError(t, err)

	entries := logs.FilterMessage("stock allocated").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, string(e.ID), fields["entry_id"])
	assert.Equal(t, "3", fields["remaining"])
}

func TestAllocateFIFO_EmptyProduct(t *testing.T) {
	h, _ := newHarness(t)
	d := h.Deliver("", "1")

	_, err := h.Ledger.AllocateFIFO(h.Ctx, d.Items[0].ID)
	assert.ErrorIs(t, err, stock.ErrInvalidInput)

	_, err = h.Ledger.AllocateFIFO(h.Ctx, "missing")
	assert.ErrorIs(t, err, stock.ErrLineItemNotFound)
}

func TestRecordPurchase_AcceptsFourDecimalPlaces(t *testing.T) {
	// GIVEN: amounts at the storage precision, one with trailing zeros
	h, _ := newHarness(t)

	// WHEN
	e, err := h.Ledger.RecordPurchase(h.Ctx, stock.NewPurchase{
		ProductName:   "Saffron",
		TotalQuantity: dec("99999999999999.9999"),
		Unit:          stock.UnitPiece,
		UnitPrice:     dec("0.123400"),
		AcquiredAt:    h.Day,
	})

	// THEN
	require.NoError(t, err)
	assert.Equal(t, stock.StatusUnused, e.Status)
}
