package stock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/stock"
)

func TestReconcile_DetectsAndRepairsBalanceDrift(t *testing.T) {
	// GIVEN: an entry whose stored balance was reset behind the ledger's back
	h, m := newHarness(t)
	e := h.Purchase("Celery", "10", 0)
	d := h.Deliver("Celery", "3")
	_, err := h.Ledger.Allocate(h.Ctx, d.Items[0].ID, e.ID)
	require.NoError(t, err)

	drifted := h.Entry(e.ID)
	drifted.RemainingQuantity = dec("10")
	drifted.Status = stock.StatusUnused
	m.PutEntry(drifted)

	r := stock.NewReconciler(h.Ledger)

	// WHEN: checked without repair
	report, err := r.Run(h.Ctx, stock.ReconcileOptions{})
	require.NoError(t, err)

	// THEN: the drift is reported and nothing changes
	require.Len(t, report.EntryDrifts, 1)
	drift := report.EntryDrifts[0]
	assert.Equal(t, e.ID, drift.EntryID)
	assert.True(t, drift.ExpectedRemaining.Equal(dec("7")))
	assert.True(t, drift.Allocated.Equal(dec("3")))
	assert.Equal(t, stock.StatusPartial, drift.ExpectedStatus)
	assert.False(t, drift.Repaired)
	assert.Equal(t, 1, report.Violations())
	h.AssertBalance(e.ID, "10", stock.StatusUnused)

	// WHEN: run with repair
	report, err = r.Run(h.Ctx, stock.ReconcileOptions{Repair: true})
	require.NoError(t, err)

	// THEN: the entry is fixed and a second pass is clean
	require.Len(t, report.EntryDrifts, 1)
	assert.True(t, report.EntryDrifts[0].Repaired)
	assert.Equal(t, 0, report.Violations())
	h.AssertBalance(e.ID, "7", stock.StatusPartial)

	report, err = r.Run(h.Ctx, stock.ReconcileOptions{})
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestReconcile_StatusOnlyDrift(t *testing.T) {
	h, m := newHarness(t)
	e := h.Purchase("Parsley", "4", 0)

	drifted := h.Entry(e.ID)
	drifted.Status = stock.StatusUsed
	m.PutEntry(drifted)

	report, err := stock.NewReconciler(h.Ledger).Run(h.Ctx, stock.ReconcileOptions{Repair: true})
	require.NoError(t, err)

	require.Len(t, report.EntryDrifts, 1)
	assert.Equal(t, stock.StatusUsed, report.EntryDrifts[0].Status)
	assert.Equal(t, stock.StatusUnused, report.EntryDrifts[0].ExpectedStatus)
	h.AssertBalance(e.ID, "4", stock.StatusUnused)
}

func TestReconcile_OverAllocatedIsNotRepaired(t *testing.T) {
	// GIVEN: linked items that exceed the entry's (corrupted) total
	h, m := newHarness(t)
	e := h.Purchase("Shallots", "10", 0)
	d := h.Deliver("Shallots", "6")
	_, err := h.Ledger.Allocate(h.Ctx, d.Items[0].ID, e.ID)
	require.NoError(t, err)

	corrupted := h.Entry(e.ID)
	corrupted.TotalQuantity = dec("5")
	corrupted.RemainingQuantity = dec("0")
	corrupted.Status = stock.StatusUsed
	m.PutEntry(corrupted)

	// WHEN
	report, err := stock.NewReconciler(h.Ledger).Run(h.Ctx, stock.ReconcileOptions{Repair: true})
	require.NoError(t, err)

	// THEN
	require.Len(t, report.EntryDrifts, 1)
	drift := report.EntryDrifts[0]
	assert.True(t, drift.OverAllocated)
	assert.False(t, drift.Repaired)
	assert.True(t, drift.ExpectedRemaining.Equal(dec("-1")))
	assert.Equal(t, 1, report.Violations())
	h.AssertBalance(e.ID, "0", stock.StatusUsed)
}

func TestReconcile_DeliveryLinkDrift(t *testing.T) {
	h, m := newHarness(t)
	d := h.Deliver("Cabbage", "1")
	m.PutLinkStatus(d.ID, stock.LinkStatusLinked)

	r := stock.NewReconciler(h.Ledger)
	report, err := r.Run(h.Ctx, stock.ReconcileOptions{})
	require.NoError(t, err)
	require.Len(t, report.DeliveryDrifts, 1)
	assert.Equal(t, stock.LinkStatusLinked, report.DeliveryDrifts[0].LinkStatus)
	assert.Equal(t, stock.LinkStatusUnlinked, report.DeliveryDrifts[0].Expected)

	report, err = r.Run(h.Ctx, stock.ReconcileOptions{Repair: true})
	require.NoError(t, err)
	require.Len(t, report.DeliveryDrifts, 1)
	assert.True(t, report.DeliveryDrifts[0].Repaired)
	assert.Equal(t, stock.LinkStatusUnlinked, h.Delivery(d.ID).LinkStatus)
}

func TestReconcile_EmptyStore(t *testing.T) {
	h, _ := newHarness(t)
	report, err := stock.NewReconciler(h.Ledger).Run(h.Ctx, stock.ReconcileOptions{})
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.NotNil(t, report.EntryDrifts)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}
