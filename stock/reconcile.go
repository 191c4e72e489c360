/*
reconcile.go - Consistency check and repair for the stock ledger

PURPOSE:
  Recomputes every derived value from first principles and reports (or
  repairs) what the stored records disagree with:

    expected remaining = total - sum(quantity of line items linked to entry)
    expected status    = DeriveStatus(expected remaining, total)
    expected link flag = DeriveLinkStatus(delivery items)

  The reconciler uses exactly the same rules as the live allocation path.
  A line item counts as consumption from the moment it is linked; the
  delivery's shipping state is not consulted.

REPAIR:
  With Repair set, each drifted entry is fixed in its own transaction
  while holding the entry lock, and the linked sum is recomputed inside
  that transaction so a concurrent allocation cannot be overwritten.
  Over-allocated entries (expected remaining < 0) cannot be repaired
  automatically; they are reported as violations.

SEE ALSO:
  - status.go: the rules
  - cmd/reconcile: offline CLI
  - api/scheduler.go: optional periodic run
*/
package stock

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type ReconcileOptions struct {
	Repair bool
}

// EntryDrift describes one entry whose stored values disagree with its
// linked line items.
type EntryDrift struct {
	EntryID           EntryID         `json:"entry_id"`
	ProductName       string          `json:"product_name"`
	Total             decimal.Decimal `json:"total_quantity"`
	Allocated         decimal.Decimal `json:"allocated_quantity"`
	Remaining         decimal.Decimal `json:"remaining_quantity"`
	ExpectedRemaining decimal.Decimal `json:"expected_remaining_quantity"`
	Status            Status          `json:"status"`
	ExpectedStatus    Status          `json:"expected_status"`
	OverAllocated     bool            `json:"over_allocated"`
	Repaired          bool            `json:"repaired"`
}

type DeliveryDrift struct {
	DeliveryID DeliveryID `json:"delivery_id"`
	LinkStatus LinkStatus `json:"link_status"`
	Expected   LinkStatus `json:"expected_link_status"`
	Repaired   bool       `json:"repaired"`
}

type Report struct {
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        time.Time       `json:"finished_at"`
	Repair            bool            `json:"repair"`
	EntriesChecked    int             `json:"entries_checked"`
	DeliveriesChecked int             `json:"deliveries_checked"`
	EntryDrifts       []EntryDrift    `json:"entry_drifts"`
	DeliveryDrifts    []DeliveryDrift `json:"delivery_drifts"`
}

// Clean reports whether nothing drifted.
func (r Report) Clean() bool {
	return len(r.EntryDrifts) == 0 && len(r.DeliveryDrifts) == 0
}

// Violations counts drifts that could not be (or were not) repaired.
func (r Report) Violations() int {
	n := 0
	for _, d := range r.EntryDrifts {
		if !d.Repaired {
			n++
		}
	}
	for _, d := range r.DeliveryDrifts {
		if !d.Repaired {
			n++
		}
	}
	return n
}

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	ledger *Ledger
}

// NewReconciler shares the ledger's store, locker, logger and clock.
func NewReconciler(l *Ledger) *Reconciler {
	return &Reconciler{ledger: l}
}

func (r *Reconciler) Run(ctx context.Context, opts ReconcileOptions) (Report, error) {
	l := r.ledger
	report := Report{
		StartedAt:      l.now(),
		Repair:         opts.Repair,
		EntryDrifts:    []EntryDrift{},
		DeliveryDrifts: []DeliveryDrift{},
	}

	entries, err := l.store.ListEntries(ctx, PurchaseFilter{})
	if err != nil {
		return report, storageErr("list entries", err)
	}
	allocated, err := l.store.AllocatedByEntry(ctx)
	if err != nil {
		return report, storageErr("allocated by entry", err)
	}

	for _, e := range entries {
		report.EntriesChecked++
		drift, ok := checkEntry(e, allocated[e.ID])
		if !ok {
			continue
		}
		if opts.Repair && !drift.OverAllocated {
			repaired, err := r.repairEntry(ctx, e.ID)
			if err != nil {
				return report, err
			}
			drift.Repaired = repaired
		}
		report.EntryDrifts = append(report.EntryDrifts, drift)
	}

	ids, err := l.store.ListDeliveryIDs(ctx)
	if err != nil {
		return report, storageErr("list deliveries", err)
	}
	for _, id := range ids {
		d, err := l.store.GetDelivery(ctx, id)
		if err != nil {
			return report, storageErr("get delivery", err)
		}
		if d == nil {
			continue
		}
		report.DeliveriesChecked++
		expected := DeriveLinkStatus(d.Items)
		if expected == d.LinkStatus {
			continue
		}
		drift := DeliveryDrift{DeliveryID: d.ID, LinkStatus: d.LinkStatus, Expected: expected}
		if opts.Repair {
			if err := r.repairDelivery(ctx, d.ID); err != nil {
				return report, err
			}
			drift.Repaired = true
		}
		report.DeliveryDrifts = append(report.DeliveryDrifts, drift)
	}

	report.FinishedAt = l.now()
	l.log.Info("reconciliation finished",
		zap.Bool("repair", opts.Repair),
		zap.Int("entries", report.EntriesChecked),
		zap.Int("deliveries", report.DeliveriesChecked),
		zap.Int("entry_drifts", len(report.EntryDrifts)),
		zap.Int("delivery_drifts", len(report.DeliveryDrifts)),
		zap.Int("violations", report.Violations()),
	)
	return report, nil
}

// checkEntry compares the stored balance against the linked sum.
func checkEntry(e PurchaseEntry, allocated decimal.Decimal) (EntryDrift, bool) {
	expected := e.TotalQuantity.Sub(allocated)
	expectedStatus := DeriveStatus(expected, e.TotalQuantity)
	drift := EntryDrift{
		EntryID:           e.ID,
		ProductName:       e.ProductName,
		Total:             e.TotalQuantity,
		Allocated:         allocated,
		Remaining:         e.RemainingQuantity,
		ExpectedRemaining: expected,
		Status:            e.Status,
		ExpectedStatus:    expectedStatus,
		OverAllocated:     CheckBalance(expected, e.TotalQuantity) != nil,
	}
	ok := drift.OverAllocated ||
		!e.RemainingQuantity.Equal(expected) ||
		e.Status != expectedStatus
	return drift, ok
}

// repairEntry rewrites remaining and status from the linked sum read under
// the entry lock. It reports false when the entry vanished or turned out
// to be over-allocated after all.
func (r *Reconciler) repairEntry(ctx context.Context, id EntryID) (bool, error) {
	l := r.ledger
	release, err := l.lockEntry(ctx, id)
	if err != nil {
		return false, err
	}
	defer release()

	repaired := false
	err = l.store.WithTx(ctx, func(tx Tx) error {
		e, err := tx.LockEntry(ctx, id)
		if err != nil {
			return storageErr("lock entry", err)
		}
		if e == nil {
			return nil
		}
		usage, err := tx.LinkedUsage(ctx, id)
		if err != nil {
			return storageErr("linked usage", err)
		}
		remaining := e.TotalQuantity.Sub(usage.Quantity)
		if CheckBalance(remaining, e.TotalQuantity) != nil {
			return nil
		}
		status := DeriveStatus(remaining, e.TotalQuantity)
		if err := tx.UpdateEntryBalance(ctx, id, remaining, status); err != nil {
			return storageErr("update entry balance", err)
		}
		repaired = true
		return nil
	})
	if err != nil {
		return false, classify("repair entry", err)
	}
	if repaired {
		l.log.Warn("entry balance repaired", zap.String("entry_id", string(id)))
	}
	return repaired, nil
}

func (r *Reconciler) repairDelivery(ctx context.Context, id DeliveryID) error {
	l := r.ledger
	err := l.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockDelivery(ctx, id); err != nil {
			return storageErr("lock delivery", err)
		}
		items, err := tx.ListLineItems(ctx, id)
		if err != nil {
			return storageErr("list line items", err)
		}
		return storageErr("update delivery link status",
			tx.UpdateDeliveryLinkStatus(ctx, id, DeriveLinkStatus(items)))
	})
	if err != nil {
		return classify("repair delivery", err)
	}
	l.log.Warn("delivery link status repaired", zap.String("delivery_id", string(id)))
	return nil
}
