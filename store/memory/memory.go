// Package memory provides an in-process stock.TxStore for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/stock"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu         sync.RWMutex
	entries    map[stock.EntryID]stock.PurchaseEntry
	deliveries map[stock.DeliveryID]stock.Delivery // Items not kept here
	items      map[stock.LineItemID]stock.LineItem
}

func New() *Memory {
	return &Memory{
		entries:    make(map[stock.EntryID]stock.PurchaseEntry),
		deliveries: make(map[stock.DeliveryID]stock.Delivery),
		items:      make(map[stock.LineItemID]stock.LineItem),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) InsertEntry(_ context.Context, e stock.PurchaseEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[e.ID]; ok {
		return fmt.Errorf("entry %s already exists", e.ID)
	}
	m.entries[e.ID] = cloneEntry(e)
	return nil
}

func (m *Memory) GetEntry(_ context.Context, id stock.EntryID) (*stock.PurchaseEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getEntryLocked(id), nil
}

func (m *Memory) getEntryLocked(id stock.EntryID) *stock.PurchaseEntry {
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	c := cloneEntry(e)
	return &c
}

func (m *Memory) ListEntries(_ context.Context, filter stock.PurchaseFilter) ([]stock.PurchaseEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []stock.PurchaseEntry
	for _, e := range m.entries {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if !stock.MatchesQuery(e, filter.Query) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	stock.SortFIFO(out)
	return out, nil
}

func (m *Memory) ListAvailable(_ context.Context, filter stock.AvailableFilter) ([]stock.PurchaseEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []stock.PurchaseEntry{}
	for _, e := range m.entries {
		if stock.IsAvailable(e) && stock.MatchesQuery(e, filter.Query) {
			out = append(out, cloneEntry(e))
		}
	}
	stock.SortFIFO(out)
	return out, nil
}

func (m *Memory) InsertDelivery(_ context.Context, d stock.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deliveries[d.ID]; ok {
		return fmt.Errorf("delivery %s already exists", d.ID)
	}
	for _, it := range d.Items {
		if _, ok := m.items[it.ID]; ok {
			return fmt.Errorf("line item %s already exists", it.ID)
		}
	}
	for _, it := range d.Items {
		m.items[it.ID] = cloneItem(it)
	}
	head := d
	head.Items = nil
	m.deliveries[d.ID] = head
	return nil
}

func (m *Memory) GetDelivery(_ context.Context, id stock.DeliveryID) (*stock.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getDeliveryLocked(id), nil
}

func (m *Memory) getDeliveryLocked(id stock.DeliveryID) *stock.Delivery {
	d, ok := m.deliveries[id]
	if !ok {
		return nil
	}
	d.Items = m.itemsLocked(id)
	return &d
}

func (m *Memory) itemsLocked(id stock.DeliveryID) []stock.LineItem {
	var items []stock.LineItem
	for _, it := range m.items {
		if it.DeliveryID == id {
			items = append(items, cloneItem(it))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	return items
}

func (m *Memory) GetLineItem(_ context.Context, id stock.LineItemID) (*stock.LineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getItemLocked(id), nil
}

func (m *Memory) getItemLocked(id stock.LineItemID) *stock.LineItem {
	it, ok := m.items[id]
	if !ok {
		return nil
	}
	c := cloneItem(it)
	return &c
}

func (m *Memory) ListDeliveryIDs(_ context.Context) ([]stock.DeliveryID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]stock.DeliveryID, 0, len(m.deliveries))
	for id := range m.deliveries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) AllocatedByEntry(_ context.Context) (map[stock.EntryID]decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[stock.EntryID]decimal.Decimal)
	for _, it := range m.items {
		if it.EntryID != nil {
			out[*it.EntryID] = out[*it.EntryID].Add(it.Quantity)
		}
	}
	return out, nil
}

// =============================================================================
// TEST HOOKS
// =============================================================================

// PutEntry overwrites an entry as-is, bypassing the ledger. Tests use it to
// simulate drift that the reconciler must find.
func (m *Memory) PutEntry(e stock.PurchaseEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ID] = cloneEntry(e)
}

// PutLinkStatus overwrites a delivery's stored link flag.
func (m *Memory) PutLinkStatus(id stock.DeliveryID, status stock.LinkStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.deliveries[id]; ok {
		d.LinkStatus = status
		m.deliveries[id] = d
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn while holding the write lock for its whole duration,
// which serializes all transactions. On error the state is restored from a
// snapshot taken before fn ran.
func (m *Memory) WithTx(ctx context.Context, fn func(stock.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snap := m.snapshot()
	if err := fn(&txView{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	entries    map[stock.EntryID]stock.PurchaseEntry
	deliveries map[stock.DeliveryID]stock.Delivery
	items      map[stock.LineItemID]stock.LineItem
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		entries:    make(map[stock.EntryID]stock.PurchaseEntry, len(m.entries)),
		deliveries: make(map[stock.DeliveryID]stock.Delivery, len(m.deliveries)),
		items:      make(map[stock.LineItemID]stock.LineItem, len(m.items)),
	}
	for k, v := range m.entries {
		s.entries[k] = cloneEntry(v)
	}
	for k, v := range m.deliveries {
		s.deliveries[k] = v
	}
	for k, v := range m.items {
		s.items[k] = cloneItem(v)
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.entries = s.entries
	m.deliveries = s.deliveries
	m.items = s.items
}

// txView runs with m.mu already held by WithTx.
type txView struct {
	m *Memory
}

func (tv *txView) LockDelivery(_ context.Context, id stock.DeliveryID) (*stock.Delivery, error) {
	return tv.m.getDeliveryLocked(id), nil
}

func (tv *txView) LockLineItem(_ context.Context, id stock.LineItemID) (*stock.LineItem, error) {
	return tv.m.getItemLocked(id), nil
}

func (tv *txView) LockEntry(_ context.Context, id stock.EntryID) (*stock.PurchaseEntry, error) {
	return tv.m.getEntryLocked(id), nil
}

func (tv *txView) ListLineItems(_ context.Context, id stock.DeliveryID) ([]stock.LineItem, error) {
	return tv.m.itemsLocked(id), nil
}

func (tv *txView) LinkLineItem(_ context.Context, itemID stock.LineItemID, entryID stock.EntryID, at time.Time) error {
	it, ok := tv.m.items[itemID]
	if !ok {
		return fmt.Errorf("line item %s vanished", itemID)
	}
	if it.EntryID != nil {
		return fmt.Errorf("line item %s already linked", itemID)
	}
	eid := entryID
	t := at
	it.EntryID = &eid
	it.LinkedAt = &t
	tv.m.items[itemID] = it
	return nil
}

func (tv *txView) UpdateEntryBalance(_ context.Context, id stock.EntryID, remaining decimal.Decimal, status stock.Status) error {
	e, ok := tv.m.entries[id]
	if !ok {
		return fmt.Errorf("entry %s vanished", id)
	}
	e.RemainingQuantity = remaining
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	tv.m.entries[id] = e
	return nil
}

func (tv *txView) UpdateDeliveryLinkStatus(_ context.Context, id stock.DeliveryID, status stock.LinkStatus) error {
	d, ok := tv.m.deliveries[id]
	if !ok {
		return fmt.Errorf("delivery %s vanished", id)
	}
	d.LinkStatus = status
	tv.m.deliveries[id] = d
	return nil
}

func (tv *txView) LinkedUsage(_ context.Context, id stock.EntryID) (stock.Usage, error) {
	u := stock.Usage{Quantity: decimal.Zero}
	for _, it := range tv.m.items {
		if it.EntryID != nil && *it.EntryID == id {
			u.Items++
			u.Quantity = u.Quantity.Add(it.Quantity)
		}
	}
	return u, nil
}

func (tv *txView) DeleteEntry(_ context.Context, id stock.EntryID) error {
	delete(tv.m.entries, id)
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneEntry(e stock.PurchaseEntry) stock.PurchaseEntry {
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		e.ExpiresAt = &t
	}
	return e
}

func cloneItem(it stock.LineItem) stock.LineItem {
	if it.EntryID != nil {
		id := *it.EntryID
		it.EntryID = &id
	}
	if it.LinkedAt != nil {
		t := *it.LinkedAt
		it.LinkedAt = &t
	}
	return it
}

var _ stock.TxStore = (*Memory)(nil)
