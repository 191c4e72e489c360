/*
Package sqlite provides a SQLite-backed implementation of stock.TxStore.

PURPOSE:
  Persists purchase entries, deliveries and line items in a single SQLite
  file. Suitable for a single warehouse process; multi-instance deployments
  use the postgres store instead.

KEY TABLES:
  purchase_entries: one row per intake, carries the remaining balance
  deliveries:       delivery header and derived link flag
  line_items:       delivery lines; entry_id is NULL until linked

INDEXES:
  - idx_entries_fifo:        (acquired_at, product_name, id) for ListAvailable
  - idx_line_items_delivery: (delivery_id, position) for delivery loads
  - idx_line_items_entry:    (entry_id) for reconciliation and delete checks

DECIMALS:
  Quantities and prices are stored as TEXT in decimal.Decimal's canonical
  form and parsed on read. Filters that compare quantities CAST to REAL;
  exact arithmetic always happens in Go.

TEXT SEARCH:
  SQLite's LOWER only folds ASCII, so every connection gets a fold()
  function backed by strings.ToLower. Search filters compare fold(column)
  against a lower-cased pattern, which matches stock.MatchesQuery.

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so that text order equals
  chronological order.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety: reads take the read lock, WithTx
  holds the write lock for the whole transaction. The Lock* methods are
  therefore plain reads.

WAL MODE:
  Opened with WAL (Write-Ahead Logging) so readers in other processes do
  not block on the writer.

USAGE:
  store, err := sqlite.New("./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := stock.NewLedger(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - stock/store.go: Interface definitions
  - store/memory:   In-memory implementation for testing
  - store/postgres: Row-locking implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/store/storeutil"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

const driverName = "sqlite3_stock"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("fold", strings.ToLower, true)
		},
	})
}

// Store implements stock.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open(driverName, dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS purchase_entries (
		id TEXT PRIMARY KEY,
		product_name TEXT NOT NULL,
		category_id TEXT NOT NULL DEFAULT '',
		category_name TEXT NOT NULL DEFAULT '',
		supplier_id TEXT NOT NULL DEFAULT '',
		total_quantity TEXT NOT NULL,
		unit TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		expires_at TEXT,
		remaining_quantity TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('UNUSED', 'PARTIAL', 'USED')),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- FIFO listing (hot path for ListAvailable)
	CREATE INDEX IF NOT EXISTS idx_entries_fifo
		ON purchase_entries(acquired_at, product_name, id);
	CREATE INDEX IF NOT EXISTS idx_entries_status
		ON purchase_entries(status);

	CREATE TABLE IF NOT EXISTS deliveries (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		delivery_date TEXT NOT NULL,
		link_status TEXT NOT NULL CHECK (link_status IN ('UNLINKED', 'LINKED')),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS line_items (
		id TEXT PRIMARY KEY,
		delivery_id TEXT NOT NULL REFERENCES deliveries(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		product_name TEXT NOT NULL DEFAULT '',
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		entry_id TEXT REFERENCES purchase_entries(id),
		linked_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_line_items_delivery
		ON line_items(delivery_id, position);
	CREATE INDEX IF NOT EXISTS idx_line_items_entry
		ON line_items(entry_id) WHERE entry_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// PURCHASE ENTRIES
// =============================================================================

const entryColumns = `id, product_name, category_id, category_name, supplier_id,
	total_quantity, unit, unit_price, acquired_at, expires_at,
	remaining_quantity, status, created_at, updated_at`

const fifoOrder = ` ORDER BY acquired_at, product_name, id`

const containsClause = `(fold(product_name) LIKE ? ESCAPE '\' OR fold(category_name) LIKE ? ESCAPE '\')`

// InsertEntry stores a new purchase entry.
func (s *Store) InsertEntry(ctx context.Context, e stock.PurchaseEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchase_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID), e.ProductName, e.CategoryID, e.CategoryName, e.SupplierID,
		e.TotalQuantity.String(), string(e.Unit), e.UnitPrice.String(),
		formatTime(e.AcquiredAt), formatTimePtr(e.ExpiresAt),
		e.RemainingQuantity.String(), string(e.Status),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	return err
}

// GetEntry returns nil, nil when the entry does not exist.
func (s *Store) GetEntry(ctx context.Context, id stock.EntryID) (*stock.PurchaseEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntry(ctx, s.db, id)
}

func getEntry(ctx context.Context, q queryer, id stock.EntryID) (*stock.PurchaseEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM purchase_entries WHERE id = ?`, string(id))
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEntries returns entries in FIFO order, optionally filtered.
func (s *Store) ListEntries(ctx context.Context, filter stock.PurchaseFilter) ([]stock.PurchaseEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if p := storeutil.ContainsPattern(filter.Query); p != "" {
		where = append(where, containsClause)
		args = append(args, p, p)
	}

	query := `SELECT ` + entryColumns + ` FROM purchase_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	return queryEntries(ctx, s.db, query+fifoOrder, args...)
}

// ListAvailable returns entries with remaining stock in FIFO order.
func (s *Store) ListAvailable(ctx context.Context, filter stock.AvailableFilter) ([]stock.PurchaseEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + entryColumns + ` FROM purchase_entries WHERE CAST(remaining_quantity AS REAL) > 0`
	var args []any
	if p := storeutil.ContainsPattern(filter.Query); p != "" {
		query += ` AND ` + containsClause
		args = append(args, p, p)
	}
	return queryEntries(ctx, s.db, query+fifoOrder, args...)
}

func queryEntries(ctx context.Context, q queryer, query string, args ...any) ([]stock.PurchaseEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []stock.PurchaseEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (stock.PurchaseEntry, error) {
	var e stock.PurchaseEntry
	var id, unit, status string
	var total, price, remaining string
	var acquiredAt, createdAt, updatedAt string
	var expiresAt sql.NullString

	if err := row.Scan(&id, &e.ProductName, &e.CategoryID, &e.CategoryName, &e.SupplierID,
		&total, &unit, &price, &acquiredAt, &expiresAt,
		&remaining, &status, &createdAt, &updatedAt); err != nil {
		return e, err
	}

	e.ID = stock.EntryID(id)
	e.Unit = stock.Unit(unit)
	e.Status = stock.Status(status)

	var err error
	if e.TotalQuantity, err = decimal.NewFromString(total); err != nil {
		return e, fmt.Errorf("entry %s total_quantity: %w", id, err)
	}
	if e.UnitPrice, err = decimal.NewFromString(price); err != nil {
		return e, fmt.Errorf("entry %s unit_price: %w", id, err)
	}
	if e.RemainingQuantity, err = decimal.NewFromString(remaining); err != nil {
		return e, fmt.Errorf("entry %s remaining_quantity: %w", id, err)
	}
	if e.AcquiredAt, err = parseTime(acquiredAt); err != nil {
		return e, fmt.Errorf("entry %s acquired_at: %w", id, err)
	}
	if e.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return e, fmt.Errorf("entry %s expires_at: %w", id, err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, fmt.Errorf("entry %s created_at: %w", id, err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return e, fmt.Errorf("entry %s updated_at: %w", id, err)
	}
	return e, nil
}

// AllocatedByEntry sums linked line item quantities per entry.
func (s *Store) AllocatedByEntry(ctx context.Context) (map[stock.EntryID]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, quantity FROM line_items WHERE entry_id IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[stock.EntryID]decimal.Decimal)
	for rows.Next() {
		var id, qty string
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(qty)
		if err != nil {
			return nil, fmt.Errorf("line item quantity for entry %s: %w", id, err)
		}
		out[stock.EntryID(id)] = out[stock.EntryID(id)].Add(d)
	}
	return out, rows.Err()
}

// =============================================================================
// DELIVERIES
// =============================================================================

// InsertDelivery stores a delivery and its line items atomically.
func (s *Store) InsertDelivery(ctx context.Context, d stock.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO deliveries (id, customer_id, delivery_date, link_status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(d.ID), d.CustomerID, formatTime(d.DeliveryDate), string(d.LinkStatus), formatTime(d.CreatedAt),
	)
	if err != nil {
		return err
	}

	for _, it := range d.Items {
		var entryID sql.NullString
		if it.EntryID != nil {
			entryID = sql.NullString{String: string(*it.EntryID), Valid: true}
		}
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO line_items (id, delivery_id, position, product_name, quantity, unit_price, entry_id, linked_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			string(it.ID), string(d.ID), it.Position, it.ProductName,
			it.Quantity.String(), it.UnitPrice.String(), entryID, formatTimePtr(it.LinkedAt),
		)
		if err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

// GetDelivery returns the delivery with its items ordered by position.
func (s *Store) GetDelivery(ctx context.Context, id stock.DeliveryID) (*stock.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getDelivery(ctx, s.db, id)
}

func getDelivery(ctx context.Context, q queryer, id stock.DeliveryID) (*stock.Delivery, error) {
	var d stock.Delivery
	var did, linkStatus, deliveryDate, createdAt string

	err := q.QueryRowContext(ctx,
		`SELECT id, customer_id, delivery_date, link_status, created_at FROM deliveries WHERE id = ?`,
		string(id),
	).Scan(&did, &d.CustomerID, &deliveryDate, &linkStatus, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	d.ID = stock.DeliveryID(did)
	d.LinkStatus = stock.LinkStatus(linkStatus)
	if d.DeliveryDate, err = parseTime(deliveryDate); err != nil {
		return nil, fmt.Errorf("delivery %s delivery_date: %w", did, err)
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("delivery %s created_at: %w", did, err)
	}

	d.Items, err = listLineItems(ctx, q, d.ID)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDeliveryIDs returns every delivery id in id order.
func (s *Store) ListDeliveryIDs(ctx context.Context) ([]stock.DeliveryID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM deliveries ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []stock.DeliveryID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, stock.DeliveryID(id))
	}
	return ids, rows.Err()
}

// =============================================================================
// LINE ITEMS
// =============================================================================

const lineItemColumns = `id, delivery_id, position, product_name, quantity, unit_price, entry_id, linked_at`

// GetLineItem returns nil, nil when the item does not exist.
func (s *Store) GetLineItem(ctx context.Context, id stock.LineItemID) (*stock.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLineItem(ctx, s.db, id)
}

func getLineItem(ctx context.Context, q queryer, id stock.LineItemID) (*stock.LineItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+lineItemColumns+` FROM line_items WHERE id = ?`, string(id))
	it, err := scanLineItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func listLineItems(ctx context.Context, q queryer, deliveryID stock.DeliveryID) ([]stock.LineItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+lineItemColumns+` FROM line_items WHERE delivery_id = ? ORDER BY position`,
		string(deliveryID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []stock.LineItem
	for rows.Next() {
		it, err := scanLineItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func scanLineItem(row rowScanner) (stock.LineItem, error) {
	var it stock.LineItem
	var id, deliveryID, qty, price string
	var entryID, linkedAt sql.NullString

	if err := row.Scan(&id, &deliveryID, &it.Position, &it.ProductName, &qty, &price, &entryID, &linkedAt); err != nil {
		return it, err
	}

	it.ID = stock.LineItemID(id)
	it.DeliveryID = stock.DeliveryID(deliveryID)

	var err error
	if it.Quantity, err = decimal.NewFromString(qty); err != nil {
		return it, fmt.Errorf("line item %s quantity: %w", id, err)
	}
	if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
		return it, fmt.Errorf("line item %s unit_price: %w", id, err)
	}
	if entryID.Valid {
		eid := stock.EntryID(entryID.String)
		it.EntryID = &eid
	}
	if it.LinkedAt, err = parseTimePtr(linkedAt); err != nil {
		return it, fmt.Errorf("line item %s linked_at: %w", id, err)
	}
	return it, nil
}

// =============================================================================
// TRANSACTION SUPPORT
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(stock.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs with Store.mu held, so reads double as locks.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) LockDelivery(ctx context.Context, id stock.DeliveryID) (*stock.Delivery, error) {
	return getDelivery(ctx, ts.tx, id)
}

func (ts *txStore) LockLineItem(ctx context.Context, id stock.LineItemID) (*stock.LineItem, error) {
	return getLineItem(ctx, ts.tx, id)
}

func (ts *txStore) LockEntry(ctx context.Context, id stock.EntryID) (*stock.PurchaseEntry, error) {
	return getEntry(ctx, ts.tx, id)
}

func (ts *txStore) ListLineItems(ctx context.Context, deliveryID stock.DeliveryID) ([]stock.LineItem, error) {
	return listLineItems(ctx, ts.tx, deliveryID)
}

// LinkLineItem only links an item that is still unlinked.
func (ts *txStore) LinkLineItem(ctx context.Context, itemID stock.LineItemID, entryID stock.EntryID, at time.Time) error {
	res, err := ts.tx.ExecContext(ctx,
		`UPDATE line_items SET entry_id = ?, linked_at = ? WHERE id = ? AND entry_id IS NULL`,
		string(entryID), formatTime(at), string(itemID),
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, "link line item "+string(itemID))
}

func (ts *txStore) UpdateEntryBalance(ctx context.Context, id stock.EntryID, remaining decimal.Decimal, status stock.Status) error {
	res, err := ts.tx.ExecContext(ctx,
		`UPDATE purchase_entries SET remaining_quantity = ?, status = ?, updated_at = ? WHERE id = ?`,
		remaining.String(), string(status), formatTime(time.Now()), string(id),
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, "update entry "+string(id))
}

func (ts *txStore) UpdateDeliveryLinkStatus(ctx context.Context, id stock.DeliveryID, status stock.LinkStatus) error {
	res, err := ts.tx.ExecContext(ctx,
		`UPDATE deliveries SET link_status = ? WHERE id = ?`,
		string(status), string(id),
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, "update delivery "+string(id))
}

func (ts *txStore) LinkedUsage(ctx context.Context, id stock.EntryID) (stock.Usage, error) {
	rows, err := ts.tx.QueryContext(ctx, `SELECT quantity FROM line_items WHERE entry_id = ?`, string(id))
	if err != nil {
		return stock.Usage{}, err
	}
	defer rows.Close()

	u := stock.Usage{Quantity: decimal.Zero}
	for rows.Next() {
		var qty string
		if err := rows.Scan(&qty); err != nil {
			return stock.Usage{}, err
		}
		d, err := decimal.NewFromString(qty)
		if err != nil {
			return stock.Usage{}, err
		}
		u.Items++
		u.Quantity = u.Quantity.Add(d)
	}
	return u, rows.Err()
}

func (ts *txStore) DeleteEntry(ctx context.Context, id stock.EntryID) error {
	_, err := ts.tx.ExecContext(ctx, `DELETE FROM purchase_entries WHERE id = ?`, string(id))
	return err
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset clears all data (for testing/demo purposes).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"line_items", "deliveries", "purchase_entries"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// Exec runs raw SQL outside the ledger. Tests use it to corrupt state.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%s: %d rows affected", what, n)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

var _ stock.TxStore = (*Store)(nil)
