/*
Package postgres provides a PostgreSQL implementation of stock.TxStore on GORM.

PURPOSE:
  The multi-instance backend. Several API processes may allocate against
  the same database; correctness comes from row locks, not from the
  in-process mutex the sqlite and memory stores rely on.

LOCKING:
  Tx.Lock* issue SELECT ... FOR UPDATE (clause.Locking). The ledger locks
  delivery -> line item -> entry, so two transactions never wait on each
  other in opposite order. Reads outside WithTx take no locks.

ORDERING:
  FIFO order compares product_name and id with COLLATE "C" so that the
  database orders exactly like the in-process stores (byte order).

SCHEMA:
  AutoMigrate on Open. Quantities are numeric(18,4), prices numeric(18,4).

SEE ALSO:
  - stock/store.go: Interface definitions
  - store/sqlite:   Single-process implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/store/storeutil"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// =============================================================================
// MODELS
// =============================================================================

type entryModel struct {
	ID                string          `gorm:"primaryKey;type:varchar(64)"`
	ProductName       string          `gorm:"type:varchar(255);not null;index:idx_entries_fifo,priority:2"`
	CategoryID        string          `gorm:"type:varchar(64);not null;default:''"`
	CategoryName      string          `gorm:"type:varchar(255);not null;default:''"`
	SupplierID        string          `gorm:"type:varchar(64);not null;default:''"`
	TotalQuantity     decimal.Decimal `gorm:"type:numeric(18,4);not null"`
	Unit              string          `gorm:"type:varchar(16);not null"`
	UnitPrice         decimal.Decimal `gorm:"type:numeric(18,4);not null"`
	AcquiredAt        time.Time       `gorm:"not null;index:idx_entries_fifo,priority:1"`
	ExpiresAt         *time.Time
	RemainingQuantity decimal.Decimal `gorm:"type:numeric(18,4);not null"`
	Status            string          `gorm:"type:varchar(16);not null;index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (entryModel) TableName() string { return "purchase_entries" }

type deliveryModel struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)"`
	CustomerID   string    `gorm:"type:varchar(64);not null;index"`
	DeliveryDate time.Time `gorm:"not null"`
	LinkStatus   string    `gorm:"type:varchar(16);not null"`
	CreatedAt    time.Time
}

func (deliveryModel) TableName() string { return "deliveries" }

type lineItemModel struct {
	ID          string          `gorm:"primaryKey;type:varchar(64)"`
	DeliveryID  string          `gorm:"type:varchar(64);not null;index:idx_line_items_delivery,priority:1"`
	Position    int             `gorm:"not null;index:idx_line_items_delivery,priority:2"`
	ProductName string          `gorm:"type:varchar(255);not null;default:''"`
	Quantity    decimal.Decimal `gorm:"type:numeric(18,4);not null"`
	UnitPrice   decimal.Decimal `gorm:"type:numeric(18,4);not null"`
	EntryID     *string         `gorm:"type:varchar(64);index"`
	LinkedAt    *time.Time

	Delivery *deliveryModel `gorm:"foreignKey:DeliveryID;constraint:OnDelete:CASCADE"`
	Entry    *entryModel    `gorm:"foreignKey:EntryID;constraint:OnDelete:RESTRICT"`
}

func (lineItemModel) TableName() string { return "line_items" }

// =============================================================================
// STORE
// =============================================================================

// Options configures Open.
type Options struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	LogLevel        logger.LogLevel
}

type Store struct {
	db *gorm.DB
}

// New wraps an existing connection. It does not migrate.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects, applies pool limits, pings and migrates.
func Open(opts Options) (*Store, error) {
	logLevel := opts.LogLevel
	if logLevel == 0 {
		logLevel = logger.Silent
	}

	db, err := gorm.Open(postgres.Open(opts.DSN), &gorm.Config{
		Logger:                 logger.Default.LogMode(logLevel),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := New(db)
	if err := s.Migrate(context.Background()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&entryModel{}, &deliveryModel{}, &lineItemModel{})
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping checks if the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Exec runs raw SQL outside the ledger (schema setup, tests).
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	return s.db.WithContext(ctx).Exec(query, args...).Error
}

// =============================================================================
// PURCHASE ENTRIES
// =============================================================================

const fifoOrder = `acquired_at ASC, product_name COLLATE "C" ASC, id COLLATE "C" ASC`

const containsClause = `(LOWER(product_name) LIKE ? ESCAPE '\' OR LOWER(category_name) LIKE ? ESCAPE '\')`

func (s *Store) InsertEntry(ctx context.Context, e stock.PurchaseEntry) error {
	m := toEntryModel(e)
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *Store) GetEntry(ctx context.Context, id stock.EntryID) (*stock.PurchaseEntry, error) {
	return findEntry(s.db.WithContext(ctx), id)
}

func findEntry(db *gorm.DB, id stock.EntryID) (*stock.PurchaseEntry, error) {
	var m entryModel
	err := db.Where("id = ?", string(id)).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e := m.toDomain()
	return &e, nil
}

func (s *Store) ListEntries(ctx context.Context, filter stock.PurchaseFilter) ([]stock.PurchaseEntry, error) {
	q := s.db.WithContext(ctx).Model(&entryModel{})
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if p := storeutil.ContainsPattern(filter.Query); p != "" {
		q = q.Where(containsClause, p, p)
	}
	return findEntries(q)
}

func (s *Store) ListAvailable(ctx context.Context, filter stock.AvailableFilter) ([]stock.PurchaseEntry, error) {
	q := s.db.WithContext(ctx).Model(&entryModel{}).Where("remaining_quantity > 0")
	if p := storeutil.ContainsPattern(filter.Query); p != "" {
		q = q.Where(containsClause, p, p)
	}
	return findEntries(q)
}

func findEntries(q *gorm.DB) ([]stock.PurchaseEntry, error) {
	var models []entryModel
	if err := q.Order(fifoOrder).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]stock.PurchaseEntry, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out, nil
}

type allocatedRow struct {
	EntryID  string
	Quantity decimal.Decimal
}

func (s *Store) AllocatedByEntry(ctx context.Context) (map[stock.EntryID]decimal.Decimal, error) {
	var rows []allocatedRow
	err := s.db.WithContext(ctx).Model(&lineItemModel{}).
		Select("entry_id, SUM(quantity) AS quantity").
		Where("entry_id IS NOT NULL").
		Group("entry_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[stock.EntryID]decimal.Decimal, len(rows))
	for _, r := range rows {
		out[stock.EntryID(r.EntryID)] = r.Quantity
	}
	return out, nil
}

// =============================================================================
// DELIVERIES
// =============================================================================

func (s *Store) InsertDelivery(ctx context.Context, d stock.Delivery) error {
	dm, items := toDeliveryModels(d)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(&dm).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return tx.Omit(clause.Associations).Create(&items).Error
	})
}

func (s *Store) GetDelivery(ctx context.Context, id stock.DeliveryID) (*stock.Delivery, error) {
	return findDelivery(s.db.WithContext(ctx), id, false)
}

func findDelivery(db *gorm.DB, id stock.DeliveryID, forUpdate bool) (*stock.Delivery, error) {
	q := db
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var dm deliveryModel
	err := q.Where("id = ?", string(id)).Take(&dm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	items, err := findLineItems(db, id)
	if err != nil {
		return nil, err
	}
	d := dm.toDomain()
	d.Items = items
	return &d, nil
}

func (s *Store) ListDeliveryIDs(ctx context.Context) ([]stock.DeliveryID, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&deliveryModel{}).
		Order(`id COLLATE "C"`).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	out := make([]stock.DeliveryID, 0, len(ids))
	for _, id := range ids {
		out = append(out, stock.DeliveryID(id))
	}
	return out, nil
}

// =============================================================================
// LINE ITEMS
// =============================================================================

func (s *Store) GetLineItem(ctx context.Context, id stock.LineItemID) (*stock.LineItem, error) {
	return findLineItem(s.db.WithContext(ctx), id)
}

func findLineItem(db *gorm.DB, id stock.LineItemID) (*stock.LineItem, error) {
	var m lineItemModel
	err := db.Where("id = ?", string(id)).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	it := m.toDomain()
	return &it, nil
}

func findLineItems(db *gorm.DB, deliveryID stock.DeliveryID) ([]stock.LineItem, error) {
	var models []lineItemModel
	err := db.Where("delivery_id = ?", string(deliveryID)).Order("position ASC").Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]stock.LineItem, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out, nil
}

// =============================================================================
// TRANSACTION SUPPORT
// =============================================================================

// WithTx runs fn in a database transaction. fn's error is returned as-is.
func (s *Store) WithTx(ctx context.Context, fn func(stock.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txStore{db: tx})
	})
}

type txStore struct {
	db *gorm.DB
}

func (ts *txStore) forUpdate(ctx context.Context) *gorm.DB {
	return ts.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

func (ts *txStore) LockDelivery(ctx context.Context, id stock.DeliveryID) (*stock.Delivery, error) {
	return findDelivery(ts.db.WithContext(ctx), id, true)
}

func (ts *txStore) LockLineItem(ctx context.Context, id stock.LineItemID) (*stock.LineItem, error) {
	return findLineItem(ts.forUpdate(ctx), id)
}

func (ts *txStore) LockEntry(ctx context.Context, id stock.EntryID) (*stock.PurchaseEntry, error) {
	return findEntry(ts.forUpdate(ctx), id)
}

func (ts *txStore) ListLineItems(ctx context.Context, deliveryID stock.DeliveryID) ([]stock.LineItem, error) {
	return findLineItems(ts.db.WithContext(ctx), deliveryID)
}

func (ts *txStore) LinkLineItem(ctx context.Context, itemID stock.LineItemID, entryID stock.EntryID, at time.Time) error {
	res := ts.db.WithContext(ctx).Model(&lineItemModel{}).
		Where("id = ? AND entry_id IS NULL", string(itemID)).
		Updates(map[string]any{"entry_id": string(entryID), "linked_at": at.UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("link line item %s: %d rows affected", itemID, res.RowsAffected)
	}
	return nil
}

func (ts *txStore) UpdateEntryBalance(ctx context.Context, id stock.EntryID, remaining decimal.Decimal, status stock.Status) error {
	res := ts.db.WithContext(ctx).Model(&entryModel{}).
		Where("id = ?", string(id)).
		Updates(map[string]any{"remaining_quantity": remaining, "status": string(status)})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("update entry %s: %d rows affected", id, res.RowsAffected)
	}
	return nil
}

func (ts *txStore) UpdateDeliveryLinkStatus(ctx context.Context, id stock.DeliveryID, status stock.LinkStatus) error {
	return ts.db.WithContext(ctx).Model(&deliveryModel{}).
		Where("id = ?", string(id)).
		Update("link_status", string(status)).Error
}

type usageRow struct {
	Items    int
	Quantity decimal.Decimal
}

func (ts *txStore) LinkedUsage(ctx context.Context, id stock.EntryID) (stock.Usage, error) {
	var row usageRow
	err := ts.db.WithContext(ctx).Model(&lineItemModel{}).
		Select("COUNT(*) AS items, COALESCE(SUM(quantity), 0) AS quantity").
		Where("entry_id = ?", string(id)).
		Scan(&row).Error
	if err != nil {
		return stock.Usage{}, err
	}
	return stock.Usage{Items: row.Items, Quantity: row.Quantity}, nil
}

func (ts *txStore) DeleteEntry(ctx context.Context, id stock.EntryID) error {
	return ts.db.WithContext(ctx).Where("id = ?", string(id)).Delete(&entryModel{}).Error
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toEntryModel(e stock.PurchaseEntry) entryModel {
	return entryModel{
		ID:                string(e.ID),
		ProductName:       e.ProductName,
		CategoryID:        e.CategoryID,
		CategoryName:      e.CategoryName,
		SupplierID:        e.SupplierID,
		TotalQuantity:     e.TotalQuantity,
		Unit:              string(e.Unit),
		UnitPrice:         e.UnitPrice,
		AcquiredAt:        e.AcquiredAt.UTC(),
		ExpiresAt:         utcPtr(e.ExpiresAt),
		RemainingQuantity: e.RemainingQuantity,
		Status:            string(e.Status),
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

func (m entryModel) toDomain() stock.PurchaseEntry {
	return stock.PurchaseEntry{
		ID:                stock.EntryID(m.ID),
		ProductName:       m.ProductName,
		CategoryID:        m.CategoryID,
		CategoryName:      m.CategoryName,
		SupplierID:        m.SupplierID,
		TotalQuantity:     m.TotalQuantity,
		Unit:              stock.Unit(m.Unit),
		UnitPrice:         m.UnitPrice,
		AcquiredAt:        m.AcquiredAt.UTC(),
		ExpiresAt:         utcPtr(m.ExpiresAt),
		RemainingQuantity: m.RemainingQuantity,
		Status:            stock.Status(m.Status),
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
	}
}

func toDeliveryModels(d stock.Delivery) (deliveryModel, []lineItemModel) {
	dm := deliveryModel{
		ID:           string(d.ID),
		CustomerID:   d.CustomerID,
		DeliveryDate: d.DeliveryDate.UTC(),
		LinkStatus:   string(d.LinkStatus),
		CreatedAt:    d.CreatedAt,
	}
	items := make([]lineItemModel, 0, len(d.Items))
	for _, it := range d.Items {
		m := lineItemModel{
			ID:          string(it.ID),
			DeliveryID:  string(d.ID),
			Position:    it.Position,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			LinkedAt:    utcPtr(it.LinkedAt),
		}
		if it.EntryID != nil {
			eid := string(*it.EntryID)
			m.EntryID = &eid
		}
		items = append(items, m)
	}
	return dm, items
}

func (m deliveryModel) toDomain() stock.Delivery {
	return stock.Delivery{
		ID:           stock.DeliveryID(m.ID),
		CustomerID:   m.CustomerID,
		DeliveryDate: m.DeliveryDate.UTC(),
		LinkStatus:   stock.LinkStatus(m.LinkStatus),
		CreatedAt:    m.CreatedAt.UTC(),
	}
}

func (m lineItemModel) toDomain() stock.LineItem {
	it := stock.LineItem{
		ID:          stock.LineItemID(m.ID),
		DeliveryID:  stock.DeliveryID(m.DeliveryID),
		ProductName: m.ProductName,
		Quantity:    m.Quantity,
		UnitPrice:   m.UnitPrice,
		LinkedAt:    utcPtr(m.LinkedAt),
		Position:    m.Position,
	}
	if m.EntryID != nil {
		eid := stock.EntryID(*m.EntryID)
		it.EntryID = &eid
	}
	return it
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

var _ stock.TxStore = (*Store)(nil)
