package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/stock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// newMockStore creates a Store with a mocked SQL connection
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, *sql.DB) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	return New(gormDB), mock, mockDB
}

var entryCols = []string{
	"id", "product_name", "category_id", "category_name", "supplier_id",
	"total_quantity", "unit", "unit_price", "acquired_at", "expires_at",
	"remaining_quantity", "status", "created_at", "updated_at",
}

func TestStore_GetEntry(t *testing.T) {
	t.Run("maps an existing row", func(t *testing.T) {
		s, mock, mockDB := newMockStore(t)
		defer mockDB.Close()

		acquired := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
		rows := sqlmock.NewRows(entryCols).AddRow(
			"e-1", "Roma tomatoes", "cat-1", "Vegetables", "sup-1",
			"100.0000", "kg", "1.2000", acquired, nil,
			"60.0000", "PARTIAL", acquired, acquired,
		)
		mock.ExpectQuery(`SELECT \* FROM "purchase_entries" WHERE id = \$1`).
			WillReturnRows(rows)

		e, err := s.GetEntry(context.Background(), "e-1")

		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, stock.EntryID("e-1"), e.ID)
		assert.True(t, e.TotalQuantity.Equal(decimal.NewFromInt(100)))
		assert.True(t, e.RemainingQuantity.Equal(decimal.NewFromInt(60)))
		assert.Equal(t, stock.StatusPartial, e.Status)
		assert.Equal(t, stock.UnitKilogram, e.Unit)
		assert.Nil(t, e.ExpiresAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns nil for a missing row", func(t *testing.T) {
		s, mock, mockDB := newMockStore(t)
		defer mockDB.Close()

		mock.ExpectQuery(`SELECT \* FROM "purchase_entries" WHERE id = \$1`).
			WillReturnRows(sqlmock.NewRows(entryCols))

		e, err := s.GetEntry(context.Background(), "missing")

		assert.NoError(t, err)
		assert.Nil(t, e)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_ListAvailable(t *testing.T) {
	s, mock, mockDB := newMockStore(t)
	defer mockDB.Close()

	mock.ExpectQuery(`SELECT \* FROM "purchase_entries" WHERE remaining_quantity > 0 AND .*LIKE.* ORDER BY acquired_at ASC, product_name COLLATE "C" ASC, id COLLATE "C" ASC`).
		WithArgs(`%100\% juice%`, `%100\% juice%`).
		WillReturnRows(sqlmock.NewRows(entryCols))

	entries, err := s.ListAvailable(context.Background(), stock.AvailableFilter{Query: "100% Juice"})

	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AllocatedByEntry(t *testing.T) {
	s, mock, mockDB := newMockStore(t)
	defer mockDB.Close()

	mock.ExpectQuery(`SELECT entry_id, SUM\(quantity\) AS quantity FROM "line_items" WHERE entry_id IS NOT NULL GROUP BY`).
		WillReturnRows(sqlmock.NewRows([]string{"entry_id", "quantity"}).
			AddRow("e-1", "12.5000").
			AddRow("e-2", "3.0000"))

	got, err := s.AllocatedByEntry(context.Background())

	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.True(t, got["e-1"].Equal(decimal.RequireFromString("12.5")))
	assert.True(t, got["e-2"].Equal(decimal.NewFromInt(3)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WithTx(t *testing.T) {
	t.Run("locks the entry row", func(t *testing.T) {
		s, mock, mockDB := newMockStore(t)
		defer mockDB.Close()

		acquired := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT \* FROM "purchase_entries" WHERE id = \$1 .*FOR UPDATE`).
			WillReturnRows(sqlmock.NewRows(entryCols).AddRow(
				"e-1", "Leeks", "", "", "",
				"10", "kg", "1", acquired, nil,
				"10", "UNUSED", acquired, acquired,
			))
		mock.ExpectCommit()

		var locked *stock.PurchaseEntry
		err := s.WithTx(context.Background(), func(tx stock.Tx) error {
			e, err := tx.LockEntry(context.Background(), "e-1")
			locked = e
			return err
		})

		require.NoError(t, err)
		require.NotNil(t, locked)
		assert.Equal(t, stock.StatusUnused, locked.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns the callback error unchanged and rolls back", func(t *testing.T) {
		s, mock, mockDB := newMockStore(t)
		defer mockDB.Close()

		mock.ExpectBegin()
		mock.ExpectRollback()

		err := s.WithTx(context.Background(), func(tx stock.Tx) error {
			return stock.ErrEntryNotFound
		})

		assert.Equal(t, stock.ErrEntryNotFound, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("refuses to relink a linked item", func(t *testing.T) {
		s, mock, mockDB := newMockStore(t)
		defer mockDB.Close()

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "line_items" SET .* WHERE id = \$\d+ AND entry_id IS NULL`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := s.WithTx(context.Background(), func(tx stock.Tx) error {
			return tx.LinkLineItem(context.Background(), "li-1", "e-1", time.Now())
		})

		assert.ErrorContains(t, err, "0 rows affected")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("sums linked usage", func(t *testing.T) {
		s, mock, mockDB := newMockStore(t)
		defer mockDB.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT COUNT\(\*\) AS items, COALESCE\(SUM\(quantity\), 0\) AS quantity FROM "line_items" WHERE entry_id = \$1`).
			WillReturnRows(sqlmock.NewRows([]string{"items", "quantity"}).AddRow(2, "7.5000"))
		mock.ExpectCommit()

		var usage stock.Usage
		err := s.WithTx(context.Background(), func(tx stock.Tx) error {
			u, err := tx.LinkedUsage(context.Background(), "e-1")
			usage = u
			return err
		})

		require.NoError(t, err)
		assert.Equal(t, 2, usage.Items)
		assert.True(t, usage.Quantity.Equal(decimal.RequireFromString("7.5")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_ListDeliveryIDs(t *testing.T) {
	s, mock, mockDB := newMockStore(t)
	defer mockDB.Close()

	mock.ExpectQuery(`SELECT .*id.* FROM "deliveries" ORDER BY id COLLATE "C"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("d-1").AddRow("d-2"))

	ids, err := s.ListDeliveryIDs(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []stock.DeliveryID{"d-1", "d-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
