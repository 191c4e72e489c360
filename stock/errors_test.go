package stock_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/stock-ledger/stock"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want stock.Kind
	}{
		{"nil", nil, ""},
		{"line item missing", stock.ErrLineItemNotFound, stock.KindNotFound},
		{"entry missing wrapped", fmt.Errorf("allocate: %w", stock.ErrEntryNotFound), stock.KindNotFound},
		{"already linked", &stock.AlreadyLinkedError{LineItemID: "li", EntryID: "e"}, stock.KindAlreadyLinked},
		{"insufficient", &stock.InsufficientStockError{EntryID: "e"}, stock.KindInsufficientStock},
		{"validation", &stock.ValidationError{Field: "x", Message: "bad"}, stock.KindInvalidInput},
		{"in use", stock.ErrEntryInUse, stock.KindConflict},
		{"storage", &stock.StorageError{Op: "commit", Err: errors.New("io")}, stock.KindStorageFailure},
		{"lock timeout", errors.Join(stock.ErrLockTimeout, context.DeadlineExceeded), stock.KindStorageFailure},
		{"anything else", errors.New("boom"), stock.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stock.KindOf(tt.err))
		})
	}
}

func TestStorageError_UnwrapsBoth(t *testing.T) {
	cause := context.Canceled
	err := &stock.StorageError{Op: "begin", Err: cause}

	assert.ErrorIs(t, err, stock.ErrStorage)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, stock.IsRetryable(err))
	assert.False(t, stock.IsClientError(err))
	assert.Equal(t, "begin: context canceled", err.Error())
}

func TestInsufficientStockError_Message(t *testing.T) {
	err := &stock.InsufficientStockError{
		EntryID:   "e-1",
		Available: dec("2.5"),
		Unit:      stock.UnitKilogram,
		Requested: dec("3"),
	}
	assert.Equal(t, "insufficient stock for entry e-1: available 2.5 kg, requested 3 kg", err.Error())
	assert.True(t, stock.IsClientError(err))

	byProduct := &stock.InsufficientStockError{ProductName: "Leeks", Available: dec("0"), Requested: dec("1"), Unit: stock.UnitBox}
	assert.Equal(t, "insufficient stock for product Leeks: available 0 box, requested 1 box", byProduct.Error())
}
