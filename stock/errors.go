/*
errors.go - Error taxonomy for the stock ledger

PURPOSE:
  All error types in one place. Callers classify errors with errors.Is /
  errors.As or with KindOf, never by matching message text.

ERROR KINDS:
  NOT_FOUND          - line item, entry or delivery does not exist
  ALREADY_LINKED     - line item already references an entry (a no-op signal)
  INSUFFICIENT_STOCK - requested quantity exceeds remaining quantity
  STORAGE_FAILURE    - transaction or lock could not complete; safe to retry
  INVALID_INPUT      - request failed validation
  CONFLICT           - entry still referenced (delete refused)

SEE ALSO:
  - ledger.go: returns these errors
  - api/handlers.go: maps kinds to HTTP status codes
*/
package stock

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound         = errors.New("not found")
	ErrLineItemNotFound = fmt.Errorf("line item %w", ErrNotFound)
	ErrEntryNotFound    = fmt.Errorf("purchase entry %w", ErrNotFound)
	ErrDeliveryNotFound = fmt.Errorf("delivery %w", ErrNotFound)

	// ErrAlreadyLinked is returned when the line item already has an entry.
	// Callers should treat it as "nothing to do", not as a failure.
	ErrAlreadyLinked = errors.New("line item already linked")

	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrStorage marks failures of the storage layer. The allocation is
	// atomic, so a retry after ErrStorage is safe.
	ErrStorage = errors.New("storage failure")

	// ErrLockTimeout is returned when a per-entry critical section could not
	// be obtained in time.
	ErrLockTimeout = errors.New("lock not obtained")

	ErrInvalidInput = errors.New("invalid input")

	// ErrEntryInUse is returned when deleting an entry that line items reference.
	ErrEntryInUse = errors.New("purchase entry is referenced by line items")

	ErrBalanceViolation = errors.New("remaining quantity out of range")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientStockError carries the quantities an operator needs to see.
// EntryID is empty when no single entry was targeted (FIFO allocation);
// ProductName names the product instead.
type InsufficientStockError struct {
	EntryID     EntryID
	ProductName string
	Available   decimal.Decimal
	Unit        Unit
	Requested   decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	subject := "entry " + string(e.EntryID)
	if e.EntryID == "" {
		subject = "product " + e.ProductName
	}
	return fmt.Sprintf("insufficient stock for %s: available %s %s, requested %s %s",
		subject, e.Available, e.Unit, e.Requested, e.Unit)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// AlreadyLinkedError names the entry the item is already linked to.
type AlreadyLinkedError struct {
	LineItemID LineItemID
	EntryID    EntryID
}

func (e *AlreadyLinkedError) Error() string {
	return fmt.Sprintf("line item %s already linked to entry %s", e.LineItemID, e.EntryID)
}

func (e *AlreadyLinkedError) Unwrap() error { return ErrAlreadyLinked }

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// StorageError wraps a failure from the storage layer.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// BalanceViolationError is reported by CheckBalance.
type BalanceViolationError struct {
	Remaining decimal.Decimal
	Total     decimal.Decimal
}

func (e *BalanceViolationError) Error() string {
	return fmt.Sprintf("remaining %s outside [0, %s]", e.Remaining, e.Total)
}

func (e *BalanceViolationError) Unwrap() error { return ErrBalanceViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindAlreadyLinked     Kind = "ALREADY_LINKED"
	KindInsufficientStock Kind = "INSUFFICIENT_STOCK"
	KindStorageFailure    Kind = "STORAGE_FAILURE"
	KindInvalidInput      Kind = "INVALID_INPUT"
	KindConflict          Kind = "CONFLICT"
	KindUnknown           Kind = "UNKNOWN"
)

// KindOf classifies err. Unknown errors are reported as KindUnknown.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyLinked):
		return KindAlreadyLinked
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrEntryInUse):
		return KindConflict
	case errors.Is(err, ErrStorage), errors.Is(err, ErrLockTimeout):
		return KindStorageFailure
	}
	return KindUnknown
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage) || errors.Is(err, ErrLockTimeout)
}

// IsClientError returns true if the error is due to the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrAlreadyLinked) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEntryInUse)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
