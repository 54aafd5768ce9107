package types

import (
	"errors"
	"fmt"
)

// Validation failures. Always local, never retried.
var (
	ErrEmptyCart            = errors.New("order must contain at least one item")
	ErrEmptyShippingAddress = errors.New("shipping address is required")
	ErrDuplicateItem        = errors.New("item appears more than once in cart")
	ErrInvalidQuantity      = errors.New("quantity must be a positive integer")
	ErrMissingCaller        = errors.New("caller identity is required")
	ErrTotalOverflow        = errors.New("order total out of range")
)

// Category sentinels matched through errors.Is on the typed errors below
var (
	ErrNotFound      = errors.New("not found")
	ErrInsufficient  = errors.New("insufficient stock")
	ErrInvalidStatus = errors.New("invalid status")
	ErrTransient     = errors.New("temporary storage failure, try again")
	ErrValidation    = errors.New("invalid request")
)

// ValidationError reports a malformed placement request
type ValidationError struct {
	Field  string
	ItemID int64 // set for per-line failures
	Err    error
}

func (e *ValidationError) Error() string {
	if e.ItemID != 0 {
		return fmt.Sprintf("%s: %v (item %d)", e.Field, e.Err, e.ItemID)
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports an unknown item, or an order that does not exist or
// belongs to another caller.
type NotFoundError struct {
	Kind string // "item" or "order"
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InsufficientStockError reports a line whose quantity exceeds available stock
type InsufficientStockError struct {
	ItemID    int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %d: requested %d, available %d",
		e.ItemID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficient }

// InvalidStatusError reports a status outside the enumerated set
type InvalidStatusError struct {
	Status string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid status %q: must be one of pending, processing, completed, cancelled", e.Status)
}

func (e *InvalidStatusError) Is(target error) bool { return target == ErrInvalidStatus }

// TransientStoreError reports a lock timeout, deadlock or connection failure.
// Attempts is set once the retry budget is exhausted.
type TransientStoreError struct {
	Attempts int
	Err      error
}

func (e *TransientStoreError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%v after %d attempts: %v", ErrTransient, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%v: %v", ErrTransient, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

func (e *TransientStoreError) Is(target error) bool { return target == ErrTransient }
