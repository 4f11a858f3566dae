package stock

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrNotFound             = errors.New("stock not found")
	ErrInsufficientQuantity = errors.New("insufficient stock quantity")
	ErrInvalidAmount        = errors.New("decrease amount must be positive")
	ErrNegativeQuantity     = errors.New("stock quantity must not be negative")
	ErrConflict             = errors.New("stock revision changed")
	ErrLockTimeout          = errors.New("timed out acquiring stock lock")
	ErrDeadlock             = errors.New("deadlock detected upgrading shared stock lock")
	ErrLockModeUnsupported  = errors.New("lock mode not supported by store")
	ErrTxDone               = errors.New("unit of work already committed or rolled back")
)

// Stock is a single inventory counter. Revision grows by one on every
// successful write and is only compared by versioned writes.
type Stock struct {
	ID       int64
	Quantity int64
	Revision int64
}

// Validate rejects a record that would break the non-negative quantity invariant.
func (s Stock) Validate() error {
	if s.Quantity < 0 {
		return pkgerrors.Wrapf(ErrNegativeQuantity, "stock %d created with %d", s.ID, s.Quantity)
	}
	return nil
}

// Decrease subtracts amount from the quantity, refusing to go below zero.
// The stock is left untouched on error.
func (s *Stock) Decrease(amount int64) error {
	if amount <= 0 {
		return pkgerrors.Wrapf(ErrInvalidAmount, "got %d", amount)
	}

	if s.Quantity-amount < 0 {
		return pkgerrors.Wrapf(ErrInsufficientQuantity, "stock %d has %d, requested %d", s.ID, s.Quantity, amount)
	}

	s.Quantity -= amount
	return nil
}

// IsRetryable reports whether a failed decrease may succeed if attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrDeadlock)
}
