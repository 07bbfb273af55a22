package services

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ──────────────────────────────────────────────────────────

var (
	// ErrDuplicateActiveLoan is returned when the requester already holds an
	// unreturned record for the item.
	ErrDuplicateActiveLoan = errors.New("you are already borrowing this item")

	// ErrDuplicatePendingRequest is returned when the requester already has a
	// pending request for the item.
	ErrDuplicatePendingRequest = errors.New("you have a pending request for this item")

	// ErrOutOfStock is returned when no unit of the item is available.
	ErrOutOfStock = errors.New("item out of stock")

	// ErrRecordNotFound is returned when the referenced borrow record, or the
	// active record a renew/extend request applies to, does not exist.
	ErrRecordNotFound = errors.New("borrow record not found")

	// ErrAlreadyReturned is returned when a return is attempted on a record that
	// has already been returned.
	ErrAlreadyReturned = errors.New("item already returned")

	// ErrInvalidInput wraps every malformed-field failure.
	ErrInvalidInput = errors.New("invalid input")

	ErrItemNotFound      = errors.New("item not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrRequestNotFound   = errors.New("request not found")
	ErrRequestNotPending = errors.New("request is not pending")

	// ErrFineNotConfirmed is returned by ProcessReturn when the return carries a
	// fine and the caller did not confirm it. See FineConfirmationError.
	ErrFineNotConfirmed = errors.New("overdue fine must be confirmed")

	ErrUserExists         = errors.New("user already registered")
	ErrItemExists         = errors.New("item already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrForbidden          = errors.New("operation not allowed for this user")
)

// FineConfirmationError carries the fine that needs confirming before a
// return can be processed.
type FineConfirmationError struct {
	Fine int
}

func (e *FineConfirmationError) Error() string {
	return fmt.Sprintf("%s: fine %d", ErrFineNotConfirmed, e.Fine)
}

func (e *FineConfirmationError) Unwrap() error { return ErrFineNotConfirmed }

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
