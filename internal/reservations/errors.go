package reservations

import "errors"

// Expected outcomes, returned as values and matched with errors.Is.
// Anything else bubbling out of the store is an infrastructure failure.
var (
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrOverRelease         = errors.New("release exceeds initial quantity")
	ErrItemNotFound        = errors.New("food item not found")
	ErrItemUnavailable     = errors.New("food item not available")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrAlreadyTerminal     = errors.New("reservation already in terminal status")
	ErrCancellationWindow  = errors.New("cancellation window expired")
	ErrIllegalTransition   = errors.New("illegal status transition")
	ErrUnauthorized        = errors.New("actor not authorized for transition")
	ErrStorageConflict     = errors.New("concurrent conflicting write")
	ErrInvalidQuantity     = errors.New("quantity must be at least 1")
)
