package inventory

import "errors"

// Domain-level error values returned by the inventory accountant.
var (
	// ErrOutOfCapacity is a definitive business rejection: the counter for
	// the requested kind is exhausted. Never retried.
	ErrOutOfCapacity = errors.New("out of capacity")
	// ErrStoreConflict marks a retryable store-level conflict on the atomic
	// counter operation. Retried internally a bounded number of times.
	ErrStoreConflict = errors.New("store conflict")

	ErrVehicleNotFound          = errors.New("vehicle not found")
	ErrReservationNotFound      = errors.New("reservation not found")
	ErrReservationClosed        = errors.New("reservation already closed")
	ErrDuplicateCustomID        = errors.New("duplicate custom identifier")
	ErrInvalidTokenKind         = errors.New("invalid token kind")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrInvalidTicketAmounts     = errors.New("invalid ticket amounts")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)
