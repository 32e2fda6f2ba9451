package inventory

import (
	"fmt"
	"strings"

	"github.com/fleetshare/treasury/pkg/refund"
)

// TokenKind names one of the three capacity counters a vehicle carries.
type TokenKind string

const (
	KindWaitlist TokenKind = "waitlist"
	KindBookNow  TokenKind = "booknow"
	KindTicket   TokenKind = "ticket"
)

// Fixed capacity ceilings per vehicle. The ticket ceiling is the vehicle's
// total issuable shares and lives on the vehicle record.
const (
	WaitlistTokenCeiling = 20
	BookNowTokenCeiling  = 12
)

// ParseTokenKind validates a raw token kind.
func ParseTokenKind(raw string) (TokenKind, error) {
	switch TokenKind(strings.TrimSpace(raw)) {
	case KindWaitlist, KindBookNow, KindTicket:
		return TokenKind(strings.TrimSpace(raw)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTokenKind, raw)
	}
}

// String returns the kind as stored.
func (kind TokenKind) String() string {
	return string(kind)
}

// Vehicle carries the three independent capacity counters.
type Vehicle struct {
	VehicleID               string
	Name                    string
	WaitlistTokensAvailable int
	BookNowTokensAvailable  int
	TicketsAvailable        int
	TicketCeiling           int
}

// CeilingFor returns the fixed maximum for one of the vehicle's counters.
func (vehicle Vehicle) CeilingFor(kind TokenKind) int {
	switch kind {
	case KindWaitlist:
		return WaitlistTokenCeiling
	case KindBookNow:
		return BookNowTokenCeiling
	default:
		return vehicle.TicketCeiling
	}
}

// CounterFor returns the current value of one of the vehicle's counters.
func (vehicle Vehicle) CounterFor(kind TokenKind) int {
	switch kind {
	case KindWaitlist:
		return vehicle.WaitlistTokensAvailable
	case KindBookNow:
		return vehicle.BookNowTokensAvailable
	default:
		return vehicle.TicketsAvailable
	}
}

// ReservationStatus defines the token reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusActive  ReservationStatus = "active"
	ReservationStatusExpired ReservationStatus = "expired"
	ReservationStatusDropped ReservationStatus = "dropped"
)

// ParseReservationStatus validates a raw reservation status.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(strings.TrimSpace(raw)) {
	case ReservationStatusActive, ReservationStatusExpired, ReservationStatusDropped:
		return ReservationStatus(strings.TrimSpace(raw)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
	}
}

// String returns the status as stored.
func (status ReservationStatus) String() string {
	return string(status)
}

// Reservation is a waitlist or book-now token held by one user against one
// vehicle. The embedded refund sub-state mirrors the top-level refund record.
type Reservation struct {
	ReservationID    string
	VehicleID        string
	HolderID         string
	Kind             TokenKind
	CustomID         string
	AmountPaidCents  int64
	ExpiresAtUnixUTC int64
	Status           ReservationStatus
	Refund           refund.SubState
	CreatedUnixUTC   int64
}

// TicketStatus defines the ownership ticket lifecycle.
type TicketStatus string

const (
	TicketStatusActive    TicketStatus = "active"
	TicketStatusExpired   TicketStatus = "expired"
	TicketStatusCancelled TicketStatus = "cancelled"
)

// String returns the status as stored.
func (status TicketStatus) String() string {
	return string(status)
}

// OwnershipTicket is a purchased fractional share in a vehicle.
// amountPaid + pendingAmount == price at creation; pendingAmount only
// decreases afterwards.
type OwnershipTicket struct {
	TicketID           string
	VehicleID          string
	HolderID           string
	CustomID           string
	PriceCents         int64
	AmountPaidCents    int64
	PendingAmountCents int64
	Status             TicketStatus
	Resold             bool
	CreatedUnixUTC     int64
}
