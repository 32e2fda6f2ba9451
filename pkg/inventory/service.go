package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fleetshare/treasury/pkg/notify"
)

const (
	operationReserve         = "reserve"
	operationRelease         = "release"
	operationRecordPurchase  = "record_token_purchase"
	operationDropReservation = "drop_reservation"
	operationExpire          = "expire_reservation"
	operationIssueTicket     = "issue_ticket"
	operationNotify          = "notify"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// Bounded internal retries on store-level conflicts before the failure
	// surfaces as a capacity rejection.
	maxCapacityRetries = 3
)

// Store is the persistence contract used by Service. Counter mutations must
// be single atomic conditional updates; the accountant never reads and
// writes a counter in two steps.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetVehicle(ctx context.Context, vehicleID string) (Vehicle, error)
	// DecrementCapacity atomically takes one unit of the counter for kind.
	// Fails ErrOutOfCapacity when the counter is exhausted and
	// ErrStoreConflict on a retryable store conflict.
	DecrementCapacity(ctx context.Context, vehicleID string, kind TokenKind) error
	// IncrementCapacity atomically returns one unit, never above the
	// ceiling. capped reports that the counter was already full and the
	// release was absorbed.
	IncrementCapacity(ctx context.Context, vehicleID string, kind TokenKind) (capped bool, err error)
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID string) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, reservationID string, from ReservationStatus, to ReservationStatus) error
	CreateTicket(ctx context.Context, ticket OwnershipTicket) error
}

// Notifier fans out inventory events. Delivery is best effort.
type Notifier interface {
	NotifyUser(ctx context.Context, userID string, event notify.Event) error
	NotifyAllStaff(ctx context.Context, event notify.Event) error
}

// Service enforces the capacity invariants over a Store.
type Service struct {
	store    Store
	notifier Notifier
	nowFn    func() int64
	logger   OperationLogger
}

// NewService wires a Service.
func NewService(store Store, notifier Notifier, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if notifier == nil {
		return nil, fmt.Errorf("%w: notifier dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, notifier: notifier, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Reserve takes one unit of capacity for kind. ErrOutOfCapacity is a
// definitive rejection the caller must not retry.
func (service *Service) Reserve(ctx context.Context, vehicleID string, kind TokenKind) error {
	operationError := service.reserve(ctx, vehicleID, kind)
	service.logOperation(ctx, OperationLog{
		Operation: operationReserve,
		VehicleID: vehicleID,
		Kind:      kind,
		Error:     operationError,
	})
	return operationError
}

func (service *Service) reserve(ctx context.Context, vehicleID string, kind TokenKind) error {
	parsedKind, err := ParseTokenKind(kind.String())
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt < maxCapacityRetries; attempt++ {
		lastErr = service.store.DecrementCapacity(ctx, vehicleID, parsedKind)
		if !errors.Is(lastErr, ErrStoreConflict) {
			return lastErr
		}
	}
	return fmt.Errorf("%w: retries exhausted: %v", ErrOutOfCapacity, lastErr)
}

// Release returns one unit of capacity for kind. A release against a full
// counter is absorbed, not an error: the ceiling is a hard invariant even
// when release is called spuriously. Absorbed releases are instrumented.
func (service *Service) Release(ctx context.Context, vehicleID string, kind TokenKind) error {
	parsedKind, err := ParseTokenKind(kind.String())
	if err != nil {
		return err
	}
	capped, operationError := service.store.IncrementCapacity(ctx, vehicleID, parsedKind)
	service.logOperation(ctx, OperationLog{
		Operation: operationRelease,
		VehicleID: vehicleID,
		Kind:      parsedKind,
		Capped:    capped,
		Error:     operationError,
	})
	return operationError
}

// RecordTokenPurchaseInput describes a confirmed token purchase event.
type RecordTokenPurchaseInput struct {
	VehicleID        string
	HolderID         string
	Kind             TokenKind
	CustomID         string
	AmountPaidCents  int64
	ExpiresAtUnixUTC int64
}

// RecordTokenPurchase reserves capacity and persists the reservation. The
// custom identifier makes the purchase idempotent: a replay fails
// ErrDuplicateCustomID and the reserved unit is returned.
func (service *Service) RecordTokenPurchase(ctx context.Context, input RecordTokenPurchaseInput) (Reservation, error) {
	reservation, operationError := service.recordTokenPurchase(ctx, input)
	service.logOperation(ctx, OperationLog{
		Operation:     operationRecordPurchase,
		VehicleID:     input.VehicleID,
		Kind:          input.Kind,
		ReservationID: reservation.ReservationID,
		CustomID:      input.CustomID,
		AmountCents:   input.AmountPaidCents,
		Error:         operationError,
	})
	return reservation, operationError
}

func (service *Service) recordTokenPurchase(ctx context.Context, input RecordTokenPurchaseInput) (Reservation, error) {
	if input.Kind != KindWaitlist && input.Kind != KindBookNow {
		return Reservation{}, fmt.Errorf("%w: %q is not a token kind", ErrInvalidTokenKind, input.Kind)
	}
	if input.AmountPaidCents <= 0 {
		return Reservation{}, fmt.Errorf("%w: amount paid must be positive", ErrInvalidTicketAmounts)
	}
	if err := service.reserve(ctx, input.VehicleID, input.Kind); err != nil {
		return Reservation{}, err
	}
	reservation := Reservation{
		ReservationID:    uuid.NewString(),
		VehicleID:        input.VehicleID,
		HolderID:         input.HolderID,
		Kind:             input.Kind,
		CustomID:         input.CustomID,
		AmountPaidCents:  input.AmountPaidCents,
		ExpiresAtUnixUTC: input.ExpiresAtUnixUTC,
		Status:           ReservationStatusActive,
		CreatedUnixUTC:   service.nowFn(),
	}
	if err := service.store.CreateReservation(ctx, reservation); err != nil {
		// The unit was taken but the reservation lost (usually a custom-id
		// replay); hand the unit back before surfacing the failure.
		if _, releaseErr := service.store.IncrementCapacity(ctx, input.VehicleID, input.Kind); releaseErr != nil {
			service.logOperation(ctx, OperationLog{
				Operation: operationRelease,
				VehicleID: input.VehicleID,
				Kind:      input.Kind,
				Error:     releaseErr,
			})
		}
		return Reservation{}, err
	}

	service.notifyPurchase(ctx, reservation)
	return reservation, nil
}

// DropReservation voluntarily gives up an active reservation and returns its
// capacity unit.
func (service *Service) DropReservation(ctx context.Context, reservationID string) error {
	return service.closeReservation(ctx, reservationID, ReservationStatusDropped)
}

// ExpireReservation closes a reservation whose expiry date has passed and
// returns its capacity unit.
func (service *Service) ExpireReservation(ctx context.Context, reservationID string) error {
	return service.closeReservation(ctx, reservationID, ReservationStatusExpired)
}

func (service *Service) closeReservation(ctx context.Context, reservationID string, to ReservationStatus) error {
	operation := operationDropReservation
	if to == ReservationStatusExpired {
		operation = operationExpire
	}
	reservation, operationError := service.closeReservationLocked(ctx, reservationID, to)
	service.logOperation(ctx, OperationLog{
		Operation:     operation,
		VehicleID:     reservation.VehicleID,
		Kind:          reservation.Kind,
		ReservationID: reservationID,
		Error:         operationError,
	})
	return operationError
}

func (service *Service) closeReservationLocked(ctx context.Context, reservationID string, to ReservationStatus) (Reservation, error) {
	reservation, err := service.store.GetReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, err
	}
	// The conditional flip from active guarantees capacity is released at
	// most once even when drop and expire race.
	if err := service.store.UpdateReservationStatus(ctx, reservationID, ReservationStatusActive, to); err != nil {
		return reservation, err
	}
	if err := service.Release(ctx, reservation.VehicleID, reservation.Kind); err != nil {
		return reservation, err
	}

	eventType := notify.TypeBookingDropped
	title := "Booking dropped"
	if to == ReservationStatusExpired {
		eventType = notify.TypeBookingExpired
		title = "Booking expired"
	}
	service.notifyHolder(ctx, reservation, notify.Event{
		Type:        eventType,
		Title:       title,
		Message:     fmt.Sprintf("Your %s token for vehicle %s is no longer active.", reservation.Kind, reservation.VehicleID),
		RelatedKind: "reservation",
		RelatedID:   reservation.ReservationID,
	})
	return reservation, nil
}

// IssueTicketInput describes a confirmed ownership share purchase.
type IssueTicketInput struct {
	VehicleID       string
	HolderID        string
	CustomID        string
	PriceCents      int64
	AmountPaidCents int64
}

// IssueTicket reserves one share of the vehicle and persists the ownership
// ticket. The pending balance is derived so that amountPaid + pending ==
// price always holds at creation.
func (service *Service) IssueTicket(ctx context.Context, input IssueTicketInput) (OwnershipTicket, error) {
	ticket, operationError := service.issueTicket(ctx, input)
	service.logOperation(ctx, OperationLog{
		Operation:   operationIssueTicket,
		VehicleID:   input.VehicleID,
		Kind:        KindTicket,
		TicketID:    ticket.TicketID,
		CustomID:    input.CustomID,
		AmountCents: input.AmountPaidCents,
		Error:       operationError,
	})
	return ticket, operationError
}

func (service *Service) issueTicket(ctx context.Context, input IssueTicketInput) (OwnershipTicket, error) {
	if input.PriceCents <= 0 {
		return OwnershipTicket{}, fmt.Errorf("%w: price must be positive", ErrInvalidTicketAmounts)
	}
	if input.AmountPaidCents < 0 || input.AmountPaidCents > input.PriceCents {
		return OwnershipTicket{}, fmt.Errorf("%w: amount paid outside [0, price]", ErrInvalidTicketAmounts)
	}
	if err := service.reserve(ctx, input.VehicleID, KindTicket); err != nil {
		return OwnershipTicket{}, err
	}
	ticket := OwnershipTicket{
		TicketID:           uuid.NewString(),
		VehicleID:          input.VehicleID,
		HolderID:           input.HolderID,
		CustomID:           input.CustomID,
		PriceCents:         input.PriceCents,
		AmountPaidCents:    input.AmountPaidCents,
		PendingAmountCents: input.PriceCents - input.AmountPaidCents,
		Status:             TicketStatusActive,
		CreatedUnixUTC:     service.nowFn(),
	}
	if err := service.store.CreateTicket(ctx, ticket); err != nil {
		if _, releaseErr := service.store.IncrementCapacity(ctx, input.VehicleID, KindTicket); releaseErr != nil {
			service.logOperation(ctx, OperationLog{
				Operation: operationRelease,
				VehicleID: input.VehicleID,
				Kind:      KindTicket,
				Error:     releaseErr,
			})
		}
		return OwnershipTicket{}, err
	}

	event := notify.Event{
		Type:        notify.TypeTicketIssued,
		Title:       "Ownership ticket issued",
		Message:     fmt.Sprintf("An ownership share in vehicle %s was issued.", input.VehicleID),
		RelatedKind: "ticket",
		RelatedID:   ticket.TicketID,
		Metadata: map[string]string{
			"vehicle_id": input.VehicleID,
			"ticket_id":  ticket.TicketID,
		},
	}
	if err := service.notifier.NotifyUser(ctx, input.HolderID, event); err != nil {
		service.logNotifyFailure(ctx, input.VehicleID, KindTicket, err)
	}
	if err := service.notifier.NotifyAllStaff(ctx, event); err != nil {
		service.logNotifyFailure(ctx, input.VehicleID, KindTicket, err)
	}
	return ticket, nil
}

func (service *Service) notifyPurchase(ctx context.Context, reservation Reservation) {
	event := notify.Event{
		Type:        notify.TypeUserMadeBooking,
		Title:       "Booking confirmed",
		Message:     fmt.Sprintf("A %s token was reserved for vehicle %s.", reservation.Kind, reservation.VehicleID),
		RelatedKind: "reservation",
		RelatedID:   reservation.ReservationID,
		Metadata: map[string]string{
			"vehicle_id": reservation.VehicleID,
			"kind":       reservation.Kind.String(),
			"custom_id":  reservation.CustomID,
		},
	}
	if err := service.notifier.NotifyUser(ctx, reservation.HolderID, event); err != nil {
		service.logNotifyFailure(ctx, reservation.VehicleID, reservation.Kind, err)
	}
	if err := service.notifier.NotifyAllStaff(ctx, event); err != nil {
		service.logNotifyFailure(ctx, reservation.VehicleID, reservation.Kind, err)
	}
}

func (service *Service) notifyHolder(ctx context.Context, reservation Reservation, event notify.Event) {
	if err := service.notifier.NotifyUser(ctx, reservation.HolderID, event); err != nil {
		service.logNotifyFailure(ctx, reservation.VehicleID, reservation.Kind, err)
	}
}

func (service *Service) logNotifyFailure(ctx context.Context, vehicleID string, kind TokenKind, err error) {
	service.logOperation(ctx, OperationLog{
		Operation: operationNotify,
		VehicleID: vehicleID,
		Kind:      kind,
		Error:     err,
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
