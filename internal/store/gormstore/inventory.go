package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fleetshare/treasury/pkg/inventory"
)

// Inventory implements inventory.Store on a GORM connection.
type Inventory struct {
	db *gorm.DB
}

// NewInventory wraps a GORM connection.
func NewInventory(db *gorm.DB) *Inventory {
	return &Inventory{db: db}
}

// WithTx runs fn inside one database transaction, handing it a store bound to
// the transaction connection.
func (store *Inventory) WithTx(ctx context.Context, fn func(ctx context.Context, txStore inventory.Store) error) error {
	return withContext(ctx, store.db).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &Inventory{db: tx})
	})
}

// GetVehicle loads one vehicle with its counters.
func (store *Inventory) GetVehicle(ctx context.Context, vehicleID string) (inventory.Vehicle, error) {
	var model Vehicle
	err := withContext(ctx, store.db).First(&model, "vehicle_id = ?", vehicleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return inventory.Vehicle{}, fmt.Errorf("%w: %s", inventory.ErrVehicleNotFound, vehicleID)
	}
	if err != nil {
		return inventory.Vehicle{}, err
	}
	return vehicleFromModel(model), nil
}

func counterColumn(kind inventory.TokenKind) string {
	switch kind {
	case inventory.KindWaitlist:
		return "waitlist_tokens_available"
	case inventory.KindBookNow:
		return "book_now_tokens_available"
	default:
		return "tickets_available"
	}
}

// DecrementCapacity takes one unit of the counter for kind in a single
// conditional update. Zero rows affected means either the vehicle is missing
// or the counter is exhausted; a follow-up read tells the two apart.
func (store *Inventory) DecrementCapacity(ctx context.Context, vehicleID string, kind inventory.TokenKind) error {
	column := counterColumn(kind)
	result := withContext(ctx, store.db).
		Model(&Vehicle{}).
		Where("vehicle_id = ? AND "+column+" > 0", vehicleID).
		UpdateColumn(column, gorm.Expr(column+" - 1"))
	if result.Error != nil {
		if isRetryableConflict(result.Error) {
			return fmt.Errorf("%w: %v", inventory.ErrStoreConflict, result.Error)
		}
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if _, err := store.GetVehicle(ctx, vehicleID); err != nil {
		return err
	}
	return fmt.Errorf("%w: vehicle %s has no %s capacity", inventory.ErrOutOfCapacity, vehicleID, kind)
}

// IncrementCapacity returns one unit of the counter for kind, never above the
// ceiling. A release against a full counter is absorbed and reported capped.
func (store *Inventory) IncrementCapacity(ctx context.Context, vehicleID string, kind inventory.TokenKind) (bool, error) {
	column := counterColumn(kind)
	var ceilingCondition string
	switch kind {
	case inventory.KindWaitlist:
		ceilingCondition = fmt.Sprintf("%s < %d", column, inventory.WaitlistTokenCeiling)
	case inventory.KindBookNow:
		ceilingCondition = fmt.Sprintf("%s < %d", column, inventory.BookNowTokenCeiling)
	default:
		ceilingCondition = column + " < ticket_ceiling"
	}
	result := withContext(ctx, store.db).
		Model(&Vehicle{}).
		Where("vehicle_id = ? AND "+ceilingCondition, vehicleID).
		UpdateColumn(column, gorm.Expr(column+" + 1"))
	if result.Error != nil {
		if isRetryableConflict(result.Error) {
			return false, fmt.Errorf("%w: %v", inventory.ErrStoreConflict, result.Error)
		}
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return false, nil
	}
	if _, err := store.GetVehicle(ctx, vehicleID); err != nil {
		return false, err
	}
	return true, nil
}

// CreateReservation persists a token reservation. A custom-id replay maps to
// ErrDuplicateCustomID.
func (store *Inventory) CreateReservation(ctx context.Context, reservation inventory.Reservation) error {
	model := Reservation{
		ReservationID:   reservation.ReservationID,
		VehicleID:       reservation.VehicleID,
		HolderID:        reservation.HolderID,
		Kind:            reservation.Kind.String(),
		CustomID:        reservation.CustomID,
		AmountPaidCents: reservation.AmountPaidCents,
		ExpiresAt:       unixToTimePtr(reservation.ExpiresAtUnixUTC),
		Status:          reservation.Status.String(),
		Refund:          subStateToModel(reservation.Refund),
		CreatedAt:       time.Unix(reservation.CreatedUnixUTC, 0).UTC(),
	}
	if err := withContext(ctx, store.db).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", inventory.ErrDuplicateCustomID, reservation.CustomID)
		}
		return err
	}
	return nil
}

// GetReservation loads one reservation.
func (store *Inventory) GetReservation(ctx context.Context, reservationID string) (inventory.Reservation, error) {
	var model Reservation
	err := withContext(ctx, store.db).First(&model, "reservation_id = ?", reservationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return inventory.Reservation{}, fmt.Errorf("%w: %s", inventory.ErrReservationNotFound, reservationID)
	}
	if err != nil {
		return inventory.Reservation{}, err
	}
	return reservationFromModel(model), nil
}

// UpdateReservationStatus flips the status only when the stored status still
// matches from. A missed flip on an existing reservation means it was already
// closed by a concurrent drop or expiry.
func (store *Inventory) UpdateReservationStatus(ctx context.Context, reservationID string, from inventory.ReservationStatus, to inventory.ReservationStatus) error {
	result := withContext(ctx, store.db).
		Model(&Reservation{}).
		Where("reservation_id = ? AND status = ?", reservationID, from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if _, err := store.GetReservation(ctx, reservationID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", inventory.ErrReservationClosed, reservationID)
}

// CreateTicket persists an ownership ticket. A custom-id replay maps to
// ErrDuplicateCustomID.
func (store *Inventory) CreateTicket(ctx context.Context, ticket inventory.OwnershipTicket) error {
	model := OwnershipTicket{
		TicketID:           ticket.TicketID,
		VehicleID:          ticket.VehicleID,
		HolderID:           ticket.HolderID,
		CustomID:           ticket.CustomID,
		PriceCents:         ticket.PriceCents,
		AmountPaidCents:    ticket.AmountPaidCents,
		PendingAmountCents: ticket.PendingAmountCents,
		Status:             ticket.Status.String(),
		Resold:             ticket.Resold,
		CreatedAt:          time.Unix(ticket.CreatedUnixUTC, 0).UTC(),
	}
	if err := withContext(ctx, store.db).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", inventory.ErrDuplicateCustomID, ticket.CustomID)
		}
		return err
	}
	return nil
}

func vehicleFromModel(model Vehicle) inventory.Vehicle {
	return inventory.Vehicle{
		VehicleID:               model.VehicleID,
		Name:                    model.Name,
		WaitlistTokensAvailable: model.WaitlistTokensAvailable,
		BookNowTokensAvailable:  model.BookNowTokensAvailable,
		TicketsAvailable:        model.TicketsAvailable,
		TicketCeiling:           model.TicketCeiling,
	}
}

func reservationFromModel(model Reservation) inventory.Reservation {
	return inventory.Reservation{
		ReservationID:    model.ReservationID,
		VehicleID:        model.VehicleID,
		HolderID:         model.HolderID,
		Kind:             inventory.TokenKind(model.Kind),
		CustomID:         model.CustomID,
		AmountPaidCents:  model.AmountPaidCents,
		ExpiresAtUnixUTC: timePtrToUnix(model.ExpiresAt),
		Status:           inventory.ReservationStatus(model.Status),
		Refund:           modelToSubState(model.Refund),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}
}
