// Package pgstore implements the inventory store on raw pgx, for deployments
// that want the capacity counters on plain SQL with no ORM in the hot path.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetshare/treasury/pkg/inventory"
	"github.com/fleetshare/treasury/pkg/refund"
)

const (
	constraintReservationCustomID = "uniq_reservations_custom_id"
	constraintTicketCustomID      = "uniq_tickets_custom_id"
	pgUniqueViolationCode         = "23505"
	pgSerializationFailure        = "40001"
	pgDeadlockDetected            = "40P01"

	sqlSelectVehicle = `
		select vehicle_id::text, name, waitlist_tokens_available, book_now_tokens_available, tickets_available, ticket_ceiling
		from vehicles
		where vehicle_id = $1
	`

	sqlDecrementCounter = `
		update vehicles
		set %[1]s = %[1]s - 1, updated_at = now()
		where vehicle_id = $1 and %[1]s > 0
	`

	sqlIncrementCounter = `
		update vehicles
		set %[1]s = %[1]s + 1, updated_at = now()
		where vehicle_id = $1 and %[1]s < %[2]s
	`

	sqlInsertReservation = `
		insert into reservations(
			reservation_id, vehicle_id, holder_id, kind, custom_id, amount_paid_cents, expires_at, status, refund_status, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, to_timestamp(nullif($7,0)), $8, 'none', to_timestamp($9), now())
	`

	sqlSelectReservation = `
		select
			reservation_id::text,
			vehicle_id::text,
			holder_id,
			kind,
			custom_id,
			amount_paid_cents,
			coalesce(extract(epoch from expires_at)::bigint,0),
			status,
			coalesce(refund_status,'none'),
			extract(epoch from created_at)::bigint
		from reservations
		where reservation_id = $1
	`

	sqlUpdateReservationStatus = `
		update reservations
		set status = $3, updated_at = now()
		where reservation_id = $1 and status = $2
	`

	sqlInsertTicket = `
		insert into ownership_tickets(
			ticket_id, vehicle_id, holder_id, custom_id, price_cents, amount_paid_cents, pending_amount_cents, status, resold, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, to_timestamp($10), now())
	`
)

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements inventory.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements inventory.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore inventory.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(ctx, &TxStore{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (store *Store) GetVehicle(ctx context.Context, vehicleID string) (inventory.Vehicle, error) {
	return getVehicle(ctx, store.pool, vehicleID)
}

func (store *Store) DecrementCapacity(ctx context.Context, vehicleID string, kind inventory.TokenKind) error {
	return decrementCapacity(ctx, store.pool, vehicleID, kind)
}

func (store *Store) IncrementCapacity(ctx context.Context, vehicleID string, kind inventory.TokenKind) (bool, error) {
	return incrementCapacity(ctx, store.pool, vehicleID, kind)
}

func (store *Store) CreateReservation(ctx context.Context, reservation inventory.Reservation) error {
	return createReservation(ctx, store.pool, reservation)
}

func (store *Store) GetReservation(ctx context.Context, reservationID string) (inventory.Reservation, error) {
	return getReservation(ctx, store.pool, reservationID)
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID string, from, to inventory.ReservationStatus) error {
	return updateReservationStatus(ctx, store.pool, reservationID, from, to)
}

func (store *Store) CreateTicket(ctx context.Context, ticket inventory.OwnershipTicket) error {
	return createTicket(ctx, store.pool, ticket)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore inventory.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetVehicle(ctx context.Context, vehicleID string) (inventory.Vehicle, error) {
	return getVehicle(ctx, store.tx, vehicleID)
}

func (store *TxStore) DecrementCapacity(ctx context.Context, vehicleID string, kind inventory.TokenKind) error {
	return decrementCapacity(ctx, store.tx, vehicleID, kind)
}

func (store *TxStore) IncrementCapacity(ctx context.Context, vehicleID string, kind inventory.TokenKind) (bool, error) {
	return incrementCapacity(ctx, store.tx, vehicleID, kind)
}

func (store *TxStore) CreateReservation(ctx context.Context, reservation inventory.Reservation) error {
	return createReservation(ctx, store.tx, reservation)
}

func (store *TxStore) GetReservation(ctx context.Context, reservationID string) (inventory.Reservation, error) {
	return getReservation(ctx, store.tx, reservationID)
}

func (store *TxStore) UpdateReservationStatus(ctx context.Context, reservationID string, from, to inventory.ReservationStatus) error {
	return updateReservationStatus(ctx, store.tx, reservationID, from, to)
}

func (store *TxStore) CreateTicket(ctx context.Context, ticket inventory.OwnershipTicket) error {
	return createTicket(ctx, store.tx, ticket)
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

func ceilingExpression(kind inventory.TokenKind) string {
	switch kind {
	case inventory.KindWaitlist:
		return fmt.Sprintf("%d", inventory.WaitlistTokenCeiling)
	case inventory.KindBookNow:
		return fmt.Sprintf("%d", inventory.BookNowTokenCeiling)
	default:
		return "ticket_ceiling"
	}
}

func getVehicle(ctx context.Context, q querier, vehicleID string) (inventory.Vehicle, error) {
	var vehicle inventory.Vehicle
	err := q.QueryRow(ctx, sqlSelectVehicle, vehicleID).Scan(
		&vehicle.VehicleID,
		&vehicle.Name,
		&vehicle.WaitlistTokensAvailable,
		&vehicle.BookNowTokensAvailable,
		&vehicle.TicketsAvailable,
		&vehicle.TicketCeiling,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Vehicle{}, fmt.Errorf("%w: %s", inventory.ErrVehicleNotFound, vehicleID)
	}
	if err != nil {
		return inventory.Vehicle{}, err
	}
	return vehicle, nil
}

func decrementCapacity(ctx context.Context, q querier, vehicleID string, kind inventory.TokenKind) error {
	tag, err := q.Exec(ctx, fmt.Sprintf(sqlDecrementCounter, counterColumn(kind)), vehicleID)
	if err != nil {
		if isRetryableConflict(err) {
			return fmt.Errorf("%w: %v", inventory.ErrStoreConflict, err)
		}
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := getVehicle(ctx, q, vehicleID); err != nil {
		return err
	}
	return fmt.Errorf("%w: vehicle %s has no %s capacity", inventory.ErrOutOfCapacity, vehicleID, kind)
}

func incrementCapacity(ctx context.Context, q querier, vehicleID string, kind inventory.TokenKind) (bool, error) {
	tag, err := q.Exec(ctx, fmt.Sprintf(sqlIncrementCounter, counterColumn(kind), ceilingExpression(kind)), vehicleID)
	if err != nil {
		if isRetryableConflict(err) {
			return false, fmt.Errorf("%w: %v", inventory.ErrStoreConflict, err)
		}
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return false, nil
	}
	if _, err := getVehicle(ctx, q, vehicleID); err != nil {
		return false, err
	}
	return true, nil
}

func createReservation(ctx context.Context, q querier, reservation inventory.Reservation) error {
	_, err := q.Exec(ctx, sqlInsertReservation,
		reservation.ReservationID,
		reservation.VehicleID,
		reservation.HolderID,
		reservation.Kind.String(),
		reservation.CustomID,
		reservation.AmountPaidCents,
		reservation.ExpiresAtUnixUTC,
		reservation.Status.String(),
		reservation.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintReservationCustomID) {
		return fmt.Errorf("%w: %s", inventory.ErrDuplicateCustomID, reservation.CustomID)
	}
	return err
}

func getReservation(ctx context.Context, q querier, reservationID string) (inventory.Reservation, error) {
	var (
		reservation  inventory.Reservation
		kindValue    string
		statusValue  string
		refundStatus string
	)
	err := q.QueryRow(ctx, sqlSelectReservation, reservationID).Scan(
		&reservation.ReservationID,
		&reservation.VehicleID,
		&reservation.HolderID,
		&kindValue,
		&reservation.CustomID,
		&reservation.AmountPaidCents,
		&reservation.ExpiresAtUnixUTC,
		&statusValue,
		&refundStatus,
		&reservation.CreatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Reservation{}, fmt.Errorf("%w: %s", inventory.ErrReservationNotFound, reservationID)
	}
	if err != nil {
		return inventory.Reservation{}, err
	}
	kind, err := inventory.ParseTokenKind(kindValue)
	if err != nil {
		return inventory.Reservation{}, err
	}
	status, err := inventory.ParseReservationStatus(statusValue)
	if err != nil {
		return inventory.Reservation{}, err
	}
	reservation.Kind = kind
	reservation.Status = status
	reservation.Refund.Status = refundStatusOrNone(refundStatus)
	return reservation, nil
}

func updateReservationStatus(ctx context.Context, q querier, reservationID string, from, to inventory.ReservationStatus) error {
	tag, err := q.Exec(ctx, sqlUpdateReservationStatus, reservationID, from.String(), to.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := getReservation(ctx, q, reservationID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", inventory.ErrReservationClosed, reservationID)
}

func createTicket(ctx context.Context, q querier, ticket inventory.OwnershipTicket) error {
	created := ticket.CreatedUnixUTC
	if created == 0 {
		created = time.Now().UTC().Unix()
	}
	_, err := q.Exec(ctx, sqlInsertTicket,
		ticket.TicketID,
		ticket.VehicleID,
		ticket.HolderID,
		ticket.CustomID,
		ticket.PriceCents,
		ticket.AmountPaidCents,
		ticket.PendingAmountCents,
		ticket.Status.String(),
		ticket.Resold,
		created,
	)
	if isUniqueViolation(err, constraintTicketCustomID) {
		return fmt.Errorf("%w: %s", inventory.ErrDuplicateCustomID, ticket.CustomID)
	}
	return err
}

func refundStatusOrNone(raw string) refund.Status {
	parsed, err := refund.ParseStatus(raw)
	if err != nil {
		return refund.StatusNone
	}
	return parsed
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	return false
}

func isRetryableConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}
