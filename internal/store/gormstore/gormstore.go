// Package gormstore implements the treasury domain store contracts on GORM,
// backed by sqlite or postgres.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/fleetshare/treasury/pkg/amc"
	"github.com/fleetshare/treasury/pkg/inventory"
	"github.com/fleetshare/treasury/pkg/refund"
)

const (
	pgUniqueViolationCode      = "23505"
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	sqliteConstraintCode       = 19
	sqliteBusyCode             = 5
)

// Seed helpers used by cmd wiring and tests; vehicle onboarding and staff
// management proper live outside the treasury core.

// CreateVehicle inserts a vehicle with its counters at their ceilings unless
// explicitly set lower.
func CreateVehicle(db *gorm.DB, vehicle inventory.Vehicle) (inventory.Vehicle, error) {
	model := Vehicle{
		VehicleID:               vehicle.VehicleID,
		Name:                    vehicle.Name,
		WaitlistTokensAvailable: vehicle.WaitlistTokensAvailable,
		BookNowTokensAvailable:  vehicle.BookNowTokensAvailable,
		TicketsAvailable:        vehicle.TicketsAvailable,
		TicketCeiling:           vehicle.TicketCeiling,
	}
	if err := db.Create(&model).Error; err != nil {
		return inventory.Vehicle{}, err
	}
	vehicle.VehicleID = model.VehicleID
	return vehicle, nil
}

// CreateStaffMember inserts one staff row.
func CreateStaffMember(db *gorm.DB, staffID string, email string, name string, role string) (string, error) {
	model := StaffMember{StaffID: staffID, Email: email, Name: name, Role: role, Active: true}
	if err := db.Create(&model).Error; err != nil {
		return "", err
	}
	return model.StaffID, nil
}

// CreateSchedule inserts a schedule with its year entries.
func CreateSchedule(db *gorm.DB, schedule amc.Schedule) (amc.Schedule, error) {
	model := AMCSchedule{
		ScheduleID: schedule.ScheduleID,
		HolderID:   schedule.HolderID,
		VehicleID:  schedule.VehicleID,
		TicketID:   schedule.TicketID,
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		for _, entry := range schedule.Entries {
			row := AMCYearEntry{
				ScheduleID:     model.ScheduleID,
				YearIndex:      entry.YearIndex,
				AmountCents:    entry.AmountCents,
				Paid:           entry.Paid,
				DueDate:        time.Unix(entry.DueDateUnixUTC, 0).UTC(),
				PaidDate:       unixToTimePtr(entry.PaidDateUnixUTC),
				PenaltyCents:   entry.PenaltyCents,
				LastReminderAt: unixToTimePtr(entry.LastReminderUnixUTC),
				Refund:         subStateToModel(entry.Refund),
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return amc.Schedule{}, err
	}
	schedule.ScheduleID = model.ScheduleID
	return schedule, nil
}

func unixToTimePtr(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	converted := time.Unix(value, 0).UTC()
	return &converted
}

func timePtrToUnix(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func subStateToModel(state refund.SubState) RefundSubState {
	status := state.Status
	if status == "" {
		status = refund.StatusNone
	}
	return RefundSubState{
		RefundID:    state.RefundID,
		AmountCents: state.AmountCents,
		Status:      status.String(),
		InitiatedAt: unixToTimePtr(state.InitiatedAtUnixUTC),
		ProcessedAt: unixToTimePtr(state.ProcessedAtUnixUTC),
		CompletedAt: unixToTimePtr(state.CompletedAtUnixUTC),
		Reason:      state.Reason,
		ActorID:     state.ActorID,
	}
}

func modelToSubState(model RefundSubState) refund.SubState {
	status := refund.Status(model.Status)
	if status == "" {
		status = refund.StatusNone
	}
	return refund.SubState{
		RefundID:           model.RefundID,
		AmountCents:        model.AmountCents,
		Status:             status,
		InitiatedAtUnixUTC: timePtrToUnix(model.InitiatedAt),
		ProcessedAtUnixUTC: timePtrToUnix(model.ProcessedAt),
		CompletedAtUnixUTC: timePtrToUnix(model.CompletedAt),
		Reason:             model.Reason,
		ActorID:            model.ActorID,
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isRetryableConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteBusyCode
	}
	return false
}

func withContext(ctx context.Context, db *gorm.DB) *gorm.DB {
	return db.WithContext(ctx)
}
