package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fleetshare/treasury/pkg/amc"
)

// Schedules implements amc.Store on a GORM connection.
type Schedules struct {
	db *gorm.DB
}

// NewSchedules wraps a GORM connection.
func NewSchedules(db *gorm.DB) *Schedules {
	return &Schedules{db: db}
}

// GetSchedule loads one schedule with its year entries ordered by year index.
func (store *Schedules) GetSchedule(ctx context.Context, scheduleID string) (amc.Schedule, error) {
	var model AMCSchedule
	err := withContext(ctx, store.db).First(&model, "schedule_id = ?", scheduleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return amc.Schedule{}, fmt.Errorf("%w: %s", amc.ErrScheduleNotFound, scheduleID)
	}
	if err != nil {
		return amc.Schedule{}, err
	}
	entries, err := store.loadEntries(ctx, scheduleID)
	if err != nil {
		return amc.Schedule{}, err
	}
	return scheduleFromModel(model, entries), nil
}

// UpdateYearPayment writes the paid flag and paid date on one entry.
// A zero paidDateUnixUTC without clearPaidDate leaves the stored date as is.
func (store *Schedules) UpdateYearPayment(ctx context.Context, scheduleID string, yearIndex int, paid bool, paidDateUnixUTC int64, clearPaidDate bool) error {
	updates := map[string]any{"paid": paid}
	if clearPaidDate {
		updates["paid_date"] = gorm.Expr("NULL")
	} else if paidDateUnixUTC != 0 {
		updates["paid_date"] = time.Unix(paidDateUnixUTC, 0).UTC()
	}
	result := withContext(ctx, store.db).
		Model(&AMCYearEntry{}).
		Where("schedule_id = ? AND year_index = ?", scheduleID, yearIndex).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: schedule %s year %d", amc.ErrYearIndexNotFound, scheduleID, yearIndex)
	}
	return nil
}

// ListDueSchedules returns schedules holding at least one unpaid entry due
// inside [fromUnixUTC, toUnixUTC].
func (store *Schedules) ListDueSchedules(ctx context.Context, fromUnixUTC int64, toUnixUTC int64) ([]amc.Schedule, error) {
	return store.listSchedulesWhere(ctx,
		"paid = ? AND due_date >= ? AND due_date <= ?",
		false, time.Unix(fromUnixUTC, 0).UTC(), time.Unix(toUnixUTC, 0).UTC())
}

// MarkReminderSent stamps the entry's reminder marker only when no reminder
// was sent since the window opened, so a re-run of the same sweep sends
// nothing.
func (store *Schedules) MarkReminderSent(ctx context.Context, scheduleID string, yearIndex int, windowStartUnixUTC int64, sentAtUnixUTC int64) (bool, error) {
	result := withContext(ctx, store.db).
		Model(&AMCYearEntry{}).
		Where("schedule_id = ? AND year_index = ? AND paid = ? AND (last_reminder_at IS NULL OR last_reminder_at < ?)",
			scheduleID, yearIndex, false, time.Unix(windowStartUnixUTC, 0).UTC()).
		Update("last_reminder_at", time.Unix(sentAtUnixUTC, 0).UTC())
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListOverdueSchedules returns schedules holding at least one unpaid entry
// past its due date.
func (store *Schedules) ListOverdueSchedules(ctx context.Context, asOfUnixUTC int64) ([]amc.Schedule, error) {
	return store.listSchedulesWhere(ctx, "paid = ? AND due_date < ?", false, time.Unix(asOfUnixUTC, 0).UTC())
}

// UpdateYearPenalty raises the stored penalty. The guard keeps the penalty
// monotonic even when two accrual passes race.
func (store *Schedules) UpdateYearPenalty(ctx context.Context, scheduleID string, yearIndex int, penaltyCents int64) error {
	result := withContext(ctx, store.db).
		Model(&AMCYearEntry{}).
		Where("schedule_id = ? AND year_index = ? AND penalty_cents < ?", scheduleID, yearIndex, penaltyCents).
		Update("penalty_cents", penaltyCents)
	return result.Error
}

func (store *Schedules) listSchedulesWhere(ctx context.Context, condition string, args ...any) ([]amc.Schedule, error) {
	var matching []AMCYearEntry
	err := withContext(ctx, store.db).
		Distinct("schedule_id").
		Where(condition, args...).
		Find(&matching).Error
	if err != nil {
		return nil, err
	}
	schedules := make([]amc.Schedule, 0, len(matching))
	for _, match := range matching {
		schedule, err := store.GetSchedule(ctx, match.ScheduleID)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	return schedules, nil
}

func (store *Schedules) loadEntries(ctx context.Context, scheduleID string) ([]amc.YearEntry, error) {
	var models []AMCYearEntry
	err := withContext(ctx, store.db).
		Where("schedule_id = ?", scheduleID).
		Order("year_index ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	entries := make([]amc.YearEntry, 0, len(models))
	for _, model := range models {
		entries = append(entries, amc.YearEntry{
			YearIndex:           model.YearIndex,
			AmountCents:         model.AmountCents,
			Paid:                model.Paid,
			DueDateUnixUTC:      model.DueDate.Unix(),
			PaidDateUnixUTC:     timePtrToUnix(model.PaidDate),
			PenaltyCents:        model.PenaltyCents,
			LastReminderUnixUTC: timePtrToUnix(model.LastReminderAt),
			Refund:              modelToSubState(model.Refund),
		})
	}
	return entries, nil
}

func scheduleFromModel(model AMCSchedule, entries []amc.YearEntry) amc.Schedule {
	return amc.Schedule{
		ScheduleID: model.ScheduleID,
		HolderID:   model.HolderID,
		VehicleID:  model.VehicleID,
		TicketID:   model.TicketID,
		Entries:    entries,
	}
}
