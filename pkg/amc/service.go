package amc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetshare/treasury/pkg/notify"
	"github.com/fleetshare/treasury/pkg/refund"
)

const (
	defaultLookahead          = 7 * 24 * time.Hour
	defaultPenaltyCentsPerDay = 100
	secondsPerDay             = 86400
)

// Store is the persistence contract used by Service. Every mutation is a
// single conditional statement, so no cross-call transaction is needed.
type Store interface {
	GetSchedule(ctx context.Context, scheduleID string) (Schedule, error)
	// UpdateYearPayment writes the paid flag and, when paidDateUnixUTC is
	// non-zero, the paid date. clearPaidDate wipes the stored paid date; a
	// zero paidDateUnixUTC without it leaves the prior date untouched.
	UpdateYearPayment(ctx context.Context, scheduleID string, yearIndex int, paid bool, paidDateUnixUTC int64, clearPaidDate bool) error
	// ListDueSchedules returns schedules holding at least one unpaid entry
	// whose due date falls inside [fromUnixUTC, toUnixUTC].
	ListDueSchedules(ctx context.Context, fromUnixUTC int64, toUnixUTC int64) ([]Schedule, error)
	// MarkReminderSent stamps the entry's reminder marker only when no
	// reminder was sent since the window opened. Returns false when the
	// entry already carries a reminder for this window.
	MarkReminderSent(ctx context.Context, scheduleID string, yearIndex int, windowStartUnixUTC int64, sentAtUnixUTC int64) (bool, error)
	// ListOverdueSchedules returns schedules holding at least one unpaid
	// entry past its due date.
	ListOverdueSchedules(ctx context.Context, asOfUnixUTC int64) ([]Schedule, error)
	// UpdateYearPenalty raises the stored penalty. The store guards
	// monotonicity: a value at or below the current penalty is a no-op.
	UpdateYearPenalty(ctx context.Context, scheduleID string, yearIndex int, penaltyCents int64) error
}

// Notifier fans out schedule events. Delivery is best effort.
type Notifier interface {
	NotifyUser(ctx context.Context, userID string, event notify.Event) error
	NotifyAllStaff(ctx context.Context, event notify.Event) error
}

// Service computes due state, applies penalties, and records payments
// against fixed multi-year schedules.
type Service struct {
	store     Store
	notifier  Notifier
	policy    PenaltyPolicy
	lookahead time.Duration
	nowFn     func() int64
	logger    *zap.Logger
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithPenaltyPolicy swaps the penalty accrual strategy.
func WithPenaltyPolicy(policy PenaltyPolicy) ServiceOption {
	return func(service *Service) {
		if policy != nil {
			service.policy = policy
		}
	}
}

// WithLookahead adjusts the reminder lookahead window.
func WithLookahead(lookahead time.Duration) ServiceOption {
	return func(service *Service) {
		if lookahead > 0 {
			service.lookahead = lookahead
		}
	}
}

// WithLogger wires a structured logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
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
	service := &Service{
		store:     store,
		notifier:  notifier,
		policy:    DailyRatePolicy{CentsPerDay: defaultPenaltyCentsPerDay},
		lookahead: defaultLookahead,
		nowFn:     now,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// RecordPaymentInput describes one payment (or payment reversal) against a
// schedule slot.
type RecordPaymentInput struct {
	ScheduleID      string
	YearIndex       int
	Paid            bool
	PaidDateUnixUTC int64
	// ClearPaidDate wipes the stored paid date when un-marking an entry.
	// Without it the prior paid date is preserved.
	ClearPaidDate bool
}

// RecordPayment locates the schedule slot by year index and records the
// payment state. Marking an entry paid notifies the holder and all staff
// with the schedule's paid-so-far total.
func (service *Service) RecordPayment(ctx context.Context, input RecordPaymentInput) (Schedule, error) {
	if input.PaidDateUnixUTC < 0 {
		return Schedule{}, fmt.Errorf("%w: negative timestamp", ErrInvalidPaidDate)
	}
	schedule, err := service.store.GetSchedule(ctx, input.ScheduleID)
	if err != nil {
		return Schedule{}, err
	}
	entry, ok := schedule.EntryByYear(input.YearIndex)
	if !ok {
		return Schedule{}, fmt.Errorf("%w: year %d", ErrYearIndexNotFound, input.YearIndex)
	}

	paidDate := input.PaidDateUnixUTC
	if input.Paid && paidDate == 0 {
		paidDate = service.nowFn()
	}
	if err := service.store.UpdateYearPayment(ctx, input.ScheduleID, input.YearIndex, input.Paid, paidDate, input.ClearPaidDate); err != nil {
		return Schedule{}, err
	}
	updated, err := service.store.GetSchedule(ctx, input.ScheduleID)
	if err != nil {
		return Schedule{}, err
	}

	if input.Paid && !entry.Paid {
		service.notifyPaymentRecorded(ctx, updated, input.YearIndex)
	}
	return updated, nil
}

// SweepReminders emits one reminder per holder per qualifying unpaid entry
// whose due date falls within the lookahead window. Safe to run concurrently
// with request traffic and to re-run within the same window: the per-entry
// reminder marker is flipped conditionally, so a second sweep sends nothing.
func (service *Service) SweepReminders(ctx context.Context, nowUnixUTC int64) (SweepReport, error) {
	windowEnd := nowUnixUTC + int64(service.lookahead/time.Second)
	schedules, err := service.store.ListDueSchedules(ctx, nowUnixUTC, windowEnd)
	if err != nil {
		return SweepReport{}, err
	}

	report := SweepReport{SchedulesChecked: len(schedules)}
	for _, schedule := range schedules {
		for _, entry := range schedule.Entries {
			if entry.Paid || entry.DueDateUnixUTC < nowUnixUTC || entry.DueDateUnixUTC > windowEnd {
				continue
			}
			windowStart := entry.DueDateUnixUTC - int64(service.lookahead/time.Second)
			sent, err := service.store.MarkReminderSent(ctx, schedule.ScheduleID, entry.YearIndex, windowStart, nowUnixUTC)
			if err != nil {
				return report, err
			}
			if !sent {
				continue
			}
			report.RemindersSent++
			service.notifyReminder(ctx, schedule, entry)
		}
	}
	service.logger.Info("amc reminder sweep finished",
		zap.Int("schedules_checked", report.SchedulesChecked),
		zap.Int("reminders_sent", report.RemindersSent))
	return report, nil
}

// AccruePenalties recomputes penalties for overdue unpaid entries. Accrual
// is suspended while a refund is in flight on the entry, and the stored
// penalty never decreases.
func (service *Service) AccruePenalties(ctx context.Context, nowUnixUTC int64) (int, error) {
	schedules, err := service.store.ListOverdueSchedules(ctx, nowUnixUTC)
	if err != nil {
		return 0, err
	}
	updatedEntries := 0
	for _, schedule := range schedules {
		for _, entry := range schedule.Entries {
			if !entry.Overdue(nowUnixUTC) {
				continue
			}
			if entry.Refund.Status != refund.StatusNone {
				continue
			}
			daysOverdue := int((nowUnixUTC - entry.DueDateUnixUTC) / secondsPerDay)
			target := service.policy.PenaltyCents(entry.AmountCents, daysOverdue)
			if target <= entry.PenaltyCents {
				continue
			}
			if err := service.store.UpdateYearPenalty(ctx, schedule.ScheduleID, entry.YearIndex, target); err != nil {
				return updatedEntries, err
			}
			updatedEntries++
		}
	}
	return updatedEntries, nil
}

func (service *Service) notifyPaymentRecorded(ctx context.Context, schedule Schedule, yearIndex int) {
	paidTotal := schedule.PaidTotalCents()
	event := notify.Event{
		Type:        notify.TypeAMCPaymentRecorded,
		Title:       "Maintenance charge recorded",
		Message:     fmt.Sprintf("AMC payment for year %d recorded. Paid so far: %d.", yearIndex, paidTotal),
		RelatedKind: "amc_schedule",
		RelatedID:   schedule.ScheduleID,
		Metadata: map[string]string{
			"schedule_id":     schedule.ScheduleID,
			"vehicle_id":      schedule.VehicleID,
			"year_index":      fmt.Sprintf("%d", yearIndex),
			"paid_total_cents": fmt.Sprintf("%d", paidTotal),
		},
	}
	if err := service.notifier.NotifyUser(ctx, schedule.HolderID, event); err != nil {
		service.logger.Warn("amc payment notification failed", zap.String("schedule_id", schedule.ScheduleID), zap.Error(err))
	}
	if err := service.notifier.NotifyAllStaff(ctx, event); err != nil {
		service.logger.Warn("amc staff notification failed", zap.String("schedule_id", schedule.ScheduleID), zap.Error(err))
	}
}

func (service *Service) notifyReminder(ctx context.Context, schedule Schedule, entry YearEntry) {
	event := notify.Event{
		Type:        notify.TypeAMCReminder,
		Title:       "Maintenance charge due soon",
		Message:     fmt.Sprintf("AMC year %d for vehicle %s is due on %s.", entry.YearIndex, schedule.VehicleID, time.Unix(entry.DueDateUnixUTC, 0).UTC().Format("2006-01-02")),
		RelatedKind: "amc_schedule",
		RelatedID:   schedule.ScheduleID,
		Metadata: map[string]string{
			"schedule_id": schedule.ScheduleID,
			"vehicle_id":  schedule.VehicleID,
			"year_index":  fmt.Sprintf("%d", entry.YearIndex),
			"due_date":    fmt.Sprintf("%d", entry.DueDateUnixUTC),
		},
	}
	if err := service.notifier.NotifyUser(ctx, schedule.HolderID, event); err != nil {
		service.logger.Warn("amc reminder notification failed", zap.String("schedule_id", schedule.ScheduleID), zap.Error(err))
	}
}
