package amc

import (
	"github.com/fleetshare/treasury/pkg/refund"
)

// YearEntry is one slot of the fixed multi-year maintenance schedule.
// Year indexes are unique within a schedule and monotonically increasing.
type YearEntry struct {
	YearIndex           int
	AmountCents         int64
	Paid                bool
	DueDateUnixUTC      int64
	PaidDateUnixUTC     int64
	PenaltyCents        int64
	LastReminderUnixUTC int64
	Refund              refund.SubState
}

// Overdue reports whether the entry is unpaid past its due date.
func (entry YearEntry) Overdue(nowUnixUTC int64) bool {
	return !entry.Paid && entry.DueDateUnixUTC < nowUnixUTC
}

// Schedule is the amortized maintenance charge plan for one ownership ticket.
type Schedule struct {
	ScheduleID string
	HolderID   string
	VehicleID  string
	TicketID   string
	Entries    []YearEntry
}

// EntryByYear finds the entry with the given year index.
func (schedule Schedule) EntryByYear(yearIndex int) (YearEntry, bool) {
	for _, entry := range schedule.Entries {
		if entry.YearIndex == yearIndex {
			return entry, true
		}
	}
	return YearEntry{}, false
}

// PaidTotalCents sums the amounts of all paid entries, the schedule's
// paid-so-far revenue.
func (schedule Schedule) PaidTotalCents() int64 {
	var total int64
	for _, entry := range schedule.Entries {
		if entry.Paid {
			total += entry.AmountCents
		}
	}
	return total
}

// SweepReport summarizes one reminder sweep for observability.
type SweepReport struct {
	SchedulesChecked int
	RemindersSent    int
}
