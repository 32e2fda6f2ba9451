package amc

// PenaltyPolicy computes the penalty owed on an unpaid entry as a function
// of elapsed overdue days. Implementations must be monotonic in daysOverdue;
// the manager never lowers a stored penalty.
type PenaltyPolicy interface {
	PenaltyCents(amountCents int64, daysOverdue int) int64
}

// DailyRatePolicy charges a flat amount per overdue day.
type DailyRatePolicy struct {
	CentsPerDay int64
}

// PenaltyCents implements PenaltyPolicy.
func (policy DailyRatePolicy) PenaltyCents(_ int64, daysOverdue int) int64 {
	if daysOverdue <= 0 {
		return 0
	}
	return int64(daysOverdue) * policy.CentsPerDay
}

// BasisPointsPerDayPolicy charges a fraction of the entry amount per overdue
// day, expressed in basis points (1/100th of a percent).
type BasisPointsPerDayPolicy struct {
	BasisPointsPerDay int64
}

// PenaltyCents implements PenaltyPolicy.
func (policy BasisPointsPerDayPolicy) PenaltyCents(amountCents int64, daysOverdue int) int64 {
	if daysOverdue <= 0 {
		return 0
	}
	return amountCents * policy.BasisPointsPerDay * int64(daysOverdue) / 10000
}
