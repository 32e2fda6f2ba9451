package amc

import "errors"

// Domain-level error values returned by the schedule manager.
var (
	ErrScheduleNotFound     = errors.New("amc schedule not found")
	ErrYearIndexNotFound    = errors.New("year index not found in schedule")
	ErrInvalidPaidDate      = errors.New("invalid paid date")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)
