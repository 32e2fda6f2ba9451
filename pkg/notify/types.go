package notify

import "strings"

// RecipientKind distinguishes end users from administrative staff.
type RecipientKind string

const (
	RecipientUser  RecipientKind = "user"
	RecipientStaff RecipientKind = "staff"
)

// ParseRecipientKind validates a raw recipient kind.
func ParseRecipientKind(raw string) (RecipientKind, error) {
	switch RecipientKind(strings.TrimSpace(raw)) {
	case RecipientUser:
		return RecipientUser, nil
	case RecipientStaff:
		return RecipientStaff, nil
	default:
		return "", ErrInvalidRecipientKind
	}
}

// String returns the kind as stored.
func (kind RecipientKind) String() string {
	return string(kind)
}

// Priority orders notifications for the consumer UI.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// String returns the priority as stored.
func (priority Priority) String() string {
	return string(priority)
}

// Type is the closed enumeration of notification kinds.
type Type string

const (
	TypeAMCReminder        Type = "amc_reminder"
	TypeAMCPaymentRecorded Type = "amc_payment_recorded"
	TypeRefundInitiated    Type = "refund_initiated"
	TypeRefundProcessed    Type = "refund_processed"
	TypeRefundFailed       Type = "refund_failed"
	TypeRefundCancelled    Type = "refund_cancelled"
	TypeUserMadeBooking    Type = "user_made_booking"
	TypeBookingDropped     Type = "booking_dropped"
	TypeBookingExpired     Type = "booking_expired"
	TypeTicketIssued       Type = "ticket_issued"
	TypeKYCApproved        Type = "kyc_approved"
)

// String returns the type as stored.
func (notificationType Type) String() string {
	return string(notificationType)
}

var priorityByType = map[Type]Priority{
	TypeAMCReminder:        PriorityHigh,
	TypeAMCPaymentRecorded: PriorityMedium,
	TypeRefundInitiated:    PriorityMedium,
	TypeRefundProcessed:    PriorityHigh,
	TypeRefundFailed:       PriorityHigh,
	TypeRefundCancelled:    PriorityMedium,
	TypeUserMadeBooking:    PriorityMedium,
	TypeBookingDropped:     PriorityLow,
	TypeBookingExpired:     PriorityLow,
	TypeTicketIssued:       PriorityMedium,
	TypeKYCApproved:        PriorityLow,
}

// PriorityFor maps a notification type onto its static priority.
// Unknown types default to medium.
func PriorityFor(notificationType Type) Priority {
	if priority, ok := priorityByType[notificationType]; ok {
		return priority
	}
	return PriorityMedium
}

// Event describes one domain occurrence to fan out.
type Event struct {
	Type        Type
	Title       string
	Message     string
	Metadata    map[string]string
	RelatedKind string
	RelatedID   string
}

// Notification is one persisted, queryable notification row.
type Notification struct {
	NotificationID string
	RecipientID    string
	RecipientKind  RecipientKind
	Type           Type
	Title          string
	Message        string
	Metadata       map[string]string
	RelatedKind    string
	RelatedID      string
	Priority       Priority
	IsRead         bool
	ReadAtUnixUTC  int64
	CreatedUnixUTC int64
}

// Page is one newest-first slice of a recipient's notifications.
type Page struct {
	Notifications []Notification
	TotalCount    int64
	UnreadCount   int64
}
