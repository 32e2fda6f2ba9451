package httpapi

import (
	"encoding/json"

	"github.com/fleetshare/treasury/pkg/amc"
	"github.com/fleetshare/treasury/pkg/inventory"
	"github.com/fleetshare/treasury/pkg/notify"
	"github.com/fleetshare/treasury/pkg/refund"
)

type tokenPurchaseRequest struct {
	VehicleID        string `json:"vehicle_id" binding:"required"`
	Kind             string `json:"kind" binding:"required"`
	OrderID          string `json:"order_id" binding:"required"`
	PaymentID        string `json:"payment_id" binding:"required"`
	Signature        string `json:"signature" binding:"required"`
	AmountCents      int64  `json:"amount_cents" binding:"required"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc"`
}

type ticketPurchaseRequest struct {
	VehicleID   string `json:"vehicle_id" binding:"required"`
	OrderID     string `json:"order_id" binding:"required"`
	PaymentID   string `json:"payment_id" binding:"required"`
	Signature   string `json:"signature" binding:"required"`
	PriceCents  int64  `json:"price_cents" binding:"required"`
	AmountCents int64  `json:"amount_cents"`
}

type initiateRefundRequest struct {
	PaymentID       string `json:"payment_id" binding:"required"`
	AmountCents     int64  `json:"amount_cents" binding:"required"`
	Reason          string `json:"reason"`
	TransactionType string `json:"transaction_type" binding:"required"`
	TransactionID   string `json:"transaction_id" binding:"required"`
}

type cancelRefundRequest struct {
	Reason string `json:"reason"`
}

type refundWebhookPayload struct {
	GatewayRefundID string `json:"gateway_refund_id"`
	Event           string `json:"event"`
}

type amcPaymentRequest struct {
	YearIndex       int   `json:"year_index"`
	Paid            bool  `json:"paid"`
	PaidDateUnixUTC int64 `json:"paid_date_unix_utc"`
	ClearPaidDate   bool  `json:"clear_paid_date"`
}

type reservationPayload struct {
	ReservationID    string `json:"reservation_id"`
	VehicleID        string `json:"vehicle_id"`
	HolderID         string `json:"holder_id"`
	Kind             string `json:"kind"`
	CustomID         string `json:"custom_id"`
	AmountPaidCents  int64  `json:"amount_paid_cents"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc,omitempty"`
	Status           string `json:"status"`
	RefundStatus     string `json:"refund_status"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
}

func reservationPayloadFrom(reservation inventory.Reservation) reservationPayload {
	return reservationPayload{
		ReservationID:    reservation.ReservationID,
		VehicleID:        reservation.VehicleID,
		HolderID:         reservation.HolderID,
		Kind:             reservation.Kind.String(),
		CustomID:         reservation.CustomID,
		AmountPaidCents:  reservation.AmountPaidCents,
		ExpiresAtUnixUTC: reservation.ExpiresAtUnixUTC,
		Status:           reservation.Status.String(),
		RefundStatus:     refundStatusOrNone(reservation.Refund.Status),
		CreatedUnixUTC:   reservation.CreatedUnixUTC,
	}
}

type ticketPayload struct {
	TicketID           string `json:"ticket_id"`
	VehicleID          string `json:"vehicle_id"`
	HolderID           string `json:"holder_id"`
	CustomID           string `json:"custom_id"`
	PriceCents         int64  `json:"price_cents"`
	AmountPaidCents    int64  `json:"amount_paid_cents"`
	PendingAmountCents int64  `json:"pending_amount_cents"`
	Status             string `json:"status"`
	CreatedUnixUTC     int64  `json:"created_unix_utc"`
}

func ticketPayloadFrom(ticket inventory.OwnershipTicket) ticketPayload {
	return ticketPayload{
		TicketID:           ticket.TicketID,
		VehicleID:          ticket.VehicleID,
		HolderID:           ticket.HolderID,
		CustomID:           ticket.CustomID,
		PriceCents:         ticket.PriceCents,
		AmountPaidCents:    ticket.AmountPaidCents,
		PendingAmountCents: ticket.PendingAmountCents,
		Status:             ticket.Status.String(),
		CreatedUnixUTC:     ticket.CreatedUnixUTC,
	}
}

type refundPayload struct {
	RecordID           string `json:"record_id"`
	PaymentID          string `json:"payment_id"`
	OrderID            string `json:"order_id"`
	GatewayRefundID    string `json:"gateway_refund_id"`
	AmountCents        int64  `json:"amount_cents"`
	Status             string `json:"status"`
	HolderID           string `json:"holder_id"`
	TransactionType    string `json:"transaction_type"`
	TransactionID      string `json:"transaction_id"`
	Reason             string `json:"reason,omitempty"`
	InitiatedAtUnixUTC int64  `json:"initiated_at_unix_utc"`
	ProcessedAtUnixUTC int64  `json:"processed_at_unix_utc,omitempty"`
	CompletedAtUnixUTC int64  `json:"completed_at_unix_utc,omitempty"`
}

func refundPayloadFrom(record refund.Record) refundPayload {
	return refundPayload{
		RecordID:           record.RecordID,
		PaymentID:          record.PaymentID,
		OrderID:            record.OrderID,
		GatewayRefundID:    record.GatewayRefundID,
		AmountCents:        record.AmountCents,
		Status:             record.Status.String(),
		HolderID:           record.HolderID,
		TransactionType:    record.TransactionType.String(),
		TransactionID:      record.TransactionID,
		Reason:             record.Reason,
		InitiatedAtUnixUTC: record.InitiatedAtUnixUTC,
		ProcessedAtUnixUTC: record.ProcessedAtUnixUTC,
		CompletedAtUnixUTC: record.CompletedAtUnixUTC,
	}
}

type yearEntryPayload struct {
	YearIndex           int    `json:"year_index"`
	AmountCents         int64  `json:"amount_cents"`
	Paid                bool   `json:"paid"`
	DueDateUnixUTC      int64  `json:"due_date_unix_utc"`
	PaidDateUnixUTC     int64  `json:"paid_date_unix_utc,omitempty"`
	PenaltyCents        int64  `json:"penalty_cents"`
	LastReminderUnixUTC int64  `json:"last_reminder_unix_utc,omitempty"`
	RefundStatus        string `json:"refund_status"`
}

type schedulePayload struct {
	ScheduleID     string             `json:"schedule_id"`
	HolderID       string             `json:"holder_id"`
	VehicleID      string             `json:"vehicle_id"`
	TicketID       string             `json:"ticket_id"`
	PaidTotalCents int64              `json:"paid_total_cents"`
	Entries        []yearEntryPayload `json:"entries"`
}

func schedulePayloadFrom(schedule amc.Schedule) schedulePayload {
	entries := make([]yearEntryPayload, 0, len(schedule.Entries))
	for _, entry := range schedule.Entries {
		entries = append(entries, yearEntryPayload{
			YearIndex:           entry.YearIndex,
			AmountCents:         entry.AmountCents,
			Paid:                entry.Paid,
			DueDateUnixUTC:      entry.DueDateUnixUTC,
			PaidDateUnixUTC:     entry.PaidDateUnixUTC,
			PenaltyCents:        entry.PenaltyCents,
			LastReminderUnixUTC: entry.LastReminderUnixUTC,
			RefundStatus:        refundStatusOrNone(entry.Refund.Status),
		})
	}
	return schedulePayload{
		ScheduleID:     schedule.ScheduleID,
		HolderID:       schedule.HolderID,
		VehicleID:      schedule.VehicleID,
		TicketID:       schedule.TicketID,
		PaidTotalCents: schedule.PaidTotalCents(),
		Entries:        entries,
	}
}

type notificationPayload struct {
	NotificationID string            `json:"notification_id"`
	Type           string            `json:"type"`
	Title          string            `json:"title"`
	Message        string            `json:"message,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	RelatedKind    string            `json:"related_kind,omitempty"`
	RelatedID      string            `json:"related_id,omitempty"`
	Priority       string            `json:"priority"`
	IsRead         bool              `json:"is_read"`
	ReadAtUnixUTC  int64             `json:"read_at_unix_utc,omitempty"`
	CreatedUnixUTC int64             `json:"created_unix_utc"`
}

func notificationPayloadFrom(notification notify.Notification) notificationPayload {
	return notificationPayload{
		NotificationID: notification.NotificationID,
		Type:           notification.Type.String(),
		Title:          notification.Title,
		Message:        notification.Message,
		Metadata:       notification.Metadata,
		RelatedKind:    notification.RelatedKind,
		RelatedID:      notification.RelatedID,
		Priority:       notification.Priority.String(),
		IsRead:         notification.IsRead,
		ReadAtUnixUTC:  notification.ReadAtUnixUTC,
		CreatedUnixUTC: notification.CreatedUnixUTC,
	}
}

func refundStatusOrNone(status refund.Status) string {
	if status == "" {
		return refund.StatusNone.String()
	}
	return status.String()
}

func bindJSONBytes(body []byte, target any) error {
	return json.Unmarshal(body, target)
}
