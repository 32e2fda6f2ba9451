package gateway

// Payment is the gateway's view of an original payment.
type Payment struct {
	PaymentID   string
	OrderID     string
	Status      string
	AmountCents int64
}

// Refund is the gateway's view of one refund attempt.
type Refund struct {
	RefundID string
	Status   string
}

// Payment statuses reported by the gateway.
const (
	PaymentStatusCreated    = "created"
	PaymentStatusAuthorized = "authorized"
	PaymentStatusCaptured   = "captured"
	PaymentStatusRefunded   = "refunded"
)

// Refund statuses reported by the gateway.
const (
	RefundReportPending   = "pending"
	RefundReportProcessed = "processed"
	RefundReportSettled   = "settled"
	RefundReportFailed    = "failed"
)
