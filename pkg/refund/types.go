package refund

import (
	"fmt"
	"strings"
)

// Status is the refund lifecycle position, shared by the top-level Record and
// the sub-state embedded on the paying entity.
type Status string

const (
	StatusNone       Status = "none"
	StatusInitiated  Status = "initiated"
	StatusProcessed  Status = "processed"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ParseStatus validates a raw status value.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.TrimSpace(raw)) {
	case StatusNone, StatusInitiated, StatusProcessed, StatusSuccessful, StatusFailed, StatusCancelled:
		return Status(strings.TrimSpace(raw)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// String returns the status as stored.
func (status Status) String() string {
	return string(status)
}

// Terminal reports whether no further transition is accepted.
func (status Status) Terminal() bool {
	switch status {
	case StatusSuccessful, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Allows reports whether the machine accepts a transition to next.
// none → initiated → {processed|failed|cancelled}; processed → successful.
// A gateway report can also settle an initiated refund in one step, which
// passes through processed.
func (status Status) Allows(next Status) bool {
	switch status {
	case StatusNone:
		return next == StatusInitiated
	case StatusInitiated:
		return next == StatusProcessed || next == StatusSuccessful || next == StatusFailed || next == StatusCancelled
	case StatusProcessed:
		return next == StatusSuccessful
	default:
		return false
	}
}

// TransactionType tags which kind of entity owns the original payment.
type TransactionType string

const (
	TransactionToken        TransactionType = "token"
	TransactionBookNowToken TransactionType = "booknowtoken"
	TransactionAMC          TransactionType = "amc"
)

// ParseTransactionType validates a raw transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.TrimSpace(raw)) {
	case TransactionToken, TransactionBookNowToken, TransactionAMC:
		return TransactionType(strings.TrimSpace(raw)), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the type as stored.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// SubState is the refund lifecycle embedded on the paying entity, kept in
// sync with the top-level Record.
type SubState struct {
	RefundID           string
	AmountCents        int64
	Status             Status
	InitiatedAtUnixUTC int64
	ProcessedAtUnixUTC int64
	CompletedAtUnixUTC int64
	Reason             string
	ActorID            string
}

// Record is the top-level audit row, one per refund attempt. Never deleted.
type Record struct {
	RecordID           string
	PaymentID          string
	OrderID            string
	GatewayRefundID    string
	AmountCents        int64
	Status             Status
	HolderID           string
	TransactionType    TransactionType
	TransactionID      string
	Reason             string
	ActorID            string
	InitiatedAtUnixUTC int64
	ProcessedAtUnixUTC int64
	CompletedAtUnixUTC int64
}

// Transaction is the refundable entity that owns the original payment.
// Variants form a tagged union dispatched on by the reconciler and the store.
type Transaction interface {
	TransactionType() TransactionType
	TransactionID() string
	HolderID() string
	OriginalAmountCents() int64
	RefundSubState() SubState
}

// TokenTransaction is a waitlist or book-now reservation holding a payment.
type TokenTransaction struct {
	Kind            TransactionType
	ReservationID   string
	Holder          string
	AmountPaidCents int64
	Refund          SubState
}

func (transaction TokenTransaction) TransactionType() TransactionType { return transaction.Kind }
func (transaction TokenTransaction) TransactionID() string            { return transaction.ReservationID }
func (transaction TokenTransaction) HolderID() string                 { return transaction.Holder }
func (transaction TokenTransaction) OriginalAmountCents() int64       { return transaction.AmountPaidCents }
func (transaction TokenTransaction) RefundSubState() SubState         { return transaction.Refund }

// AMCYearTransaction is the first currently-paid year entry of an AMC
// schedule, the only slot a schedule can have outstanding at refund time.
type AMCYearTransaction struct {
	ScheduleID  string
	YearIndex   int
	Holder      string
	AmountCents int64
	Refund      SubState
}

func (transaction AMCYearTransaction) TransactionType() TransactionType { return TransactionAMC }
func (transaction AMCYearTransaction) TransactionID() string            { return transaction.ScheduleID }
func (transaction AMCYearTransaction) HolderID() string                 { return transaction.Holder }
func (transaction AMCYearTransaction) OriginalAmountCents() int64       { return transaction.AmountCents }
func (transaction AMCYearTransaction) RefundSubState() SubState         { return transaction.Refund }
