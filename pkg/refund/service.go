package refund

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fleetshare/treasury/pkg/gateway"
	"github.com/fleetshare/treasury/pkg/notify"
)

// Gateway is the slice of the payment gateway the reconciler depends on.
type Gateway interface {
	FetchPayment(ctx context.Context, paymentID string) (gateway.Payment, error)
	CreateRefund(ctx context.Context, paymentID string, amountCents int64, notes map[string]string) (gateway.Refund, error)
	FetchRefund(ctx context.Context, gatewayRefundID string) (gateway.Refund, error)
}

// Notifier fans out refund outcomes. Delivery is best effort: a notifier
// failure never rolls back the refund mutation it follows.
type Notifier interface {
	NotifyUser(ctx context.Context, userID string, event notify.Event) error
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateRecord(ctx context.Context, record Record) error
	GetRecord(ctx context.Context, recordID string) (Record, error)
	GetRecordByGatewayID(ctx context.Context, gatewayRefundID string) (Record, error)
	// UpdateRecordStatus flips the record conditionally on its current
	// status and returns ErrStateConflict when another writer advanced the
	// record first. Zero timestamps leave the stored stamps untouched.
	UpdateRecordStatus(ctx context.Context, recordID string, from Status, to Status, processedAtUnixUTC int64, completedAtUnixUTC int64) error
	FindTransaction(ctx context.Context, transactionType TransactionType, transactionID string) (Transaction, error)
	ApplySubState(ctx context.Context, transaction Transaction, state SubState) error
}

// Service owns the refund state machine per transaction type.
type Service struct {
	store    Store
	gateway  Gateway
	notifier Notifier
	nowFn    func() int64
	logger   OperationLogger
}

// NewService wires a Service.
func NewService(store Store, paymentGateway Gateway, notifier Notifier, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if paymentGateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ErrInvalidServiceConfig)
	}
	if notifier == nil {
		return nil, fmt.Errorf("%w: notifier dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, gateway: paymentGateway, notifier: notifier, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// InitiateRefundInput carries everything needed to open a refund attempt.
type InitiateRefundInput struct {
	PaymentID       string
	AmountCents     int64
	Reason          string
	ActorID         string
	TransactionType TransactionType
	TransactionID   string
}

// InitiateRefund validates the original payment, asks the gateway to refund
// it, and persists the record plus the owning entity's sub-state in one
// transaction. A gateway transport failure leaves no partial state behind, so
// the caller may retry the whole operation.
func (service *Service) InitiateRefund(ctx context.Context, input InitiateRefundInput) (Record, error) {
	record, operationError := service.initiateRefund(ctx, input)
	service.logOperation(ctx, OperationLog{
		Operation:       operationInitiate,
		RecordID:        record.RecordID,
		GatewayRefundID: record.GatewayRefundID,
		TransactionType: input.TransactionType,
		TransactionID:   input.TransactionID,
		AmountCents:     input.AmountCents,
		RefundStatus:    record.Status,
		Error:           operationError,
	})
	return record, operationError
}

func (service *Service) initiateRefund(ctx context.Context, input InitiateRefundInput) (Record, error) {
	if input.AmountCents <= 0 {
		return Record{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidRefundAmount)
	}
	transactionType, err := ParseTransactionType(input.TransactionType.String())
	if err != nil {
		return Record{}, err
	}
	transaction, err := service.store.FindTransaction(ctx, transactionType, input.TransactionID)
	if err != nil {
		return Record{}, err
	}
	if transaction.RefundSubState().Status != StatusNone {
		return Record{}, ErrRefundAlreadyInProgress
	}
	payment, err := service.gateway.FetchPayment(ctx, input.PaymentID)
	if err != nil {
		return Record{}, err
	}
	if payment.Status != gateway.PaymentStatusCaptured {
		return Record{}, fmt.Errorf("%w: payment status %q", ErrPaymentNotCaptured, payment.Status)
	}
	if input.AmountCents > payment.AmountCents || input.AmountCents > transaction.OriginalAmountCents() {
		return Record{}, ErrRefundAmountExceedsPayment
	}

	// The gateway call comes before any persistence: ErrGatewayUnavailable
	// here means nothing was written and the whole call is retryable.
	gatewayRefund, err := service.gateway.CreateRefund(ctx, input.PaymentID, input.AmountCents, map[string]string{
		"reason":           input.Reason,
		"transaction_type": transactionType.String(),
		"transaction_id":   input.TransactionID,
	})
	if err != nil {
		return Record{}, err
	}

	nowUnixUTC := service.nowFn()
	record := Record{
		RecordID:           uuid.NewString(),
		PaymentID:          input.PaymentID,
		OrderID:            payment.OrderID,
		GatewayRefundID:    gatewayRefund.RefundID,
		AmountCents:        input.AmountCents,
		Status:             StatusInitiated,
		HolderID:           transaction.HolderID(),
		TransactionType:    transactionType,
		TransactionID:      input.TransactionID,
		Reason:             input.Reason,
		ActorID:            input.ActorID,
		InitiatedAtUnixUTC: nowUnixUTC,
	}
	subState := subStateFromRecord(record)
	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.CreateRecord(ctx, record); err != nil {
			return err
		}
		return transactionStore.ApplySubState(ctx, transaction, subState)
	})
	if err != nil {
		return Record{}, err
	}

	service.notifyHolder(ctx, record, notify.Event{
		Type:    notify.TypeRefundInitiated,
		Title:   "Refund initiated",
		Message: fmt.Sprintf("A refund of %d has been initiated for your %s payment.", record.AmountCents, transactionType.String()),
	})
	return record, nil
}

// ProcessRefund applies an asynchronous gateway confirmation. The merge is
// commutative: duplicated or out-of-order deliveries for the same gateway
// refund id converge on the same terminal state, and a delivery that arrives
// after a terminal state is a no-op.
func (service *Service) ProcessRefund(ctx context.Context, gatewayRefundID string) (Record, error) {
	record, operationError := service.processRefund(ctx, gatewayRefundID)
	service.logOperation(ctx, OperationLog{
		Operation:       operationProcess,
		RecordID:        record.RecordID,
		GatewayRefundID: gatewayRefundID,
		TransactionType: record.TransactionType,
		TransactionID:   record.TransactionID,
		AmountCents:     record.AmountCents,
		RefundStatus:    record.Status,
		Error:           operationError,
	})
	return record, operationError
}

func (service *Service) processRefund(ctx context.Context, gatewayRefundID string) (Record, error) {
	record, err := service.store.GetRecordByGatewayID(ctx, gatewayRefundID)
	if err != nil {
		return Record{}, err
	}
	if record.Status.Terminal() {
		return record, nil
	}
	report, err := service.gateway.FetchRefund(ctx, gatewayRefundID)
	if err != nil {
		return record, err
	}
	target := statusFromReport(report.Status)
	if target == record.Status || target == StatusNone {
		return record, nil
	}
	if !record.Status.Allows(target) {
		return record, nil
	}

	nowUnixUTC := service.nowFn()
	updated := record
	updated.Status = target
	if target == StatusProcessed || target == StatusSuccessful {
		if updated.ProcessedAtUnixUTC == 0 {
			updated.ProcessedAtUnixUTC = nowUnixUTC
		}
	}
	if target.Terminal() {
		updated.CompletedAtUnixUTC = nowUnixUTC
	}

	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.UpdateRecordStatus(ctx, record.RecordID, record.Status, target, updated.ProcessedAtUnixUTC, updated.CompletedAtUnixUTC); err != nil {
			return err
		}
		transaction, err := transactionStore.FindTransaction(ctx, record.TransactionType, record.TransactionID)
		if err != nil {
			return err
		}
		return transactionStore.ApplySubState(ctx, transaction, subStateFromRecord(updated))
	})
	if errorIsStateConflict(err) {
		// A concurrent delivery advanced the record first; re-read and
		// report whatever it settled on.
		return service.store.GetRecordByGatewayID(ctx, gatewayRefundID)
	}
	if err != nil {
		return record, err
	}

	service.notifyHolder(ctx, updated, refundOutcomeEvent(updated))
	return updated, nil
}

// CancelRefund aborts a refund that the gateway has not processed yet.
// Cancellation is only legal from the initiated state.
func (service *Service) CancelRefund(ctx context.Context, recordID string, reason string, actorID string) (Record, error) {
	record, operationError := service.cancelRefund(ctx, recordID, reason, actorID)
	service.logOperation(ctx, OperationLog{
		Operation:       operationCancel,
		RecordID:        recordID,
		GatewayRefundID: record.GatewayRefundID,
		TransactionType: record.TransactionType,
		TransactionID:   record.TransactionID,
		AmountCents:     record.AmountCents,
		RefundStatus:    record.Status,
		Error:           operationError,
	})
	return record, operationError
}

func (service *Service) cancelRefund(ctx context.Context, recordID string, reason string, actorID string) (Record, error) {
	record, err := service.store.GetRecord(ctx, recordID)
	if err != nil {
		return Record{}, err
	}
	if record.Status != StatusInitiated {
		return record, ErrRefundNotCancellable
	}

	nowUnixUTC := service.nowFn()
	updated := record
	updated.Status = StatusCancelled
	updated.CompletedAtUnixUTC = nowUnixUTC
	if reason != "" {
		updated.Reason = reason
	}
	if actorID != "" {
		updated.ActorID = actorID
	}

	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.UpdateRecordStatus(ctx, record.RecordID, StatusInitiated, StatusCancelled, 0, nowUnixUTC); err != nil {
			return err
		}
		transaction, err := transactionStore.FindTransaction(ctx, record.TransactionType, record.TransactionID)
		if err != nil {
			return err
		}
		return transactionStore.ApplySubState(ctx, transaction, subStateFromRecord(updated))
	})
	if errorIsStateConflict(err) {
		return record, ErrRefundNotCancellable
	}
	if err != nil {
		return record, err
	}

	service.notifyHolder(ctx, updated, notify.Event{
		Type:    notify.TypeRefundCancelled,
		Title:   "Refund cancelled",
		Message: fmt.Sprintf("Your refund of %d was cancelled.", updated.AmountCents),
	})
	return updated, nil
}

func (service *Service) notifyHolder(ctx context.Context, record Record, event notify.Event) {
	event.RelatedKind = "refund"
	event.RelatedID = record.RecordID
	event.Metadata = map[string]string{
		"refund_id":        record.RecordID,
		"payment_id":       record.PaymentID,
		"transaction_type": record.TransactionType.String(),
		"transaction_id":   record.TransactionID,
		"status":           record.Status.String(),
	}
	if err := service.notifier.NotifyUser(ctx, record.HolderID, event); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation:       operationNotify,
			RecordID:        record.RecordID,
			GatewayRefundID: record.GatewayRefundID,
			TransactionType: record.TransactionType,
			TransactionID:   record.TransactionID,
			AmountCents:     record.AmountCents,
			RefundStatus:    record.Status,
			Error:           err,
		})
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func subStateFromRecord(record Record) SubState {
	return SubState{
		RefundID:           record.RecordID,
		AmountCents:        record.AmountCents,
		Status:             record.Status,
		InitiatedAtUnixUTC: record.InitiatedAtUnixUTC,
		ProcessedAtUnixUTC: record.ProcessedAtUnixUTC,
		CompletedAtUnixUTC: record.CompletedAtUnixUTC,
		Reason:             record.Reason,
		ActorID:            record.ActorID,
	}
}

func statusFromReport(gatewayStatus string) Status {
	switch gatewayStatus {
	case gateway.RefundReportProcessed:
		return StatusProcessed
	case gateway.RefundReportSettled:
		return StatusSuccessful
	case gateway.RefundReportFailed:
		return StatusFailed
	default:
		return StatusNone
	}
}

func refundOutcomeEvent(record Record) notify.Event {
	if record.Status == StatusFailed {
		return notify.Event{
			Type:    notify.TypeRefundFailed,
			Title:   "Refund failed",
			Message: fmt.Sprintf("Your refund of %d could not be processed.", record.AmountCents),
		}
	}
	return notify.Event{
		Type:    notify.TypeRefundProcessed,
		Title:   "Refund processed",
		Message: fmt.Sprintf("Your refund of %d has been processed.", record.AmountCents),
	}
}

func errorIsStateConflict(err error) bool {
	return errors.Is(err, ErrStateConflict)
}
