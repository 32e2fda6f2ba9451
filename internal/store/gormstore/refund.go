package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fleetshare/treasury/pkg/refund"
)

const (
	refundErrorOperationStore = "store"

	refundErrorSubjectRecord      = "refund_record"
	refundErrorSubjectTransaction = "refund_transaction"

	refundErrorCodeCreate       = "create"
	refundErrorCodeGet          = "get"
	refundErrorCodeUpdateStatus = "update_status"
	refundErrorCodeFind         = "find"
	refundErrorCodeApply        = "apply_sub_state"
	refundErrorCodeInvalid      = "invalid"
)

// Refunds implements refund.Store on a GORM connection.
type Refunds struct {
	db *gorm.DB
}

// NewRefunds wraps a GORM connection.
func NewRefunds(db *gorm.DB) *Refunds {
	return &Refunds{db: db}
}

// WithTx runs fn inside one database transaction, handing it a store bound to
// the transaction connection.
func (store *Refunds) WithTx(ctx context.Context, fn func(ctx context.Context, txStore refund.Store) error) error {
	return withContext(ctx, store.db).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &Refunds{db: tx})
	})
}

// CreateRecord persists one refund attempt.
func (store *Refunds) CreateRecord(ctx context.Context, record refund.Record) error {
	model := RefundRecord{
		RecordID:        record.RecordID,
		PaymentID:       record.PaymentID,
		OrderID:         record.OrderID,
		GatewayRefundID: record.GatewayRefundID,
		AmountCents:     record.AmountCents,
		Status:          record.Status.String(),
		HolderID:        record.HolderID,
		TransactionType: record.TransactionType.String(),
		TransactionID:   record.TransactionID,
		Reason:          record.Reason,
		ActorID:         record.ActorID,
		InitiatedAt:     time.Unix(record.InitiatedAtUnixUTC, 0).UTC(),
		ProcessedAt:     unixToTimePtr(record.ProcessedAtUnixUTC),
		CompletedAt:     unixToTimePtr(record.CompletedAtUnixUTC),
	}
	if err := withContext(ctx, store.db).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return wrapRefundError(refundErrorSubjectRecord, refundErrorCodeCreate,
				fmt.Errorf("%w: gateway refund %s already recorded", refund.ErrStateConflict, record.GatewayRefundID))
		}
		return wrapRefundError(refundErrorSubjectRecord, refundErrorCodeCreate, err)
	}
	return nil
}

// GetRecord loads one refund record by its identifier.
func (store *Refunds) GetRecord(ctx context.Context, recordID string) (refund.Record, error) {
	var model RefundRecord
	err := withContext(ctx, store.db).First(&model, "record_id = ?", recordID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return refund.Record{}, wrapRefundError(refundErrorSubjectRecord, refundErrorCodeGet,
			fmt.Errorf("%w: %s", refund.ErrRefundRecordNotFound, recordID))
	}
	if err != nil {
		return refund.Record{}, wrapRefundError(refundErrorSubjectRecord, refundErrorCodeGet, err)
	}
	return recordFromModel(model), nil
}

// GetRecordByGatewayID loads one refund record by the gateway's refund id.
func (store *Refunds) GetRecordByGatewayID(ctx context.Context, gatewayRefundID string) (refund.Record, error) {
	var model RefundRecord
	err := withContext(ctx, store.db).First(&model, "gateway_refund_id = ?", gatewayRefundID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return refund.Record{}, wrapRefundError(refundErrorSubjectRecord, refundErrorCodeGet,
			fmt.Errorf("%w: gateway refund %s", refund.ErrRefundRecordNotFound, gatewayRefundID))
	}
	if err != nil {
		return refund.Record{}, wrapRefundError(refundErrorSubjectRecord, refundErrorCodeGet, err)
	}
	return recordFromModel(model), nil
}

// UpdateRecordStatus flips the record status only when the stored status still
// matches from. A missed flip on an existing record means another writer
// advanced it first.
func (store *Refunds) UpdateRecordStatus(ctx context.Context, recordID string, from refund.Status, to refund.Status, processedAtUnixUTC int64, completedAtUnixUTC int64) error {
	updates := map[string]any{"status": to.String()}
	if processedAtUnixUTC != 0 {
		updates["processed_at"] = time.Unix(processedAtUnixUTC, 0).UTC()
	}
	if completedAtUnixUTC != 0 {
		updates["completed_at"] = time.Unix(completedAtUnixUTC, 0).UTC()
	}
	result := withContext(ctx, store.db).
		Model(&RefundRecord{}).
		Where("record_id = ? AND status = ?", recordID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapRefundError(refundErrorSubjectRecord, refundErrorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if _, err := store.GetRecord(ctx, recordID); err != nil {
		return err
	}
	return wrapRefundError(refundErrorSubjectRecord, refundErrorCodeUpdateStatus,
		fmt.Errorf("%w: record %s no longer %s", refund.ErrStateConflict, recordID, from))
}

// FindTransaction resolves the refundable entity behind a transaction
// reference. Token types resolve to the reservation row; the AMC type resolves
// to the schedule's first currently-paid year entry, the only slot that can be
// outstanding at refund time.
func (store *Refunds) FindTransaction(ctx context.Context, transactionType refund.TransactionType, transactionID string) (refund.Transaction, error) {
	switch transactionType {
	case refund.TransactionToken, refund.TransactionBookNowToken:
		var model Reservation
		err := withContext(ctx, store.db).First(&model, "reservation_id = ?", transactionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, wrapRefundError(refundErrorSubjectTransaction, refundErrorCodeFind,
				fmt.Errorf("%w: reservation %s", refund.ErrTransactionNotFound, transactionID))
		}
		if err != nil {
			return nil, wrapRefundError(refundErrorSubjectTransaction, refundErrorCodeFind, err)
		}
		return refund.TokenTransaction{
			Kind:            transactionType,
			ReservationID:   model.ReservationID,
			Holder:          model.HolderID,
			AmountPaidCents: model.AmountPaidCents,
			Refund:          modelToSubState(model.Refund),
		}, nil
	case refund.TransactionAMC:
		var schedule AMCSchedule
		err := withContext(ctx, store.db).First(&schedule, "schedule_id = ?", transactionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, wrapRefundError(refundErrorSubjectTransaction, refundErrorCodeFind,
				fmt.Errorf("%w: schedule %s", refund.ErrTransactionNotFound, transactionID))
		}
		if err != nil {
			return nil, wrapRefundError(refundErrorSubjectTransaction, refundErrorCodeFind, err)
		}
		var entry AMCYearEntry
		err = withContext(ctx, store.db).
			Where("schedule_id = ? AND paid = ?", transactionID, true).
			Order("year_index ASC").
			First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, wrapRefundError(refundErrorSubjectTransaction, refundErrorCodeFind,
				fmt.Errorf("%w: schedule %s has no paid year entry", refund.ErrTransactionNotFound, transactionID))
		}
		if err != nil {
			return nil, wrapRefundError(refundErrorSubjectTransaction, refundErrorCodeFind, err)
		}
		return refund.AMCYearTransaction{
			ScheduleID:  schedule.ScheduleID,
			YearIndex:   entry.YearIndex,
			Holder:      schedule.HolderID,
			AmountCents: entry.AmountCents,
			Refund:      modelToSubState(entry.Refund),
		}, nil
	default:
		return nil, wrapRefundError(refundErrorSubjectTransaction, refundErrorCodeInvalid,
			fmt.Errorf("%w: %q", refund.ErrInvalidTransactionType, transactionType))
	}
}

// ApplySubState writes the refund sub-state onto the entity that owns the
// payment, dispatching on the transaction variant.
func (store *Refunds) ApplySubState(ctx context.Context, transaction refund.Transaction, state refund.SubState) error {
	model := subStateToModel(state)
	updates := map[string]any{
		"refund_refund_id":    model.RefundID,
		"refund_amount_cents": model.AmountCents,
		"refund_status":       model.Status,
		"refund_initiated_at": model.InitiatedAt,
		"refund_processed_at": model.ProcessedAt,
		"refund_completed_at": model.CompletedAt,
		"refund_reason":       model.Reason,
		"refund_actor_id":     model.ActorID,
	}
	switch typed := transaction.(type) {
	case refund.TokenTransaction:
		result := withContext(ctx, store.db).
			Model(&Reservation{}).
			Where("reservation_id = ?", typed.ReservationID).
			Updates(updates)
		if result.Error != nil {
			return wrapRefundError(refundErrorSubjectTransaction, refundErrorCodeApply, result.Error)
		}
		if result.RowsAffected == 0 {
			return wrapRefundError(refundErrorSubjectTransaction, refundErrorCodeApply,
				fmt.Errorf("%w: reservation %s", refund.ErrTransactionNotFound, typed.ReservationID))
		}
		return nil
	case refund.AMCYearTransaction:
		result := withContext(ctx, store.db).
			Model(&AMCYearEntry{}).
			Where("schedule_id = ? AND year_index = ?", typed.ScheduleID, typed.YearIndex).
			Updates(updates)
		if result.Error != nil {
			return wrapRefundError(refundErrorSubjectTransaction, refundErrorCodeApply, result.Error)
		}
		if result.RowsAffected == 0 {
			return wrapRefundError(refundErrorSubjectTransaction, refundErrorCodeApply,
				fmt.Errorf("%w: schedule %s year %d", refund.ErrTransactionNotFound, typed.ScheduleID, typed.YearIndex))
		}
		return nil
	default:
		return wrapRefundError(refundErrorSubjectTransaction, refundErrorCodeInvalid,
			fmt.Errorf("%w: unsupported transaction variant %T", refund.ErrInvalidTransactionType, transaction))
	}
}

func wrapRefundError(subject string, code string, err error) error {
	return refund.WrapError(refundErrorOperationStore, subject, code, err)
}

func recordFromModel(model RefundRecord) refund.Record {
	return refund.Record{
		RecordID:           model.RecordID,
		PaymentID:          model.PaymentID,
		OrderID:            model.OrderID,
		GatewayRefundID:    model.GatewayRefundID,
		AmountCents:        model.AmountCents,
		Status:             refund.Status(model.Status),
		HolderID:           model.HolderID,
		TransactionType:    refund.TransactionType(model.TransactionType),
		TransactionID:      model.TransactionID,
		Reason:             model.Reason,
		ActorID:            model.ActorID,
		InitiatedAtUnixUTC: model.InitiatedAt.Unix(),
		ProcessedAtUnixUTC: timePtrToUnix(model.ProcessedAt),
		CompletedAtUnixUTC: timePtrToUnix(model.CompletedAt),
	}
}
