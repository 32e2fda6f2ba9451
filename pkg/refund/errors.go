package refund

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the reconciler.
var (
	ErrPaymentNotCaptured         = errors.New("payment not captured")
	ErrRefundAmountExceedsPayment = errors.New("refund amount exceeds payment")
	ErrRefundAlreadyInProgress    = errors.New("refund already in progress")
	ErrRefundRecordNotFound       = errors.New("refund record not found")
	ErrRefundNotCancellable       = errors.New("refund not cancellable")
	ErrTransactionNotFound        = errors.New("refundable transaction not found")
	ErrStateConflict              = errors.New("refund state changed concurrently")
	ErrInvalidStatus              = errors.New("invalid refund status")
	ErrInvalidTransactionType     = errors.New("invalid transaction type")
	ErrInvalidRefundAmount        = errors.New("invalid refund amount")
	ErrInvalidServiceConfig       = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
