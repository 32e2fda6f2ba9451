package refund

import (
	"errors"
	"testing"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New("base error")
	wrappedError := WrapError("store", "refund_record", "update_status", baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := "store.refund_record.update_status: base error"
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
	if !errors.Is(wrappedError, baseError) {
		test.Fatalf("expected wrapped error to match the base error")
	}
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) {
		test.Fatalf("expected an OperationError")
	}
	if operationError.Operation() != "store" || operationError.Subject() != "refund_record" || operationError.Code() != "update_status" {
		test.Fatalf("unexpected segments: %s %s %s", operationError.Operation(), operationError.Subject(), operationError.Code())
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError("store", "refund_record", "get", nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestWrapErrorPreservesSentinels(test *testing.T) {
	test.Parallel()
	wrappedError := WrapError("store", "refund_record", "get", ErrRefundRecordNotFound)
	if !errors.Is(wrappedError, ErrRefundRecordNotFound) {
		test.Fatalf("expected sentinel to survive wrapping")
	}
}
