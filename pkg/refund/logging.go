package refund

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes one state-changing refund operation.
type OperationLog struct {
	Operation       string
	RecordID        string
	GatewayRefundID string
	TransactionType TransactionType
	TransactionID   string
	AmountCents     int64
	RefundStatus    Status
	Status          string
	Error           error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}
