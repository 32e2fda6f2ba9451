package inventory

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes one capacity or reservation operation.
type OperationLog struct {
	Operation     string
	VehicleID     string
	Kind          TokenKind
	ReservationID string
	TicketID      string
	CustomID      string
	AmountCents   int64
	// Capped is set when a release found the counter already at its
	// ceiling; more releases than issued reservations usually means a bug
	// upstream, so the absorbed release is surfaced here.
	Capped bool
	Status string
	Error  error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}
