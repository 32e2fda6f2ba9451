package gateway

import "errors"

// Error values surfaced by the gateway adapter.
var (
	// ErrGatewayUnavailable marks transport failures and gateway-side
	// outages. Transient: the caller may retry the whole operation.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected marks a definitive 4xx rejection from the gateway.
	ErrGatewayRejected = errors.New("payment gateway rejected request")
	ErrPaymentNotFound = errors.New("payment not found at gateway")
	ErrRefundNotFound  = errors.New("refund not found at gateway")

	ErrInvalidClientConfig = errors.New("invalid gateway client config")
)
