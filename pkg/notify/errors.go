package notify

import "errors"

// Domain-level error values returned by the fan-out engine.
var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrInvalidRecipientKind = errors.New("invalid recipient kind")
	ErrInvalidRecipientID   = errors.New("invalid recipient id")
	ErrInvalidEvent         = errors.New("invalid notification event")
	ErrInvalidPage          = errors.New("invalid page request")
	ErrInvalidEngineConfig  = errors.New("invalid engine config")
)
