package broker

import "errors"

var (
	// ErrConnection means the broker connection or channel was lost. It is terminal
	// for the consumer that observes it; there is no automatic reconnect.
	ErrConnection = errors.New("broker connection lost")
	// ErrDeclarationMismatch means a queue or exchange already exists with different properties.
	ErrDeclarationMismatch = errors.New("declaration conflicts with existing entity")
	// ErrHandlerFault wraps a panic raised by task logic.
	ErrHandlerFault = errors.New("handler fault")
	// ErrAckFailure means an acknowledgment could not be sent, so the delivery state is unknown.
	ErrAckFailure = errors.New("acknowledgment failed")

	ErrChannelClosed      = errors.New("channel is closed")
	ErrNotFound           = errors.New("entity not found")
	ErrResourceLocked     = errors.New("resource locked by another connection")
	ErrUnknownDeliveryTag = errors.New("unknown delivery tag")
	ErrInvalidArgument    = errors.New("invalid argument")
)

// IsFatal reports whether err should terminate the consumer that received it.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrDeclarationMismatch) ||
		errors.Is(err, ErrAckFailure) ||
		errors.Is(err, ErrChannelClosed)
}
