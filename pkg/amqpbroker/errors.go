package amqpbroker

import (
	"errors"
	"fmt"

	"github.com/illmade-knight/go-taskqueue/pkg/broker"
	amqp "github.com/rabbitmq/amqp091-go"
)

// mapError classifies an amqp091 error against the broker error taxonomy,
// keeping the original error in the chain.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%s: %w: %w", op, broker.ErrConnection, err)
	}
	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var kind error
	switch amqpErr.Code {
	case amqp.PreconditionFailed:
		kind = broker.ErrDeclarationMismatch
	case amqp.NotFound:
		kind = broker.ErrNotFound
	case amqp.ResourceLocked, amqp.AccessRefused:
		kind = broker.ErrResourceLocked
	case amqp.ConnectionForced, amqp.FrameError, amqp.ChannelError, amqp.InternalError:
		kind = broker.ErrConnection
	default:
		if amqpErr.Server {
			kind = broker.ErrChannelClosed
		} else {
			kind = broker.ErrConnection
		}
	}
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}
