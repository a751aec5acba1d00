package amqpbroker

import (
	"errors"
	"testing"

	"github.com/illmade-knight/go-taskqueue/pkg/broker"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestMapError(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want error
	}{
		{"precondition failed", &amqp.Error{Code: amqp.PreconditionFailed, Server: true}, broker.ErrDeclarationMismatch},
		{"not found", &amqp.Error{Code: amqp.NotFound, Server: true}, broker.ErrNotFound},
		{"resource locked", &amqp.Error{Code: amqp.ResourceLocked, Server: true}, broker.ErrResourceLocked},
		{"connection forced", &amqp.Error{Code: amqp.ConnectionForced, Server: true}, broker.ErrConnection},
		{"closed", amqp.ErrClosed, broker.ErrConnection},
		{"other server close", &amqp.Error{Code: amqp.NotImplemented, Server: true}, broker.ErrChannelClosed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := mapError("op", tc.err)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, tc.err, "original error must stay in the chain")
		})
	}
}

func TestMapError_PassThrough(t *testing.T) {
	assert.NoError(t, mapError("op", nil))

	plain := errors.New("plain")
	err := mapError("op", plain)
	assert.ErrorIs(t, err, plain)
	assert.False(t, broker.IsFatal(err))
}
