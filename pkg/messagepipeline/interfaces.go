package messagepipeline

import (
	"context"

	"github.com/illmade-knight/go-taskqueue/pkg/broker"
)

// ====================================================================================
// This file defines the contracts between the worker and its message source, and
// between the worker and the task logic it runs.
// ====================================================================================

// --- Stage 1: Consumer ---

// MessageConsumer is a source of broker deliveries bound to a single queue.
type MessageConsumer interface {
	// Messages returns the channel workers receive deliveries from. It is closed
	// once the consumer has stopped and every staged delivery has been handed out.
	Messages() <-chan broker.Delivery
	// Start declares the topology, sets the prefetch and begins consuming.
	Start(ctx context.Context) error
	// Stop ceases accepting new deliveries. Deliveries already handed out stay
	// unacknowledged until settled or until Close.
	Stop(ctx context.Context) error
	// Close releases the underlying channel; the broker requeues anything unacknowledged.
	Close() error
	// Done returns a channel that is closed when Messages has been closed.
	Done() <-chan struct{}
	// Failures delivers at most one terminal broker error.
	Failures() <-chan error
}

// --- Stage 2: Handler ---

// MessageHandler runs the task for one message. Returning nil reports success and
// the message is acknowledged. Returning an error (or panicking) reports failure:
// the message is not acknowledged and will be redelivered once this consumer's
// channel closes. Any retry policy belongs to the handler itself.
type MessageHandler func(ctx context.Context, msg Message) error

// FailurePolicy selects what the worker does with a delivery whose handler failed.
type FailurePolicy string

const (
	// FailureLeaveUnacked leaves the delivery in flight until the channel closes.
	FailureLeaveUnacked FailurePolicy = "leave"
	// FailureRequeue nacks the delivery with requeue so it is redelivered immediately.
	FailureRequeue FailurePolicy = "requeue"
)
