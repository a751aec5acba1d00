package broker

import (
	"context"
	"time"
)

// ====================================================================================
// This file defines the boundary between the worker core and a message broker.
// Adapters (AMQP, Pub/Sub, in-memory) implement these contracts; the worker core
// never talks to a broker client library directly.
// ====================================================================================

// ExchangeKind is the routing behaviour of an exchange.
type ExchangeKind string

const (
	// ExchangeFanout routes every message to every bound queue, ignoring the routing key.
	ExchangeFanout ExchangeKind = "fanout"
	// ExchangeDirect routes a message to queues bound with a binding key equal to its routing key.
	ExchangeDirect ExchangeKind = "direct"
	// ExchangeTopic routes by dotted-word pattern ("*" matches one word, "#" zero or more).
	ExchangeTopic ExchangeKind = "topic"
)

// DefaultExchange is the nameless exchange that routes a message to the queue
// whose name equals the routing key.
const DefaultExchange = ""

// Valid reports whether k is one of the supported exchange kinds.
func (k ExchangeKind) Valid() bool {
	switch k {
	case ExchangeFanout, ExchangeDirect, ExchangeTopic:
		return true
	}
	return false
}

// QueueSpec describes a queue to declare. An empty Name asks the broker to
// generate a unique name, which is returned in Queue.Name.
type QueueSpec struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// Queue is the broker's view of a declared queue.
type Queue struct {
	Name      string
	Messages  int
	Consumers int
}

// ExchangeSpec describes an exchange to declare.
type ExchangeSpec struct {
	Name       string
	Kind       ExchangeKind
	Durable    bool
	AutoDelete bool
}

// Publishing is an outgoing message.
type Publishing struct {
	MessageID   string
	ContentType string
	// Persistent asks the broker to write the message to disk when the target queue is durable.
	Persistent bool
	Headers    map[string]interface{}
	Timestamp  time.Time
	Body       []byte
}

// Acknowledger settles deliveries on the channel they arrived on.
type Acknowledger interface {
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
}

// Delivery is a message handed to a consumer. The DeliveryTag is only meaningful
// to the Acknowledger (channel) that produced it.
type Delivery struct {
	Acknowledger Acknowledger

	DeliveryTag uint64
	ConsumerTag string
	MessageID   string
	Exchange    string
	RoutingKey  string
	Redelivered bool
	Headers     map[string]interface{}
	Timestamp   time.Time
	Body        []byte
}

// Ack confirms the delivery was processed and may be removed by the broker.
func (d Delivery) Ack() error {
	if d.Acknowledger == nil {
		return ErrUnknownDeliveryTag
	}
	return d.Acknowledger.Ack(d.DeliveryTag)
}

// Nack rejects the delivery. With requeue the broker makes it available again.
func (d Delivery) Nack(requeue bool) error {
	if d.Acknowledger == nil {
		return ErrUnknownDeliveryTag
	}
	return d.Acknowledger.Nack(d.DeliveryTag, requeue)
}

// Channel is a single logical session with the broker. Implementations must be
// safe for concurrent use; outgoing Ack, Nack and Publish calls are serialized.
type Channel interface {
	// DeclareQueue creates the queue if absent. Declaring an existing queue with
	// matching properties is a no-op; conflicting properties return ErrDeclarationMismatch.
	DeclareQueue(ctx context.Context, spec QueueSpec) (Queue, error)
	// DeclareExchange creates the exchange if absent, with the same idempotence rules as DeclareQueue.
	DeclareExchange(ctx context.Context, spec ExchangeSpec) error
	// BindQueue routes messages from exchange to queue for the given binding key.
	BindQueue(ctx context.Context, queue, exchange, bindingKey string) error
	// Prefetch limits the number of unacknowledged deliveries per consumer
	// started after the call.
	Prefetch(count int) error
	// Consume starts delivering messages from queue with manual acknowledgment.
	// The returned channel is closed when the consumer is cancelled or the channel closes.
	Consume(ctx context.Context, queue, consumerTag string) (<-chan Delivery, error)
	// Cancel stops the consumer. Deliveries already handed out stay unacknowledged
	// until they are settled or the channel closes.
	Cancel(consumerTag string) error
	// Publish sends a message to exchange with routingKey.
	Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error
	// NotifyClose returns a channel that is closed when the Channel shuts down.
	// If the shutdown was not caused by Close, one error wrapping ErrConnection is sent first.
	NotifyClose() <-chan error
	// Close releases the channel. Unacknowledged deliveries are requeued by the broker.
	Close() error
}

// Connection owns the network session to a broker.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}
