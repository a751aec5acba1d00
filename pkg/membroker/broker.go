// Package membroker is an in-process message broker with AMQP-like semantics:
// durable/exclusive/auto-delete queues, fanout/direct/topic exchanges, per-consumer
// prefetch, manual acknowledgment and redelivery of unacknowledged messages when
// their channel closes. It backs the worker tests and single-process demos.
package membroker

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-taskqueue/pkg/broker"
	"github.com/rs/zerolog"
)

// Broker holds all queues, exchanges and bindings. It outlives the connections
// made to it, so messages left unacknowledged by one connection are redelivered
// to the next consumer.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	exchanges map[string]*exchange
	logger    zerolog.Logger
}

// QueueState is a point-in-time view of a queue for inspection.
type QueueState struct {
	Ready     int
	Unacked   int
	Consumers int
	Durable   bool
}

type message struct {
	pub         broker.Publishing
	exchange    string
	routingKey  string
	redelivered bool
}

type binding struct {
	queue string
	key   string
}

type exchange struct {
	spec     broker.ExchangeSpec
	bindings []binding
}

type queue struct {
	spec      broker.QueueSpec
	owner     *Connection
	backlog   []*message
	consumers []*consumer
	next      int
	unacked   int
	deleted   bool
}

// New creates an empty broker.
func New(logger zerolog.Logger) *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		exchanges: make(map[string]*exchange),
		logger:    logger.With().Str("component", "MemBroker").Logger(),
	}
}

// Connect opens a new connection to the broker.
func (b *Broker) Connect() *Connection {
	return &Connection{
		broker:   b,
		id:       uuid.NewString(),
		channels: make(map[*Channel]struct{}),
	}
}

// QueueState returns the current state of the named queue.
func (b *Broker) QueueState(name string) (QueueState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return QueueState{}, false
	}
	return QueueState{
		Ready:     len(q.backlog),
		Unacked:   q.unacked,
		Consumers: len(q.consumers),
		Durable:   q.spec.Durable,
	}, true
}

// dispatch hands backlog messages to consumers with spare prefetch capacity.
// Must be called with b.mu held.
func (b *Broker) dispatch(q *queue) {
	for len(q.backlog) > 0 {
		c := q.nextReadyConsumer()
		if c == nil {
			return
		}
		m := q.backlog[0]
		q.backlog = q.backlog[1:]
		c.deliver(m)
	}
}

// route resolves the queues a publish reaches. Must be called with b.mu held.
func (b *Broker) route(exchangeName, routingKey string) ([]*queue, error) {
	if exchangeName == broker.DefaultExchange {
		if q, ok := b.queues[routingKey]; ok {
			return []*queue{q}, nil
		}
		return nil, nil
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil, fmt.Errorf("exchange %q: %w", exchangeName, broker.ErrNotFound)
	}
	seen := make(map[string]struct{})
	var targets []*queue
	for _, bd := range ex.bindings {
		if _, dup := seen[bd.queue]; dup {
			continue
		}
		if !broker.Routes(ex.spec.Kind, bd.key, routingKey) {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			seen[bd.queue] = struct{}{}
			targets = append(targets, q)
		}
	}
	return targets, nil
}

// deleteQueue removes a queue, its messages and its bindings. Must be called with b.mu held.
func (b *Broker) deleteQueue(q *queue) {
	if q.deleted {
		return
	}
	q.deleted = true
	q.backlog = nil
	delete(b.queues, q.spec.Name)
	for name, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != q.spec.Name {
				kept = append(kept, bd)
			}
		}
		hadBindings := len(ex.bindings) > 0
		ex.bindings = kept
		if ex.spec.AutoDelete && hadBindings && len(kept) == 0 {
			delete(b.exchanges, name)
		}
	}
	b.logger.Debug().Str("queue", q.spec.Name).Msg("Queue deleted.")
}

// nextReadyConsumer picks consumers round-robin, skipping those at their prefetch limit.
func (q *queue) nextReadyConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		idx := (q.next + i) % n
		c := q.consumers[idx]
		if c.prefetch == 0 || c.unacked < c.prefetch {
			q.next = (idx + 1) % n
			return c
		}
	}
	return nil
}

func (q *queue) removeConsumer(c *consumer) {
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
}

// requeue puts messages back at the head of the backlog, preserving their order.
func (q *queue) requeue(msgs []*message) {
	if q.deleted || len(msgs) == 0 {
		return
	}
	for _, m := range msgs {
		m.redelivered = true
	}
	q.backlog = append(append(make([]*message, 0, len(msgs)+len(q.backlog)), msgs...), q.backlog...)
}

func cloneHeaders(h map[string]interface{}) map[string]interface{} {
	if h == nil {
		return nil
	}
	out := make(map[string]interface{}, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
