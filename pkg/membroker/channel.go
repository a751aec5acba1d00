package membroker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-taskqueue/pkg/broker"
)

type inflight struct {
	msg      *message
	queue    *queue
	consumer *consumer
}

// Channel implements broker.Channel against the in-memory Broker. Every
// operation takes the broker lock, which also serializes acks and publishes.
type Channel struct {
	broker    *Broker
	conn      *Connection
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*inflight
	consumers map[string]*consumer
	closed    bool
	closeCh   chan error
}

var _ broker.Channel = (*Channel)(nil)

// DeclareQueue creates the queue if it does not exist. An empty name yields a
// generated "amq.gen-" name.
func (ch *Channel) DeclareQueue(_ context.Context, spec broker.QueueSpec) (broker.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return broker.Queue{}, fmt.Errorf("declare queue: %w", broker.ErrChannelClosed)
	}
	if spec.Name == "" {
		spec.Name = "amq.gen-" + uuid.NewString()
	}

	if q, ok := b.queues[spec.Name]; ok {
		if q.owner != nil && q.owner != ch.conn {
			return broker.Queue{}, fmt.Errorf("queue %q is exclusive: %w", spec.Name, broker.ErrResourceLocked)
		}
		if q.spec != spec {
			return broker.Queue{}, fmt.Errorf("%w: queue %q exists with durable=%t exclusive=%t auto_delete=%t",
				broker.ErrDeclarationMismatch, spec.Name, q.spec.Durable, q.spec.Exclusive, q.spec.AutoDelete)
		}
		return broker.Queue{Name: spec.Name, Messages: len(q.backlog), Consumers: len(q.consumers)}, nil
	}

	q := &queue{spec: spec}
	if spec.Exclusive {
		q.owner = ch.conn
	}
	b.queues[spec.Name] = q
	b.logger.Debug().Str("queue", spec.Name).Bool("durable", spec.Durable).Msg("Queue declared.")
	return broker.Queue{Name: spec.Name}, nil
}

// DeclareExchange creates the exchange if it does not exist.
func (ch *Channel) DeclareExchange(_ context.Context, spec broker.ExchangeSpec) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return fmt.Errorf("declare exchange: %w", broker.ErrChannelClosed)
	}
	if spec.Name == broker.DefaultExchange {
		return fmt.Errorf("%w: the default exchange cannot be declared", broker.ErrInvalidArgument)
	}
	if !spec.Kind.Valid() {
		return fmt.Errorf("%w: exchange kind %q", broker.ErrInvalidArgument, spec.Kind)
	}
	if ex, ok := b.exchanges[spec.Name]; ok {
		if ex.spec != spec {
			return fmt.Errorf("%w: exchange %q exists with kind=%s durable=%t",
				broker.ErrDeclarationMismatch, spec.Name, ex.spec.Kind, ex.spec.Durable)
		}
		return nil
	}
	b.exchanges[spec.Name] = &exchange{spec: spec}
	b.logger.Debug().Str("exchange", spec.Name).Str("kind", string(spec.Kind)).Msg("Exchange declared.")
	return nil
}

// BindQueue adds a binding from exchange to queue. Repeated bindings are ignored.
func (ch *Channel) BindQueue(_ context.Context, queueName, exchangeName, bindingKey string) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return fmt.Errorf("bind queue: %w", broker.ErrChannelClosed)
	}
	if exchangeName == broker.DefaultExchange {
		return fmt.Errorf("%w: queues cannot be bound to the default exchange", broker.ErrInvalidArgument)
	}
	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("queue %q: %w", queueName, broker.ErrNotFound)
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("exchange %q: %w", exchangeName, broker.ErrNotFound)
	}
	bd := binding{queue: queueName, key: bindingKey}
	for _, existing := range ex.bindings {
		if existing == bd {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, bd)
	return nil
}

// Prefetch sets the per-consumer limit of unacknowledged deliveries for
// consumers started afterwards. Zero means unlimited.
func (ch *Channel) Prefetch(count int) error {
	if count < 0 {
		return fmt.Errorf("%w: prefetch %d", broker.ErrInvalidArgument, count)
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return fmt.Errorf("prefetch: %w", broker.ErrChannelClosed)
	}
	ch.prefetch = count
	return nil
}

// Consume registers a consumer on the queue. Cancelling ctx cancels the consumer.
func (ch *Channel) Consume(ctx context.Context, queueName, consumerTag string) (<-chan broker.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, fmt.Errorf("consume: %w", broker.ErrChannelClosed)
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("queue %q: %w", queueName, broker.ErrNotFound)
	}
	if q.owner != nil && q.owner != ch.conn {
		return nil, fmt.Errorf("queue %q is exclusive: %w", queueName, broker.ErrResourceLocked)
	}
	if consumerTag == "" {
		consumerTag = "ctag-" + uuid.NewString()
	}
	if _, dup := ch.consumers[consumerTag]; dup {
		return nil, fmt.Errorf("%w: consumer tag %q already in use", broker.ErrInvalidArgument, consumerTag)
	}

	c := newConsumer(consumerTag, q, ch)
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)
	go c.pump()
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = ch.Cancel(consumerTag)
			case <-c.gone:
			}
		}()
	}
	b.dispatch(q)
	b.logger.Debug().Str("queue", queueName).Str("consumer_tag", consumerTag).Int("prefetch", c.prefetch).Msg("Consumer registered.")
	return c.out, nil
}

// Cancel stops the consumer. Staged deliveries are still handed to the reader
// and stay unacknowledged until settled or the channel closes.
func (ch *Channel) Cancel(consumerTag string) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := ch.consumers[consumerTag]
	if !ok {
		return fmt.Errorf("consumer %q: %w", consumerTag, broker.ErrNotFound)
	}
	delete(ch.consumers, consumerTag)
	c.remove()
	if c.queue.spec.AutoDelete && len(c.queue.consumers) == 0 {
		b.deleteQueue(c.queue)
	}
	return nil
}

// Publish routes msg through the named exchange. Unroutable messages are dropped.
func (ch *Channel) Publish(_ context.Context, exchangeName, routingKey string, msg broker.Publishing) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return fmt.Errorf("publish: %w", broker.ErrChannelClosed)
	}
	targets, err := b.route(exchangeName, routingKey)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		b.logger.Debug().Str("exchange", exchangeName).Str("routing_key", routingKey).Msg("Message unroutable, dropped.")
		return nil
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	for _, q := range targets {
		pub := msg
		pub.Body = append([]byte(nil), msg.Body...)
		pub.Headers = cloneHeaders(msg.Headers)
		q.backlog = append(q.backlog, &message{pub: pub, exchange: exchangeName, routingKey: routingKey})
		b.dispatch(q)
	}
	return nil
}

// Ack settles a delivery as processed.
func (ch *Channel) Ack(tag uint64) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	inf, err := ch.settleLocked(tag)
	if err != nil {
		return err
	}
	b.dispatch(inf.queue)
	return nil
}

// Nack rejects a delivery, requeueing it at the head of its queue when requeue is set.
func (ch *Channel) Nack(tag uint64, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	inf, err := ch.settleLocked(tag)
	if err != nil {
		return err
	}
	if requeue {
		inf.queue.requeue([]*message{inf.msg})
	}
	b.dispatch(inf.queue)
	return nil
}

// NotifyClose returns the channel's single close listener.
func (ch *Channel) NotifyClose() <-chan error {
	return ch.closeCh
}

// Close shuts the channel down and requeues its unacknowledged deliveries.
func (ch *Channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	ch.shutdownLocked(nil)
	return nil
}

func (ch *Channel) settleLocked(tag uint64) (*inflight, error) {
	if ch.closed {
		return nil, fmt.Errorf("settle delivery %d: %w", tag, broker.ErrChannelClosed)
	}
	inf, ok := ch.unacked[tag]
	if !ok {
		return nil, fmt.Errorf("delivery %d: %w", tag, broker.ErrUnknownDeliveryTag)
	}
	delete(ch.unacked, tag)
	inf.consumer.unacked--
	inf.queue.unacked--
	return inf, nil
}

func (ch *Channel) shutdownLocked(cause error) {
	if ch.closed {
		return
	}
	b := ch.broker
	ch.closed = true

	affected := make(map[*queue]struct{})
	for tag, c := range ch.consumers {
		c.remove()
		close(c.stopped)
		affected[c.queue] = struct{}{}
		delete(ch.consumers, tag)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	byQueue := make(map[*queue][]*message)
	for _, tag := range tags {
		inf := ch.unacked[tag]
		inf.consumer.unacked--
		inf.queue.unacked--
		byQueue[inf.queue] = append(byQueue[inf.queue], inf.msg)
		affected[inf.queue] = struct{}{}
		delete(ch.unacked, tag)
	}
	for q, msgs := range byQueue {
		q.requeue(msgs)
	}

	for q := range affected {
		if q.deleted {
			continue
		}
		if q.spec.AutoDelete && len(q.consumers) == 0 {
			b.deleteQueue(q)
			continue
		}
		b.dispatch(q)
	}

	delete(ch.conn.channels, ch)
	if cause != nil {
		ch.closeCh <- cause
	}
	close(ch.closeCh)
	b.logger.Debug().Int("requeued", len(tags)).Msg("Channel closed.")
}
