package membroker

import (
	"github.com/illmade-knight/go-taskqueue/pkg/broker"
)

// consumer is a subscription of one channel to one queue. Deliveries are
// staged in pending under the broker lock and pushed to out by pump, so the
// broker never blocks on a slow reader.
type consumer struct {
	tag      string
	queue    *queue
	channel  *Channel
	prefetch int
	unacked  int

	pending   []broker.Delivery
	signal    chan struct{}
	out       chan broker.Delivery
	cancelled bool
	gone      chan struct{} // closed when the consumer is removed from its queue
	stopped   chan struct{} // closed when the owning channel shuts down
}

func newConsumer(tag string, q *queue, ch *Channel) *consumer {
	return &consumer{
		tag:      tag,
		queue:    q,
		channel:  ch,
		prefetch: ch.prefetch,
		signal:   make(chan struct{}, 1),
		out:      make(chan broker.Delivery),
		gone:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// deliver moves m in flight on the consumer's channel. Must be called with the broker lock held.
func (c *consumer) deliver(m *message) {
	ch := c.channel
	ch.nextTag++
	tag := ch.nextTag
	ch.unacked[tag] = &inflight{msg: m, queue: c.queue, consumer: c}
	c.unacked++
	c.queue.unacked++

	body := make([]byte, len(m.pub.Body))
	copy(body, m.pub.Body)
	c.pending = append(c.pending, broker.Delivery{
		Acknowledger: ch,
		DeliveryTag:  tag,
		ConsumerTag:  c.tag,
		MessageID:    m.pub.MessageID,
		Exchange:     m.exchange,
		RoutingKey:   m.routingKey,
		Redelivered:  m.redelivered,
		Headers:      cloneHeaders(m.pub.Headers),
		Timestamp:    m.pub.Timestamp,
		Body:         body,
	})
	c.wake()
}

// remove detaches the consumer from its queue. Must be called with the broker lock held.
func (c *consumer) remove() {
	if c.cancelled {
		return
	}
	c.cancelled = true
	c.queue.removeConsumer(c)
	close(c.gone)
	c.wake()
}

func (c *consumer) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// pump forwards staged deliveries to the reader. After a cancel it flushes what
// is already staged; after a channel shutdown it stops immediately and the staged
// deliveries are requeued with the rest of the channel's unacknowledged messages.
func (c *consumer) pump() {
	defer close(c.out)
	b := c.channel.broker
	for {
		b.mu.Lock()
		if len(c.pending) == 0 {
			done := c.cancelled
			b.mu.Unlock()
			if done {
				return
			}
			select {
			case <-c.signal:
			case <-c.stopped:
				return
			}
			continue
		}
		d := c.pending[0]
		c.pending = c.pending[1:]
		b.mu.Unlock()

		select {
		case <-c.stopped:
			return
		default:
		}
		select {
		case c.out <- d:
		case <-c.stopped:
			return
		}
	}
}
