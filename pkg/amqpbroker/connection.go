// Package amqpbroker implements the broker interfaces on RabbitMQ via amqp091-go.
package amqpbroker

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-taskqueue/pkg/broker"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Connection wraps an AMQP connection.
type Connection struct {
	conn   *amqp.Connection
	logger zerolog.Logger
}

// Dial opens a connection to the broker at cfg.URL.
func Dial(cfg *Config, logger zerolog.Logger) (*Connection, error) {
	if cfg == nil {
		return nil, fmt.Errorf("amqp config cannot be nil")
	}
	props := amqp.NewConnectionProperties()
	if cfg.ConnectionName != "" {
		props.SetClientConnectionName(cfg.ConnectionName)
	}
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat:  cfg.Heartbeat,
		Dial:       amqp.DefaultDial(cfg.ConnectTimeout),
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial amqp broker: %w", broker.ErrConnection, err)
	}
	logger = logger.With().Str("component", "AMQPConnection").Logger()
	logger.Info().Str("server", conn.RemoteAddr().String()).Msg("Connected to AMQP broker.")
	return &Connection{conn: conn, logger: logger}, nil
}

// Channel opens a new channel on the connection.
func (c *Connection) Channel() (broker.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, mapError("open channel", err)
	}
	return newChannel(ch, c.logger), nil
}

// Close closes the connection and all of its channels.
func (c *Connection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	c.logger.Info().Msg("Closing AMQP connection...")
	return c.conn.Close()
}

// Channel adapts *amqp.Channel to broker.Channel. Settlements and publishes are
// serialized on mu.
type Channel struct {
	ch     *amqp.Channel
	logger zerolog.Logger
	mu     sync.Mutex

	closeOnce sync.Once
	closeCh   chan error
}

func newChannel(ch *amqp.Channel, logger zerolog.Logger) *Channel {
	c := &Channel{
		ch:      ch,
		logger:  logger.With().Str("component", "AMQPChannel").Logger(),
		closeCh: make(chan error, 1),
	}
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		defer close(c.closeCh)
		for amqpErr := range notify {
			if amqpErr != nil {
				c.closeCh <- mapError("channel closed", amqpErr)
				return
			}
		}
	}()
	return c
}

// DeclareQueue declares a queue. An empty name asks the server to generate one.
func (c *Channel) DeclareQueue(_ context.Context, spec broker.QueueSpec) (broker.Queue, error) {
	q, err := c.ch.QueueDeclare(spec.Name, spec.Durable, spec.AutoDelete, spec.Exclusive, false, nil)
	if err != nil {
		return broker.Queue{}, mapError(fmt.Sprintf("declare queue %q", spec.Name), err)
	}
	return broker.Queue{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// DeclareExchange declares an exchange.
func (c *Channel) DeclareExchange(_ context.Context, spec broker.ExchangeSpec) error {
	if spec.Name == broker.DefaultExchange {
		return fmt.Errorf("%w: the default exchange cannot be declared", broker.ErrInvalidArgument)
	}
	if !spec.Kind.Valid() {
		return fmt.Errorf("%w: exchange kind %q", broker.ErrInvalidArgument, spec.Kind)
	}
	err := c.ch.ExchangeDeclare(spec.Name, string(spec.Kind), spec.Durable, spec.AutoDelete, false, false, nil)
	return mapError(fmt.Sprintf("declare exchange %q", spec.Name), err)
}

// BindQueue binds queue to exchange with bindingKey.
func (c *Channel) BindQueue(_ context.Context, queue, exchange, bindingKey string) error {
	err := c.ch.QueueBind(queue, bindingKey, exchange, false, nil)
	return mapError(fmt.Sprintf("bind queue %q to %q", queue, exchange), err)
}

// Prefetch sets the per-consumer prefetch count.
func (c *Channel) Prefetch(count int) error {
	if count < 0 {
		return fmt.Errorf("%w: prefetch %d", broker.ErrInvalidArgument, count)
	}
	return mapError("qos", c.ch.Qos(count, 0, false))
}

// Consume starts a manual-ack consumer. Cancelling ctx cancels it.
func (c *Channel) Consume(ctx context.Context, queue, consumerTag string) (<-chan broker.Delivery, error) {
	msgs, err := c.ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, mapError(fmt.Sprintf("consume %q", queue), err)
	}
	if ctx.Done() != nil && consumerTag != "" {
		go func() {
			<-ctx.Done()
			_ = c.ch.Cancel(consumerTag, false)
		}()
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for d := range msgs {
			out <- c.toDelivery(d)
		}
	}()
	return out, nil
}

func (c *Channel) toDelivery(d amqp.Delivery) broker.Delivery {
	return broker.Delivery{
		Acknowledger: c,
		DeliveryTag:  d.DeliveryTag,
		ConsumerTag:  d.ConsumerTag,
		MessageID:    d.MessageId,
		Exchange:     d.Exchange,
		RoutingKey:   d.RoutingKey,
		Redelivered:  d.Redelivered,
		Headers:      map[string]interface{}(d.Headers),
		Timestamp:    d.Timestamp,
		Body:         d.Body,
	}
}

// Cancel stops the consumer; deliveries already sent stay unacknowledged.
func (c *Channel) Cancel(consumerTag string) error {
	return mapError(fmt.Sprintf("cancel consumer %q", consumerTag), c.ch.Cancel(consumerTag, false))
}

// Publish sends msg through exchange with routingKey.
func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, msg broker.Publishing) error {
	mode := amqp.Transient
	if msg.Persistent {
		mode = amqp.Persistent
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		Headers:      amqp.Table(msg.Headers),
		ContentType:  msg.ContentType,
		DeliveryMode: mode,
		MessageId:    msg.MessageID,
		Timestamp:    msg.Timestamp,
		Body:         msg.Body,
	})
	return mapError(fmt.Sprintf("publish to %q", exchange), err)
}

// Ack acknowledges a single delivery.
func (c *Channel) Ack(tag uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return mapError("ack", c.ch.Ack(tag, false))
}

// Nack rejects a single delivery.
func (c *Channel) Nack(tag uint64, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return mapError("nack", c.ch.Nack(tag, false, requeue))
}

// NotifyClose reports a server or connection initiated close.
func (c *Channel) NotifyClose() <-chan error { return c.closeCh }

// Close closes the channel; the broker requeues unacknowledged deliveries.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.ch.IsClosed() {
			return
		}
		err = mapError("close channel", c.ch.Close())
	})
	return err
}
