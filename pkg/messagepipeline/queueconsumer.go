package messagepipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-taskqueue/pkg/broker"
	"github.com/rs/zerolog"
)

// ExchangeBinding routes an exchange into the consumer's queue. This is how the
// fanout (broadcast) and direct (severity routing) variants are expressed.
type ExchangeBinding struct {
	Exchange broker.ExchangeSpec
	// BindingKeys lists the keys to bind with. An empty list binds once with "".
	BindingKeys []string
}

// QueueConsumerConfig describes the queue a consumer reads from.
type QueueConsumerConfig struct {
	Queue    broker.QueueSpec
	Exchange *ExchangeBinding // Optional
	// Prefetch is the maximum number of unacknowledged deliveries. It is requested
	// once, when the consumer starts.
	Prefetch    int
	ConsumerTag string // Optional; generated when empty.
}

// QueueConsumer implements MessageConsumer on top of a broker.Channel.
type QueueConsumer struct {
	cfg         QueueConsumerConfig
	channel     broker.Channel
	logger      zerolog.Logger
	queueName   string
	consumerTag string
	outputChan  chan broker.Delivery
	doneChan    chan struct{}
	failures    chan error
	startOnce   sync.Once
	stopOnce    sync.Once
	closeOnce   sync.Once
	started     bool
	stopped     atomic.Bool
	mu          sync.Mutex
}

// cancelReportDelay bounds how long a stream ended by the broker waits for the
// channel to report a more specific close error before ErrChannelClosed is used.
// It only applies to streams the consumer did not cancel itself.
const cancelReportDelay = time.Second

// NewQueueConsumer creates a consumer. No broker calls are made until Start.
func NewQueueConsumer(cfg QueueConsumerConfig, channel broker.Channel, logger zerolog.Logger) (*QueueConsumer, error) {
	if channel == nil {
		return nil, fmt.Errorf("broker channel cannot be nil")
	}
	if cfg.Prefetch <= 0 {
		return nil, fmt.Errorf("prefetch must be greater than 0, got %d", cfg.Prefetch)
	}
	if cfg.Exchange != nil && !cfg.Exchange.Exchange.Kind.Valid() {
		return nil, fmt.Errorf("unsupported exchange kind %q", cfg.Exchange.Exchange.Kind)
	}
	tag := cfg.ConsumerTag
	if tag == "" {
		tag = "worker-" + uuid.NewString()
	}
	return &QueueConsumer{
		cfg:         cfg,
		channel:     channel,
		logger:      logger.With().Str("component", "QueueConsumer").Str("consumer_tag", tag).Logger(),
		queueName:   cfg.Queue.Name,
		consumerTag: tag,
		outputChan:  make(chan broker.Delivery),
		doneChan:    make(chan struct{}),
		failures:    make(chan error, 1),
	}, nil
}

// Messages returns the delivery channel.
func (c *QueueConsumer) Messages() <-chan broker.Delivery { return c.outputChan }

// Done returns a channel that is closed once Messages is closed.
func (c *QueueConsumer) Done() <-chan struct{} { return c.doneChan }

// Failures delivers a terminal broker error, such as a lost connection.
func (c *QueueConsumer) Failures() <-chan error { return c.failures }

// QueueName returns the queue name, which is only known after Start for server-named queues.
func (c *QueueConsumer) QueueName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueName
}

// Start declares the exchange and queue, binds them, requests the prefetch and
// begins consuming. Declaration conflicts are returned immediately.
func (c *QueueConsumer) Start(ctx context.Context) error {
	err := fmt.Errorf("consumer already started")
	c.startOnce.Do(func() { err = c.start(ctx) })
	return err
}

func (c *QueueConsumer) start(ctx context.Context) error {
	if c.cfg.Exchange != nil {
		if err := c.channel.DeclareExchange(ctx, c.cfg.Exchange.Exchange); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", c.cfg.Exchange.Exchange.Name, err)
		}
	}

	q, err := c.channel.DeclareQueue(ctx, c.cfg.Queue)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.cfg.Queue.Name, err)
	}
	c.mu.Lock()
	c.queueName = q.Name
	c.mu.Unlock()
	logger := c.logger.With().Str("queue", q.Name).Logger()

	if c.cfg.Exchange != nil {
		keys := c.cfg.Exchange.BindingKeys
		if len(keys) == 0 {
			keys = []string{""}
		}
		for _, key := range keys {
			if err := c.channel.BindQueue(ctx, q.Name, c.cfg.Exchange.Exchange.Name, key); err != nil {
				return fmt.Errorf("failed to bind queue %s to %s with key %q: %w", q.Name, c.cfg.Exchange.Exchange.Name, key, err)
			}
		}
	}

	if err := c.channel.Prefetch(c.cfg.Prefetch); err != nil {
		return fmt.Errorf("failed to set prefetch %d: %w", c.cfg.Prefetch, err)
	}

	// Stop is the only way to cancel the broker consumer.
	closeCh := c.channel.NotifyClose()
	deliveries, err := c.channel.Consume(context.WithoutCancel(ctx), q.Name, c.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to consume from queue %s: %w", q.Name, err)
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	notifyDone := make(chan struct{})
	go func() {
		defer close(notifyDone)
		for err := range closeCh {
			if err == nil {
				continue
			}
			if c.stopped.Load() {
				logger.Debug().Err(err).Msg("Broker channel closed during shutdown.")
				continue
			}
			logger.Error().Err(err).Msg("Broker channel closed unexpectedly.")
			c.report(err)
		}
	}()

	go func() {
		defer close(c.doneChan)
		defer close(c.outputChan)
		defer logger.Info().Msg("Delivery stream closed.")
		for d := range deliveries {
			c.outputChan <- d
		}
		if c.stopped.Load() {
			return
		}
		// The broker ended the stream on its own. A channel close reports its
		// cause first; otherwise the consumer was cancelled server-side.
		select {
		case <-notifyDone:
		case <-time.After(cancelReportDelay):
		}
		c.report(fmt.Errorf("%w: consumer %s cancelled by broker", broker.ErrChannelClosed, c.consumerTag))
	}()

	logger.Info().Int("prefetch", c.cfg.Prefetch).Bool("durable", c.cfg.Queue.Durable).Msg("Consuming messages.")
	return nil
}

// Stop cancels the broker consumer so no new deliveries arrive.
func (c *QueueConsumer) Stop(_ context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if !started {
			return
		}
		c.logger.Info().Msg("Cancelling consumer...")
		c.stopped.Store(true)
		if cancelErr := c.channel.Cancel(c.consumerTag); cancelErr != nil {
			err = fmt.Errorf("failed to cancel consumer %s: %w", c.consumerTag, cancelErr)
		}
	})
	return err
}

// report records the first terminal error; later ones are dropped.
func (c *QueueConsumer) report(err error) {
	select {
	case c.failures <- err:
	default:
	}
}

// Close releases the channel. Unacknowledged deliveries return to the queue.
func (c *QueueConsumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.logger.Info().Msg("Releasing broker channel.")
		c.stopped.Store(true)
		err = c.channel.Close()
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if !started {
			close(c.outputChan)
			close(c.doneChan)
		}
	})
	return err
}
