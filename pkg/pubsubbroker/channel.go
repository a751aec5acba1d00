package pubsubbroker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-taskqueue/pkg/broker"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Attribute and label names used to carry broker metadata.
const (
	attrRoutingKey  = "routing_key"
	attrExchange    = "exchange"
	attrMessageID   = "message_id"
	attrContentType = "content_type"

	labelExchangeKind = "exchange_kind"
	labelDurable      = "durable"
)

func exchangeTopicID(name string) string { return "exchange." + name }

func bindingSubscriptionID(queue, exchange string) string { return queue + "." + exchange }

type queueState struct {
	spec broker.QueueSpec
	// keys holds the binding keys per exchange.
	keys map[string][]string
}

type inflight struct {
	msg      *pubsub.Message
	consumer *consumer
}

type consumer struct {
	tag    string
	queue  string
	cancel context.CancelFunc
	slots  chan struct{} // nil when prefetch is unlimited
	out    chan broker.Delivery

	sendMu    sync.RWMutex
	outClosed bool
	closeOnce sync.Once
}

func (c *consumer) release() {
	if c.slots != nil {
		<-c.slots
	}
}

// closeOut closes the delivery stream once no receive callback is sending on it.
func (c *consumer) closeOut() {
	c.closeOnce.Do(func() {
		c.sendMu.Lock()
		c.outClosed = true
		close(c.out)
		c.sendMu.Unlock()
	})
}

// Channel implements broker.Channel on a Pub/Sub client.
type Channel struct {
	client *pubsub.Client
	cfg    *Config
	logger zerolog.Logger

	mu        sync.Mutex
	queues    map[string]*queueState
	exchanges map[string]broker.ExchangeKind
	topics    map[string]*pubsub.Topic
	owned     []*pubsub.Subscription // deleted on Close
	ownedTops []*pubsub.Topic
	prefetch  int
	consumers map[string]*consumer
	inflight  map[uint64]*inflight
	nextTag   uint64
	closed    bool

	closeCh   chan error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newChannel(client *pubsub.Client, cfg *Config, logger zerolog.Logger) *Channel {
	return &Channel{
		client:    client,
		cfg:       cfg,
		logger:    logger.With().Str("component", "PubsubChannel").Logger(),
		queues:    make(map[string]*queueState),
		exchanges: make(map[string]broker.ExchangeKind),
		topics:    make(map[string]*pubsub.Topic),
		consumers: make(map[string]*consumer),
		inflight:  make(map[uint64]*inflight),
		closeCh:   make(chan error, 1),
	}
}

func (ch *Channel) checkOpen(op string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return fmt.Errorf("%s: %w", op, broker.ErrChannelClosed)
	}
	return nil
}

// ensureTopic returns the topic, creating it with labels if it does not exist.
// created reports whether this call created it.
func (ch *Channel) ensureTopic(ctx context.Context, id string, labels map[string]string) (*pubsub.Topic, bool, error) {
	ch.mu.Lock()
	if t, ok := ch.topics[id]; ok {
		ch.mu.Unlock()
		return t, false, nil
	}
	ch.mu.Unlock()

	topic := ch.client.Topic(id)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, false, mapError(fmt.Sprintf("check topic %s", id), err)
	}
	created := false
	if !exists {
		topic, err = ch.client.CreateTopicWithConfig(ctx, id, &pubsub.TopicConfig{Labels: labels})
		if status.Code(err) == codes.AlreadyExists {
			topic, err = ch.client.Topic(id), nil
		} else if err == nil {
			created = true
		}
		if err != nil {
			return nil, false, mapError(fmt.Sprintf("create topic %s", id), err)
		}
	}
	ch.mu.Lock()
	ch.topics[id] = topic
	ch.mu.Unlock()
	return topic, created, nil
}

// ensureSubscription returns the subscription, creating it on topic if needed.
// An existing subscription whose durable label disagrees with durable is a mismatch.
func (ch *Channel) ensureSubscription(ctx context.Context, id string, topic *pubsub.Topic, durable bool) (*pubsub.Subscription, bool, error) {
	sub := ch.client.Subscription(id)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, false, mapError(fmt.Sprintf("check subscription %s", id), err)
	}
	if exists {
		cfg, err := sub.Config(ctx)
		if err != nil {
			return nil, false, mapError(fmt.Sprintf("read subscription %s", id), err)
		}
		if v, ok := cfg.Labels[labelDurable]; ok && v != strconv.FormatBool(durable) {
			return nil, false, fmt.Errorf("%w: subscription %s exists with durable=%s", broker.ErrDeclarationMismatch, id, v)
		}
		return sub, false, nil
	}
	sub, err = ch.client.CreateSubscription(ctx, id, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: ch.cfg.AckDeadline,
		Labels:      map[string]string{labelDurable: strconv.FormatBool(durable)},
	})
	if status.Code(err) == codes.AlreadyExists {
		return ch.client.Subscription(id), false, nil
	}
	if err != nil {
		return nil, false, mapError(fmt.Sprintf("create subscription %s", id), err)
	}
	return sub, true, nil
}

// DeclareQueue creates the queue's topic and subscription. An empty name gets a generated one.
func (ch *Channel) DeclareQueue(ctx context.Context, spec broker.QueueSpec) (broker.Queue, error) {
	if err := ch.checkOpen("declare queue"); err != nil {
		return broker.Queue{}, err
	}
	if spec.Name == "" {
		spec.Name = "q-" + uuid.NewString()
	}

	ch.mu.Lock()
	if existing, ok := ch.queues[spec.Name]; ok {
		ch.mu.Unlock()
		if existing.spec != spec {
			return broker.Queue{}, fmt.Errorf("%w: queue %s redeclared with different properties", broker.ErrDeclarationMismatch, spec.Name)
		}
		return broker.Queue{Name: spec.Name}, nil
	}
	ch.mu.Unlock()

	topic, topicCreated, err := ch.ensureTopic(ctx, spec.Name, nil)
	if err != nil {
		return broker.Queue{}, err
	}
	sub, subCreated, err := ch.ensureSubscription(ctx, spec.Name, topic, spec.Durable)
	if err != nil {
		return broker.Queue{}, err
	}

	ch.mu.Lock()
	ch.queues[spec.Name] = &queueState{spec: spec, keys: make(map[string][]string)}
	if spec.Exclusive || spec.AutoDelete {
		if subCreated {
			ch.owned = append(ch.owned, sub)
		}
		if topicCreated {
			ch.ownedTops = append(ch.ownedTops, topic)
		}
	}
	ch.mu.Unlock()
	ch.logger.Debug().Str("queue", spec.Name).Bool("durable", spec.Durable).Msg("Queue declared.")
	return broker.Queue{Name: spec.Name}, nil
}

// DeclareExchange creates the exchange's topic. The kind is stored as a topic
// label and compared on redeclaration.
func (ch *Channel) DeclareExchange(ctx context.Context, spec broker.ExchangeSpec) error {
	if spec.Name == broker.DefaultExchange {
		return fmt.Errorf("%w: the default exchange cannot be declared", broker.ErrInvalidArgument)
	}
	if !spec.Kind.Valid() {
		return fmt.Errorf("%w: exchange kind %q", broker.ErrInvalidArgument, spec.Kind)
	}
	if err := ch.checkOpen("declare exchange"); err != nil {
		return err
	}
	id := exchangeTopicID(spec.Name)
	topic, created, err := ch.ensureTopic(ctx, id, map[string]string{labelExchangeKind: string(spec.Kind)})
	if err != nil {
		return err
	}
	if !created {
		cfg, err := topic.Config(ctx)
		if err != nil {
			return mapError(fmt.Sprintf("read topic %s", id), err)
		}
		if k, ok := cfg.Labels[labelExchangeKind]; ok && k != string(spec.Kind) {
			return fmt.Errorf("%w: exchange %s exists with kind %s", broker.ErrDeclarationMismatch, spec.Name, k)
		}
	}
	ch.mu.Lock()
	ch.exchanges[spec.Name] = spec.Kind
	ch.mu.Unlock()
	return nil
}

// BindQueue subscribes the queue to the exchange's topic and records bindingKey.
func (ch *Channel) BindQueue(ctx context.Context, queue, exchange, bindingKey string) error {
	if exchange == broker.DefaultExchange {
		return fmt.Errorf("%w: cannot bind to the default exchange", broker.ErrInvalidArgument)
	}
	if err := ch.checkOpen("bind queue"); err != nil {
		return err
	}
	ch.mu.Lock()
	qs, qok := ch.queues[queue]
	_, xok := ch.exchanges[exchange]
	ch.mu.Unlock()
	if !qok {
		return fmt.Errorf("queue %q: %w", queue, broker.ErrNotFound)
	}
	if !xok {
		return fmt.Errorf("exchange %q: %w", exchange, broker.ErrNotFound)
	}

	topic, _, err := ch.ensureTopic(ctx, exchangeTopicID(exchange), nil)
	if err != nil {
		return err
	}
	sub, created, err := ch.ensureSubscription(ctx, bindingSubscriptionID(queue, exchange), topic, qs.spec.Durable)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if created && (qs.spec.Exclusive || qs.spec.AutoDelete) {
		ch.owned = append(ch.owned, sub)
	}
	for _, k := range qs.keys[exchange] {
		if k == bindingKey {
			return nil
		}
	}
	qs.keys[exchange] = append(qs.keys[exchange], bindingKey)
	return nil
}

// Prefetch limits unacknowledged deliveries per consumer started afterwards.
func (ch *Channel) Prefetch(count int) error {
	if count < 0 {
		return fmt.Errorf("%w: prefetch %d", broker.ErrInvalidArgument, count)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return fmt.Errorf("prefetch: %w", broker.ErrChannelClosed)
	}
	ch.prefetch = count
	return nil
}

// Consume starts receiving from every subscription of the queue.
func (ch *Channel) Consume(ctx context.Context, queue, consumerTag string) (<-chan broker.Delivery, error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, fmt.Errorf("consume: %w", broker.ErrChannelClosed)
	}
	qs, ok := ch.queues[queue]
	if !ok {
		ch.mu.Unlock()
		return nil, fmt.Errorf("queue %q: %w", queue, broker.ErrNotFound)
	}
	if consumerTag == "" {
		consumerTag = "ctag-" + uuid.NewString()
	}
	if _, dup := ch.consumers[consumerTag]; dup {
		ch.mu.Unlock()
		return nil, fmt.Errorf("%w: consumer tag %q already in use", broker.ErrInvalidArgument, consumerTag)
	}

	recvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &consumer{tag: consumerTag, queue: queue, cancel: cancel, out: make(chan broker.Delivery)}
	maxOutstanding := -1
	if ch.prefetch > 0 {
		c.slots = make(chan struct{}, ch.prefetch)
		maxOutstanding = ch.prefetch
	}
	ch.consumers[consumerTag] = c

	type source struct {
		sub      *pubsub.Subscription
		exchange string
		kind     broker.ExchangeKind
		keys     []string
	}
	sources := []source{{sub: ch.client.Subscription(queue)}}
	for exchange, keys := range qs.keys {
		sources = append(sources, source{
			sub:      ch.client.Subscription(bindingSubscriptionID(queue, exchange)),
			exchange: exchange,
			kind:     ch.exchanges[exchange],
			keys:     append([]string(nil), keys...),
		})
	}
	ch.mu.Unlock()

	var receivers sync.WaitGroup
	for _, src := range sources {
		src := src
		src.sub.ReceiveSettings.MaxOutstandingMessages = maxOutstanding
		receivers.Add(1)
		ch.wg.Add(1)
		go func() {
			defer ch.wg.Done()
			defer receivers.Done()
			err := src.sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
				if src.exchange != "" && !routes(src.kind, src.keys, msg.Attributes[attrRoutingKey]) {
					msg.Ack()
					return
				}
				ch.handle(recvCtx, c, msg)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				ch.logger.Error().Err(err).Str("subscription", src.sub.ID()).Msg("Pub/Sub receive failed.")
				ch.report(mapError("receive "+src.sub.ID(), err))
				cancel()
			}
		}()
	}
	go func() {
		<-recvCtx.Done()
		c.closeOut()
	}()
	go func() {
		receivers.Wait()
		cancel()
	}()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = ch.Cancel(consumerTag)
			case <-recvCtx.Done():
			}
		}()
	}
	ch.logger.Debug().Str("queue", queue).Str("consumer_tag", consumerTag).Int("prefetch", ch.prefetch).Msg("Consumer started.")
	return c.out, nil
}

func routes(kind broker.ExchangeKind, keys []string, routingKey string) bool {
	for _, k := range keys {
		if broker.Routes(kind, k, routingKey) {
			return true
		}
	}
	return false
}

// handle hands one received message to the consumer, holding a prefetch slot
// until it is settled.
func (ch *Channel) handle(recvCtx context.Context, c *consumer, msg *pubsub.Message) {
	if c.slots != nil {
		select {
		case c.slots <- struct{}{}:
		case <-recvCtx.Done():
			msg.Nack()
			return
		}
	}

	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.outClosed {
		c.release()
		msg.Nack()
		return
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		c.release()
		msg.Nack()
		return
	}
	ch.nextTag++
	tag := ch.nextTag
	ch.inflight[tag] = &inflight{msg: msg, consumer: c}
	ch.mu.Unlock()

	select {
	case c.out <- toDelivery(ch, c.tag, tag, msg):
	case <-recvCtx.Done():
		ch.mu.Lock()
		_, still := ch.inflight[tag]
		delete(ch.inflight, tag)
		ch.mu.Unlock()
		if still {
			c.release()
			msg.Nack()
		}
	}
}

func toDelivery(ack broker.Acknowledger, consumerTag string, tag uint64, msg *pubsub.Message) broker.Delivery {
	id := msg.Attributes[attrMessageID]
	if id == "" {
		id = msg.ID
	}
	headers := make(map[string]interface{})
	for k, v := range msg.Attributes {
		switch k {
		case attrRoutingKey, attrExchange, attrMessageID, attrContentType:
		default:
			headers[k] = v
		}
	}
	body := make([]byte, len(msg.Data))
	copy(body, msg.Data)
	return broker.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		ConsumerTag:  consumerTag,
		MessageID:    id,
		Exchange:     msg.Attributes[attrExchange],
		RoutingKey:   msg.Attributes[attrRoutingKey],
		Redelivered:  msg.DeliveryAttempt != nil && *msg.DeliveryAttempt > 1,
		Headers:      headers,
		Timestamp:    msg.PublishTime,
		Body:         body,
	}
}

// Cancel stops the consumer. Deliveries already handed out stay leased until
// settled or the channel closes.
func (ch *Channel) Cancel(consumerTag string) error {
	ch.mu.Lock()
	c, ok := ch.consumers[consumerTag]
	if ok {
		delete(ch.consumers, consumerTag)
	}
	ch.mu.Unlock()
	if !ok {
		return fmt.Errorf("consumer %q: %w", consumerTag, broker.ErrNotFound)
	}
	c.cancel()
	c.closeOut()
	return nil
}

// Publish sends msg to the exchange's topic, or to the queue named by
// routingKey on the default exchange. Publishing to the default exchange for a
// queue that does not exist drops the message.
func (ch *Channel) Publish(ctx context.Context, exchange, routingKey string, msg broker.Publishing) error {
	if err := ch.checkOpen("publish"); err != nil {
		return err
	}
	topicID := routingKey
	if exchange != broker.DefaultExchange {
		topicID = exchangeTopicID(exchange)
	}

	ch.mu.Lock()
	topic, ok := ch.topics[topicID]
	if !ok {
		topic = ch.client.Topic(topicID)
		ch.topics[topicID] = topic
	}
	ch.mu.Unlock()

	attrs := map[string]string{attrRoutingKey: routingKey, attrExchange: exchange}
	if msg.MessageID != "" {
		attrs[attrMessageID] = msg.MessageID
	}
	if msg.ContentType != "" {
		attrs[attrContentType] = msg.ContentType
	}
	for k, v := range msg.Headers {
		attrs[k] = fmt.Sprint(v)
	}

	result := topic.Publish(ctx, &pubsub.Message{Data: msg.Body, Attributes: attrs})
	serverID, err := result.Get(ctx)
	if err != nil {
		if exchange == broker.DefaultExchange && status.Code(err) == codes.NotFound {
			ch.logger.Debug().Str("routing_key", routingKey).Msg("No queue for routing key, message dropped.")
			return nil
		}
		return mapError(fmt.Sprintf("publish to %s", topicID), err)
	}
	ch.logger.Debug().Str("topic", topicID).Str("server_id", serverID).Msg("Message published.")
	return nil
}

// Ack acknowledges a delivery.
func (ch *Channel) Ack(tag uint64) error {
	inf, err := ch.settle(tag)
	if err != nil {
		return err
	}
	inf.msg.Ack()
	inf.consumer.release()
	return nil
}

// Nack negatively acknowledges a delivery. Pub/Sub always redelivers a nacked
// message, so requeue=false acknowledges it instead to discard it.
func (ch *Channel) Nack(tag uint64, requeue bool) error {
	inf, err := ch.settle(tag)
	if err != nil {
		return err
	}
	if requeue {
		inf.msg.Nack()
	} else {
		inf.msg.Ack()
	}
	inf.consumer.release()
	return nil
}

func (ch *Channel) settle(tag uint64) (*inflight, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, fmt.Errorf("settle delivery %d: %w", tag, broker.ErrChannelClosed)
	}
	inf, ok := ch.inflight[tag]
	if !ok {
		return nil, fmt.Errorf("delivery %d: %w", tag, broker.ErrUnknownDeliveryTag)
	}
	delete(ch.inflight, tag)
	return inf, nil
}

// report publishes a close cause to the listener unless the channel is already closed.
func (ch *Channel) report(err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	select {
	case ch.closeCh <- err:
	default:
	}
}

// NotifyClose reports receive failures; it is closed when the channel closes.
func (ch *Channel) NotifyClose() <-chan error { return ch.closeCh }

// Close stops all consumers, nacks every unsettled delivery so it is
// redelivered, and removes exclusive and auto-delete queues.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		ch.mu.Lock()
		ch.closed = true
		consumers := make([]*consumer, 0, len(ch.consumers))
		for tag, c := range ch.consumers {
			consumers = append(consumers, c)
			delete(ch.consumers, tag)
		}
		pending := ch.inflight
		ch.inflight = make(map[uint64]*inflight)
		owned, ownedTops := ch.owned, ch.ownedTops
		topics := make([]*pubsub.Topic, 0, len(ch.topics))
		for _, t := range ch.topics {
			topics = append(topics, t)
		}
		ch.mu.Unlock()

		for _, c := range consumers {
			c.cancel()
			c.closeOut()
		}
		for _, inf := range pending {
			inf.msg.Nack()
		}
		if len(pending) > 0 {
			ch.logger.Info().Int("count", len(pending)).Msg("Returned unacknowledged deliveries for redelivery.")
		}

		done := make(chan struct{})
		go func() {
			ch.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(ch.cfg.CloseTimeout):
			ch.logger.Warn().Msg("Timeout waiting for Pub/Sub receivers to stop.")
		}

		cleanupCtx, cancel := context.WithTimeout(context.Background(), ch.cfg.CloseTimeout)
		defer cancel()
		for _, sub := range owned {
			if err := sub.Delete(cleanupCtx); err != nil {
				ch.logger.Warn().Err(err).Str("subscription", sub.ID()).Msg("Failed to delete subscription.")
			}
		}
		for _, t := range ownedTops {
			if err := t.Delete(cleanupCtx); err != nil {
				ch.logger.Warn().Err(err).Str("topic", t.ID()).Msg("Failed to delete topic.")
			}
		}
		for _, t := range topics {
			t.Stop()
		}
		close(ch.closeCh)
	})
	return nil
}
