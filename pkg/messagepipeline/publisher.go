package messagepipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-taskqueue/pkg/broker"
	"github.com/rs/zerolog"
)

// PublisherConfig describes where a Publisher sends messages and which
// entities it declares up front.
type PublisherConfig struct {
	// Exchange to publish to. Nil means the default exchange, where the routing
	// key names the target queue.
	Exchange *broker.ExchangeSpec
	// Queue is declared before publishing when set, so messages sent to the
	// default exchange are not dropped as unroutable.
	Queue       *broker.QueueSpec
	Persistent  bool
	ContentType string
}

// Publisher sends message bodies through a broker.Channel.
type Publisher struct {
	channel     broker.Channel
	exchange    string
	persistent  bool
	contentType string
	logger      zerolog.Logger
}

// NewPublisher declares the configured exchange and queue and returns a publisher.
func NewPublisher(ctx context.Context, cfg PublisherConfig, channel broker.Channel, logger zerolog.Logger) (*Publisher, error) {
	if channel == nil {
		return nil, fmt.Errorf("broker channel cannot be nil")
	}
	exchangeName := broker.DefaultExchange
	if cfg.Exchange != nil {
		if err := channel.DeclareExchange(ctx, *cfg.Exchange); err != nil {
			return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange.Name, err)
		}
		exchangeName = cfg.Exchange.Name
	}
	if cfg.Queue != nil {
		if _, err := channel.DeclareQueue(ctx, *cfg.Queue); err != nil {
			return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.Queue.Name, err)
		}
	}
	contentType := cfg.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}

	return &Publisher{
		channel:     channel,
		exchange:    exchangeName,
		persistent:  cfg.Persistent,
		contentType: contentType,
		logger:      logger.With().Str("component", "Publisher").Str("exchange", exchangeName).Logger(),
	}, nil
}

// Publish sends body with routingKey and returns the generated message ID.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) (string, error) {
	id := uuid.NewString()
	err := p.channel.Publish(ctx, p.exchange, routingKey, broker.Publishing{
		MessageID:   id,
		ContentType: p.contentType,
		Persistent:  p.persistent,
		Timestamp:   time.Now().UTC(),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to %q with key %q: %w", p.exchange, routingKey, err)
	}
	p.logger.Debug().Str("msg_id", id).Str("routing_key", routingKey).Msg("Message published.")
	return id, nil
}
