// Package pubsubbroker implements the broker interfaces on Google Cloud Pub/Sub.
//
// Exchanges map to topics and queues to subscriptions. A queue owns one
// subscription on its own topic, which is where the default exchange routes,
// plus one subscription per exchange it is bound to. Routing keys travel as the
// "routing_key" attribute and bindings are matched on receipt. Pub/Sub has no
// channel-scoped leases, so closing a channel nacks whatever it still holds,
// which makes the messages available for redelivery straight away.
package pubsubbroker

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-taskqueue/pkg/broker"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// Connection wraps a Pub/Sub client.
type Connection struct {
	client     *pubsub.Client
	cfg        *Config
	ownsClient bool
	logger     zerolog.Logger
}

// Dial creates a Pub/Sub client for cfg.ProjectID.
func Dial(ctx context.Context, cfg *Config, logger zerolog.Logger, opts ...option.ClientOption) (*Connection, error) {
	if cfg == nil || cfg.ProjectID == "" {
		return nil, fmt.Errorf("%w: pubsub project id is required", broker.ErrInvalidArgument)
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: create pubsub client: %w", broker.ErrConnection, err)
	}
	conn := NewConnection(client, cfg, logger)
	conn.ownsClient = true
	conn.logger.Info().Str("project_id", cfg.ProjectID).Msg("Pub/Sub client created.")
	return conn, nil
}

// NewConnection wraps an existing client. Close leaves the client open.
func NewConnection(client *pubsub.Client, cfg *Config, logger zerolog.Logger) *Connection {
	if cfg == nil {
		cfg = NewConfigDefaults(client.Project())
	}
	return &Connection{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "PubsubConnection").Logger(),
	}
}

// Channel opens a new logical channel.
func (c *Connection) Channel() (broker.Channel, error) {
	return newChannel(c.client, c.cfg, c.logger), nil
}

// Close closes the client if Dial created it.
func (c *Connection) Close() error {
	if !c.ownsClient {
		return nil
	}
	c.logger.Info().Msg("Closing Pub/Sub client...")
	return c.client.Close()
}
