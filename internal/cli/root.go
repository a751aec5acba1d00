// Package cli contains the cobra commands of the taskqueue binary.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/illmade-knight/go-taskqueue/pkg/amqpbroker"
	"github.com/illmade-knight/go-taskqueue/pkg/broker"
	"github.com/illmade-knight/go-taskqueue/pkg/membroker"
	"github.com/illmade-knight/go-taskqueue/pkg/pubsubbroker"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// EnvLogLevel sets the default of --log-level.
const EnvLogLevel = "TASKQUEUE_LOG_LEVEL"

const defaultBody = "Hello World!"

// Broker kinds accepted by --broker.
const (
	BrokerAMQP   = "amqp"
	BrokerPubSub = "pubsub"
	BrokerMemory = "memory"
)

// Connector opens a broker connection. It replaces the --broker selection when
// set with WithConnector.
type Connector func(ctx context.Context, logger zerolog.Logger) (broker.Connection, error)

// Option configures the root command.
type Option func(*app)

// WithConnector makes every command use connect instead of dialing a broker.
func WithConnector(connect Connector) Option {
	return func(a *app) { a.connector = connect }
}

// app holds the state shared by all subcommands.
type app struct {
	brokerKind string
	amqpURL    string
	projectID  string
	logLevel   string

	connector Connector
	logger    zerolog.Logger
	memory    *membroker.Broker
}

// NewRootCommand builds the taskqueue command tree.
func NewRootCommand(opts ...Option) *cobra.Command {
	a := &app{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}

	amqpCfg := amqpbroker.LoadConfigWithEnv()
	pubsubCfg := pubsubbroker.LoadConfigWithEnv()
	level := os.Getenv(EnvLogLevel)
	if level == "" {
		level = zerolog.InfoLevel.String()
	}

	root := &cobra.Command{
		Use:           "taskqueue",
		Short:         "Durable task queue producers and workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), a.logLevel)
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.brokerKind, "broker", BrokerAMQP, "broker backend: amqp, pubsub or memory")
	flags.StringVar(&a.amqpURL, "amqp-url", amqpCfg.URL, "AMQP broker URL (env "+amqpbroker.EnvURL+")")
	flags.StringVar(&a.projectID, "project", pubsubCfg.ProjectID, "Google Cloud project for the pubsub backend (env PUBSUB_PROJECT_ID)")
	flags.StringVar(&a.logLevel, "log-level", level, "log level (env "+EnvLogLevel+")")

	root.AddCommand(
		newSendCommand(a),
		newReceiveCommand(a),
		newNewTaskCommand(a),
		newWorkerCommand(a),
		newEmitLogCommand(a),
		newReceiveLogsCommand(a),
		newEmitLogDirectCommand(a),
		newReceiveLogsDirectCommand(a),
	)
	return root
}

func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger(), nil
}

// connect opens a connection to the selected broker.
func (a *app) connect(ctx context.Context) (broker.Connection, error) {
	if a.connector != nil {
		return a.connector(ctx, a.logger)
	}
	switch a.brokerKind {
	case BrokerAMQP:
		cfg := amqpbroker.LoadConfigWithEnv()
		cfg.URL = a.amqpURL
		return amqpbroker.Dial(cfg, a.logger)
	case BrokerPubSub:
		cfg := pubsubbroker.LoadConfigWithEnv()
		cfg.ProjectID = a.projectID
		if cfg.ProjectID == "" {
			return nil, fmt.Errorf("--project is required for the pubsub broker")
		}
		return pubsubbroker.Dial(ctx, cfg, a.logger)
	case BrokerMemory:
		if a.memory == nil {
			a.memory = membroker.New(a.logger)
		}
		return a.memory.Connect(), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", a.brokerKind)
	}
}

// openChannel connects and opens a single channel. The returned release closes both.
func (a *app) openChannel(ctx context.Context) (broker.Channel, func(), error) {
	conn, err := a.connect(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	release := func() {
		if err := ch.Close(); err != nil {
			a.logger.Debug().Err(err).Msg("Channel close reported an error.")
		}
		if err := conn.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close broker connection.")
		}
	}
	return ch, release, nil
}

// messageBody joins the free-text arguments, falling back to "Hello World!".
func messageBody(args []string) string {
	if body := strings.Join(args, " "); body != "" {
		return body
	}
	return defaultBody
}
