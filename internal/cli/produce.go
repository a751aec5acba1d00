package cli

import (
	"fmt"

	"github.com/illmade-knight/go-taskqueue/pkg/broker"
	"github.com/illmade-knight/go-taskqueue/pkg/messagepipeline"
	"github.com/spf13/cobra"
)

// Topology shared by producers and consumers.
const (
	helloQueue       = "hello"
	taskQueue        = "task_queue"
	logsExchange     = "logs"
	directLogs       = "direct_logs"
	defaultSeverity  = "info"
	sentLineTemplate = " [x] Sent '%s'\n"
)

var (
	helloQueueSpec   = broker.QueueSpec{Name: helloQueue}
	taskQueueSpec    = broker.QueueSpec{Name: taskQueue, Durable: true}
	logsExchangeSpec = broker.ExchangeSpec{Name: logsExchange, Kind: broker.ExchangeFanout}
	directLogsSpec   = broker.ExchangeSpec{Name: directLogs, Kind: broker.ExchangeDirect}
)

// publishOnce opens a channel, publishes one message and closes everything.
func (a *app) publishOnce(cmd *cobra.Command, cfg messagepipeline.PublisherConfig, routingKey, body string) error {
	ctx := cmd.Context()
	ch, release, err := a.openChannel(ctx)
	if err != nil {
		return err
	}
	defer release()

	publisher, err := messagepipeline.NewPublisher(ctx, cfg, ch, a.logger)
	if err != nil {
		return err
	}
	if _, err := publisher.Publish(ctx, routingKey, []byte(body)); err != nil {
		return err
	}
	return nil
}

func newSendCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send",
		Short: "Send \"Hello World!\" to the hello queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := helloQueueSpec
			if err := a.publishOnce(cmd, messagepipeline.PublisherConfig{Queue: &q}, helloQueue, defaultBody); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), sentLineTemplate, defaultBody)
			return nil
		},
	}
}

func newNewTaskCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "new-task [message...]",
		Short: "Queue a persistent task; each '.' in the message is one unit of work",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := messageBody(args)
			q := taskQueueSpec
			cfg := messagepipeline.PublisherConfig{Queue: &q, Persistent: true}
			if err := a.publishOnce(cmd, cfg, taskQueue, body); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), sentLineTemplate, body)
			return nil
		},
	}
}

func newEmitLogCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "emit-log [message...]",
		Short: "Broadcast a log line to every receive-logs process",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := messageBody(args)
			ex := logsExchangeSpec
			if err := a.publishOnce(cmd, messagepipeline.PublisherConfig{Exchange: &ex}, "", body); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), sentLineTemplate, body)
			return nil
		},
	}
}

func newEmitLogDirectCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "emit-log-direct [severity] [message...]",
		Short: "Send a log line routed by severity (default info)",
		RunE: func(cmd *cobra.Command, args []string) error {
			severity := defaultSeverity
			if len(args) > 0 {
				severity = args[0]
				args = args[1:]
			}
			body := messageBody(args)
			ex := directLogsSpec
			if err := a.publishOnce(cmd, messagepipeline.PublisherConfig{Exchange: &ex}, severity, body); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), " [x] Sent %s: '%s'\n", severity, body)
			return nil
		},
	}
}
