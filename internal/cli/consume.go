package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/illmade-knight/go-taskqueue/pkg/broker"
	"github.com/illmade-knight/go-taskqueue/pkg/cache"
	"github.com/illmade-knight/go-taskqueue/pkg/messagepipeline"
	"github.com/illmade-knight/go-taskqueue/pkg/microservice"
	"github.com/spf13/cobra"
)

const (
	shutdownGrace    = 5 * time.Second
	dedupeCacheSize  = 10000
	dedupeKeyPrefix  = "taskqueue:processed:"
	dedupeOff        = "off"
	dedupeMemory     = "memory"
	dedupeRedis      = "redis"
	receiveDirectUse = "Usage: taskqueue receive-logs-direct [info] [warning] [error]"
)

// syncWriter serializes writes from concurrent handlers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// runConsumer consumes until the command context is cancelled or the worker
// fails. Cancellation drains running handlers instead of interrupting them.
func (a *app) runConsumer(cmd *cobra.Command, out io.Writer, cfg *messagepipeline.DurableWorkerConfig, handler messagepipeline.MessageHandler, httpPort string) error {
	ctx := cmd.Context()
	ch, release, err := a.openChannel(ctx)
	if err != nil {
		return err
	}
	defer release()

	consumer, err := messagepipeline.NewQueueConsumer(cfg.Consumer, ch, a.logger)
	if err != nil {
		return err
	}
	worker, err := messagepipeline.NewDurableWorkerWithConsumer(cfg, consumer, handler, a.logger)
	if err != nil {
		return err
	}

	runCtx := context.WithoutCancel(ctx)
	stop := worker.Stop
	if httpPort != "" {
		svc := microservice.NewWorkerService(a.logger, httpPort, worker)
		if err := svc.Start(runCtx); err != nil {
			return err
		}
		stop = svc.Shutdown
	} else if err := worker.Start(runCtx); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, " [*] Waiting for messages in %s. To exit press CTRL+C\n", consumer.QueueName())

	select {
	case <-ctx.Done():
		a.logger.Info().Msg("Interrupted, draining in-flight tasks.")
	case <-worker.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+shutdownGrace)
	defer cancel()
	stopErr := stop(stopCtx)
	if err := worker.Err(); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	return stopErr
}

func newReceiveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "receive",
		Short: "Print messages from the hello queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := &syncWriter{w: cmd.OutOrStdout()}
			cfg := messagepipeline.NewDurableWorkerDefaults(helloQueue)
			cfg.Consumer.Queue = helloQueueSpec
			return a.runConsumer(cmd, out, cfg, messagepipeline.PrintMessage(out, messagepipeline.PrintReceived), "")
		},
	}
}

func newReceiveLogsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "receive-logs",
		Short: "Print every log line broadcast with emit-log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := &syncWriter{w: cmd.OutOrStdout()}
			cfg := messagepipeline.NewDurableWorkerDefaults("")
			cfg.Consumer.Queue = broker.QueueSpec{Exclusive: true}
			cfg.Consumer.Exchange = &messagepipeline.ExchangeBinding{Exchange: logsExchangeSpec}
			return a.runConsumer(cmd, out, cfg, messagepipeline.PrintMessage(out, messagepipeline.PrintBody), "")
		},
	}
}

func newReceiveLogsDirectCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "receive-logs-direct severity [severity...]",
		Short: "Print log lines whose severity is one of the arguments",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("%w: at least one severity is required\n%s", broker.ErrInvalidArgument, receiveDirectUse)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &syncWriter{w: cmd.OutOrStdout()}
			cfg := messagepipeline.NewDurableWorkerDefaults("")
			cfg.Consumer.Queue = broker.QueueSpec{Exclusive: true}
			cfg.Consumer.Exchange = &messagepipeline.ExchangeBinding{Exchange: directLogsSpec, BindingKeys: args}
			return a.runConsumer(cmd, out, cfg, messagepipeline.PrintMessage(out, messagepipeline.PrintRoutingKey), "")
		},
	}
}

func newWorkerCommand(a *app) *cobra.Command {
	defaults := messagepipeline.LoadDurableWorkerConfigWithEnv(taskQueue)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process tasks from task_queue, acknowledging each one after it completes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			prefetch, _ := cmd.Flags().GetInt("prefetch")
			unit, _ := cmd.Flags().GetDuration("unit")
			drain, _ := cmd.Flags().GetDuration("drain-timeout")
			httpPort, _ := cmd.Flags().GetString("http-port")
			dedupe, _ := cmd.Flags().GetString("dedupe")
			redisAddr, _ := cmd.Flags().GetString("redis-addr")

			cfg := *defaults
			cfg.Consumer.Queue = taskQueueSpec
			cfg.Consumer.Prefetch = prefetch
			cfg.DrainTimeout = drain

			out := &syncWriter{w: cmd.OutOrStdout()}
			handler := a.taskHandler(out, unit)
			handler, closeStore, err := a.withDedupe(cmd.Context(), dedupe, redisAddr, handler)
			if err != nil {
				return err
			}
			defer closeStore()
			return a.runConsumer(cmd, out, &cfg, handler, httpPort)
		},
	}
	cmd.Flags().Int("prefetch", defaults.Consumer.Prefetch, "maximum unacknowledged tasks (env "+messagepipeline.WorkerPrefetch+")")
	cmd.Flags().Duration("unit", time.Second, "simulated work per '.' in a task")
	cmd.Flags().Duration("drain-timeout", defaults.DrainTimeout, "how long shutdown waits for running tasks (env "+messagepipeline.WorkerDrainTimeout+")")
	cmd.Flags().String("http-port", "", "serve /healthz, /readyz and /statz on this address, e.g. :8080")
	cmd.Flags().String("dedupe", dedupeOff, "skip already processed message IDs: off, memory or redis")
	cmd.Flags().String("redis-addr", "", "redis address for --dedupe=redis (env REDIS_ADDR)")
	return cmd
}

// taskHandler prints each task, simulates its work and prints " [x] Done".
func (a *app) taskHandler(out io.Writer, unit time.Duration) messagepipeline.MessageHandler {
	announce := messagepipeline.PrintMessage(out, messagepipeline.PrintReceived)
	work := messagepipeline.SimulatedTask(unit, a.logger)
	return func(ctx context.Context, msg messagepipeline.Message) error {
		if err := announce(ctx, msg); err != nil {
			return err
		}
		if err := work(ctx, msg); err != nil {
			return err
		}
		_, err := fmt.Fprintln(out, " [x] Done")
		return err
	}
}

// withDedupe wraps next with an idempotency check backed by the chosen store.
func (a *app) withDedupe(ctx context.Context, mode, redisAddr string, next messagepipeline.MessageHandler) (messagepipeline.MessageHandler, func(), error) {
	switch mode {
	case dedupeOff, "":
		return next, func() {}, nil
	case dedupeMemory:
		lru, err := cache.NewInMemoryLRUCache[string, time.Time](dedupeCacheSize)
		if err != nil {
			return nil, nil, err
		}
		store := messagepipeline.NewCacheProcessedStore(lru)
		return messagepipeline.Idempotent(store, next, a.logger), func() { _ = lru.Close() }, nil
	case dedupeRedis:
		cfg := cache.LoadRedisConfigWithEnv()
		if redisAddr != "" {
			cfg.Addr = redisAddr
		}
		rc, err := cache.NewRedisCache[string, time.Time](ctx, cfg, dedupeKeyPrefix, a.logger)
		if err != nil {
			return nil, nil, err
		}
		store := messagepipeline.NewCacheProcessedStore(rc)
		closeStore := func() {
			if err := rc.Close(); err != nil {
				a.logger.Warn().Err(err).Msg("Failed to close redis cache.")
			}
		}
		return messagepipeline.Idempotent(store, next, a.logger), closeStore, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown dedupe mode %q", broker.ErrInvalidArgument, mode)
	}
}
