package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-taskqueue/pkg/broker"
	"github.com/rs/zerolog"
)

// ErrDrainTimeout is returned by Stop when in-flight handlers did not finish in
// time. Their deliveries are abandoned unacknowledged and will be redelivered.
var ErrDrainTimeout = errors.New("drain timeout exceeded")

// DurableWorker consumes a queue with at-least-once semantics: each delivery is
// handed to the MessageHandler exactly once and acknowledged only after the
// handler reports success. At most Prefetch deliveries are outstanding at a time.
type DurableWorker struct {
	numWorkers    int
	drainTimeout  time.Duration
	failurePolicy FailurePolicy
	consumer      MessageConsumer
	handler       MessageHandler
	logger        zerolog.Logger
	wg            sync.WaitGroup

	// ackMu orders acknowledgments against abandonment: once abandoned is set
	// under the write lock no further ack or nack is sent.
	ackMu     sync.RWMutex
	abandoned bool

	started   atomic.Bool
	stopping  atomic.Bool
	inFlight  atomic.Int64
	processed atomic.Uint64
	failed    atomic.Uint64

	errMu    sync.Mutex
	err      error
	stopOnce sync.Once
	stopErr  error
	doneChan chan struct{}
}

// WorkerStats is a snapshot of worker counters.
type WorkerStats struct {
	InFlight  int64
	Processed uint64
	Failed    uint64
}

// NewDurableWorker creates a worker reading from a QueueConsumer on channel.
func NewDurableWorker(
	cfg *DurableWorkerConfig,
	channel broker.Channel,
	handler MessageHandler,
	logger zerolog.Logger,
) (*DurableWorker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("worker config cannot be nil")
	}
	consumer, err := NewQueueConsumer(cfg.Consumer, channel, logger)
	if err != nil {
		return nil, err
	}
	return NewDurableWorkerWithConsumer(cfg, consumer, handler, logger)
}

// NewDurableWorkerWithConsumer creates a worker around any MessageConsumer.
func NewDurableWorkerWithConsumer(
	cfg *DurableWorkerConfig,
	consumer MessageConsumer,
	handler MessageHandler,
	logger zerolog.Logger,
) (*DurableWorker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("worker config cannot be nil")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if cfg.Consumer.Prefetch <= 0 {
		return nil, fmt.Errorf("prefetch must be greater than 0, got %d", cfg.Consumer.Prefetch)
	}
	drainTimeout := cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}
	policy := cfg.FailurePolicy
	if policy == "" {
		policy = FailureLeaveUnacked
	}
	if policy != FailureLeaveUnacked && policy != FailureRequeue {
		return nil, fmt.Errorf("unknown failure policy %q", policy)
	}

	return &DurableWorker{
		numWorkers:    cfg.Consumer.Prefetch,
		drainTimeout:  drainTimeout,
		failurePolicy: policy,
		consumer:      consumer,
		handler:       handler,
		logger:        logger.With().Str("service", "DurableWorker").Logger(),
		doneChan:      make(chan struct{}),
	}, nil
}

// StartDurableWorker creates and starts a worker in one step. The returned
// worker is the handle for Stop.
func StartDurableWorker(
	ctx context.Context,
	cfg *DurableWorkerConfig,
	channel broker.Channel,
	handler MessageHandler,
	logger zerolog.Logger,
) (*DurableWorker, error) {
	w, err := NewDurableWorker(cfg, channel, handler, logger)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// Start declares the queue, requests the prefetch and spawns one handler
// goroutine per prefetch slot. Cancelling ctx triggers a graceful Stop and is
// also visible to running handlers.
func (w *DurableWorker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("worker already started")
	}
	w.logger.Info().Msg("Starting durable worker...")

	if err := w.consumer.Start(ctx); err != nil {
		_ = w.consumer.Close()
		w.stopOnce.Do(func() { close(w.doneChan) })
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}

	w.logger.Info().Int("worker_count", w.numWorkers).Msg("Starting handler workers...")
	w.wg.Add(w.numWorkers)
	for i := 0; i < w.numWorkers; i++ {
		go w.worker(ctx, i)
	}
	go w.monitor(ctx)

	w.logger.Info().Msg("Durable worker started.")
	return nil
}

// Stop stops accepting deliveries and waits, bounded by ctx and the drain
// timeout, for running handlers to finish and acknowledge. It never cancels
// running handlers. Whatever is still in flight afterwards is abandoned
// unacknowledged and the channel is released so the broker redelivers it.
func (w *DurableWorker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { w.stopErr = w.shutdown(ctx) })
	return w.stopErr
}

// Done returns a channel that is closed when the worker has shut down.
func (w *DurableWorker) Done() <-chan struct{} { return w.doneChan }

// Err returns the terminal error that stopped the worker, if any.
func (w *DurableWorker) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Running reports whether the worker is consuming.
func (w *DurableWorker) Running() bool {
	return w.started.Load() && !w.stopping.Load()
}

// Stats returns the current counters.
func (w *DurableWorker) Stats() WorkerStats {
	return WorkerStats{
		InFlight:  w.inFlight.Load(),
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
	}
}

func (w *DurableWorker) shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Stopping durable worker...")
	w.stopping.Store(true)

	if err := w.consumer.Stop(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("Error during consumer stop, continuing shutdown.")
	}

	drainCtx, cancel := context.WithTimeout(ctx, w.drainTimeout)
	defer cancel()

	workerDone := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(workerDone)
	}()

	var drainErr error
	select {
	case <-workerDone:
		w.logger.Info().Msg("All in-flight handlers completed gracefully.")
	case <-drainCtx.Done():
		abandoned := w.inFlight.Load()
		drainErr = fmt.Errorf("%w: %d deliveries abandoned", ErrDrainTimeout, abandoned)
		w.logger.Error().Int64("abandoned", abandoned).Msg("Timeout waiting for in-flight handlers, abandoning deliveries.")
	}

	w.ackMu.Lock()
	w.abandoned = true
	w.ackMu.Unlock()

	if err := w.consumer.Close(); err != nil {
		w.logger.Warn().Err(err).Msg("Error releasing broker channel.")
	}
	close(w.doneChan)

	stats := w.Stats()
	w.logger.Info().Uint64("processed", stats.Processed).Uint64("failed", stats.Failed).Msg("Durable worker stopped.")
	return drainErr
}

// monitor turns broker failures and context cancellation into a shutdown.
func (w *DurableWorker) monitor(ctx context.Context) {
	select {
	case err := <-w.consumer.Failures():
		if w.stopping.Load() {
			w.logger.Debug().Err(err).Msg("Consumer failure after stop requested, ignoring.")
			return
		}
		w.fail(err)
	case <-ctx.Done():
		w.logger.Info().Msg("Context cancelled, stopping worker.")
		_ = w.Stop(context.Background())
	case <-w.doneChan:
	}
}

// fail records a terminal error and shuts the worker down.
func (w *DurableWorker) fail(err error) {
	w.errMu.Lock()
	first := w.err == nil
	if first {
		w.err = err
	}
	w.errMu.Unlock()
	if !first {
		return
	}
	w.logger.Error().Err(err).Msg("Fatal broker error, stopping worker.")
	go func() { _ = w.Stop(context.Background()) }()
}

// worker is the loop for one prefetch slot.
func (w *DurableWorker) worker(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug().Int("worker_id", workerID).Msg("Handler worker started.")
	for d := range w.consumer.Messages() {
		if w.stopping.Load() {
			w.logger.Debug().Uint64("delivery_tag", d.DeliveryTag).Msg("Worker stopping, leaving delivery unacknowledged.")
			continue
		}
		w.process(ctx, d, workerID)
	}
	w.logger.Debug().Int("worker_id", workerID).Msg("Delivery stream closed, worker exiting.")
}

// process runs the handler for one delivery and settles it.
func (w *DurableWorker) process(ctx context.Context, d broker.Delivery, workerID int) {
	w.inFlight.Add(1)
	defer w.inFlight.Add(-1)

	msg := newMessage(d)
	logger := w.logger.With().Int("worker_id", workerID).Uint64("delivery_tag", d.DeliveryTag).Str("msg_id", msg.ID).Logger()
	logger.Debug().Bool("redelivered", msg.Redelivered).Msg("Handling message.")

	if err := w.invoke(ctx, msg); err != nil {
		w.failed.Add(1)
		if w.failurePolicy == FailureRequeue {
			logger.Error().Err(err).Msg("Handler failed, requeueing message.")
			w.settle(d, "nack", func() error { return d.Nack(true) }, logger)
			return
		}
		logger.Error().Err(err).Msg("Handler failed, leaving message unacknowledged for redelivery.")
		return
	}

	if w.settle(d, "ack", d.Ack, logger) {
		w.processed.Add(1)
		logger.Debug().Msg("Message processed successfully, acknowledged.")
	}
}

// invoke calls the handler, converting a panic into ErrHandlerFault.
func (w *DurableWorker) invoke(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", broker.ErrHandlerFault, r)
		}
	}()
	return w.handler(ctx, msg)
}

// settle sends an ack or nack unless the delivery has been abandoned. A failed
// settlement leaves the delivery state unknown and is fatal.
func (w *DurableWorker) settle(d broker.Delivery, action string, op func() error, logger zerolog.Logger) bool {
	w.ackMu.RLock()
	defer w.ackMu.RUnlock()
	if w.abandoned {
		logger.Warn().Msg("Delivery was abandoned at shutdown, not settling it.")
		return false
	}
	if err := op(); err != nil {
		w.fail(fmt.Errorf("%w: %s delivery %d: %w", broker.ErrAckFailure, action, d.DeliveryTag, err))
		return false
	}
	return true
}
