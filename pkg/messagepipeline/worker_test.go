package messagepipeline_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-taskqueue/pkg/broker"
	"github.com/illmade-knight/go-taskqueue/pkg/messagepipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestWorker is a helper to create a DurableWorker around a mock consumer.
func newTestWorker(
	t *testing.T,
	cfg *messagepipeline.DurableWorkerConfig,
	handler messagepipeline.MessageHandler,
) (*messagepipeline.DurableWorker, *MockMessageConsumer) {
	t.Helper()
	consumer := NewMockMessageConsumer(10)
	worker, err := messagepipeline.NewDurableWorkerWithConsumer(cfg, consumer, handler, zerolog.Nop())
	require.NoError(t, err)
	return worker, consumer
}

func testConfig() *messagepipeline.DurableWorkerConfig {
	cfg := messagepipeline.NewDurableWorkerDefaults("task_queue")
	cfg.DrainTimeout = 2 * time.Second
	return cfg
}

func TestNewDurableWorker_Validation(t *testing.T) {
	ok := func(context.Context, messagepipeline.Message) error { return nil }
	consumer := NewMockMessageConsumer(0)

	_, err := messagepipeline.NewDurableWorkerWithConsumer(nil, consumer, ok, zerolog.Nop())
	assert.Error(t, err)

	_, err = messagepipeline.NewDurableWorkerWithConsumer(testConfig(), nil, ok, zerolog.Nop())
	assert.Error(t, err)

	_, err = messagepipeline.NewDurableWorkerWithConsumer(testConfig(), consumer, nil, zerolog.Nop())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Consumer.Prefetch = 0
	_, err = messagepipeline.NewDurableWorkerWithConsumer(cfg, consumer, ok, zerolog.Nop())
	assert.Error(t, err)

	cfg = testConfig()
	cfg.FailurePolicy = "drop"
	_, err = messagepipeline.NewDurableWorkerWithConsumer(cfg, consumer, ok, zerolog.Nop())
	assert.Error(t, err)
}

func TestDurableWorker_Lifecycle(t *testing.T) {
	// Arrange
	worker, consumer := newTestWorker(t, testConfig(), func(context.Context, messagepipeline.Message) error { return nil })

	// Act
	require.NoError(t, worker.Start(context.Background()))
	assert.True(t, worker.Running())
	assert.Error(t, worker.Start(context.Background()), "second start must fail")
	stopWorker(t, worker)

	// Assert
	start, stop, closed := consumer.Counts()
	assert.Equal(t, 1, start)
	assert.Equal(t, 1, stop)
	assert.Equal(t, 1, closed)
	assert.False(t, worker.Running())
	assert.NoError(t, worker.Err())
	select {
	case <-worker.Done():
	default:
		t.Fatal("Done was not closed after Stop")
	}
	// Stop is idempotent.
	assert.NoError(t, worker.Stop(context.Background()))
}

func TestDurableWorker_Success_AcksExactlyOnce(t *testing.T) {
	// Arrange
	var received atomic.Value
	worker, consumer := newTestWorker(t, testConfig(), func(_ context.Context, msg messagepipeline.Message) error {
		received.Store(string(msg.Payload))
		return nil
	})
	require.NoError(t, worker.Start(context.Background()))

	// Act
	tag := consumer.Push("msg-1", "hello")

	// Assert
	require.Eventually(t, func() bool { return consumer.ack.AckCount(tag) == 1 }, time.Second, 10*time.Millisecond)
	stopWorker(t, worker)
	assert.Equal(t, "hello", received.Load())
	assert.Equal(t, 1, consumer.ack.AckCount(tag))
	assert.Equal(t, 0, consumer.ack.NackCount(tag))
	assert.Equal(t, uint64(1), worker.Stats().Processed)
}

func TestDurableWorker_HandlerError_LeavesUnacked(t *testing.T) {
	// Arrange
	worker, consumer := newTestWorker(t, testConfig(), func(context.Context, messagepipeline.Message) error {
		return errors.New("task failed")
	})
	require.NoError(t, worker.Start(context.Background()))

	// Act
	tag := consumer.Push("msg-1", "fails")

	// Assert
	require.Eventually(t, func() bool { return worker.Stats().Failed == 1 }, time.Second, 10*time.Millisecond)
	stopWorker(t, worker)
	assert.Equal(t, 0, consumer.ack.AckCount(tag), "a failed task must not be acknowledged")
	assert.Equal(t, 0, consumer.ack.NackCount(tag), "leave policy must not nack")
	assert.NoError(t, worker.Err(), "a handler failure is not fatal to the worker")
}

func TestDurableWorker_HandlerError_RequeuePolicy(t *testing.T) {
	// Arrange
	cfg := testConfig()
	cfg.FailurePolicy = messagepipeline.FailureRequeue
	worker, consumer := newTestWorker(t, cfg, func(context.Context, messagepipeline.Message) error {
		return errors.New("task failed")
	})
	require.NoError(t, worker.Start(context.Background()))

	// Act
	tag := consumer.Push("msg-1", "fails")

	// Assert
	require.Eventually(t, func() bool { return consumer.ack.NackCount(tag) == 1 }, time.Second, 10*time.Millisecond)
	stopWorker(t, worker)
	assert.Equal(t, 0, consumer.ack.AckCount(tag))
}

func TestDurableWorker_HandlerPanic_IsFailure(t *testing.T) {
	// Arrange
	worker, consumer := newTestWorker(t, testConfig(), func(_ context.Context, msg messagepipeline.Message) error {
		if string(msg.Payload) == "panic" {
			panic("boom")
		}
		return nil
	})
	require.NoError(t, worker.Start(context.Background()))

	// Act
	panicTag := consumer.Push("msg-1", "panic")
	okTag := consumer.Push("msg-2", "fine")

	// Assert
	require.Eventually(t, func() bool { return consumer.ack.AckCount(okTag) == 1 }, time.Second, 10*time.Millisecond,
		"worker must keep processing after a handler panic")
	stopWorker(t, worker)
	assert.Equal(t, 0, consumer.ack.AckCount(panicTag))
	assert.Equal(t, uint64(1), worker.Stats().Failed)
}

func TestDurableWorker_Stop_WaitsForInFlight(t *testing.T) {
	// Arrange
	started := make(chan struct{})
	worker, consumer := newTestWorker(t, testConfig(), func(context.Context, messagepipeline.Message) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	require.NoError(t, worker.Start(context.Background()))
	tag := consumer.Push("msg-1", "slow")
	<-started

	// Act
	stopWorker(t, worker)

	// Assert
	assert.Equal(t, 1, consumer.ack.AckCount(tag), "in-flight task must be acknowledged before Stop returns")
}

func TestDurableWorker_Stop_DrainTimeoutAbandons(t *testing.T) {
	// Arrange
	cfg := testConfig()
	cfg.DrainTimeout = 50 * time.Millisecond
	started := make(chan struct{})
	release := make(chan struct{})
	worker, consumer := newTestWorker(t, cfg, func(context.Context, messagepipeline.Message) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, worker.Start(context.Background()))
	tag := consumer.Push("msg-1", "stuck")
	<-started

	// Act
	err := worker.Stop(context.Background())

	// Assert
	require.ErrorIs(t, err, messagepipeline.ErrDrainTimeout)
	close(release)
	assert.Never(t, func() bool { return consumer.ack.AckCount(tag) > 0 }, 200*time.Millisecond, 10*time.Millisecond,
		"an abandoned delivery must never be acknowledged")
}

func TestDurableWorker_AckFailure_IsFatal(t *testing.T) {
	// Arrange
	worker, consumer := newTestWorker(t, testConfig(), func(context.Context, messagepipeline.Message) error { return nil })
	consumer.ack.SetAckError(broker.ErrChannelClosed)
	require.NoError(t, worker.Start(context.Background()))

	// Act
	consumer.Push("msg-1", "hello")

	// Assert
	select {
	case <-worker.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after an ack failure")
	}
	assert.ErrorIs(t, worker.Err(), broker.ErrAckFailure)
	assert.ErrorIs(t, worker.Err(), broker.ErrChannelClosed)
	assert.Equal(t, uint64(0), worker.Stats().Processed)
}

func TestDurableWorker_BrokerFailure_StopsWorker(t *testing.T) {
	// Arrange
	worker, consumer := newTestWorker(t, testConfig(), func(context.Context, messagepipeline.Message) error { return nil })
	require.NoError(t, worker.Start(context.Background()))

	// Act
	consumer.Fail(broker.ErrConnection)

	// Assert
	select {
	case <-worker.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after a broker failure")
	}
	assert.ErrorIs(t, worker.Err(), broker.ErrConnection)
}

func TestDurableWorker_StartError(t *testing.T) {
	// Arrange
	worker, consumer := newTestWorker(t, testConfig(), func(context.Context, messagepipeline.Message) error { return nil })
	consumer.SetStartError(broker.ErrDeclarationMismatch)

	// Act
	err := worker.Start(context.Background())

	// Assert
	require.ErrorIs(t, err, broker.ErrDeclarationMismatch)
	_, _, closed := consumer.Counts()
	assert.Equal(t, 1, closed, "consumer must be released after a failed start")
	select {
	case <-worker.Done():
	default:
		t.Fatal("Done was not closed after a failed start")
	}
}

func TestDurableWorker_ContextCancel_Stops(t *testing.T) {
	// Arrange
	worker, _ := newTestWorker(t, testConfig(), func(context.Context, messagepipeline.Message) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, worker.Start(ctx))

	// Act
	cancel()

	// Assert
	select {
	case <-worker.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
	assert.NoError(t, worker.Err())
}
