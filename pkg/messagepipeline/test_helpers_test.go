package messagepipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-taskqueue/pkg/broker"
	"github.com/illmade-knight/go-taskqueue/pkg/membroker"
	"github.com/illmade-knight/go-taskqueue/pkg/messagepipeline"
	"github.com/stretchr/testify/require"
)

// ====================================================================================
// This file contains mocks for the interfaces defined in this package and helpers
// for running workers against the in-memory broker.
// ====================================================================================

// --- MockAcknowledger ---

// MockAcknowledger records settlements per delivery tag.
type MockAcknowledger struct {
	mu      sync.Mutex
	acks    map[uint64]int
	nacks   map[uint64]int
	ackErr  error
	nackErr error
}

func NewMockAcknowledger() *MockAcknowledger {
	return &MockAcknowledger{acks: make(map[uint64]int), nacks: make(map[uint64]int)}
}

func (a *MockAcknowledger) Ack(tag uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ackErr != nil {
		return a.ackErr
	}
	a.acks[tag]++
	return nil
}

func (a *MockAcknowledger) Nack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nackErr != nil {
		return a.nackErr
	}
	a.nacks[tag]++
	return nil
}

func (a *MockAcknowledger) AckCount(tag uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks[tag]
}

func (a *MockAcknowledger) NackCount(tag uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nacks[tag]
}

func (a *MockAcknowledger) SetAckError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ackErr = err
}

// --- MockMessageConsumer ---

// MockMessageConsumer is a mock implementation of the MessageConsumer interface.
type MockMessageConsumer struct {
	msgChan    chan broker.Delivery
	doneChan   chan struct{}
	failures   chan error
	ack        *MockAcknowledger
	stopOnce   sync.Once
	closeOnce  sync.Once
	startErr   error
	mu         sync.Mutex
	nextTag    uint64
	startCount int
	stopCount  int
	closeCount int
}

// NewMockMessageConsumer creates a mock consumer with a buffered delivery channel.
func NewMockMessageConsumer(bufferSize int) *MockMessageConsumer {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &MockMessageConsumer{
		msgChan:  make(chan broker.Delivery, bufferSize),
		doneChan: make(chan struct{}),
		failures: make(chan error, 1),
		ack:      NewMockAcknowledger(),
	}
}

func (m *MockMessageConsumer) Messages() <-chan broker.Delivery { return m.msgChan }
func (m *MockMessageConsumer) Done() <-chan struct{}            { return m.doneChan }
func (m *MockMessageConsumer) Failures() <-chan error           { return m.failures }

func (m *MockMessageConsumer) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCount++
	return m.startErr
}

// Stop closes the delivery channel, as a broker cancel would.
func (m *MockMessageConsumer) Stop(_ context.Context) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopCount++
		m.mu.Unlock()
		close(m.msgChan)
		close(m.doneChan)
	})
	return nil
}

func (m *MockMessageConsumer) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closeCount++
		m.mu.Unlock()
	})
	_ = m.Stop(context.Background())
	return nil
}

// Push sends a delivery with a fresh tag and returns the tag.
func (m *MockMessageConsumer) Push(id string, body string) uint64 {
	m.mu.Lock()
	m.nextTag++
	tag := m.nextTag
	m.mu.Unlock()
	m.msgChan <- broker.Delivery{
		Acknowledger: m.ack,
		DeliveryTag:  tag,
		MessageID:    id,
		Body:         []byte(body),
	}
	return tag
}

// Fail simulates the broker reporting a terminal error.
func (m *MockMessageConsumer) Fail(err error) { m.failures <- err }

func (m *MockMessageConsumer) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

func (m *MockMessageConsumer) Counts() (start, stop, closed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCount, m.stopCount, m.closeCount
}

// --- in-memory broker helpers ---

// newBrokerChannel opens a channel on a fresh connection to b.
func newBrokerChannel(t *testing.T, b *membroker.Broker) (*membroker.Connection, broker.Channel) {
	t.Helper()
	conn := b.Connect()
	t.Cleanup(func() { _ = conn.Close() })
	ch, err := conn.Channel()
	require.NoError(t, err)
	return conn, ch
}

// publishTo declares name as a durable queue and publishes bodies to it.
func publishTo(t *testing.T, b *membroker.Broker, name string, bodies ...string) {
	t.Helper()
	ctx := context.Background()
	_, ch := newBrokerChannel(t, b)
	_, err := ch.DeclareQueue(ctx, broker.QueueSpec{Name: name, Durable: true})
	require.NoError(t, err)
	for _, body := range bodies {
		err := ch.Publish(ctx, broker.DefaultExchange, name, broker.Publishing{MessageID: body, Persistent: true, Body: []byte(body)})
		require.NoError(t, err)
	}
}

// stopWorker stops w with a generous bound.
func stopWorker(t *testing.T, w *messagepipeline.DurableWorker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
}
