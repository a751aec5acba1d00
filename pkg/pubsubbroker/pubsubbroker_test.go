package pubsubbroker_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-taskqueue/pkg/broker"
	"github.com/illmade-knight/go-taskqueue/pkg/pubsubbroker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// setupPubsubTest creates an in-memory Pub/Sub server and a connection to it.
func setupPubsubTest(t *testing.T) *pubsubbroker.Connection {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	cfg := pubsubbroker.NewConfigDefaults("test-project")
	cfg.CloseTimeout = 2 * time.Second
	return pubsubbroker.NewConnection(client, cfg, zerolog.Nop())
}

func openChannel(t *testing.T, conn *pubsubbroker.Connection) broker.Channel {
	t.Helper()
	ch, err := conn.Channel()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func receive(t *testing.T, deliveries <-chan broker.Delivery) broker.Delivery {
	t.Helper()
	select {
	case d, ok := <-deliveries:
		require.True(t, ok, "delivery stream closed unexpectedly")
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a delivery")
		return broker.Delivery{}
	}
}

func TestPubsubChannel_DefaultExchange(t *testing.T) {
	ctx := context.Background()
	conn := setupPubsubTest(t)
	ch := openChannel(t, conn)

	q, err := ch.DeclareQueue(ctx, broker.QueueSpec{Name: "task_queue", Durable: true})
	require.NoError(t, err)
	require.NoError(t, ch.Prefetch(1))
	require.NoError(t, ch.Publish(ctx, broker.DefaultExchange, q.Name, broker.Publishing{
		MessageID: "msg-1",
		Body:      []byte("hello..."),
		Headers:   map[string]interface{}{"origin": "test"},
	}))

	deliveries, err := ch.Consume(ctx, q.Name, "worker-1")
	require.NoError(t, err)
	d := receive(t, deliveries)

	assert.Equal(t, "msg-1", d.MessageID)
	assert.Equal(t, "hello...", string(d.Body))
	assert.Equal(t, "task_queue", d.RoutingKey)
	assert.Equal(t, "test", d.Headers["origin"])
	require.NoError(t, d.Ack())
	assert.ErrorIs(t, d.Ack(), broker.ErrUnknownDeliveryTag)
}

func TestPubsubChannel_PublishToMissingQueueIsDropped(t *testing.T) {
	conn := setupPubsubTest(t)
	ch := openChannel(t, conn)

	err := ch.Publish(context.Background(), broker.DefaultExchange, "nobody", broker.Publishing{Body: []byte("x")})

	assert.NoError(t, err)
}

func TestPubsubChannel_Fanout(t *testing.T) {
	ctx := context.Background()
	conn := setupPubsubTest(t)
	logs := broker.ExchangeSpec{Name: "logs", Kind: broker.ExchangeFanout}

	var streams []<-chan broker.Delivery
	for i := 0; i < 2; i++ {
		ch := openChannel(t, conn)
		require.NoError(t, ch.DeclareExchange(ctx, logs))
		q, err := ch.DeclareQueue(ctx, broker.QueueSpec{Exclusive: true})
		require.NoError(t, err)
		require.NoError(t, ch.BindQueue(ctx, q.Name, logs.Name, ""))
		deliveries, err := ch.Consume(ctx, q.Name, "")
		require.NoError(t, err)
		streams = append(streams, deliveries)
	}

	pub := openChannel(t, conn)
	require.NoError(t, pub.DeclareExchange(ctx, logs))
	require.NoError(t, pub.Publish(ctx, logs.Name, "", broker.Publishing{Body: []byte("info: Hello World!")}))

	for _, deliveries := range streams {
		d := receive(t, deliveries)
		assert.Equal(t, "info: Hello World!", string(d.Body))
		assert.Equal(t, "logs", d.Exchange)
		require.NoError(t, d.Ack())
	}
}

func TestPubsubChannel_DirectRoutesBySeverity(t *testing.T) {
	ctx := context.Background()
	conn := setupPubsubTest(t)
	direct := broker.ExchangeSpec{Name: "direct_logs", Kind: broker.ExchangeDirect}

	ch := openChannel(t, conn)
	require.NoError(t, ch.DeclareExchange(ctx, direct))
	q, err := ch.DeclareQueue(ctx, broker.QueueSpec{Exclusive: true})
	require.NoError(t, err)
	require.NoError(t, ch.BindQueue(ctx, q.Name, direct.Name, "error"))
	deliveries, err := ch.Consume(ctx, q.Name, "")
	require.NoError(t, err)

	pub := openChannel(t, conn)
	require.NoError(t, pub.DeclareExchange(ctx, direct))
	require.NoError(t, pub.Publish(ctx, direct.Name, "info", broker.Publishing{Body: []byte("ignored")}))
	require.NoError(t, pub.Publish(ctx, direct.Name, "error", broker.Publishing{Body: []byte("disk full")}))

	d := receive(t, deliveries)
	assert.Equal(t, "error", d.RoutingKey)
	assert.Equal(t, "disk full", string(d.Body))
	require.NoError(t, d.Ack())

	select {
	case extra := <-deliveries:
		t.Fatalf("unexpected delivery with key %q", extra.RoutingKey)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPubsubChannel_CloseRedeliversUnacked(t *testing.T) {
	ctx := context.Background()
	conn := setupPubsubTest(t)

	first, err := conn.Channel()
	require.NoError(t, err)
	_, err = first.DeclareQueue(ctx, broker.QueueSpec{Name: "task_queue", Durable: true})
	require.NoError(t, err)
	require.NoError(t, first.Publish(ctx, broker.DefaultExchange, "task_queue", broker.Publishing{MessageID: "m", Body: []byte("fragile")}))
	deliveries, err := first.Consume(ctx, "task_queue", "")
	require.NoError(t, err)
	d := receive(t, deliveries)
	require.NoError(t, first.Close())
	assert.ErrorIs(t, d.Ack(), broker.ErrChannelClosed)

	second := openChannel(t, conn)
	_, err = second.DeclareQueue(ctx, broker.QueueSpec{Name: "task_queue", Durable: true})
	require.NoError(t, err)
	deliveries, err = second.Consume(ctx, "task_queue", "")
	require.NoError(t, err)
	again := receive(t, deliveries)
	assert.Equal(t, "m", again.MessageID)
	require.NoError(t, again.Ack())
}

func TestPubsubChannel_CancelClosesDeliveries(t *testing.T) {
	ctx := context.Background()
	conn := setupPubsubTest(t)
	ch := openChannel(t, conn)
	_, err := ch.DeclareQueue(ctx, broker.QueueSpec{Name: "task_queue", Durable: true})
	require.NoError(t, err)
	deliveries, err := ch.Consume(ctx, "task_queue", "worker-1")
	require.NoError(t, err)

	require.NoError(t, ch.Cancel("worker-1"))

	select {
	case _, ok := <-deliveries:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery stream not closed after cancel")
	}
	assert.ErrorIs(t, ch.Cancel("worker-1"), broker.ErrNotFound)
}

func TestPubsubChannel_Validation(t *testing.T) {
	ctx := context.Background()
	conn := setupPubsubTest(t)
	ch := openChannel(t, conn)

	assert.ErrorIs(t, ch.DeclareExchange(ctx, broker.ExchangeSpec{Name: "", Kind: broker.ExchangeFanout}), broker.ErrInvalidArgument)
	assert.ErrorIs(t, ch.DeclareExchange(ctx, broker.ExchangeSpec{Name: "x", Kind: "headers"}), broker.ErrInvalidArgument)
	assert.ErrorIs(t, ch.BindQueue(ctx, "missing", "logs", ""), broker.ErrNotFound)
	assert.ErrorIs(t, ch.Prefetch(-1), broker.ErrInvalidArgument)
	_, err := ch.Consume(ctx, "missing", "")
	assert.ErrorIs(t, err, broker.ErrNotFound)

	_, err = ch.DeclareQueue(ctx, broker.QueueSpec{Name: "hello"})
	require.NoError(t, err)
	_, err = ch.DeclareQueue(ctx, broker.QueueSpec{Name: "hello", Durable: true})
	assert.ErrorIs(t, err, broker.ErrDeclarationMismatch)
}
