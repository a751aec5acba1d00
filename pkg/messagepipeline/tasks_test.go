package messagepipeline_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-taskqueue/pkg/messagepipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMessage(body, routingKey string) messagepipeline.Message {
	return messagepipeline.Message{
		MessageData: messagepipeline.MessageData{ID: "msg-1", Payload: []byte(body)},
		RoutingKey:  routingKey,
	}
}

func TestSimulatedTask_OneUnitPerDot(t *testing.T) {
	task := messagepipeline.SimulatedTask(20*time.Millisecond, zerolog.Nop())

	start := time.Now()
	err := task(context.Background(), newTestMessage("work...", ""))

	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestSimulatedTask_NoDotsIsImmediate(t *testing.T) {
	task := messagepipeline.SimulatedTask(time.Hour, zerolog.Nop())

	err := task(context.Background(), newTestMessage("Hello World!", ""))

	assert.NoError(t, err)
}

func TestSimulatedTask_Cancelled(t *testing.T) {
	task := messagepipeline.SimulatedTask(time.Hour, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := task(ctx, newTestMessage("forever.", ""))

	assert.ErrorIs(t, err, context.Canceled)
}

func TestPrintMessage(t *testing.T) {
	var buf bytes.Buffer

	ctx := context.Background()
	require.NoError(t, messagepipeline.PrintMessage(&buf, messagepipeline.PrintReceived)(ctx, newTestMessage("Hello World!", "")))
	require.NoError(t, messagepipeline.PrintMessage(&buf, messagepipeline.PrintBody)(ctx, newTestMessage("info: system up", "")))
	require.NoError(t, messagepipeline.PrintMessage(&buf, messagepipeline.PrintRoutingKey)(ctx, newTestMessage("disk full", "error")))

	assert.Equal(t, " [x] Received Hello World!\n [x] info: system up\n [x] error: disk full\n", buf.String())
}
