package messagepipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SimulatedTask returns a handler that pretends to work for one unit of time
// per '.' in the payload, so "hello..." takes three units. It returns early
// with the context's error if ctx is cancelled.
func SimulatedTask(unit time.Duration, logger zerolog.Logger) MessageHandler {
	logger = logger.With().Str("component", "SimulatedTask").Logger()
	return func(ctx context.Context, msg Message) error {
		work := time.Duration(bytes.Count(msg.Payload, []byte("."))) * unit
		logger.Info().Str("body", string(msg.Payload)).Dur("work", work).Msg("Received task.")

		timer := time.NewTimer(work)
		defer timer.Stop()
		select {
		case <-timer.C:
			logger.Info().Str("msg_id", msg.ID).Msg("Task done.")
			return nil
		case <-ctx.Done():
			return fmt.Errorf("task interrupted: %w", ctx.Err())
		}
	}
}

// PrintFormat selects the line PrintMessage writes for each message.
type PrintFormat int

const (
	// PrintReceived writes " [x] Received <body>".
	PrintReceived PrintFormat = iota
	// PrintBody writes " [x] <body>".
	PrintBody
	// PrintRoutingKey writes " [x] <routing key>: <body>".
	PrintRoutingKey
)

// PrintMessage returns a handler that writes each message to w in the given
// format. Writes are serialized.
func PrintMessage(w io.Writer, format PrintFormat) MessageHandler {
	var mu sync.Mutex
	return func(_ context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		var err error
		switch format {
		case PrintRoutingKey:
			_, err = fmt.Fprintf(w, " [x] %s: %s\n", msg.RoutingKey, msg.Payload)
		case PrintBody:
			_, err = fmt.Fprintf(w, " [x] %s\n", msg.Payload)
		default:
			_, err = fmt.Fprintf(w, " [x] Received %s\n", msg.Payload)
		}
		return err
	}
}
