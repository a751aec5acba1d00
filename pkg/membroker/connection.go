package membroker

import (
	"fmt"

	"github.com/illmade-knight/go-taskqueue/pkg/broker"
)

// Connection is a client session with the Broker. Exclusive queues declared on
// it are deleted when it closes.
type Connection struct {
	broker   *Broker
	id       string
	channels map[*Channel]struct{}
	closed   bool
}

// Channel opens a new channel on the connection.
func (c *Connection) Channel() (broker.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("open channel: %w", broker.ErrConnection)
	}
	ch := &Channel{
		broker:    b,
		conn:      c,
		unacked:   make(map[uint64]*inflight),
		consumers: make(map[string]*consumer),
		closeCh:   make(chan error, 1),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// Close closes every channel on the connection, requeueing their unacknowledged
// deliveries, and deletes the exclusive queues the connection owns.
func (c *Connection) Close() error {
	c.shutdown(nil)
	return nil
}

// Abort simulates an abrupt connection loss. Channel listeners receive an error
// wrapping broker.ErrConnection.
func (c *Connection) Abort(reason error) {
	c.shutdown(fmt.Errorf("%w: %v", broker.ErrConnection, reason))
}

func (c *Connection) shutdown(cause error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for ch := range c.channels {
		ch.shutdownLocked(cause)
	}
	for _, q := range b.queues {
		if q.owner == c {
			b.deleteQueue(q)
		}
	}
	b.logger.Debug().Str("connection_id", c.id).Bool("aborted", cause != nil).Msg("Connection closed.")
}
