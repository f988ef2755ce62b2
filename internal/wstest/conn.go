// Package wstest provides a scripted websocket connection for adapter tests.
package wstest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by reads and writes after Close.
var ErrClosed = errors.New("wstest: connection closed")

// Conn is an in-memory stand-in for *websocket.Conn. Tests queue inbound
// frames with Deliver and inspect outbound traffic with Written.
type Conn struct {
	inbound chan []byte
	done    chan struct{}

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

// NewConn creates a fake connection with room for queued inbound frames.
func NewConn() *Conn {
	return &Conn{
		inbound: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

// Deliver queues v, JSON-encoded, as the next inbound frame.
func (c *Conn) Deliver(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("wstest: marshal inbound frame: %v", err))
	}
	c.DeliverRaw(data)
}

// DeliverRaw queues a raw inbound frame.
func (c *Conn) DeliverRaw(data []byte) {
	select {
	case c.inbound <- data:
	case <-c.done:
	}
}

// ReadMessage blocks until a queued frame or Close.
func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.done:
		return 0, nil, ErrClosed
	}
}

// WriteJSON records the encoded frame.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.written = append(c.written, data)
	return nil
}

// WriteControl accepts control frames without recording them.
func (c *Conn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Close unblocks pending reads. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Written returns the raw outbound frames in write order.
func (c *Conn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// WrittenEvents decodes the outbound frames into generic maps.
func (c *Conn) WrittenEvents() []map[string]any {
	raw := c.Written()
	events := make([]map[string]any, 0, len(raw))
	for _, data := range raw {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			panic(fmt.Sprintf("wstest: decode outbound frame: %v", err))
		}
		events = append(events, m)
	}
	return events
}
