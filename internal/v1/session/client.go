package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caldera-live/caldera/backend/go/internal/v1/logging"
	"github.com/caldera-live/caldera/backend/go/internal/v1/metrics"
)

const writeWait = 10 * time.Second

// wsConnection is the subset of *websocket.Conn the client needs; mock
// implementations stand in for it in tests.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client owns one websocket: a readPump feeding the coordinator and a
// writePump draining the bounded send queue. It is the fabric.Subscriber for
// its connection.
type Client struct {
	conn        wsConnection
	coordinator *Coordinator
	send        chan []byte

	mu     sync.RWMutex
	closed bool
}

// NewClient wires a connection to its coordinator. queueDepth bounds the
// outbound queue; overflow gets the connection dropped as a slow subscriber.
func NewClient(conn wsConnection, coordinator *Coordinator, queueDepth int) *Client {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Client{
		conn:        conn,
		coordinator: coordinator,
		send:        make(chan []byte, queueDepth),
	}
}

// ConnID implements fabric.Subscriber.
func (c *Client) ConnID() string { return c.coordinator.ConnID() }

// Enqueue implements fabric.Subscriber. Never blocks; false means the queue
// is full or the client is already closed.
func (c *Client) Enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// ForceClose tears the socket down; the readPump unwinds and runs the
// disconnect cleanup. Safe to call from any goroutine, repeatedly.
func (c *Client) ForceClose(reason string) {
	logging.Info(logging.WithConnID(context.Background(), c.ConnID()), "Closing connection",
		zap.String("reason", reason))
	_ = c.conn.Close()
}

// Run services the connection until it closes. The caller's goroutine
// becomes the readPump, so command handling is serialized per connection.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.coordinator.Disconnect(ctx)
		c.closeSend()
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Event == "" {
			logging.Warn(logging.WithConnID(ctx, c.ConnID()), "Discarding malformed frame", zap.Error(err))
			continue
		}

		c.coordinator.HandleCommand(ctx, cmd)
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// closeSend ends the writePump. After this every Enqueue reports false.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
