package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"golang.org/x/net/websocket"

	"routerelay/internal/domain"
	"routerelay/internal/registry"
)

// connection is the registry handle for one websocket session. Pushes go
// through a bounded queue drained by a single writer goroutine.
type connection struct {
	id string
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
	sendQ  chan Frame
}

func newConnection(id string, ws *websocket.Conn, queue int) *connection {
	return &connection{id: id, ws: ws, sendQ: make(chan Frame, queue)}
}

func (c *connection) ID() string { return c.id }

func (c *connection) Push(u domain.PositionUpdate) error {
	f, err := newPositionFrame(u)
	if err != nil {
		return err
	}
	return c.enqueue(f)
}

func (c *connection) enqueue(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return registry.ErrConnectionClosed
	}
	select {
	case c.sendQ <- f:
		return nil
	default:
		return registry.ErrSendQueueFull
	}
}

func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.sendQ)
}

func (c *connection) writeLoop(logger *slog.Logger) {
	for f := range c.sendQ {
		b, err := json.Marshal(f)
		if err != nil {
			logger.Error("ws: marshal frame", "connection_id", c.id, "type", f.Type, "error", err)
			continue
		}
		if err := websocket.Message.Send(c.ws, string(b)); err != nil {
			logger.Debug("ws: write failed", "connection_id", c.id, "error", err)
			_ = c.ws.Close()
			for range c.sendQ {
			}
			return
		}
	}
}
