package http

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const writeTimeout = 10 * time.Second

// wsConn adapts a websocket connection to core.Conn. Writes are
// serialized; the read side stays with the handler's read loop.
type wsConn struct {
	id string
	ws *websocket.Conn

	mu     sync.Mutex
	closed atomic.Bool
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.NewString(), ws: ws}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(data []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.closed.Store(true)
		return err
	}
	return nil
}

func (c *wsConn) Close(reason string) error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

func (c *wsConn) Open() bool { return !c.closed.Load() }
