package channel

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 << 10
)

// wsConn serializes writes to a gorilla connection, which allows only one
// concurrent writer.
type wsConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

// Send writes msg as a single text frame.
func (c *wsConn) Send(ctx context.Context, msg []byte) error {
	return c.write(ctx, websocket.TextMessage, msg)
}

func (c *wsConn) ping() error {
	return c.write(context.Background(), websocket.PingMessage, nil)
}

func (c *wsConn) write(ctx context.Context, messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(messageType, data)
}

// Close sends a normal-closure frame and closes the socket.
func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return c.conn.Close()
}
