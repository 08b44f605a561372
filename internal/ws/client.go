package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dm-service/internal/errs"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size.
	readLimit = 64 * 1024
)

// Client is one realtime connection. Frames queued with enqueue are written by a
// single writePump goroutine, so per-connection order equals enqueue order.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	info ConnInfo

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	send    chan []byte
	closing bool
}

func newClient(ctx context.Context, hub *Hub, conn *websocket.Conn, info ConnInfo, buffer int) *Client {
	if buffer <= 0 {
		buffer = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Client{
		hub:    hub,
		conn:   conn,
		info:   info,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, buffer),
	}
}

// UserID returns the authenticated user behind the connection.
func (c *Client) UserID() string {
	return c.info.UserID
}

// enqueue never blocks. It reports false when the buffer is full or the client is closing.
func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// close is idempotent. The close code is sent best effort.
func (c *Client) close(code int, reason string) bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	c.closing = true
	close(c.send)
	c.mu.Unlock()

	c.cancel()
	if c.conn != nil {
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
	}
	return true
}

// readPump reads frames until the connection fails, handing each to dispatch.
func (c *Client) readPump(dispatch func(*Client, []byte)) {
	defer c.hub.unregister(c, "read closed")

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.reportError(c, fmt.Errorf("%w: read: %w", errs.ErrTransport, err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		dispatch(c, data)
	}
}

// writePump drains the send buffer and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.drop(c, fmt.Errorf("%w: write: %w", errs.ErrTransport, err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.drop(c, fmt.Errorf("%w: ping: %w", errs.ErrTransport, err))
				return
			}
		}
	}
}
