package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jsherman999/crmrealtime/internal/hub"
)

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("send buffer full")
)

// wsConn is the hub.Conn for one websocket. Send only enqueues; the write
// loop owns the socket for writing.
type wsConn struct {
	id       string
	identity hub.Identity
	ws       *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan []byte
	done   chan struct{}
}

func newWSConn(id string, identity hub.Identity, ws *websocket.Conn, buffer int) *wsConn {
	return &wsConn{
		id:       id,
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Identity() hub.Identity { return c.identity }

// Send queues frame without blocking. A client that stops reading is
// disconnected once its queue is full.
func (c *wsConn) Send(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.closed = true
		close(c.send)
		return ErrSlowConsumer
	}
}

// close stops the write loop. Safe to call more than once.
func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *wsConn) writeLoop(writeWait, pingInterval time.Duration) {
	defer close(c.done)
	defer c.ws.Close()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
