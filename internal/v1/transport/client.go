package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
)

// Client is one live WebSocket session bound to a (room, user). It implements
// types.Session.
type Client struct {
	conn wsConnection
	hub  *Hub
	user types.User
	room string

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	send chan []byte
}

func (c *Client) SessionUser() types.User { return c.user }

func (c *Client) Room() string { return c.room }

// Send serializes the frame and queues it for delivery.
func (c *Client) Send(msg *types.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound frame",
			zap.String("userId", c.user.ID), zap.Error(err))
		return
	}
	c.SendRaw(data)
}

// SendRaw queues pre-serialized bytes for delivery. A full send buffer means
// the client cannot keep up; the frame is dropped and the slow session is
// closed.
func (c *Client) SendRaw(data []byte) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send to closing session",
				zap.String("userId", c.user.ID), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Send buffer full, dropping slow client",
			zap.String("userId", c.user.ID), zap.String("room", c.room))
		c.Close()
	}
}

// Close marks the session closed and signals the write pump to drain and
// shut the connection. Safe to call multiple times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// readPump reads frames off the socket and hands them to the router. It owns
// session teardown: any read error deregisters the session.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(context.Background(), c)
		c.Close()
		c.conn.Close()
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
		c.hub.router.HandleInbound(context.Background(), c, data)
	}
}

// writePump drains the send channel onto the socket. Channel close triggers
// a close frame and connection shutdown.
func (c *Client) writePump() {
	defer c.conn.Close()

	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logging.GetLogger().Debug("Error writing frame, dropping session",
				zap.String("userId", c.user.ID), zap.Error(err))
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
