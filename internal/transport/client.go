// Package transport implements the Connection Manager: one goroutine pair
// per WebSocket connection, a Hub of live connections keyed by device id, and
// a Router dispatching decoded frames to the domain registries.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FabeYT/smartshare/internal/logging"
	"github.com/FabeYT/smartshare/internal/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 * 1024 * 1024 // a chunk frame can be large once base64-encoded
	sendBuffer     = 32
)

// wsConn is the subset of *websocket.Conn the Client needs, so tests can
// substitute a fake.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Client is one device's live WebSocket connection.
type Client struct {
	conn        wsConn
	deviceID    string
	hub         *Hub
	connectedAt time.Time

	send         chan []byte
	closeOnce    sync.Once
	closed       chan struct{}
	lastActivity atomic.Int64 // unix nano
	pingInterval time.Duration
}

// NewClient wraps an upgraded connection for a device.
func NewClient(conn wsConn, deviceID string, hub *Hub) *Client {
	c := &Client{
		conn:         conn,
		deviceID:     deviceID,
		hub:          hub,
		connectedAt:  time.Now(),
		send:         make(chan []byte, sendBuffer),
		closed:       make(chan struct{}),
		pingInterval: defaultPingInterval,
	}
	c.touch()
	return c
}

func (c *Client) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// IdleSince reports how long it has been since the last inbound frame or
// pong on this connection.
func (c *Client) IdleSince() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

// Send enqueues a frame for delivery, dropping it if the outbound buffer is
// full rather than blocking the caller.
func (c *Client) Send(frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		logging.Error(context.Background(), "marshal outbound frame failed", zap.Error(err))
		return false
	}
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.closed:
		return false
	default:
		logging.Warn(context.Background(), "outbound buffer full, dropping frame", zap.String("device_id", c.deviceID))
		return false
	}
}

// Close closes the underlying connection and signals writePump to stop.
// Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		c.hub.devices.Touch(c.deviceID)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.touch()
		c.hub.devices.Touch(c.deviceID)
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error(ctx, "frame handler panicked", zap.String("device_id", c.deviceID), zap.Any("panic", r))
					c.Send(wire.ErrorFrame{Type: "error", Message: "internal error"})
				}
			}()
			c.hub.router.Dispatch(ctx, c.deviceID, data)
		}()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
