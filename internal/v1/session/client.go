package session

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/v1/logging"
	"github.com/driftsync/driftsync/internal/v1/metrics"
	"github.com/driftsync/driftsync/internal/v1/protocol"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// wsConnection is the subset of *websocket.Conn the client uses. Tests
// substitute an in-memory implementation.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Client is one WebSocket connection. It tracks the connection's identity
// (set by auth or join) and the rooms joined through it. Outbound messages
// go through a buffered channel drained by writePump, so room broadcasts
// never block on a slow socket.
type Client struct {
	id   string
	hub  *Hub
	conn wsConnection

	mu            sync.RWMutex
	user          *protocol.User
	authenticated bool
	rooms         map[string]struct{}
	closed        bool

	closeOnce sync.Once
	send      chan []byte
}

func newClient(id string, hub *Hub, conn wsConnection) *Client {
	return &Client{
		id:    id,
		hub:   hub,
		conn:  conn,
		rooms: make(map[string]struct{}),
		send:  make(chan []byte, sendBufferSize),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// currentUser returns the connection's identity and whether it came from the
// auth provider (as opposed to an anonymous join).
func (c *Client) currentUser() (*protocol.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user, c.authenticated
}

func (c *Client) setUser(user *protocol.User, authenticated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = user
	c.authenticated = authenticated
}

func (c *Client) trackRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = struct{}{}
}

func (c *Client) forgetRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

func (c *Client) inRoom(roomID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Client) joinedRooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		out = append(out, roomID)
	}
	return out
}

// Send enqueues a pre-marshaled message. It satisfies room.Sender; an error
// tells the room to evict this connection. The lock is held across the
// enqueue so Disconnect cannot close the channel between the closed check
// and the send.
func (c *Client) Send(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}

	select {
	case c.send <- data:
		return nil
	default:
		logging.Warn(context.Background(), "send buffer full, dropping message",
			zap.String("connection_id", c.id))
		return errors.New("send buffer full")
	}
}

// sendJSON marshals and enqueues a message, logging failures.
func (c *Client) sendJSON(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound message",
			zap.String("connection_id", c.id), zap.Error(err))
		return
	}
	_ = c.Send(data)
}

func (c *Client) sendError(code protocol.ErrorCode, message string) {
	c.sendJSON(protocol.NewError(code, message))
}

// Disconnect closes the send channel, which drives writePump to send a close
// frame and tear the connection down. The channel is closed under the write
// lock so no Send can be mid-enqueue.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

// readPump reads frames until the connection dies. Each frame passes the
// rate gate and the size cap before dispatch. A quiet connection gets one
// server ping; a second silent interval closes it.
func (c *Client) readPump() {
	defer func() {
		c.hub.cleanupClient(c)
		c.Disconnect()
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	ctx := context.Background()
	pinged := false

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.MessageTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && !pinged {
				c.sendJSON(protocol.NewServerPing())
				pinged = true
				continue
			}
			return
		}
		pinged = false

		if int64(len(data)) > c.hub.opts.MaxMessageSize {
			metrics.WebsocketEvents.WithLabelValues("frame", "too_large").Inc()
			c.sendError(protocol.ErrInvalidMessage, "Message too large.")
			continue
		}

		if !c.hub.frames.Allow(ctx, c.id) {
			metrics.WebsocketEvents.WithLabelValues("frame", "rate_limited").Inc()
			c.sendError(protocol.ErrRateLimited, "Rate limit exceeded.")
			continue
		}

		c.hub.dispatch(ctx, c, data)
	}
}

// writePump serializes all writes to the socket. Closing the send channel
// flushes a close frame and ends the pump.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message",
				zap.String("connection_id", c.id), zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
