// Package session is the WebSocket front door: it upgrades connections,
// enforces rate and size limits, authenticates clients, and routes every
// protocol message to the room, presence, signaling and storage layers.
package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/v1/auth"
	"github.com/driftsync/driftsync/internal/v1/logging"
	"github.com/driftsync/driftsync/internal/v1/metrics"
	"github.com/driftsync/driftsync/internal/v1/permissions"
	"github.com/driftsync/driftsync/internal/v1/presence"
	"github.com/driftsync/driftsync/internal/v1/protocol"
	"github.com/driftsync/driftsync/internal/v1/ratelimit"
	"github.com/driftsync/driftsync/internal/v1/room"
	"github.com/driftsync/driftsync/internal/v1/storage"
)

// Options are the behavioral knobs of the session layer.
type Options struct {
	RequireAuth           bool
	AllowAnonymous        bool
	AutoCreateRooms       bool
	SaveOnOperation       bool
	MaxMessageSize        int64
	MessageTimeout        time.Duration
	FunctionTimeout       time.Duration
	MaxConnectionsPerUser int
	AllowedOrigins        []string
}

// DefaultOptions mirror the documented server defaults.
func DefaultOptions() Options {
	return Options{
		AllowAnonymous:        true,
		AutoCreateRooms:       true,
		MaxMessageSize:        1024 * 1024,
		MessageTimeout:        60 * time.Second,
		FunctionTimeout:       30 * time.Second,
		MaxConnectionsPerUser: 10,
	}
}

// Hub coordinates all live connections. Auth provider, permission manager
// and storage backend are optional; a nil value disables that concern.
type Hub struct {
	rooms        *room.Manager
	presence     *presence.Manager
	store        storage.Backend
	authProvider auth.Provider
	perms        *permissions.Manager
	frames       *ratelimit.FrameLimiter
	authAttempts *ratelimit.AuthLimiter
	opts         Options

	mu            sync.Mutex
	userConns     map[string]map[*Client]struct{}
	screenSharers map[string]string // roomID -> sharing user id
}

// NewHub wires the session layer together. The presence broadcast callback
// is installed here so presence updates fan out through rooms.
func NewHub(
	rooms *room.Manager,
	pres *presence.Manager,
	store storage.Backend,
	authProvider auth.Provider,
	perms *permissions.Manager,
	frames *ratelimit.FrameLimiter,
	authAttempts *ratelimit.AuthLimiter,
	opts Options,
) *Hub {
	h := &Hub{
		rooms:         rooms,
		presence:      pres,
		store:         store,
		authProvider:  authProvider,
		perms:         perms,
		frames:        frames,
		authAttempts:  authAttempts,
		opts:          opts,
		userConns:     make(map[string]map[*Client]struct{}),
		screenSharers: make(map[string]string),
	}
	pres.SetBroadcastFunc(func(roomID string, msg protocol.PresenceBroadcast) {
		if r, ok := h.rooms.GetRoom(roomID); ok {
			r.Broadcast(msg, msg.UserID)
		}
	})
	return h
}

// Rooms exposes the room manager, mainly for registering server functions.
func (h *Hub) Rooms() *room.Manager {
	return h.rooms
}

// ServeWs upgrades an HTTP request to a WebSocket session and runs the
// message pumps until the connection dies.
func (h *Hub) ServeWs(c *gin.Context) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.opts.AllowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to upgrade connection", zap.Error(err))
		return
	}

	h.HandleConnection(conn)
}

// HandleConnection runs a session over an established connection. Exposed
// separately so tests can drive the hub without a real socket.
func (h *Hub) HandleConnection(conn wsConnection) {
	client := newClient(uuid.NewString(), h, conn)
	metrics.IncConnection()

	logging.Info(context.Background(), "client connected",
		zap.String("connection_id", client.id))

	go client.writePump()
	client.readPump()
}

// registerUserConn atomically checks the per-user connection cap and claims
// a slot. Returns false when the user is at the limit.
func (h *Hub) registerUserConn(userID string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.userConns[userID]
	if _, already := conns[c]; !already && len(conns) >= h.opts.MaxConnectionsPerUser {
		return false
	}
	if conns == nil {
		conns = make(map[*Client]struct{})
		h.userConns[userID] = conns
	}
	conns[c] = struct{}{}
	return true
}

func (h *Hub) unregisterUserConn(userID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.userConns[userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.userConns, userID)
		}
	}
}

// claimScreenShare takes the room's single share slot. Reclaiming your own
// slot succeeds.
func (h *Hub) claimScreenShare(roomID, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, taken := h.screenSharers[roomID]; taken && current != userID {
		return false
	}
	h.screenSharers[roomID] = userID
	return true
}

// releaseScreenShare frees the slot if userID holds it.
func (h *Hub) releaseScreenShare(roomID, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.screenSharers[roomID] != userID {
		return false
	}
	delete(h.screenSharers, roomID)
	return true
}

// ScreenSharer returns the room's current sharer, if any.
func (h *Hub) ScreenSharer(roomID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	userID, ok := h.screenSharers[roomID]
	return userID, ok
}

// saveRoom persists the room's CRDT state and metadata.
func (h *Hub) saveRoom(ctx context.Context, r *room.Room) {
	if h.store == nil {
		return
	}
	snap := storage.RoomSnapshot{State: r.StateSnapshot(), Metadata: r.Metadata()}
	if err := storage.SaveRoom(ctx, h.store, r.ID, snap); err != nil {
		logging.Error(ctx, "failed to persist room",
			zap.String("room_id", r.ID), zap.Error(err))
	}
}

// leaveRoom removes the user from a room, announces the departure and
// persists the final state.
func (h *Hub) leaveRoom(ctx context.Context, c *Client, roomID, userID string) {
	if r, ok := h.rooms.GetRoom(roomID); ok {
		r.RemoveMember(userID)
		h.presence.LeaveRoom(roomID, userID)
		r.Broadcast(protocol.NewUserLeft(roomID, userID), "")
		h.saveRoom(ctx, r)
	}
	c.forgetRoom(roomID)
}

// cleanupClient tears down everything a dying connection holds: rate-limit
// state, the user connection slot, screen-share claims and room membership.
func (h *Hub) cleanupClient(c *Client) {
	ctx := context.Background()
	h.authAttempts.Cleanup(c.id)

	user, _ := c.currentUser()
	if user == nil {
		return
	}
	h.unregisterUserConn(user.ID, c)

	for _, roomID := range c.joinedRooms() {
		if h.releaseScreenShare(roomID, user.ID) {
			if r, ok := h.rooms.GetRoom(roomID); ok {
				r.Broadcast(protocol.NewScreenShareStopped(roomID, user.ID), "")
			}
		}
		h.leaveRoom(ctx, c, roomID, user.ID)
	}

	logging.Info(ctx, "client disconnected",
		zap.String("connection_id", c.id), zap.String("user_id", user.ID))
}

// Shutdown persists every live room. Called on graceful server stop.
func (h *Hub) Shutdown(ctx context.Context) {
	for _, roomID := range h.rooms.RoomIDs() {
		if r, ok := h.rooms.GetRoom(roomID); ok {
			h.saveRoom(ctx, r)
		}
	}
	logging.Info(ctx, "hub shut down", zap.Int("rooms_persisted", h.rooms.RoomCount()))
}
