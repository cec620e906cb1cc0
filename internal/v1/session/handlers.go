package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/v1/auth"
	"github.com/driftsync/driftsync/internal/v1/crdt"
	"github.com/driftsync/driftsync/internal/v1/logging"
	"github.com/driftsync/driftsync/internal/v1/metrics"
	"github.com/driftsync/driftsync/internal/v1/permissions"
	"github.com/driftsync/driftsync/internal/v1/protocol"
	"github.com/driftsync/driftsync/internal/v1/room"
	"github.com/driftsync/driftsync/internal/v1/storage"
)

func toProtocolUser(u *auth.User) *protocol.User {
	metadata := u.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &protocol.User{ID: u.ID, Name: u.Name, Metadata: metadata, Roles: u.Roles}
}

// dispatch parses one frame and routes it to its handler. Handlers run
// serially per connection, so per-client message order is preserved.
func (h *Hub) dispatch(ctx context.Context, c *Client, raw []byte) {
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		logging.Warn(ctx, "rejected client message",
			zap.String("connection_id", c.id), zap.Error(err))
		metrics.WebsocketEvents.WithLabelValues("parse", "invalid").Inc()
		c.sendError(protocol.ErrInvalidMessage, "Invalid message format.")
		return
	}

	eventType := messageType(msg)
	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		metrics.WebsocketEvents.WithLabelValues(eventType, "ok").Inc()
	}()

	switch m := msg.(type) {
	case *protocol.JoinMessage:
		h.handleJoin(ctx, c, m)
	case *protocol.LeaveMessage:
		h.handleLeave(ctx, c, m)
	case *protocol.OperationMessage:
		h.handleOperation(ctx, c, m)
	case *protocol.StateUpdateMessage:
		h.handleStateUpdate(ctx, c, m)
	case *protocol.SyncRequestMessage:
		h.handleSyncRequest(ctx, c, m)
	case *protocol.CallMessage:
		h.handleCall(ctx, c, m)
	case *protocol.PresenceMessage:
		h.handlePresence(ctx, c, m)
	case *protocol.PingMessage:
		h.handlePing(ctx, c, m)
	case *protocol.AuthMessage:
		h.handleAuth(ctx, c, m)
	case *protocol.ScreenShareStartMessage:
		h.handleScreenShareStart(ctx, c, m)
	case *protocol.ScreenShareStopMessage:
		h.handleScreenShareStop(ctx, c, m)
	case *protocol.RtcOfferMessage:
		h.relayToTarget(c, m.RoomID, m.TargetUserID, func(fromUserID string) any {
			return protocol.NewRtcOfferRelay(m.RoomID, fromUserID, m.SDP)
		})
	case *protocol.RtcAnswerMessage:
		h.relayToTarget(c, m.RoomID, m.TargetUserID, func(fromUserID string) any {
			return protocol.NewRtcAnswerRelay(m.RoomID, fromUserID, m.SDP)
		})
	case *protocol.RtcIceCandidateMessage:
		h.relayToTarget(c, m.RoomID, m.TargetUserID, func(fromUserID string) any {
			return protocol.NewRtcIceCandidateRelay(m.RoomID, fromUserID, m.Candidate, m.SdpMid, m.SdpMLineIndex)
		})
	case *protocol.RemoteControlRequestMessage:
		h.relayToTarget(c, m.RoomID, m.TargetUserID, func(fromUserID string) any {
			return protocol.NewRemoteControlRequestRelay(m.RoomID, fromUserID)
		})
	case *protocol.RemoteControlResponseMessage:
		h.relayToTarget(c, m.RoomID, m.TargetUserID, func(fromUserID string) any {
			return protocol.NewRemoteControlResponseRelay(m.RoomID, fromUserID, m.Granted)
		})
	default:
		c.sendError(protocol.ErrInvalidMessage, "Invalid message format.")
	}
}

func messageType(msg protocol.ClientMessage) string {
	switch msg.(type) {
	case *protocol.JoinMessage:
		return "join"
	case *protocol.LeaveMessage:
		return "leave"
	case *protocol.OperationMessage:
		return "operation"
	case *protocol.StateUpdateMessage:
		return "state_update"
	case *protocol.SyncRequestMessage:
		return "sync_request"
	case *protocol.CallMessage:
		return "call"
	case *protocol.PresenceMessage:
		return "presence"
	case *protocol.PingMessage:
		return "ping"
	case *protocol.AuthMessage:
		return "auth"
	case *protocol.ScreenShareStartMessage:
		return "screenshare_start"
	case *protocol.ScreenShareStopMessage:
		return "screenshare_stop"
	case *protocol.RtcOfferMessage:
		return "rtc_offer"
	case *protocol.RtcAnswerMessage:
		return "rtc_answer"
	case *protocol.RtcIceCandidateMessage:
		return "rtc_ice_candidate"
	case *protocol.RemoteControlRequestMessage:
		return "remote_control_request"
	case *protocol.RemoteControlResponseMessage:
		return "remote_control_response"
	default:
		return "unknown"
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, m *protocol.JoinMessage) {
	user, authenticated := c.currentUser()

	// An inline token authenticates the connection. An invalid token rejects
	// the join outright rather than falling through to anonymous access.
	if m.Token != "" && h.authProvider != nil {
		if !h.authAttempts.Allow(c.id) {
			c.sendError(protocol.ErrRateLimited, "Too many auth attempts. Try again later.")
			return
		}
		authUser, err := h.authProvider.Authenticate(ctx, m.Token)
		if err != nil {
			h.authAttempts.RecordFailure(c.id)
			c.sendError(protocol.ErrAuthenticationFailed, "Invalid authentication token.")
			return
		}
		h.authAttempts.RecordSuccess(c.id)
		user = toProtocolUser(authUser)
		authenticated = true
	}

	if h.opts.RequireAuth && !authenticated {
		c.sendError(protocol.ErrAuthenticationFailed, "Authentication required.")
		return
	}

	if user == nil {
		if !h.opts.AllowAnonymous {
			c.sendError(protocol.ErrAuthenticationFailed, "Authentication required.")
			return
		}
		// 16 undashed hex chars, matching the documented anonymous id shape.
		u := uuid.New()
		anonID := "anon-" + hex.EncodeToString(u[:8])
		user = &protocol.User{ID: anonID, Name: "Anonymous", Metadata: map[string]any{}}
	}

	if !h.registerUserConn(user.ID, c) {
		c.sendError(protocol.ErrRateLimited, "Too many connections.")
		return
	}
	c.setUser(user, authenticated)

	if h.perms != nil && !h.perms.CheckPermission(user.ID, m.RoomID, permissions.Read) {
		c.sendError(protocol.ErrPermissionDenied, "Permission denied to join room.")
		return
	}

	r, ok := h.rooms.GetRoom(m.RoomID)
	if !ok {
		if !h.opts.AutoCreateRooms {
			c.sendError(protocol.ErrRoomNotFound, fmt.Sprintf("Room '%s' not found.", m.RoomID))
			return
		}
		r = h.createRoomFromStorage(ctx, m.RoomID)
	}

	r.AddMember(*user, c)
	c.trackRoom(m.RoomID)
	h.presence.JoinRoom(m.RoomID, *user, nil)

	c.sendJSON(protocol.NewJoined(m.RoomID, user.ID, r.Users(), r.Value()))
	r.Broadcast(protocol.NewUserJoined(m.RoomID, *user), user.ID)
}

// createRoomFromStorage creates a room, seeded from the persisted snapshot
// when one exists.
func (h *Hub) createRoomFromStorage(ctx context.Context, roomID string) *room.Room {
	if h.store != nil {
		snap, err := storage.LoadRoom(ctx, h.store, roomID)
		switch {
		case err == nil:
			return h.rooms.CreateRoomFromState(roomID, snap.State, snap.Metadata)
		case !errors.Is(err, storage.ErrNotFound):
			logging.Error(ctx, "failed to load room snapshot",
				zap.String("room_id", roomID), zap.Error(err))
		}
	}
	return h.rooms.CreateRoom(roomID, nil, nil)
}

func (h *Hub) handleLeave(ctx context.Context, c *Client, m *protocol.LeaveMessage) {
	user, _ := c.currentUser()
	if user == nil {
		return
	}
	h.leaveRoom(ctx, c, m.RoomID, user.ID)
}

func (h *Hub) handleOperation(ctx context.Context, c *Client, m *protocol.OperationMessage) {
	user, _ := c.currentUser()
	if user == nil {
		c.sendError(protocol.ErrAuthenticationFailed, "Not authenticated.")
		return
	}
	if h.perms != nil && !h.perms.CheckPermission(user.ID, m.RoomID, permissions.Write) {
		c.sendError(protocol.ErrPermissionDenied, "Permission denied to write.")
		return
	}
	r, ok := h.rooms.GetRoom(m.RoomID)
	if !ok {
		c.sendError(protocol.ErrRoomNotFound, fmt.Sprintf("Room '%s' not found.", m.RoomID))
		return
	}

	op, err := protocol.DecodeOperation(m.Operation)
	if err != nil {
		logging.Warn(ctx, "rejected operation",
			zap.String("room_id", m.RoomID), zap.String("user_id", user.ID), zap.Error(err))
		c.sendError(protocol.ErrInvalidOperation, "Invalid operation.")
		return
	}

	applied, err := r.ApplyOperation(op)
	if err != nil {
		c.sendError(protocol.ErrInvalidOperation, "Invalid operation.")
		return
	}
	if !applied {
		return
	}

	h.rooms.BroadcastOperation(m.RoomID, op, user.ID, true)
	if h.opts.SaveOnOperation {
		h.saveRoom(ctx, r)
	}
}

func (h *Hub) handleStateUpdate(ctx context.Context, c *Client, m *protocol.StateUpdateMessage) {
	user, _ := c.currentUser()
	if user == nil {
		c.sendError(protocol.ErrAuthenticationFailed, "Not authenticated.")
		return
	}
	if h.perms != nil && !h.perms.CheckPermission(user.ID, m.RoomID, permissions.Write) {
		c.sendError(protocol.ErrPermissionDenied, "Permission denied to write.")
		return
	}
	r, ok := h.rooms.GetRoom(m.RoomID)
	if !ok {
		c.sendError(protocol.ErrRoomNotFound, fmt.Sprintf("Room '%s' not found.", m.RoomID))
		return
	}

	op := r.SetState(protocol.SplitPath(m.Path), m.Value, user.ID)
	r.Broadcast(protocol.NewOperationBroadcast(m.RoomID, user.ID, op), user.ID)
	h.saveRoom(ctx, r)
}

func (h *Hub) handleSyncRequest(ctx context.Context, c *Client, m *protocol.SyncRequestMessage) {
	user, _ := c.currentUser()
	if user == nil {
		c.sendError(protocol.ErrAuthenticationFailed, "Not authenticated.")
		return
	}
	if h.perms != nil && !h.perms.CheckPermission(user.ID, m.RoomID, permissions.Read) {
		c.sendError(protocol.ErrPermissionDenied, "Permission denied to read room.")
		return
	}
	if !c.inRoom(m.RoomID) {
		c.sendError(protocol.ErrPermissionDenied, "Must join room before requesting sync.")
		return
	}
	r, ok := h.rooms.GetRoom(m.RoomID)
	if !ok {
		c.sendError(protocol.ErrRoomNotFound, fmt.Sprintf("Room '%s' not found.", m.RoomID))
		return
	}

	ops := r.OperationsSince(m.SinceTimestamp)
	c.sendJSON(protocol.NewSync(m.RoomID, r.Value(), ops, r.VersionVector()))
}

func (h *Hub) handleCall(ctx context.Context, c *Client, m *protocol.CallMessage) {
	user, authenticated := c.currentUser()

	if !c.inRoom(m.RoomID) {
		c.sendJSON(protocol.NewCallError(m.CallID, "Must join room before calling functions."))
		return
	}
	r, ok := h.rooms.GetRoom(m.RoomID)
	if !ok {
		c.sendJSON(protocol.NewCallError(m.CallID, fmt.Sprintf("Room '%s' not found.", m.RoomID)))
		return
	}
	fn, ok := r.GetFunction(m.FunctionName)
	if !ok {
		c.sendJSON(protocol.NewCallError(m.CallID, fmt.Sprintf("Function '%s' not found.", m.FunctionName)))
		return
	}
	if fn.RequiresAuth && !authenticated {
		c.sendJSON(protocol.NewCallError(m.CallID, "Authentication required."))
		return
	}
	if h.perms != nil && user != nil {
		for _, perm := range fn.RequiredPermissions {
			if !h.perms.CheckPermission(user.ID, m.RoomID, perm) {
				c.sendJSON(protocol.NewCallError(m.CallID, fmt.Sprintf("Permission denied: %s", perm)))
				return
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, h.opts.FunctionTimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := r.CallFunction(callCtx, m.FunctionName, m.Args, m.Kwargs, user)
		done <- outcome{result: result, err: err}
	}()

	// Error detail stays server-side; clients get static strings.
	select {
	case <-callCtx.Done():
		logging.Warn(ctx, "function call timeout",
			zap.String("function", m.FunctionName), zap.String("room_id", m.RoomID))
		metrics.FunctionCalls.WithLabelValues("timeout").Inc()
		c.sendJSON(protocol.NewCallError(m.CallID, "Function execution timeout."))
	case out := <-done:
		if out.err != nil {
			logging.Error(ctx, "function call failed",
				zap.String("function", m.FunctionName), zap.String("room_id", m.RoomID), zap.Error(out.err))
			metrics.FunctionCalls.WithLabelValues("error").Inc()
			c.sendJSON(protocol.NewCallError(m.CallID, "Function execution failed."))
			return
		}
		metrics.FunctionCalls.WithLabelValues("ok").Inc()
		c.sendJSON(protocol.NewCallResult(m.CallID, out.result))
	}
}

func (h *Hub) handlePresence(ctx context.Context, c *Client, m *protocol.PresenceMessage) {
	user, _ := c.currentUser()
	if user == nil {
		return
	}
	if !c.inRoom(m.RoomID) {
		c.sendError(protocol.ErrPermissionDenied, "Must join room before updating presence.")
		return
	}
	h.presence.UpdatePresence(m.RoomID, user.ID, m.Data, true)
}

func (h *Hub) handlePing(ctx context.Context, c *Client, m *protocol.PingMessage) {
	c.sendJSON(protocol.NewPong(crdt.Now()))
}

func (h *Hub) handleAuth(ctx context.Context, c *Client, m *protocol.AuthMessage) {
	if h.authProvider == nil {
		c.sendError(protocol.ErrAuthenticationFailed, "Authentication not configured.")
		return
	}
	if !h.authAttempts.Allow(c.id) {
		c.sendError(protocol.ErrRateLimited, "Too many auth attempts. Try again later.")
		return
	}

	authUser, err := h.authProvider.Authenticate(ctx, m.Token)
	if err != nil {
		h.authAttempts.RecordFailure(c.id)
		c.sendError(protocol.ErrAuthenticationFailed, "Invalid authentication token.")
		return
	}
	h.authAttempts.RecordSuccess(c.id)

	user := toProtocolUser(authUser)
	prev, _ := c.currentUser()
	if !h.registerUserConn(user.ID, c) {
		c.sendError(protocol.ErrRateLimited, "Too many connections.")
		return
	}
	// Re-authenticating as a different user frees the old identity's slot.
	if prev != nil && prev.ID != user.ID {
		h.unregisterUserConn(prev.ID, c)
	}
	c.setUser(user, true)
	c.sendJSON(protocol.NewAuthenticated(*user))
}
