package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/v1/logging"
	"github.com/driftsync/driftsync/internal/v1/protocol"
)

// Screen share and WebRTC signaling. The server never inspects SDP or ICE
// payloads; it only enforces room membership, stamps the true sender, and
// relays to the target connection.

func (h *Hub) handleScreenShareStart(ctx context.Context, c *Client, m *protocol.ScreenShareStartMessage) {
	user, _ := c.currentUser()
	if user == nil {
		c.sendError(protocol.ErrAuthenticationFailed, "Not authenticated.")
		return
	}
	if !c.inRoom(m.RoomID) {
		c.sendError(protocol.ErrPermissionDenied, "Must join room first.")
		return
	}

	if !h.claimScreenShare(m.RoomID, user.ID) {
		c.sendError(protocol.ErrPermissionDenied, "Another user is already sharing in this room.")
		return
	}

	if r, ok := h.rooms.GetRoom(m.RoomID); ok {
		r.Broadcast(protocol.NewScreenShareStarted(m.RoomID, user.ID, m.ShareName), "")
	}
}

func (h *Hub) handleScreenShareStop(ctx context.Context, c *Client, m *protocol.ScreenShareStopMessage) {
	user, _ := c.currentUser()
	if user == nil {
		return
	}

	// Only the current sharer can release the slot.
	if !h.releaseScreenShare(m.RoomID, user.ID) {
		return
	}

	if r, ok := h.rooms.GetRoom(m.RoomID); ok {
		r.Broadcast(protocol.NewScreenShareStopped(m.RoomID, user.ID), "")
	}
}

// relayToTarget delivers a signaling message to one room member. Unknown
// rooms, unknown targets and dead target connections are dropped silently;
// signaling is best-effort.
func (h *Hub) relayToTarget(c *Client, roomID, targetUserID string, build func(fromUserID string) any) {
	user, _ := c.currentUser()
	if user == nil {
		return
	}

	r, ok := h.rooms.GetRoom(roomID)
	if !ok {
		return
	}

	if !r.SendTo(targetUserID, build(user.ID)) {
		logging.Debug(context.Background(), "failed to relay signaling message",
			zap.String("room_id", roomID), zap.String("target_user_id", targetUserID))
	}
}
