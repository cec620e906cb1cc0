package protocol

import "github.com/driftsync/driftsync/internal/v1/crdt"

// Server message type tags.
const (
	TypeJoined             = "joined"
	TypeOperation          = "operation"
	TypeSync               = "sync"
	TypeCallResult         = "call_result"
	TypePresence           = "presence"
	TypeUserJoined         = "user_joined"
	TypeUserLeft           = "user_left"
	TypeError              = "error"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeAuthenticated      = "authenticated"
	TypeScreenShareStarted = "screenshare_started"
	TypeScreenShareStopped = "screenshare_stopped"

	TypeRtcOffer              = "rtc_offer"
	TypeRtcAnswer             = "rtc_answer"
	TypeRtcIceCandidate       = "rtc_ice_candidate"
	TypeRemoteControlRequest  = "remote_control_request"
	TypeRemoteControlResponse = "remote_control_response"
)

// JoinedMessage confirms a join: the roster and the current document.
type JoinedMessage struct {
	Type   string         `json:"type"`
	RoomID string         `json:"room_id"`
	UserID string         `json:"user_id"`
	Users  []User         `json:"users"`
	State  map[string]any `json:"state"`
}

func NewJoined(roomID, userID string, users []User, state map[string]any) JoinedMessage {
	return JoinedMessage{Type: TypeJoined, RoomID: roomID, UserID: userID, Users: users, State: state}
}

// OperationBroadcast relays an applied operation to the other room members.
type OperationBroadcast struct {
	Type      string         `json:"type"`
	RoomID    string         `json:"room_id"`
	UserID    string         `json:"user_id"`
	Operation crdt.Operation `json:"operation"`
}

func NewOperationBroadcast(roomID, userID string, op crdt.Operation) OperationBroadcast {
	return OperationBroadcast{Type: TypeOperation, RoomID: roomID, UserID: userID, Operation: op}
}

// SyncMessage answers a sync_request with the document, the operations the
// requester is missing and the server's version vector.
type SyncMessage struct {
	Type          string             `json:"type"`
	RoomID        string             `json:"room_id"`
	State         map[string]any     `json:"state"`
	Operations    []crdt.Operation   `json:"operations"`
	VersionVector map[string]float64 `json:"version_vector"`
}

func NewSync(roomID string, state map[string]any, ops []crdt.Operation, vv crdt.VersionVector) SyncMessage {
	if ops == nil {
		ops = []crdt.Operation{}
	}
	if vv == nil {
		vv = crdt.VersionVector{}
	}
	return SyncMessage{Type: TypeSync, RoomID: roomID, State: state, Operations: ops, VersionVector: vv}
}

// CallResultMessage reports the outcome of a function call.
type CallResultMessage struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

func NewCallResult(callID string, result any) CallResultMessage {
	return CallResultMessage{Type: TypeCallResult, CallID: callID, Success: true, Result: result}
}

func NewCallError(callID, message string) CallResultMessage {
	return CallResultMessage{Type: TypeCallResult, CallID: callID, Success: false, Error: message}
}

// PresenceBroadcast relays a member's merged presence document.
type PresenceBroadcast struct {
	Type   string         `json:"type"`
	RoomID string         `json:"room_id"`
	UserID string         `json:"user_id"`
	Data   map[string]any `json:"data"`
}

func NewPresenceBroadcast(roomID, userID string, data map[string]any) PresenceBroadcast {
	return PresenceBroadcast{Type: TypePresence, RoomID: roomID, UserID: userID, Data: data}
}

// UserJoinedMessage announces a new room member.
type UserJoinedMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	User   User   `json:"user"`
}

func NewUserJoined(roomID string, user User) UserJoinedMessage {
	return UserJoinedMessage{Type: TypeUserJoined, RoomID: roomID, User: user}
}

// UserLeftMessage announces a departed room member.
type UserLeftMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

func NewUserLeft(roomID, userID string) UserLeftMessage {
	return UserLeftMessage{Type: TypeUserLeft, RoomID: roomID, UserID: userID}
}

// ErrorMessage reports a protocol error. Message strings are static; internal
// details never cross the wire.
type ErrorMessage struct {
	Type    string         `json:"type"`
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func NewError(code ErrorCode, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: message}
}

// PongMessage answers a client ping.
type PongMessage struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

func NewPong(timestamp float64) PongMessage {
	return PongMessage{Type: TypePong, Timestamp: timestamp}
}

// ServerPingMessage probes a quiet connection before giving up on it.
type ServerPingMessage struct {
	Type string `json:"type"`
}

func NewServerPing() ServerPingMessage {
	return ServerPingMessage{Type: TypePing}
}

// AuthenticatedMessage acknowledges a successful auth frame.
type AuthenticatedMessage struct {
	Type string `json:"type"`
	User User   `json:"user"`
}

func NewAuthenticated(user User) AuthenticatedMessage {
	return AuthenticatedMessage{Type: TypeAuthenticated, User: user}
}

// ScreenShareStartedBroadcast announces the room's active sharer.
type ScreenShareStartedBroadcast struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	ShareName string `json:"share_name,omitempty"`
}

func NewScreenShareStarted(roomID, userID, shareName string) ScreenShareStartedBroadcast {
	return ScreenShareStartedBroadcast{Type: TypeScreenShareStarted, RoomID: roomID, UserID: userID, ShareName: shareName}
}

// ScreenShareStoppedBroadcast announces that the sharer stopped.
type ScreenShareStoppedBroadcast struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

func NewScreenShareStopped(roomID, userID string) ScreenShareStoppedBroadcast {
	return ScreenShareStoppedBroadcast{Type: TypeScreenShareStopped, RoomID: roomID, UserID: userID}
}

// RtcOfferRelay forwards an SDP offer to its target, stamped with the actual
// sender. The client-supplied identity is never trusted.
type RtcOfferRelay struct {
	Type       string `json:"type"`
	RoomID     string `json:"room_id"`
	FromUserID string `json:"from_user_id"`
	SDP        string `json:"sdp"`
}

func NewRtcOfferRelay(roomID, fromUserID, sdp string) RtcOfferRelay {
	return RtcOfferRelay{Type: TypeRtcOffer, RoomID: roomID, FromUserID: fromUserID, SDP: sdp}
}

// RtcAnswerRelay forwards an SDP answer to its target.
type RtcAnswerRelay struct {
	Type       string `json:"type"`
	RoomID     string `json:"room_id"`
	FromUserID string `json:"from_user_id"`
	SDP        string `json:"sdp"`
}

func NewRtcAnswerRelay(roomID, fromUserID, sdp string) RtcAnswerRelay {
	return RtcAnswerRelay{Type: TypeRtcAnswer, RoomID: roomID, FromUserID: fromUserID, SDP: sdp}
}

// RtcIceCandidateRelay forwards an ICE candidate to its target.
type RtcIceCandidateRelay struct {
	Type          string `json:"type"`
	RoomID        string `json:"room_id"`
	FromUserID    string `json:"from_user_id"`
	Candidate     string `json:"candidate"`
	SdpMid        string `json:"sdp_mid,omitempty"`
	SdpMLineIndex *int   `json:"sdp_m_line_index,omitempty"`
}

func NewRtcIceCandidateRelay(roomID, fromUserID, candidate, sdpMid string, sdpMLineIndex *int) RtcIceCandidateRelay {
	return RtcIceCandidateRelay{
		Type:          TypeRtcIceCandidate,
		RoomID:        roomID,
		FromUserID:    fromUserID,
		Candidate:     candidate,
		SdpMid:        sdpMid,
		SdpMLineIndex: sdpMLineIndex,
	}
}

// RemoteControlRequestRelay forwards a control request to its target.
type RemoteControlRequestRelay struct {
	Type       string `json:"type"`
	RoomID     string `json:"room_id"`
	FromUserID string `json:"from_user_id"`
}

func NewRemoteControlRequestRelay(roomID, fromUserID string) RemoteControlRequestRelay {
	return RemoteControlRequestRelay{Type: TypeRemoteControlRequest, RoomID: roomID, FromUserID: fromUserID}
}

// RemoteControlResponseRelay forwards a control grant or denial to its target.
type RemoteControlResponseRelay struct {
	Type       string `json:"type"`
	RoomID     string `json:"room_id"`
	FromUserID string `json:"from_user_id"`
	Granted    bool   `json:"granted"`
}

func NewRemoteControlResponseRelay(roomID, fromUserID string, granted bool) RemoteControlResponseRelay {
	return RemoteControlResponseRelay{Type: TypeRemoteControlResponse, RoomID: roomID, FromUserID: fromUserID, Granted: granted}
}
