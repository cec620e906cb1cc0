package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// ClientMessage is implemented by every inbound message type. Handlers
// switch on the concrete type after ParseClientMessage.
type ClientMessage interface {
	validate() error
}

// JoinMessage asks to join (and possibly auto-create) a room.
type JoinMessage struct {
	Type     string         `json:"type"`
	RoomID   string         `json:"room_id"`
	Token    string         `json:"token,omitempty"`
	UserInfo map[string]any `json:"user_info,omitempty"`
}

func (m *JoinMessage) validate() error {
	if err := requireID("room_id", m.RoomID); err != nil {
		return err
	}
	if err := maxLen("token", m.Token, MaxTokenLength); err != nil {
		return err
	}
	return validateSafeValue(m.UserInfo, "user_info", MaxValueSize)
}

// LeaveMessage leaves a joined room.
type LeaveMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

func (m *LeaveMessage) validate() error {
	return requireID("room_id", m.RoomID)
}

// OperationMessage carries one CRDT operation for a room. The operation body
// stays raw here; DecodeOperation turns it into a stamped crdt.Operation.
type OperationMessage struct {
	Type      string         `json:"type"`
	RoomID    string         `json:"room_id"`
	Operation map[string]any `json:"operation"`
}

func (m *OperationMessage) validate() error {
	if err := requireID("room_id", m.RoomID); err != nil {
		return err
	}
	if m.Operation == nil {
		return fmt.Errorf("operation is required")
	}
	if rawPath, ok := m.Operation["path"].([]any); ok {
		for _, seg := range rawPath {
			if s, isStr := seg.(string); isStr {
				if _, bad := dangerousPathSegments[s]; bad {
					return fmt.Errorf("dangerous path segment %q not allowed", s)
				}
			}
		}
	}
	return validateSafeValue(m.Operation, "operation", MaxValueSize)
}

// SyncRequestMessage asks for state plus operations the client is missing.
type SyncRequestMessage struct {
	Type           string             `json:"type"`
	RoomID         string             `json:"room_id"`
	SinceTimestamp float64            `json:"since_timestamp"`
	VersionVector  map[string]float64 `json:"version_vector,omitempty"`
}

func (m *SyncRequestMessage) validate() error {
	return requireID("room_id", m.RoomID)
}

var functionNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// CallMessage invokes a registered server function.
type CallMessage struct {
	Type         string         `json:"type"`
	RoomID       string         `json:"room_id"`
	CallID       string         `json:"call_id"`
	FunctionName string         `json:"function_name"`
	Args         []any          `json:"args,omitempty"`
	Kwargs       map[string]any `json:"kwargs,omitempty"`
}

func (m *CallMessage) validate() error {
	if err := requireID("room_id", m.RoomID); err != nil {
		return err
	}
	if err := requireID("call_id", m.CallID); err != nil {
		return err
	}
	if m.FunctionName == "" {
		return fmt.Errorf("function_name is required")
	}
	if err := maxLen("function_name", m.FunctionName, MaxNameLength); err != nil {
		return err
	}
	if !functionNamePattern.MatchString(m.FunctionName) {
		return fmt.Errorf("function_name %q is not a valid identifier", m.FunctionName)
	}
	if len(m.Args) > MaxArgsCount {
		return fmt.Errorf("too many args (%d, max %d)", len(m.Args), MaxArgsCount)
	}
	if err := validateSafeValue(m.Args, "args", MaxValueSize); err != nil {
		return err
	}
	return validateSafeValue(m.Kwargs, "kwargs", MaxValueSize)
}

// PresenceMessage replaces or extends the sender's presence document.
type PresenceMessage struct {
	Type   string         `json:"type"`
	RoomID string         `json:"room_id"`
	Data   map[string]any `json:"data"`
}

func (m *PresenceMessage) validate() error {
	if err := requireID("room_id", m.RoomID); err != nil {
		return err
	}
	return validateSafeValue(m.Data, "data", MaxPresenceSize)
}

// PingMessage keeps the connection alive.
type PingMessage struct {
	Type      string   `json:"type"`
	Timestamp *float64 `json:"timestamp,omitempty"`
}

func (m *PingMessage) validate() error { return nil }

// AuthMessage authenticates mid-connection, as an alternative to the URL
// query token.
type AuthMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

func (m *AuthMessage) validate() error {
	if m.Token == "" {
		return fmt.Errorf("token is required")
	}
	return maxLen("token", m.Token, MaxTokenLength)
}

// StateUpdateMessage is the non-CRDT direct write path kept for older
// clients. The room id is accepted under both room_id and roomId.
type StateUpdateMessage struct {
	Type        string `json:"type"`
	RoomID      string `json:"room_id"`
	RoomIDAlias string `json:"roomId,omitempty"`
	Path        string `json:"path,omitempty"`
	Value       any    `json:"value,omitempty"`
}

func (m *StateUpdateMessage) validate() error {
	if m.RoomID == "" {
		m.RoomID = m.RoomIDAlias
	}
	if err := requireID("room_id", m.RoomID); err != nil {
		return err
	}
	if err := maxLen("path", m.Path, MaxPathLength); err != nil {
		return err
	}
	if m.Path != "" {
		if err := validatePathSegments(SplitPath(m.Path)); err != nil {
			return err
		}
	}
	return validateSafeValue(m.Value, "value", MaxValueSize)
}

// ScreenShareStartMessage claims the room's single screen-share slot.
type ScreenShareStartMessage struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	ShareName string `json:"share_name,omitempty"`
}

func (m *ScreenShareStartMessage) validate() error {
	if err := requireID("room_id", m.RoomID); err != nil {
		return err
	}
	return maxLen("share_name", m.ShareName, MaxNameLength)
}

// ScreenShareStopMessage releases the screen-share slot.
type ScreenShareStopMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

func (m *ScreenShareStopMessage) validate() error {
	return requireID("room_id", m.RoomID)
}

// RtcOfferMessage relays an SDP offer to one room member.
type RtcOfferMessage struct {
	Type         string `json:"type"`
	RoomID       string `json:"room_id"`
	TargetUserID string `json:"target_user_id"`
	SDP          string `json:"sdp"`
}

func (m *RtcOfferMessage) validate() error {
	return validateSignal(m.RoomID, m.TargetUserID, m.SDP, MaxSDPLength, "sdp")
}

// RtcAnswerMessage relays an SDP answer to one room member.
type RtcAnswerMessage struct {
	Type         string `json:"type"`
	RoomID       string `json:"room_id"`
	TargetUserID string `json:"target_user_id"`
	SDP          string `json:"sdp"`
}

func (m *RtcAnswerMessage) validate() error {
	return validateSignal(m.RoomID, m.TargetUserID, m.SDP, MaxSDPLength, "sdp")
}

// RtcIceCandidateMessage relays an ICE candidate to one room member.
type RtcIceCandidateMessage struct {
	Type          string `json:"type"`
	RoomID        string `json:"room_id"`
	TargetUserID  string `json:"target_user_id"`
	Candidate     string `json:"candidate"`
	SdpMid        string `json:"sdp_mid,omitempty"`
	SdpMLineIndex *int   `json:"sdp_m_line_index,omitempty"`
}

func (m *RtcIceCandidateMessage) validate() error {
	if err := validateSignal(m.RoomID, m.TargetUserID, m.Candidate, MaxCandidateLength, "candidate"); err != nil {
		return err
	}
	return maxLen("sdp_mid", m.SdpMid, MaxIDLength)
}

// RemoteControlRequestMessage asks another member for control of their
// shared screen.
type RemoteControlRequestMessage struct {
	Type         string `json:"type"`
	RoomID       string `json:"room_id"`
	TargetUserID string `json:"target_user_id"`
}

func (m *RemoteControlRequestMessage) validate() error {
	if err := requireID("room_id", m.RoomID); err != nil {
		return err
	}
	return requireID("target_user_id", m.TargetUserID)
}

// RemoteControlResponseMessage answers a remote control request.
type RemoteControlResponseMessage struct {
	Type         string `json:"type"`
	RoomID       string `json:"room_id"`
	TargetUserID string `json:"target_user_id"`
	Granted      bool   `json:"granted"`
}

func (m *RemoteControlResponseMessage) validate() error {
	if err := requireID("room_id", m.RoomID); err != nil {
		return err
	}
	return requireID("target_user_id", m.TargetUserID)
}

func validateSignal(roomID, targetUserID, payload string, maxPayload int, payloadField string) error {
	if err := requireID("room_id", roomID); err != nil {
		return err
	}
	if err := requireID("target_user_id", targetUserID); err != nil {
		return err
	}
	if payload == "" {
		return fmt.Errorf("%s is required", payloadField)
	}
	return maxLen(payloadField, payload, maxPayload)
}

// ParseClientMessage decodes a raw frame into a typed, validated client
// message. Unknown types and any validation failure return an error; the
// session layer reports both as invalid_message.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}

	var msg ClientMessage
	switch envelope.Type {
	case "join":
		msg = &JoinMessage{}
	case "leave":
		msg = &LeaveMessage{}
	case "operation":
		msg = &OperationMessage{}
	case "sync_request":
		msg = &SyncRequestMessage{}
	case "call":
		msg = &CallMessage{}
	case "presence":
		msg = &PresenceMessage{}
	case "ping":
		msg = &PingMessage{}
	case "auth":
		msg = &AuthMessage{}
	case "state_update":
		msg = &StateUpdateMessage{}
	case "screenshare_start":
		msg = &ScreenShareStartMessage{}
	case "screenshare_stop":
		msg = &ScreenShareStopMessage{}
	case "rtc_offer":
		msg = &RtcOfferMessage{}
	case "rtc_answer":
		msg = &RtcAnswerMessage{}
	case "rtc_ice_candidate":
		msg = &RtcIceCandidateMessage{}
	case "remote_control_request":
		msg = &RemoteControlRequestMessage{}
	case "remote_control_response":
		msg = &RemoteControlResponseMessage{}
	default:
		return nil, fmt.Errorf("unknown message type: %q", envelope.Type)
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("malformed %s message: %w", envelope.Type, err)
	}
	if err := msg.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", envelope.Type, err)
	}
	return msg, nil
}
