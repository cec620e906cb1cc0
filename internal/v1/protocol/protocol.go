// Package protocol defines the JSON wire protocol spoken over each
// collaboration WebSocket: the client message set, the server message set,
// the shared User model and the protocol error codes.
//
// Every inbound frame is parsed through ParseClientMessage, which dispatches
// on the "type" discriminator and enforces the field limits and safe-value
// rules before a message reaches any handler. Outbound messages are plain
// structs marshaled with encoding/json; constructors fill in the type tag.
package protocol

// Field limits. Oversized fields reject the whole message.
const (
	MaxIDLength        = 256
	MaxNameLength      = 512
	MaxPathLength      = 1024
	MaxTokenLength     = MaxIDLength * 4
	MaxArgsCount       = 100
	MaxValueDepth      = 5
	MaxValueSize       = 100 * 1024
	MaxPresenceSize    = 10 * 1024
	MaxSDPLength       = 65536
	MaxCandidateLength = 4096
)

// ErrorCode is a stable machine-readable error identifier sent to clients.
type ErrorCode string

const (
	ErrAuthenticationFailed ErrorCode = "authentication_failed"
	ErrPermissionDenied     ErrorCode = "permission_denied"
	ErrRoomNotFound         ErrorCode = "room_not_found"
	ErrInvalidMessage       ErrorCode = "invalid_message"
	ErrInvalidOperation     ErrorCode = "invalid_operation"
	ErrFunctionNotFound     ErrorCode = "function_not_found"
	ErrFunctionError        ErrorCode = "function_error"
	ErrInternalError        ErrorCode = "internal_error"
	ErrRateLimited          ErrorCode = "rate_limited"
)

// User is the directory entry for a connected participant, shared by room
// rosters and join notifications.
type User struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
	Roles    []string       `json:"roles,omitempty"`
}

// Validate enforces the User field limits and safe-value rules.
func (u *User) Validate() error {
	if err := requireID("id", u.ID); err != nil {
		return err
	}
	if err := maxLen("name", u.Name, MaxNameLength); err != nil {
		return err
	}
	return validateSafeValue(u.Metadata, "metadata", MaxValueSize)
}
