package session

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/v1/auth"
	"github.com/driftsync/driftsync/internal/v1/permissions"
	"github.com/driftsync/driftsync/internal/v1/presence"
	"github.com/driftsync/driftsync/internal/v1/ratelimit"
	"github.com/driftsync/driftsync/internal/v1/room"
	"github.com/driftsync/driftsync/internal/v1/storage"
)

// stubProvider authenticates a fixed token table and counts invocations.
type stubProvider struct {
	mu    sync.Mutex
	users map[string]*auth.User
	calls int
}

func (p *stubProvider) Authenticate(ctx context.Context, token string) (*auth.User, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if user, ok := p.users[token]; ok {
		return user, nil
	}
	return nil, auth.ErrInvalidToken
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type hubConfig struct {
	opts     Options
	provider auth.Provider
	perms    *permissions.Manager
	store    storage.Backend
	frames   int64
	attempts int
}

func newTestHub(t *testing.T, cfg hubConfig) *Hub {
	t.Helper()
	if cfg.frames == 0 {
		cfg.frames = 1000
	}
	if cfg.attempts == 0 {
		cfg.attempts = 3
	}
	// Options holds a slice, so it cannot be compared against its zero
	// value. DefaultOptions always sets MaxMessageSize, which makes it a
	// reliable marker for "no options supplied".
	if cfg.opts.MaxMessageSize == 0 {
		cfg.opts = DefaultOptions()
	}

	frames, err := ratelimit.NewFrameLimiter(cfg.frames, time.Minute, nil)
	require.NoError(t, err)
	attempts := ratelimit.NewAuthLimiter(cfg.attempts, time.Minute)

	pres := presence.NewManager(time.Minute, time.Minute)
	rooms := room.NewManager(pres)
	return NewHub(rooms, pres, cfg.store, cfg.provider, cfg.perms, frames, attempts, cfg.opts)
}

// recv pops the next message enqueued on the client's send channel.
func recv(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case data := <-c.send:
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("expected a message, got none")
		return nil
	}
}

func expectSilence(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("expected no message, got %s", data)
	default:
	}
}

func frame(t *testing.T, msg map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

// joinRoom drives a join and returns the joined confirmation.
func joinRoom(t *testing.T, h *Hub, c *Client, roomID string) map[string]any {
	t.Helper()
	h.dispatch(context.Background(), c, frame(t, map[string]any{"type": "join", "room_id": roomID}))
	msg := recv(t, c)
	require.Equal(t, "joined", msg["type"])
	return msg
}

// readResult scripts one ReadMessage outcome for scriptedSocket.
type readResult struct {
	data []byte
	err  error
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "read deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// scriptedSocket plays back a fixed sequence of reads and records writes.
type scriptedSocket struct {
	mu     sync.Mutex
	script []readResult
	writes [][]byte
}

func (s *scriptedSocket) ReadMessage() (int, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script) == 0 {
		return 0, nil, io.EOF
	}
	next := s.script[0]
	s.script = s.script[1:]
	if next.err != nil {
		return 0, nil, next.err
	}
	return websocket.TextMessage, next.data, nil
}

func (s *scriptedSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), data...))
	return nil
}

func (s *scriptedSocket) Close() error                     { return nil }
func (s *scriptedSocket) SetReadDeadline(time.Time) error  { return nil }
func (s *scriptedSocket) SetWriteDeadline(time.Time) error { return nil }

func (s *scriptedSocket) wroteMessageOfType(msgType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, raw := range s.writes {
		var msg map[string]any
		if json.Unmarshal(raw, &msg) == nil && msg["type"] == msgType {
			return true
		}
	}
	return false
}
