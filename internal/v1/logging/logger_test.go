package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitializeAndGetLogger(t *testing.T) {
	require.NoError(t, Initialize(true))
	assert.NotNil(t, GetLogger())

	// Initialize is once-only; a second call must not error.
	require.NoError(t, Initialize(false))
}

func TestContextFieldExtraction(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "u1")
	ctx = context.WithValue(ctx, RoomIDKey, "r1")

	fields := appendContextFields(ctx, nil)

	var keys []string
	for _, f := range fields {
		keys = append(keys, f.Key)
	}
	assert.Contains(t, keys, "user_id")
	assert.Contains(t, keys, "room_id")
	assert.Contains(t, keys, "service")
	assert.NotContains(t, keys, "connection_id")
}

func TestAppendContextFields_NilContext(t *testing.T) {
	fields := appendContextFields(nil, []zap.Field{zap.String("k", "v")})
	assert.Len(t, fields, 1)
}

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "***@example.com", RedactEmail("alice@example.com"))
	assert.Equal(t, "***", RedactEmail("not-an-email"))
	assert.Equal(t, "", RedactEmail(""))
}
