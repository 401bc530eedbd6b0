package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeArgsFingerprintsAddresses(t *testing.T) {
	args := SanitizeArgs(
		"actor", "0x00000000000000000000000000000000000000aa",
		"session_id", "event-poll:room:1",
		"action", "vote",
	)
	require.Len(t, args, 6)
	assert.Equal(t, "actor_fp", args[0])
	assert.Regexp(t, `^fp_`, args[1])
	assert.Equal(t, "action", args[4], "untouched key")
}

func TestFingerprintIgnoresAddressCase(t *testing.T) {
	lower := FingerprintID("0xabcdefabcdef0123456789abcdefabcdef012345")
	mixed := FingerprintID("0xABCDEFabcdef0123456789ABCDEFabcdef012345")
	assert.Equal(t, lower, mixed)
}

func TestSanitizingHandlerRedactsSensitiveAndIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("test", "conversation_id", "event-room-42", "rpc_token", "secret", "status", "ok")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &payload))
	assert.NotContains(t, payload, "conversation_id")
	assert.Contains(t, payload, "conversation_id_fp")
	assert.Equal(t, redactedValue, payload["rpc_token"])
	assert.Equal(t, "ok", payload["status"])
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	require.True(t, h.Enabled(context.Background(), slog.LevelInfo))

	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("sender", "0x00000000000000000000000000000000000000bb"))
	require.NoError(t, h.Handle(context.Background(), rec))
	assert.Contains(t, buf.String(), "sender_fp")
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn")
	logger.Info("hidden")
	assert.Zero(t, buf.Len(), "info filtered at warn level: %s", buf.String())
	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}
