package audit

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogAuth(t *testing.T) {
	tests := []struct {
		name      string
		client    string
		result    string
		wantLevel string
	}{
		{"allowed", "ab12", Allowed, "info"},
		{"denied", "", Denied, "warn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewLogger(zerolog.New(&buf)).LogAuth(tt.client, tt.result, "token expired", "10.0.0.5:4411")

			entry := decode(t, &buf)
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "audit", entry["component"])
			assert.Equal(t, "auth", entry["event_type"])
			assert.Equal(t, tt.client, entry["client"])
			assert.Equal(t, tt.result, entry["result"])
			assert.Equal(t, "token expired", entry["details"])
			assert.Equal(t, "10.0.0.5:4411", entry["source_ip"])
		})
	}
}

func TestLogOp(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf))

	l.LogOp("ab12", "put_chunk", "cd34", Denied, "quota_exceeded", "10.0.0.5:4411")
	entry := decode(t, &buf)
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "operation", entry["event_type"])
	assert.Equal(t, "put_chunk", entry["operation"])
	assert.Equal(t, "cd34", entry["target"])
	assert.Equal(t, "quota_exceeded", entry["reason"])

	buf.Reset()
	l.LogOp("ab12", "put_chunk", "", Allowed, "", "10.0.0.5:4411")
	entry = decode(t, &buf)
	assert.Equal(t, "info", entry["level"])
	assert.NotContains(t, entry, "target")
	assert.NotContains(t, entry, "reason")
}

func TestLogAccount(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogAccount("ab12", 1<<30, "10.0.0.5:4411")

	entry := decode(t, &buf)
	assert.Equal(t, "account", entry["event_type"])
	assert.Equal(t, float64(1<<30), entry["quota"])
}
