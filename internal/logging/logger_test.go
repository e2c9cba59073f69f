package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestLoggerLevelsAndFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "zkpay.log")
	var console bytes.Buffer

	l, err := NewWithWriter(&console, "warn", logPath, "")
	require.NoError(t, err)
	l.Info().Msg("hidden")
	l.Warn().Str("wallet", "alice").Msg("shown")
	require.NoError(t, l.Close())

	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "shown")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "alice", entry["wallet"])
}

func TestAuditLog(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.log")
	var console bytes.Buffer
	l, err := NewWithWriter(&console, "error", "", auditPath)
	require.NoError(t, err)

	l.Audit("wallet_created", map[string]interface{}{"name": "alice"})
	l.Audit("transfer_committed", map[string]interface{}{"inputs": 1})
	require.NoError(t, l.Close())

	data, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "wallet_created", entry["event"])
	assert.Equal(t, "alice", entry["name"])
	assert.Empty(t, console.String(), "audit events stay out of the console")
}

func TestNopLogger(t *testing.T) {
	l := Nop()
	l.Info().Msg("nothing")
	l.Audit("nothing", nil)
	assert.NoError(t, l.Close())
}
