package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojopage.log")
	log, err := New(Config{Level: "warn", Format: "json", OutputFile: path})
	require.NoError(t, err)

	log.Info("dropped")
	log.Named("checkpoint_manager").Warn("Checkpoint failed", zap.Int32("groupID", 3))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1, "info is below the configured level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "WARN", entry["level"])
	require.Equal(t, "checkpoint_manager", entry["logger"])
	require.Equal(t, "gojopage", entry["service"])
	require.Equal(t, float64(3), entry["groupID"])
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	log, err := New(Config{Level: "loud", OutputFile: "stderr"})
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(zap.InfoLevel))
	require.False(t, log.Core().Enabled(zap.DebugLevel))
}

func TestNew_BadOutputFile(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "x.log")})
	require.Error(t, err)
}
