package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hint.log")
	log, err := New(Config{Level: "debug", Format: "json", OutputFile: path})
	require.NoError(t, err)

	log.Named("hint_dispatcher").Debug("NVMe lifecycle hint sent")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "DEBUG", entry["level"])
	require.Equal(t, DefaultService, entry["service"])
	require.Equal(t, "hint_dispatcher", entry["logger"])
	require.Equal(t, "NVMe lifecycle hint sent", entry["msg"])
}

func TestNewRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hint.log")
	log, err := New(Config{Level: "warn", OutputFile: path, Service: "bench"})
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "dropped")
	require.Contains(t, string(data), "kept")
	require.Contains(t, string(data), `"service":"bench"`)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.Error(t, Config{Level: "loud"}.Validate())
	require.Error(t, Config{Format: "xml"}.Validate())

	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "x.log")})
	require.Error(t, err)
}
