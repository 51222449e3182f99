package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "level %q", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "level %q", tt.in)
	}
}

func TestSetupWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mdkeeper.log")
	logger, cleanup, err := Setup(Config{Level: "debug", FilePath: path})
	require.NoError(t, err)
	defer cleanup()

	logger.Info("indexed document", slog.String("path", "docs/guide.md"), slog.Int("chunks", 3))
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(data, &line))
	assert.Equal(t, "indexed document", line["msg"])
	assert.Equal(t, "docs/guide.md", line["path"])
	assert.Equal(t, float64(3), line["chunks"])
}

func TestSetupRejectsBadLevel(t *testing.T) {
	_, _, err := Setup(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestSetupFileLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdkeeper.log")
	logger, cleanup, err := Setup(Config{Level: "warn", FilePath: path})
	require.NoError(t, err)

	logger.Info("suppressed")
	logger.Warn("kept")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "suppressed")
	assert.Contains(t, string(data), "kept")
}
