package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreGlobal(t *testing.T) {
	t.Helper()
	prevLogger := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestSetup_JSONComponent(t *testing.T) {
	restoreGlobal(t)

	var buf bytes.Buffer
	closeFn, err := Setup(Options{Level: "info", Format: "json", Output: &buf})
	require.NoError(t, err)
	defer closeFn()

	logger := Component("router")
	logger.Info().Str("route", "search_only").Msg("decided")
	logger.Debug().Msg("filtered out")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "router", entry["component"])
	assert.Equal(t, "search_only", entry["route"])
	assert.Equal(t, "decided", entry["message"])
	assert.NotContains(t, buf.String(), "filtered out")
}

func TestSetup_VerboseForcesDebug(t *testing.T) {
	restoreGlobal(t)

	var buf bytes.Buffer
	closeFn, err := Setup(Options{Level: "error", Format: "json", Verbose: true, Output: &buf})
	require.NoError(t, err)
	defer closeFn()

	log.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestSetup_FileOutput(t *testing.T) {
	restoreGlobal(t)

	path := filepath.Join(t.TempDir(), "logs", "aichat.log")
	var buf bytes.Buffer
	closeFn, err := Setup(Options{Level: "info", Format: "json", File: path, Output: &buf})
	require.NoError(t, err)

	log.Info().Msg("persisted")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "aichat session started")
	assert.Contains(t, string(data), "persisted")
}
