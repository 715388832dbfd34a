// Package logging configures structured logging for the router.
// Packages log through zerolog's global logger; this package decides where
// it writes, at which level, and in which format.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════

// Options configures the global logger.
type Options struct {
	Level   string    // debug, info, warn, error
	Format  string    // console or json
	File    string    // Optional file path for persistent logs
	Verbose bool      // Forces debug level and caller info
	Output  io.Writer // Console destination, defaults to stderr
}

var (
	fileMu sync.Mutex
	file   *os.File
)

// Setup installs the global zerolog logger. It returns a close function that
// flushes and closes the log file, if any.
func Setup(opts Options) (func() error, error) {
	level := ParseLevel(opts.Level)
	if opts.Verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if opts.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}

	writers := []io.Writer{out}
	closeFn := func() error { return nil }

	if opts.File != "" {
		f, err := openLogFile(opts.File)
		if err != nil {
			return closeFn, err
		}
		writers = append(writers, f)
		closeFn = closeLogFile
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp()
	if opts.Verbose {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()

	return closeFn, nil
}

// Component returns a child of the global logger tagged with component=name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// ParseLevel converts a level name to a zerolog level. Unknown names map to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// FILE OUTPUT
// ═══════════════════════════════════════════════════════════════════════════════

func openLogFile(path string) (*os.File, error) {
	fileMu.Lock()
	defer fileMu.Unlock()

	if file != nil {
		_ = file.Close()
		file = nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	fmt.Fprintf(f, "\n=== aichat session started %s ===\n", time.Now().Format(time.RFC3339))
	file = f
	return f, nil
}

func closeLogFile() error {
	fileMu.Lock()
	defer fileMu.Unlock()

	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}
