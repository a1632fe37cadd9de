package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options adjusts the global logger beyond what the environment sets.
type Options struct {
	// Verbose forces debug level.
	Verbose bool
	// Quiet forces warn level. Verbose wins when both are set.
	Quiet bool
	// Level overrides GEMINI_LOG_LEVEL when non-empty.
	Level string
	// File, when set, receives JSON log lines in addition to the console.
	File string
	// Console is the human-readable sink. Defaults to os.Stderr.
	Console io.Writer
}

// ParseLevel maps debug|info|warn|error to a zerolog level (default: info).
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Init initializes the global logger with configuration from environment variables.
// GEMINI_LOG_LEVEL controls the log level: debug, info, warn, error (default: info)
// The returned closer releases the log file, if any.
func Init(opts Options) (io.Closer, error) {
	level := opts.Level
	if level == "" {
		level = os.Getenv("GEMINI_LOG_LEVEL")
	}
	lvl := ParseLevel(level)
	switch {
	case opts.Verbose:
		lvl = zerolog.DebugLevel
	case opts.Quiet:
		lvl = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(lvl)

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	consoleWriter := zerolog.ConsoleWriter{Out: console}

	if opts.File == "" {
		log.Logger = log.Output(consoleWriter)
		return nopCloser{}, nil
	}

	f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Logger = log.Output(consoleWriter)
		return nopCloser{}, fmt.Errorf("failed to open log file %s: %w", opts.File, err)
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(consoleWriter, f)).With().Timestamp().Logger()
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
