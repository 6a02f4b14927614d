// Package logging configures structured zerolog output for the crawler.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs every request attempt and limiter admission.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs crawl and merge summaries.
	LevelInfo LogLevel = "info"

	// LevelWarn logs retries and per-task crawl failures.
	LevelWarn LogLevel = "warn"

	// LevelError logs exhausted fetches and dropped task pages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a level name to a zerolog.Level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger tagged with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// OrDefault returns *l tagged with the component, or a component logger
// derived from the global one when l is nil.
func OrDefault(l *zerolog.Logger, component string) zerolog.Logger {
	if l == nil {
		return NewLogger(component)
	}
	return l.With().Str("component", component).Logger()
}

// Field names used across packages:
//
//   - component: client, ratelimit, crawler, merger, opcrawl
//   - resource: normalized request path (ids replaced by ":id")
//   - task_id: work package id
//   - attempt / max_attempts: retry bookkeeping
//   - error_class: network, client, server, rate_limit, decode
//   - payload: raw activity page of a task that failed to parse
