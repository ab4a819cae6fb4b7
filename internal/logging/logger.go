// Package logging configures the process-wide structured logger and hands
// out component-scoped sub-loggers.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Output     string `json:"output"`      // "stdout", "stderr", or file path
	JSONFormat bool   `json:"json_format"` // JSON output; console format otherwise
}

var (
	mu   sync.Mutex
	root zerolog.Logger
	set  bool
)

// ParseLevel converts a string to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Setup initializes the process logger. Components created before Setup
// fall back to defaults.
func Setup(cfg Config) {
	var output io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		output = os.Stderr
	} else if cfg.Output != "" && cfg.Output != "stdout" {
		if file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			output = file
		}
	}

	if !cfg.JSONFormat {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	mu.Lock()
	defer mu.Unlock()
	root = zerolog.New(output).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	set = true
}

// Root returns the process logger.
func Root() zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if !set {
		root = zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()
		set = true
	}
	return root
}

// Component returns a sub-logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Root().With().Str("component", name).Logger()
}
