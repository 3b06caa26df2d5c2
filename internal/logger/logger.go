// Package logger provides the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger used across the service.
// It defaults to an info-level JSON logger on stdout until Init is called.
var Log = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init configures the global logger with the given level and output format.
// Pretty output uses zerolog's console writer and is meant for local development.
func Init(level string, pretty bool) {
	InitWithWriter(level, pretty, os.Stdout)
}

// InitWithWriter configures the global logger to write to w.
func InitWithWriter(level string, pretty bool, w io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339
	SetLevel(level)

	out := w
	if pretty {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	Log = zerolog.New(out).With().Timestamp().Str("service", "vivo").Logger()
}

// SetLevel changes the global log level. Unknown levels fall back to info.
func SetLevel(level string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}
