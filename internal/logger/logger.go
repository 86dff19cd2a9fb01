// Package logger configures the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup returns a logger writing to stderr. Debug lowers the level to debug
// and switches to the human readable console format used during development.
func Setup(debug bool) zerolog.Logger {
	return New(os.Stderr, debug)
}

// New builds the logger on an arbitrary writer.
func New(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	if !debug {
		return zerolog.New(w).Level(level).With().Timestamp().Logger()
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: w, FormatTimestamp: func(i any) string {
		return time.Now().Format(time.RFC3339)
	}}).Level(level).With().Timestamp().Caller().Stack().Logger()
}
