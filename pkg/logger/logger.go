// Package logger provides a structured zerolog logger for agentnet.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Init creates a zerolog.Logger writing to stderr.
// Supported levels: trace, debug, info, warn, error. Defaults to info.
// Format "json" emits one JSON object per line; anything else uses the
// console writer.
func Init(level, format string) zerolog.Logger {
	return New(os.Stderr, level, format)
}

// New is Init with an explicit writer.
func New(w io.Writer, level, format string) zerolog.Logger {
	var lvl zerolog.Level
	switch level {
	case "trace":
		lvl = zerolog.TraceLevel
	case "debug":
		lvl = zerolog.DebugLevel
	case "info":
		lvl = zerolog.InfoLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	default:
		lvl = zerolog.InfoLevel
	}

	if format != "json" {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
