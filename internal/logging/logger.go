// Package logging builds the process-wide structured zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates a structured logger. format is either "json" (Loki-friendly)
// or "pretty" (console, for local development).
func New(level, format string) zerolog.Logger {
	var output io.Writer = os.Stdout

	zerolog.SetGlobalLevel(parseLevel(level))

	if format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "telemetry-aggregator").
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
