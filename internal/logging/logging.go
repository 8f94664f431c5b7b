// Package logging configures the process-wide zerolog logger and hands out
// component-scoped child loggers, mirroring the teacher stack's logger package.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide base logger. Call Initialize before using it.
var Log zerolog.Logger

// Initialize configures the global zerolog logger. level is a zerolog level
// name ("debug", "info", "warn", ...); pretty switches to a human-readable
// console writer for local development.
func Initialize(service, level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", service).Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// Component returns a child logger tagged with the given component name.
// Every long-lived piece of the server (registry, document, ws, bus, memory)
// gets one of these instead of logging against the bare global logger.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
