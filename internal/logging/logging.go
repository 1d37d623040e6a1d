// Package logging configures the process-wide structured logger used by
// every component of the host. It mirrors the initialization shape of a
// conventional zerolog-based service logger: one global Logger, a level
// parsed from a string, and an optional pretty console writer for local
// development.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide logger. Initialize must be called once during
// startup before any component logs; until then Log is zerolog's default
// (JSON to stderr at debug level), which is safe for package-level init
// code and tests that never call Initialize.
var Log zerolog.Logger = log.Logger

// Initialize sets the global log level and output format. pretty selects a
// human-readable console writer (for local development); otherwise output
// is newline-delimited JSON with unix-second timestamps, suitable for a
// log collection pipeline.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "pluginhost").Logger()
}

// Component returns a sub-logger tagged with the given component name,
// matching the convention used throughout the host's internal packages.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}

// ForPlugin returns a sub-logger additionally tagged with a plugin name,
// used by the supervisor, sandbox worker, and scheduler when a log line
// concerns one specific plugin.
func ForPlugin(component, plugin string) zerolog.Logger {
	return Log.With().Str("component", component).Str("plugin", plugin).Logger()
}
