package dime

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// defaultLogger returns the logger used by a Config that wasn't given one
// via WithLogger: JSON to stderr at info level, quiet by library
// convention (a host program opts into pretty/verbose output with
// NewLogger, the way cmd/dimed does).
func defaultLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

// NewLogger builds a logger for level (parsed with zerolog.ParseLevel,
// defaulting to info on a bad level string) and, if pretty, renders to a
// human-readable console writer instead of JSON. Intended for host
// programs like cmd/dimed to pass to WithLogger.
func NewLogger(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if pretty {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		base = zerolog.New(os.Stderr)
	}
	return base.Level(lvl).With().Timestamp().Logger()
}

// component derives a child logger scoped to one server subsystem, mirroring
// the teacher library's per-concern logger helpers.
func component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
