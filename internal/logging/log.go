// Package logging provides the structured logger threaded through the
// storage core: pager, WAL, and GC report failures and milestones here
// instead of printing to stdout.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the package-level logger used when a caller does not supply
// its own. Database.Open wires a scoped child logger into every
// subsystem; this default exists so lower layers remain usable in tests
// without requiring callers to plumb a logger through everywhere.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Level mirrors zerolog's levels without leaking the dependency into
// Options.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init reconfigures the global logger. Database.Open calls this once with
// the caller-supplied Options.LogLevel before opening the pager.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the subsystem name,
// e.g. "pager", "wal", "gc".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithCollection returns a child logger additionally tagged with a
// collection name, used by the transaction and version-index layers.
func WithCollection(component, collection string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("collection", collection).Logger()
}
