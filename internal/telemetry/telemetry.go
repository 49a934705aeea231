// Package telemetry wraps zerolog for the transactional containers and
// the transbench harness. It is deliberately thin: containers only log
// at Debug level, and only at points that cannot be on the per-CAS hot
// path (help-cycle detection, forced map expansion, physical unlink),
// so a Nop logger costs nothing beyond a level check.
package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the subset of zerolog levels the CLI exposes.
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

// Logger is the global logger instance, usable before Init (it starts
// as a no-op logger so library code never needs a nil check).
var Logger = zerolog.Nop()

// Init installs the global logger according to cfg.
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
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithContainer returns a child logger tagged with the container kind
// ("list", "skip", "map", "boosting-list", ...).
func WithContainer(kind string) zerolog.Logger {
	return Logger.With().Str("container", kind).Logger()
}

// WithWorker returns a child logger tagged with a worker id.
func WithWorker(logger zerolog.Logger, workerID int) zerolog.Logger {
	return logger.With().Int("worker", workerID).Logger()
}
