// Package klog provides the dispatcher's structured logging, shared by
// every component so that log lines are tagged consistently with a host
// (localhost or a worker hostname) and, where relevant, a run key.
package klog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level is a coarse logging level, independent of zerolog's own type so
// callers (and CLI flags) don't need to import zerolog directly.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
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

func init() {
	// Sensible default so packages that log before Init (e.g. in tests)
	// don't panic on a zero-value Logger.
	Init(Config{Level: InfoLevel})
}

// WithComponent creates a child logger tagged with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithWorker creates a child logger tagged with the originating hostname,
// for every event a worker's transactions produce.
func WithWorker(hostname string) zerolog.Logger {
	return Logger.With().Str("host", hostname).Logger()
}

// WithRunKey creates a child logger tagged with the per-run KEY.
func WithRunKey(key string) zerolog.Logger {
	return Logger.With().Str("run_key", key).Logger()
}

// Local returns a logger pre-tagged with host=localhost, for dispatcher-side
// events that don't originate from a specific worker.
func Local() zerolog.Logger {
	return Logger.With().Str("host", "localhost").Logger()
}
