package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Packages derive component child
// loggers from it at construction time.
var Logger zerolog.Logger

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	// Level filters output; unrecognized values fall back to info.
	Level Level
	// JSONOutput selects machine-readable JSON over the console writer.
	JSONOutput bool
	// Output defaults to stdout.
	Output io.Writer
}

// Init initializes the global logger. Call once at process start, before
// any node or worker is constructed.
func Init(cfg Config) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(string(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithInstanceID creates a child logger with instance_id field
func WithInstanceID(instanceID string) zerolog.Logger {
	return Logger.With().Str("instance_id", instanceID).Logger()
}

// WithMessageID creates a child logger with message_id field
func WithMessageID(messageID string) zerolog.Logger {
	return Logger.With().Str("message_id", messageID).Logger()
}

// WithStreamID creates a child logger with stream_id field
func WithStreamID(streamID string) zerolog.Logger {
	return Logger.With().Str("stream_id", streamID).Logger()
}
