/*
Package log provides structured logging for Courier using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific child loggers and configurable levels. All logs
include timestamps and support filtering by severity level.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	pubLog := log.WithComponent("publisher")
	pubLog.Info().Str("message_id", id).Msg("published")

	cycleLog := log.WithInstanceID(instanceID)
	cycleLog.Debug().Int("outbox_work", n).Msg("cycle complete")

Structured fields:

	log.Logger.Error().
		Err(err).
		Str("stream_id", streamID).
		Int64("version", v).
		Msg("event append rejected")

# Conventions

  - Workers log once per state change at info, per-cycle detail at debug.
  - Failures that flip a row to Failed log at error with message_id,
    failure_reason and the wrapped error.
  - Lifecycle-async hook failures log at warn; they never affect the
    message's fate.
  - Fatal is reserved for unrecoverable startup errors (schema mismatch,
    bad configuration); it exits the process.

# Integration Points

  - pkg/node: initializes the global logger from config at startup
  - pkg/publisher, pkg/consumer, pkg/perspective, pkg/partition: component
    loggers around their worker loops
  - pkg/store: logs coordinator conflicts and retries at warn
*/
package log
