/*
Package log provides structured logging for Pollbridge built on zerolog.

Output is human-readable console format by default and JSON when running
under a collector (POLLER_LOG_JSON=1). Every component logs through a
tagged sub-logger so output is filterable by origin.

# Usage

Initialize once at startup:

	log.Init(log.Config{
		Level:      log.ParseLevel(settings.LogLevel),
		JSONOutput: os.Getenv("POLLER_LOG_JSON") == "1",
	})

Component loggers:

	logger := log.WithComponent("scheduler")
	logger.Info().Int("connections", n).Msg("scheduler started")

Connection-scoped loggers carry both id and name so one tenant's cycle
can be followed through interleaved output:

	logger := log.WithConnection(conn.ID, conn.Name)
	logger.Warn().Int64("order_id", id).Msg("webhook dispatch failed")

Package-level helpers (Info, Warn, Error, Errorf, Fatal) cover one-off
messages outside any component.

# Levels

DEBUG, INFO, WARN, ERROR, FATAL. ParseLevel is case-insensitive and
falls back to INFO on unknown input. FATAL exits the process and is
reserved for unrecoverable startup errors.

# Conventions

  - message text is lowercase, no trailing period
  - identifiers go in fields, never interpolated into the message
  - secrets (api keys, webhook secrets) are never logged
*/
package log
