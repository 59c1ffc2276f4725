/*
Package log provides structured logging for Drover built on zerolog.

A single global logger is initialized once at process start via Init and
consumed through small helpers. Components create child loggers with
stable correlation fields:

	logger := log.WithComponent("pipeline")
	logger.Info().Str("execution_id", id).Msg("stage succeeded")

Console output (human readable) is the default; JSON output is used when
running as a service.
*/
package log
