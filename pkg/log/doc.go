/*
Package log provides structured logging for brokerd built on zerolog.

A single global logger is initialized once at process start via Init, then
packages derive child loggers carrying their identifying fields:

	logger := log.WithComponent("scheduler")
	logger.Info().Str("job", name).Msg("claimed job")

Console output (human-readable) is the default; JSON output is used when
running under a collector. Levels: debug, info, warn, error.
*/
package log
