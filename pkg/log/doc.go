/*
Package log provides structured logging for the repository core using zerolog.

A single package-level Logger is initialized once via Init and shared by every
other package. Component loggers (WithComponent, WithRepository, WithSnapshot,
WithShard) attach context fields instead of interpolating identifiers into
message strings, so logs stay queryable.

Example:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	l := log.WithComponent("finalize")
	l.Info().Str("snapshot_uuid", snapshotUUID).Msg("snapshot finalized")
*/
package log
