// Package dblog provides a process-wide structured logger for the table
// engine.
//
// The package wraps [log/slog] and exposes a single global logger instance
// that is initialized once and then retrieved via GetLogger, so log level
// and destination are controlled from a single place. The engine's own
// packages (pager, section, dictionary holder, table) do not log through it.
//
// # Initialisation
//
//	if err := dblog.Init(dblog.Config{Level: dblog.LevelInfo, Format: "json"}); err != nil {
//	    log.Fatal(err)
//	}
//
// InitDefault writes INFO-level text logs to stdout.
//
// # Context helpers
//
//	log := dblog.WithTable("events")
//	log := dblog.WithSection(sectionPage)
//	log := dblog.WithTx(txID)
package dblog
