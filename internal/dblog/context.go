package dblog

import (
	"log/slog"
)

// WithTx creates a logger with transaction context.
//
// Example:
//
//	log := dblog.WithTx(txID)
//	log.Info("starting insert")
func WithTx(txID int64) *slog.Logger {
	return GetLogger().With("tx_id", txID)
}

// WithTable creates a logger with table context.
func WithTable(tableName string) *slog.Logger {
	return GetLogger().With("table", tableName)
}

// WithTableTx creates a logger with both transaction and table context.
func WithTableTx(txID int64, tableName string) *slog.Logger {
	return GetLogger().With("tx_id", txID, "table", tableName)
}

// WithIndex creates a logger with index context.
func WithIndex(indexName string) *slog.Logger {
	return GetLogger().With("index", indexName)
}

// WithSection creates a logger with raw-data-section context.
//
// Example:
//
//	log := dblog.WithSection(headerPage)
//	log.Debug("section compacted", "density", density)
func WithSection(headerPage uint32) *slog.Logger {
	return GetLogger().With("section", headerPage)
}

// WithDictionary creates a logger with dictionary-hash context.
func WithDictionary(hashHex string) *slog.Logger {
	return GetLogger().With("dict_hash", hashHex)
}

// WithComponent creates a logger with component/subsystem context.
func WithComponent(component string) *slog.Logger {
	return GetLogger().With("component", component)
}

// WithError creates a logger with error context.
func WithError(err error) *slog.Logger {
	return GetLogger().With("error", err.Error())
}
