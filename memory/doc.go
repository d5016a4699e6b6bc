// Package memory provides an in-process outbox store with explicit transactions.
//
// It honours the same contracts as the SQL backends (events become visible only on
// commit, per-recipient IDs follow commit order) and is meant for tests and local runs.
// Nothing is persisted; RunSweeper applies retention when a process keeps it alive.
package memory
