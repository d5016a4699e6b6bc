// Package postgres provides the PostgreSQL event store on pgx.
//
// The events table is range-partitioned on occurred_at with a DEFAULT partition. Append
// takes a transaction-scoped advisory lock keyed by the recipient, reads the recipient's
// newest id from the (recipient_id, id) index and queues a NOTIFY that PostgreSQL
// delivers on commit. Listener turns those notifications into tailer wake-ups.
package postgres
