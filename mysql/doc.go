// Package mysql provides the MySQL 8.0+ event store.
//
// Append runs inside the caller's transaction and serialises producers of one
// recipient through a companion heads table (<table>_heads):
//   - INSERT ... ON DUPLICATE KEY UPDATE creates or locks the recipient's head row
//   - SELECT last_id ... FOR UPDATE reads the recipient's newest id
//   - the event id is max(generated, last_id+1) so per-recipient ids follow commit order
//
// Reads never lock. Replay uses the (recipient_id, id) index and the tailer scans the
// primary key; both bound created_ts so partition pruning applies.
//
// See Schema/PartitionedSchema and HeadsSchema for DDL, PartitionMaintainer for partition
// rotation, and CleanupMaintainer for head pruning and row cleanup when partitions are not used.
package mysql
