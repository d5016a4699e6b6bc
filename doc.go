// Package eventfeed records user-visible domain events in a transactional outbox and delivers
// them to live client connections with replay after disconnect.
//
// Typical flow:
//  1. Inside the business transaction, append events with a storage-specific store
//     (see the mysql, postgres and memory packages).
//  2. Run a single Tailer that polls the store for newly committed events and publishes them
//     to a Dispatcher.
//  3. For every client connection call Dispatcher.Serve: it backfills from the client's marker
//     with a Reader, then streams live events, degrading to replay when the client falls behind.
//
// Delivery is at-least-once; clients deduplicate by event ID.
package eventfeed
