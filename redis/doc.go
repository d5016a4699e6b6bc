// Package redis provides Redis-backed collaborators for eventfeed.
//
// Notifier carries wake-up hints from producers to tailers over pub/sub, for backends
// without a native notification channel. DeliveryMarks keeps advisory delivered markers
// as expiring keys instead of updating event rows.
package redis
