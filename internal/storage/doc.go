// Package storage persists relay state that should survive a restart:
//
//   - message mappings (source message -> relayed message)
//   - notifier dedup state
//   - an append-only audit trail of trap verdicts and pair pauses
//
// Open returns a nil Store when storage is disabled; callers treat that as
// memory-only operation.
package storage
