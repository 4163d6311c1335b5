// Package storage persists the broadcast engine's durable state: the
// watermark, the active chat set, draw history and a broadcast audit log.
//
// Drivers:
//   - "sqlite": SQLite database file (default)
//   - "badger": embedded key-value store directory
//   - "file": dependency-free JSON snapshot + JSON Lines audit
package storage
