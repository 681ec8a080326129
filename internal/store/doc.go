// Package store provides SQLite-backed durable storage for arcsim event logs.
//
// The store is an append-only log with two tables:
//   - sessions: one row per simulator run, keyed by its session token
//   - events: every heap and scheduler event of a session
//
// Ordering uses the logical seq column, never timestamps, so a stored
// session reads back in exactly the order it was produced. Reads order by
// seq ASC, id ASC COLLATE BINARY.
//
// Event ids are content-addressed (ir.EventID), which makes writes
// idempotent: writing the same event twice is a no-op.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Events must belong to a known session
package store
