// Package store provides durable storage for the gate's audit trail using SQLite.
//
// # Architecture
//
// SQLiteStore implements AuditStore on top of modernc.org/sqlite (pure Go, no
// cgo). The schema is created on open and the database runs in WAL mode so the
// audit writer and the `mcpgate audit` reader do not block each other.
//
// # Data Model
//
//   - AuditEntry: one gated request with its method, outcome, subject,
//     audiences, rejection reason, and response status
//
// Entries are append-only. ListAuditLog returns them newest first and
// AuditSummary counts them by outcome.
package store
