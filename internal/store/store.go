// ABOUTME: Store interface and data types for mcpgate persistence
// ABOUTME: Defines AuditEntry, AuditFilter, and the AuditStore interface

package store

import (
	"context"
	"time"
)

// AuditEntry is the stored form of one gated request.
type AuditEntry struct {
	ID           string    // request id, generated when empty
	Timestamp    time.Time // when the request was decided
	Method       *string   // nil when no method could be read
	Outcome      string    // anonymous_allowed, authenticated, rejected
	Subject      *string   // verified subject, authenticated only
	Audiences    []string  // verified audiences, authenticated only
	RejectReason *string   // rejection kind, rejected only
	Status       int       // HTTP status returned to the client
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since   *time.Time // entries at or after this time
	Until   *time.Time // entries at or before this time
	Outcome *string    // filter by outcome
	Subject *string    // filter by subject
	Method  *string    // filter by method
	Limit   int        // max results (default 100, max 1000)
}

// AuditStore persists audit entries.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
	AuditSummary(ctx context.Context, since *time.Time) (map[string]int, error)
	Close() error
}

var _ AuditStore = (*SQLiteStore)(nil)
