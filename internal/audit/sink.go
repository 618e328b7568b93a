// ABOUTME: Audit sinks that persist records to structured logs or SQLite
// ABOUTME: Each sink reports its own failures; the Logger counts them

package audit

import (
	"context"
	"log/slog"

	"github.com/2389/mcpgate/internal/store"
)

// Sink writes audit records somewhere durable.
type Sink interface {
	Name() string
	Write(ctx context.Context, r Record) error
}

// SlogSink writes each record as one structured log line.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink on logger. Use a JSON handler for one
// machine-readable line per record.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

// Name implements Sink.
func (s *SlogSink) Name() string { return "log" }

// Write implements Sink.
func (s *SlogSink) Write(ctx context.Context, r Record) error {
	attrs := []slog.Attr{
		slog.String("request_id", r.RequestID),
		slog.Time("timestamp", r.Timestamp),
		slog.String("outcome", string(r.Outcome)),
		slog.Int("status", r.Status),
	}
	if r.Method != nil {
		attrs = append(attrs, slog.String("method", *r.Method))
	}
	if r.Subject != "" {
		attrs = append(attrs, slog.String("subject", r.Subject))
	}
	if len(r.Audiences) > 0 {
		attrs = append(attrs, slog.Any("audiences", r.Audiences))
	}
	if r.RejectReason != "" {
		attrs = append(attrs, slog.String("reject_reason", r.RejectReason))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

// Appender is the part of store.AuditStore a StoreSink needs.
type Appender interface {
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// StoreSink writes records to the audit_log table.
type StoreSink struct {
	store Appender
}

// NewStoreSink creates a sink backed by st.
func NewStoreSink(st Appender) *StoreSink {
	return &StoreSink{store: st}
}

// Name implements Sink.
func (s *StoreSink) Name() string { return "sqlite" }

// Write implements Sink.
func (s *StoreSink) Write(ctx context.Context, r Record) error {
	e := &store.AuditEntry{
		ID:        r.RequestID,
		Timestamp: r.Timestamp,
		Method:    r.Method,
		Outcome:   string(r.Outcome),
		Audiences: r.Audiences,
		Status:    r.Status,
	}
	if r.Subject != "" {
		e.Subject = &r.Subject
	}
	if r.RejectReason != "" {
		e.RejectReason = &r.RejectReason
	}
	return s.store.AppendAuditLog(ctx, e)
}
