// ABOUTME: Audit log store methods for recording gated requests
// ABOUTME: Records who called which method and whether the gate let them through

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// tsLayout is fixed width so lexical order in SQLite matches time order.
const tsLayout = "2006-01-02T15:04:05.000000Z"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var audiencesJSON *string
	if len(e.Audiences) > 0 {
		data, err := json.Marshal(e.Audiences)
		if err != nil {
			return fmt.Errorf("marshaling audiences: %w", err)
		}
		str := string(data)
		audiencesJSON = &str
	}

	query := `
		INSERT INTO audit_log (request_id, ts, method, outcome, subject, audiences_json, reject_reason, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		formatTS(e.Timestamp),
		e.Method,
		e.Outcome,
		e.Subject,
		audiencesJSON,
		e.RejectReason,
		e.Status,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"outcome", e.Outcome,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

func optionalTS(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTS(*t)
	return &s
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var tsStr string
	var audiencesJSON *string

	if err := scanner.Scan(
		&e.ID,
		&tsStr,
		&e.Method,
		&e.Outcome,
		&e.Subject,
		&audiencesJSON,
		&e.RejectReason,
		&e.Status,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	var err error
	e.Timestamp, err = time.Parse(tsLayout, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if audiencesJSON != nil {
		if err := json.Unmarshal([]byte(*audiencesJSON), &e.Audiences); err != nil {
			return e, fmt.Errorf("unmarshaling audiences: %w", err)
		}
	}
	return e, nil
}

const auditLogQuery = `
	SELECT request_id, ts, method, outcome, subject, audiences_json, reject_reason, status
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR outcome = ?)
	  AND (? IS NULL OR subject = ?)
	  AND (? IS NULL OR method = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeAuditLimit(f.Limit)
	since, until := optionalTS(f.Since), optionalTS(f.Until)

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		since, since,
		until, until,
		f.Outcome, f.Outcome,
		f.Subject, f.Subject,
		f.Method, f.Method,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}

// AuditSummary counts entries by outcome, optionally since a point in time.
func (s *SQLiteStore) AuditSummary(ctx context.Context, since *time.Time) (map[string]int, error) {
	sinceStr := optionalTS(since)
	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*)
		FROM audit_log
		WHERE (? IS NULL OR ts >= ?)
		GROUP BY outcome
	`, sinceStr, sinceStr)
	if err != nil {
		return nil, fmt.Errorf("querying audit summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[string]int{}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scanning audit summary: %w", err)
		}
		counts[outcome] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit summary: %w", err)
	}
	return counts, nil
}
