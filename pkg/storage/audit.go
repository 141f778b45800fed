package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditEntry records one policy decision and its tool outcome.
type AuditEntry struct {
	ID             int64     `json:"id"`
	CorrelationID  string    `json:"correlation_id"`
	TS             time.Time `json:"ts"`
	ToolID         string    `json:"tool_id"`
	ArgsDigest     string    `json:"args_digest"`
	Classification string    `json:"classification"`
	Mode           string    `json:"mode"`
	Trust          string    `json:"trust"`
	Decision       string    `json:"decision"`
	Outcome        string    `json:"outcome"` // executed | denied | failed
	LatencyMS      int64     `json:"latency_ms"`
	ErrorKind      string    `json:"error_kind,omitempty"`
}

// AppendAudit writes one audit entry. The audit log is append-only.
func (s *Store) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.TS.IsZero() {
		entry.TS = time.Now().UTC()
	}
	var errorKind any
	if entry.ErrorKind != "" {
		errorKind = entry.ErrorKind
	}

	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			INSERT INTO audit_log (correlation_id, ts, tool_id, args_digest, classification,
			                       mode, trust, decision, outcome, latency_ms, error_kind)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, entry.CorrelationID, entry.TS, entry.ToolID, entry.ArgsDigest, entry.Classification,
			entry.Mode, entry.Trust, entry.Decision, entry.Outcome, entry.LatencyMS, errorKind)
		if err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
		entry.ID, _ = res.LastInsertId()
		return nil
	})
}

// ListAudit returns audit entries, newest first. correlationID filters to
// one user turn when non-empty.
func (s *Store) ListAudit(ctx context.Context, correlationID string, limit int) ([]*AuditEntry, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, correlation_id, ts, tool_id, args_digest, classification,
		       mode, trust, decision, outcome, latency_ms, error_kind
		FROM audit_log
	`
	args := []any{}
	if correlationID != "" {
		query += ` WHERE correlation_id = ?`
		args = append(args, correlationID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var errorKind sql.NullString
		if err := rows.Scan(&entry.ID, &entry.CorrelationID, &entry.TS, &entry.ToolID,
			&entry.ArgsDigest, &entry.Classification, &entry.Mode, &entry.Trust,
			&entry.Decision, &entry.Outcome, &entry.LatencyMS, &errorKind); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if errorKind.Valid {
			entry.ErrorKind = errorKind.String
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// CountAudit returns the number of audit entries for a correlation id.
func (s *Store) CountAudit(ctx context.Context, correlationID string) (int, error) {
	if s.db == nil {
		return 0, ErrStoreClosed
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log WHERE correlation_id = ?`, correlationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return count, nil
}
