package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Pattern is a stored approval or denial predicate for a tool.
type Pattern struct {
	ID        int64     `json:"id"`
	ToolID    string    `json:"tool_id"`
	Kind      string    `json:"kind"`       // approve | deny
	MatchType string    `json:"match_type"` // exact | prefix | glob | regex
	Value     string    `json:"value"`
	Scope     string    `json:"scope"` // session | workspace
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SavePattern persists a pattern inside an immediate transaction. Saving
// the same (tool, kind, value, scope, session) twice keeps a single row.
func (s *Store) SavePattern(ctx context.Context, p *Pattern) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	var sessionID any
	if p.SessionID != "" {
		sessionID = p.SessionID
	}

	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO approval_patterns (tool_id, kind, match_type, value, scope, session_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, p.ToolID, p.Kind, p.MatchType, p.Value, p.Scope, sessionID, p.CreatedAt)
		if err != nil {
			return fmt.Errorf("save pattern: %w", err)
		}
		return nil
	})
}

// ListPatterns returns the patterns in effect for a tool: all workspace
// patterns plus session patterns belonging to sessionID.
func (s *Store) ListPatterns(ctx context.Context, toolID, sessionID string) ([]*Pattern, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool_id, kind, match_type, value, scope, session_id, created_at
		FROM approval_patterns
		WHERE tool_id = ?
		  AND (scope = 'workspace' OR (scope = 'session' AND session_id = ?))
		ORDER BY id
	`, toolID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	return scanPatterns(rows)
}

// AllPatterns returns every stored pattern, for inspection commands.
func (s *Store) AllPatterns(ctx context.Context) ([]*Pattern, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool_id, kind, match_type, value, scope, session_id, created_at
		FROM approval_patterns
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list all patterns: %w", err)
	}
	defer rows.Close()

	return scanPatterns(rows)
}

func scanPatterns(rows *sql.Rows) ([]*Pattern, error) {
	var patterns []*Pattern
	for rows.Next() {
		var p Pattern
		var sessionID sql.NullString
		if err := rows.Scan(&p.ID, &p.ToolID, &p.Kind, &p.MatchType, &p.Value, &p.Scope, &sessionID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		if sessionID.Valid {
			p.SessionID = sessionID.String
		}
		patterns = append(patterns, &p)
	}
	return patterns, rows.Err()
}

// DeletePattern removes a pattern by id.
func (s *Store) DeletePattern(ctx context.Context, id int64) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `DELETE FROM approval_patterns WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete pattern: %w", err)
		}
		return nil
	})
}

// DeleteSessionPatterns removes all session-scoped patterns for a
// conversation; called when the conversation ends.
func (s *Store) DeleteSessionPatterns(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			DELETE FROM approval_patterns WHERE scope = 'session' AND session_id = ?
		`, sessionID)
		if err != nil {
			return fmt.Errorf("delete session patterns: %w", err)
		}
		count, _ = res.RowsAffected()
		return nil
	})
	return count, err
}
