package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionMeta is the indexed metadata for a persisted conversation. The
// snapshot itself lives as JSON under .tark/sessions/; this row exists for
// listing and usage rollups without parsing snapshots.
type SessionMeta struct {
	ID         string
	Workspace  string
	Provider   string
	Model      string
	Mode       string
	Trust      string
	WorkingDir string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SessionUsage accumulates token and cost totals for a session.
type SessionUsage struct {
	SessionID    string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// UpsertSessionMeta records or refreshes a session's metadata row.
func (s *Store) UpsertSessionMeta(ctx context.Context, meta *SessionMeta) error {
	now := time.Now().UTC()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now

	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO sessions (id, workspace, provider, model, mode, trust, working_dir, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				provider = excluded.provider,
				model = excluded.model,
				mode = excluded.mode,
				trust = excluded.trust,
				updated_at = excluded.updated_at
		`, meta.ID, meta.Workspace, meta.Provider, meta.Model, meta.Mode, meta.Trust,
			meta.WorkingDir, meta.CreatedAt, meta.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert session %s: %w", meta.ID, err)
		}
		return nil
	})
}

// DeleteSessionMeta removes a session's metadata and usage rows.
func (s *Store) DeleteSessionMeta(ctx context.Context, id string) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `DELETE FROM session_usage WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("delete session usage: %w", err)
		}
		if _, err := conn.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// ListSessionMeta returns session rows for one workspace, newest first.
func (s *Store) ListSessionMeta(ctx context.Context, workspace string) ([]*SessionMeta, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace, provider, model, mode, trust, working_dir, created_at, updated_at
		FROM sessions
		WHERE workspace = ?
		ORDER BY updated_at DESC
	`, workspace)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionMeta
	for rows.Next() {
		var meta SessionMeta
		if err := rows.Scan(&meta.ID, &meta.Workspace, &meta.Provider, &meta.Model,
			&meta.Mode, &meta.Trust, &meta.WorkingDir, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, &meta)
	}
	return sessions, rows.Err()
}

// SetSessionUsage records accumulated usage totals for a session.
func (s *Store) SetSessionUsage(ctx context.Context, usage *SessionUsage) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO session_usage (session_id, input_tokens, output_tokens, cost)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				input_tokens = excluded.input_tokens,
				output_tokens = excluded.output_tokens,
				cost = excluded.cost
		`, usage.SessionID, usage.InputTokens, usage.OutputTokens, usage.Cost)
		if err != nil {
			return fmt.Errorf("set session usage: %w", err)
		}
		return nil
	})
}

// GetSessionUsage returns usage totals for a session, or zeroes.
func (s *Store) GetSessionUsage(ctx context.Context, sessionID string) (*SessionUsage, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	usage := &SessionUsage{SessionID: sessionID}
	err := s.db.QueryRowContext(ctx, `
		SELECT input_tokens, output_tokens, cost FROM session_usage WHERE session_id = ?
	`, sessionID).Scan(&usage.InputTokens, &usage.OutputTokens, &usage.Cost)
	if err == sql.ErrNoRows {
		return usage, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session usage: %w", err)
	}
	return usage, nil
}
