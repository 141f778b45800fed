package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PendingApproval records the lifecycle of one interactive prompt, so a
// crash mid-prompt leaves a visible trace next to the audit log.
type PendingApproval struct {
	ID        string
	SessionID string
	ToolID    string
	Command   string
	Risk      string
	Status    string // pending | approved | denied | cancelled
	CreatedAt time.Time
	DecidedAt time.Time
}

// CreatePendingApproval records a prompt that was handed to the user.
func (s *Store) CreatePendingApproval(ctx context.Context, p *PendingApproval) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = "pending"
	}

	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO pending_approvals (id, session_id, tool_id, command, risk, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.ID, p.SessionID, p.ToolID, p.Command, p.Risk, p.Status, p.CreatedAt)
		if err != nil {
			return fmt.Errorf("create pending approval: %w", err)
		}
		return nil
	})
}

// ResolvePendingApproval marks a prompt with its terminal status.
func (s *Store) ResolvePendingApproval(ctx context.Context, id, status string) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			UPDATE pending_approvals SET status = ?, decided_at = ? WHERE id = ?
		`, status, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("resolve pending approval: %w", err)
		}
		return nil
	})
}

// GetPendingApproval returns one prompt record, or nil.
func (s *Store) GetPendingApproval(ctx context.Context, id string) (*PendingApproval, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, tool_id, command, risk, status, created_at, decided_at
		FROM pending_approvals WHERE id = ?
	`, id)

	var p PendingApproval
	var decidedAt sql.NullTime
	err := row.Scan(&p.ID, &p.SessionID, &p.ToolID, &p.Command, &p.Risk, &p.Status, &p.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending approval: %w", err)
	}
	if decidedAt.Valid {
		p.DecidedAt = decidedAt.Time
	}
	return &p, nil
}
