package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// MCPPolicy overrides risk and approval behavior for one MCP server tool.
type MCPPolicy struct {
	Server           string
	Tool             string
	Risk             string
	NeedsApproval    bool
	AllowSavePattern bool
}

// UpsertMCPPolicy stores an MCP tool override. Unlike builtin tables this
// table is user-writable: overrides come from policy/mcp.toml and may
// change between runs.
func (s *Store) UpsertMCPPolicy(ctx context.Context, p *MCPPolicy) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO mcp_tool_policies (server, tool, risk, needs_approval, allow_save_pattern)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(server, tool) DO UPDATE SET
				risk = excluded.risk,
				needs_approval = excluded.needs_approval,
				allow_save_pattern = excluded.allow_save_pattern
		`, p.Server, p.Tool, p.Risk, boolToInt(p.NeedsApproval), boolToInt(p.AllowSavePattern))
		if err != nil {
			return fmt.Errorf("upsert mcp policy %s/%s: %w", p.Server, p.Tool, err)
		}
		return nil
	})
}

// GetMCPPolicy returns the override for one MCP tool, or nil.
func (s *Store) GetMCPPolicy(ctx context.Context, server, tool string) (*MCPPolicy, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT server, tool, risk, needs_approval, allow_save_pattern
		FROM mcp_tool_policies
		WHERE server = ? AND tool = ?
	`, server, tool)

	var p MCPPolicy
	var needs, allowSave int
	err := row.Scan(&p.Server, &p.Tool, &p.Risk, &needs, &allowSave)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mcp policy %s/%s: %w", server, tool, err)
	}
	p.NeedsApproval = needs != 0
	p.AllowSavePattern = allowSave != 0
	return &p, nil
}
