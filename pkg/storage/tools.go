package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// ToolRecord is the persisted metadata for one registered tool.
type ToolRecord struct {
	ID         string
	SchemaJSON string
	Risk       string
	Operation  string
	Category   string
	Modes      []string
}

// RegisterTool seeds a tool's metadata and per-mode availability. Builtin
// tables only accept inserts, so re-registration of an existing tool is a
// no-op; metadata is immutable at runtime.
func (s *Store) RegisterTool(ctx context.Context, rec *ToolRecord) error {
	if s.db == nil {
		return ErrStoreClosed
	}
	schema := rec.SchemaJSON
	if schema == "" {
		schema = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO tools (id, schema_json, risk, operation, category_id)
		SELECT ?, ?, ?, ?, c.id FROM tool_categories c WHERE c.name = ?
	`, rec.ID, schema, rec.Risk, rec.Operation, rec.Category)
	if err != nil {
		return fmt.Errorf("register tool %s: %w", rec.ID, err)
	}

	for _, mode := range rec.Modes {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO tool_mode_availability (tool_id, mode_id)
			SELECT ?, m.id FROM agent_modes m WHERE m.name = ?
		`, rec.ID, mode)
		if err != nil {
			return fmt.Errorf("register tool %s availability in %s: %w", rec.ID, mode, err)
		}
	}
	return nil
}

// LoadToolAvailability reads the tool → modes map. The table is immutable
// after seeding, so callers cache the result.
func (s *Store) LoadToolAvailability(ctx context.Context) (map[string]map[string]bool, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.tool_id, m.name
		FROM tool_mode_availability a
		JOIN agent_modes m ON m.id = a.mode_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load tool availability: %w", err)
	}
	defer rows.Close()

	availability := make(map[string]map[string]bool)
	for rows.Next() {
		var toolID, mode string
		if err := rows.Scan(&toolID, &mode); err != nil {
			return nil, err
		}
		if availability[toolID] == nil {
			availability[toolID] = make(map[string]bool)
		}
		availability[toolID][mode] = true
	}
	return availability, rows.Err()
}

// GetToolRecord returns the stored metadata for one tool, or nil.
func (s *Store) GetToolRecord(ctx context.Context, toolID string) (*ToolRecord, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.schema_json, t.risk, t.operation, COALESCE(c.name, '')
		FROM tools t
		LEFT JOIN tool_categories c ON c.id = t.category_id
		WHERE t.id = ?
	`, toolID)

	var rec ToolRecord
	err := row.Scan(&rec.ID, &rec.SchemaJSON, &rec.Risk, &rec.Operation, &rec.Category)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tool %s: %w", toolID, err)
	}
	return &rec, nil
}
