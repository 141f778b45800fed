package storage

import (
	"fmt"
)

// RuleKey addresses one row of the approval rule matrix.
type RuleKey struct {
	Operation string
	InWorkdir bool
	Mode      string
	Trust     string
}

// Rule is one row of the immutable approval rule matrix.
type Rule struct {
	NeedsApproval    bool
	AllowSavePattern bool
}

// LoadRules reads the entire rule matrix. The matrix is read-only after
// seeding, so callers cache the returned map for the process lifetime.
func (s *Store) LoadRules() (map[RuleKey]Rule, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT c.operation, c.in_workdir, m.name, t.name, r.needs_approval, r.allow_save_pattern
		FROM approval_rules r
		JOIN classifications c ON c.id = r.classification_id
		JOIN agent_modes m ON m.id = r.mode_id
		JOIN trust_levels t ON t.id = r.trust_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	defer rows.Close()

	rules := make(map[RuleKey]Rule)
	for rows.Next() {
		var key RuleKey
		var inWorkdir, needs, allowSave int
		if err := rows.Scan(&key.Operation, &inWorkdir, &key.Mode, &key.Trust, &needs, &allowSave); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		key.InWorkdir = inWorkdir != 0
		rules[key] = Rule{
			NeedsApproval:    needs != 0,
			AllowSavePattern: allowSave != 0,
		}
	}
	return rules, rows.Err()
}

// Modes returns the seeded agent mode names.
func (s *Store) Modes() ([]string, error) {
	return s.listNames("agent_modes")
}

// TrustLevels returns the seeded trust level names.
func (s *Store) TrustLevels() ([]string, error) {
	return s.listNames("trust_levels")
}

func (s *Store) listNames(table string) ([]string, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.Query(fmt.Sprintf(`SELECT name FROM %s ORDER BY id`, table))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
