package storage

import (
	"database/sql"
	"fmt"
)

// Mode and trust names are fixed vocabulary; the database rows exist so
// the rule matrix can reference them by id and so the immutability
// triggers have something to guard.
var (
	seedModes      = []string{"ask", "plan", "build"}
	seedTrusts     = []string{"manual", "balanced", "careful"}
	seedCategories = []string{"file", "shell", "search", "mcp"}
	seedOperations = []string{"read", "write", "delete", "execute"}
)

type ruleSeed struct {
	op        string
	inWorkdir bool
	mode      string
	trust     string
	needs     bool
	allowSave bool
}

// defaultMatrix is the seeded approval rule matrix.
//
// Ask and Plan only carry rows for read classifications: nothing
// destructive is reachable there (availability filters the tools, and a
// missing row fails closed to an unsaveable prompt). Within Build the
// trust level tunes how much prompts can be remembered; out-of-workdir
// deletes can never be saved as patterns at any trust level.
func defaultMatrix() []ruleSeed {
	var rules []ruleSeed

	for _, mode := range []string{"ask", "plan"} {
		for _, trust := range seedTrusts {
			rules = append(rules,
				ruleSeed{"read", true, mode, trust, false, true},
				ruleSeed{"read", false, mode, trust, true, true},
			)
		}
	}

	for _, trust := range seedTrusts {
		rules = append(rules,
			ruleSeed{"read", true, "build", trust, false, true},
			ruleSeed{"read", false, "build", trust, true, true},
			ruleSeed{"write", true, "build", trust, true, true},
			ruleSeed{"write", false, "build", trust, true, trust != "careful"},
			ruleSeed{"delete", true, "build", trust, true, trust != "careful"},
			ruleSeed{"delete", false, "build", trust, true, false},
			ruleSeed{"execute", true, "build", trust, true, true},
			ruleSeed{"execute", false, "build", trust, true, trust != "careful"},
		)
	}

	return rules
}

// seedBuiltinRows populates the builtin tables. It runs before the
// immutability triggers exist and never again.
func seedBuiltinRows(db *sql.DB) error {
	for i, name := range seedModes {
		if _, err := db.Exec(`INSERT OR IGNORE INTO agent_modes (id, name) VALUES (?, ?)`, i+1, name); err != nil {
			return fmt.Errorf("seed mode %s: %w", name, err)
		}
	}
	for i, name := range seedTrusts {
		if _, err := db.Exec(`INSERT OR IGNORE INTO trust_levels (id, name) VALUES (?, ?)`, i+1, name); err != nil {
			return fmt.Errorf("seed trust %s: %w", name, err)
		}
	}
	for i, name := range seedCategories {
		if _, err := db.Exec(`INSERT OR IGNORE INTO tool_categories (id, name) VALUES (?, ?)`, i+1, name); err != nil {
			return fmt.Errorf("seed category %s: %w", name, err)
		}
	}

	id := 0
	for _, op := range seedOperations {
		for _, in := range []int{1, 0} {
			id++
			if _, err := db.Exec(`INSERT OR IGNORE INTO classifications (id, operation, in_workdir) VALUES (?, ?, ?)`, id, op, in); err != nil {
				return fmt.Errorf("seed classification %s/%d: %w", op, in, err)
			}
		}
	}

	for _, rule := range defaultMatrix() {
		_, err := db.Exec(`
			INSERT OR IGNORE INTO approval_rules (classification_id, mode_id, trust_id, needs_approval, allow_save_pattern)
			SELECT c.id, m.id, t.id, ?, ?
			FROM classifications c, agent_modes m, trust_levels t
			WHERE c.operation = ? AND c.in_workdir = ? AND m.name = ? AND t.name = ?
		`, boolToInt(rule.needs), boolToInt(rule.allowSave),
			rule.op, boolToInt(rule.inWorkdir), rule.mode, rule.trust)
		if err != nil {
			return fmt.Errorf("seed rule %+v: %w", rule, err)
		}
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
