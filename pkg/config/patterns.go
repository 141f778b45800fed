package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/thoughtoinnovate/tark/pkg/errors"
)

// PatternRule is one user-declared approval or denial pattern.
type PatternRule struct {
	Tool      string `toml:"tool"`
	Pattern   string `toml:"pattern"`
	MatchType string `toml:"match_type"`
}

// PatternsFile is the parsed form of policy/patterns.toml.
type PatternsFile struct {
	Approvals []PatternRule `toml:"approvals"`
	Denials   []PatternRule `toml:"denials"`
}

// LoadPatterns reads policy/patterns.toml. A missing file is empty, not
// an error, so first runs need no setup.
func LoadPatterns(path string) (*PatternsFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &PatternsFile{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "read patterns file")
	}

	var pf PatternsFile
	if err := toml.Unmarshal(data, &pf); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "parse patterns file")
	}
	return &pf, nil
}

// MCPToolOverride adjusts risk and approval behavior for one MCP tool.
type MCPToolOverride struct {
	Server           string `toml:"server"`
	Tool             string `toml:"tool"`
	Risk             string `toml:"risk"`
	NeedsApproval    bool   `toml:"needs_approval"`
	AllowSavePattern bool   `toml:"allow_save_pattern"`
}

// MCPFile is the parsed form of policy/mcp.toml.
type MCPFile struct {
	Tools []MCPToolOverride `toml:"tools"`
}

// LoadMCP reads policy/mcp.toml. A missing file is empty, not an error.
func LoadMCP(path string) (*MCPFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &MCPFile{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "read mcp overrides")
	}

	var mf MCPFile
	if err := toml.Unmarshal(data, &mf); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "parse mcp overrides")
	}
	return &mf, nil
}
