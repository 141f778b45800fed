package builtin

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/thoughtoinnovate/tark/pkg/classify"
	"github.com/thoughtoinnovate/tark/pkg/policy"
	"github.com/thoughtoinnovate/tark/pkg/tool"
)

const (
	maxSearchMatches  = 200
	maxSearchFileSize = 1024 * 1024
)

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, ".tark": true,
	"target": true, "dist": true, "build": true,
}

// SearchTextTool greps the working tree for a regular expression.
type SearchTextTool struct {
	workdirAware
}

func (t *SearchTextTool) Meta() tool.Metadata {
	return tool.Metadata{
		ID:          "search_text",
		Description: "Search files under a directory for a regular expression.",
		Risk:        policy.RiskSafe,
		Operation:   classify.OpRead,
		Category:    "search",
		Modes:       []policy.Mode{policy.ModeAsk, policy.ModePlan, policy.ModeBuild},
		Schema: `{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "Regular expression to search for"},
				"path": {"type": "string", "description": "Directory to search; defaults to the working directory"}
			},
			"required": ["pattern"]
		}`,
	}
}

func (t *SearchTextTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	pattern := stringParam(args, "pattern")
	if pattern == "" {
		return &tool.Result{Success: false, Error: "pattern parameter must be a non-empty string"}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return &tool.Result{Success: false, Error: fmt.Sprintf("invalid pattern: %v", err)}, nil
	}

	root := stringParam(args, "path")
	if root == "" {
		root = "."
	}
	root = t.resolvePath(root)

	var matches []string
	truncated := false

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxSearchFileSize {
			return nil
		}
		if len(matches) >= maxSearchMatches {
			truncated = true
			return filepath.SkipAll
		}

		found, err := searchFile(path, re, maxSearchMatches-len(matches))
		if err != nil {
			return nil
		}
		matches = append(matches, found...)
		return nil
	})
	if walkErr != nil {
		if ctx.Err() != nil {
			return nil, walkErr
		}
		return &tool.Result{Success: false, Error: fmt.Sprintf("search failed: %v", walkErr)}, nil
	}

	data := map[string]any{"match_count": len(matches)}
	if truncated {
		data["truncated"] = true
	}
	return &tool.Result{
		Success: true,
		Content: strings.Join(matches, "\n"),
		Data:    data,
	}, nil
}

func searchFile(path string, re *regexp.Regexp, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var matches []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSearchFileSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.ContainsRune(line, 0) {
			return nil, nil // binary file
		}
		if re.MatchString(line) {
			matches = append(matches, fmt.Sprintf("%s:%d:%s", path, lineNo, line))
			if len(matches) >= limit {
				break
			}
		}
	}
	return matches, scanner.Err()
}
