package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/thoughtoinnovate/tark/pkg/classify"
	"github.com/thoughtoinnovate/tark/pkg/policy"
	"github.com/thoughtoinnovate/tark/pkg/tool"
)

const maxFileReadBytes = 512 * 1024

// ReadFileTool reads a file's contents.
type ReadFileTool struct {
	workdirAware
}

func (t *ReadFileTool) Meta() tool.Metadata {
	return tool.Metadata{
		ID:          "read_file",
		Description: "Read the contents of a file.",
		Risk:        policy.RiskSafe,
		Operation:   classify.OpRead,
		Category:    "file",
		Modes:       []policy.Mode{policy.ModeAsk, policy.ModePlan, policy.ModeBuild},
		Schema: `{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path, absolute or relative to the working directory"}
			},
			"required": ["path"]
		}`,
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := t.resolvePath(stringParam(args, "path"))

	info, err := os.Stat(path)
	if err != nil {
		return &tool.Result{Success: false, Error: fmt.Sprintf("stat %s: %v", path, err)}, nil
	}
	if info.IsDir() {
		return &tool.Result{Success: false, Error: fmt.Sprintf("%s is a directory", path)}, nil
	}
	if info.Size() > maxFileReadBytes {
		return &tool.Result{Success: false, Error: fmt.Sprintf("%s is %d bytes, over the %d byte read limit", path, info.Size(), maxFileReadBytes)}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return &tool.Result{Success: false, Error: fmt.Sprintf("read %s: %v", path, err)}, nil
	}
	return &tool.Result{Success: true, Content: string(data)}, nil
}

// WriteFileTool creates or replaces a file.
type WriteFileTool struct {
	workdirAware
}

func (t *WriteFileTool) Meta() tool.Metadata {
	return tool.Metadata{
		ID:          "write_file",
		Description: "Write content to a file, creating it if needed.",
		Risk:        policy.RiskWrite,
		Operation:   classify.OpWrite,
		Category:    "file",
		Modes:       []policy.Mode{policy.ModeBuild},
		Schema: `{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path to write"},
				"content": {"type": "string", "description": "Full file content"}
			},
			"required": ["path", "content"]
		}`,
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := t.resolvePath(stringParam(args, "path"))
	content := stringParam(args, "content")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &tool.Result{Success: false, Error: fmt.Sprintf("create parent directory: %v", err)}, nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return &tool.Result{Success: false, Error: fmt.Sprintf("write %s: %v", path, err)}, nil
	}
	return &tool.Result{Success: true, Data: map[string]any{
		"path":  path,
		"bytes": len(content),
	}}, nil
}

// Preview renders a unified diff of the pending write for approval prompts.
func (t *WriteFileTool) Preview(args map[string]any) (string, error) {
	path := t.resolvePath(stringParam(args, "path"))
	newContent := stringParam(args, "content")

	oldContent := ""
	if data, err := os.ReadFile(path); err == nil {
		oldContent = string(data)
	}
	return unifiedDiff(path, oldContent, newContent)
}

// EditFileTool replaces an exact substring in a file.
type EditFileTool struct {
	workdirAware
}

func (t *EditFileTool) Meta() tool.Metadata {
	return tool.Metadata{
		ID:          "edit_file",
		Description: "Replace an exact string in a file with a new string.",
		Risk:        policy.RiskWrite,
		Operation:   classify.OpWrite,
		Category:    "file",
		Modes:       []policy.Mode{policy.ModeBuild},
		Schema: `{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path to edit"},
				"old_string": {"type": "string", "description": "Exact text to replace; must appear exactly once"},
				"new_string": {"type": "string", "description": "Replacement text"}
			},
			"required": ["path", "old_string", "new_string"]
		}`,
	}
}

func (t *EditFileTool) apply(args map[string]any) (path, updated string, result *tool.Result) {
	path = t.resolvePath(stringParam(args, "path"))
	oldString := stringParam(args, "old_string")
	newString := stringParam(args, "new_string")

	data, err := os.ReadFile(path)
	if err != nil {
		return path, "", &tool.Result{Success: false, Error: fmt.Sprintf("read %s: %v", path, err)}
	}
	content := string(data)

	switch count := strings.Count(content, oldString); {
	case oldString == "":
		return path, "", &tool.Result{Success: false, Error: "old_string must not be empty"}
	case count == 0:
		return path, "", &tool.Result{Success: false, Error: "old_string not found in file"}
	case count > 1:
		return path, "", &tool.Result{Success: false, Error: fmt.Sprintf("old_string appears %d times; provide more context", count)}
	}

	return path, strings.Replace(content, oldString, newString, 1), nil
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, updated, failure := t.apply(args)
	if failure != nil {
		return failure, nil
	}
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return &tool.Result{Success: false, Error: fmt.Sprintf("write %s: %v", path, err)}, nil
	}
	return &tool.Result{Success: true, Data: map[string]any{"path": path}}, nil
}

// Preview renders a unified diff of the pending edit.
func (t *EditFileTool) Preview(args map[string]any) (string, error) {
	path, updated, failure := t.apply(args)
	if failure != nil {
		return "", fmt.Errorf("%s", failure.Error)
	}
	old, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return unifiedDiff(path, string(old), updated)
}

// DeleteFileTool removes a file.
type DeleteFileTool struct {
	workdirAware
}

func (t *DeleteFileTool) Meta() tool.Metadata {
	return tool.Metadata{
		ID:          "delete_file",
		Description: "Delete a file.",
		Risk:        policy.RiskDangerous,
		Operation:   classify.OpDelete,
		Category:    "file",
		Modes:       []policy.Mode{policy.ModeBuild},
		Schema: `{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path to delete"}
			},
			"required": ["path"]
		}`,
	}
}

func (t *DeleteFileTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := t.resolvePath(stringParam(args, "path"))

	info, err := os.Stat(path)
	if err != nil {
		return &tool.Result{Success: false, Error: fmt.Sprintf("stat %s: %v", path, err)}, nil
	}
	if info.IsDir() {
		return &tool.Result{Success: false, Error: fmt.Sprintf("%s is a directory; refusing to delete", path)}, nil
	}
	if err := os.Remove(path); err != nil {
		return &tool.Result{Success: false, Error: fmt.Sprintf("delete %s: %v", path, err)}, nil
	}
	return &tool.Result{Success: true, Data: map[string]any{"path": path}}, nil
}

// ListDirectoryTool lists directory entries.
type ListDirectoryTool struct {
	workdirAware
}

func (t *ListDirectoryTool) Meta() tool.Metadata {
	return tool.Metadata{
		ID:          "list_directory",
		Description: "List the entries of a directory.",
		Risk:        policy.RiskSafe,
		Operation:   classify.OpRead,
		Category:    "file",
		Modes:       []policy.Mode{policy.ModeAsk, policy.ModePlan, policy.ModeBuild},
		Schema: `{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Directory path; defaults to the working directory"}
			}
		}`,
	}
}

func (t *ListDirectoryTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := stringParam(args, "path")
	if path == "" {
		path = "."
	}
	path = t.resolvePath(path)

	entries, err := os.ReadDir(path)
	if err != nil {
		return &tool.Result{Success: false, Error: fmt.Sprintf("list %s: %v", path, err)}, nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return &tool.Result{Success: true, Content: strings.Join(names, "\n")}, nil
}

// unifiedDiff renders old → new content as a unified diff.
func unifiedDiff(path, oldContent, newContent string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldContent),
		B:        difflib.SplitLines(newContent),
		FromFile: path,
		ToFile:   path,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}
