// Package classify derives a policy classification from shell commands.
//
// A command is lexed into top-level segments, each segment's head verb is
// mapped through a fixed operation table, and the riskiest segment governs
// the compound. Path tokens are resolved against the working directory to
// decide whether the command stays inside it. Classification is pure and
// deterministic: same input, same answer.
package classify

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/thoughtoinnovate/tark/pkg/errors"
)

// Operation is the effect class of a command or tool.
type Operation string

const (
	OpRead    Operation = "read"
	OpWrite   Operation = "write"
	OpDelete  Operation = "delete"
	OpExecute Operation = "execute"
)

// riskRank orders operations for compound commands; the riskiest segment
// head governs the whole command.
func riskRank(op Operation) int {
	switch op {
	case OpRead:
		return 0
	case OpWrite:
		return 1
	case OpExecute:
		return 2
	case OpDelete:
		return 3
	default:
		return 2
	}
}

// Classification is the policy-relevant summary of a command.
type Classification struct {
	Operation Operation
	InWorkdir bool
}

// Path tokens start a word with /, ~ or $; a slash inside a relative
// path like src/main.rs is not a path root.
var pathToken = regexp.MustCompile(`(?:^|\s)([/~$][^\s]*)`)

var readVerbs = map[string]bool{
	"cat": true, "ls": true, "grep": true, "find": true, "head": true,
	"tail": true, "file": true, "stat": true, "pwd": true, "which": true,
	"wc": true, "du": true, "df": true, "ps": true,
}

var writeVerbs = map[string]bool{
	"touch": true, "mkdir": true, "cp": true, "mv": true, "chmod": true,
	"chown": true, "ln": true, "tar": true, "zip": true, "unzip": true,
	"curl": true, "wget": true,
}

var deleteVerbs = map[string]bool{
	"rm": true, "rmdir": true,
}

var gitReadSubcommands = map[string]bool{
	"status": true, "log": true, "diff": true, "show": true, "branch": true,
}

var gitWriteSubcommands = map[string]bool{
	"add": true, "commit": true, "push": true, "pull": true, "merge": true,
}

// Command classifies a shell command string against a working directory.
// It fails only when the input is not valid UTF-8.
func Command(command, workdir string) (Classification, error) {
	if !utf8.ValidString(command) {
		return Classification{}, errors.New(errors.KindClassification, "command is not valid UTF-8")
	}

	op := OpRead
	for _, segment := range splitSegments(command) {
		segOp := classifySegment(segment)
		if riskRank(segOp) > riskRank(op) {
			op = segOp
		}
	}

	return Classification{
		Operation: op,
		InWorkdir: pathsInWorkdir(command, workdir),
	}, nil
}

// splitSegments splits a command on top-level &&, ||, ; and |. Operators
// inside single or double quotes do not separate segments.
func splitSegments(command string) []string {
	var segments []string
	var current strings.Builder
	var inSingle, inDouble, escaped bool

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			segments = append(segments, s)
		}
		current.Reset()
	}

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		c := runes[i]

		if escaped {
			current.WriteRune(c)
			escaped = false
			continue
		}

		switch {
		case c == '\\' && !inSingle:
			current.WriteRune(c)
			escaped = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			current.WriteRune(c)
		case c == '"' && !inSingle:
			inDouble = !inDouble
			current.WriteRune(c)
		case !inSingle && !inDouble && (c == ';'):
			flush()
		case !inSingle && !inDouble && (c == '&' || c == '|'):
			// && and || are two-rune operators; a single | is a pipe, a
			// single & is backgrounding and also ends the segment.
			if i+1 < len(runes) && runes[i+1] == c {
				i++
			}
			flush()
		default:
			current.WriteRune(c)
		}
	}
	flush()

	return segments
}

// classifySegment maps one segment's head verb through the operation table.
func classifySegment(segment string) Operation {
	fields := strings.Fields(segment)
	// Skip leading environment assignments (FOO=bar cmd ...).
	for len(fields) > 0 && isEnvAssignment(fields[0]) {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return OpRead
	}
	head := fields[0]

	switch {
	case head == "echo":
		if hasUnquotedRedirect(segment) {
			return OpWrite
		}
		return OpRead

	case head == "git":
		return classifyGit(fields)

	case head == "npm":
		if len(fields) > 1 && (fields[1] == "install" || fields[1] == "ci") {
			return OpWrite
		}
		return OpExecute

	case head == "cargo":
		if len(fields) > 1 && (fields[1] == "build" || fields[1] == "add") {
			return OpWrite
		}
		return OpExecute

	case readVerbs[head]:
		if hasUnquotedRedirect(segment) {
			return OpWrite
		}
		return OpRead

	case writeVerbs[head]:
		return OpWrite

	case deleteVerbs[head]:
		return OpDelete

	default:
		return OpExecute
	}
}

func classifyGit(fields []string) Operation {
	if len(fields) < 2 {
		return OpExecute
	}
	sub := fields[1]
	switch {
	case gitReadSubcommands[sub]:
		return OpRead
	case gitWriteSubcommands[sub]:
		return OpWrite
	case sub == "clean":
		return OpDelete
	case sub == "reset":
		for _, f := range fields[2:] {
			if f == "--hard" {
				return OpDelete
			}
		}
		return OpExecute
	default:
		return OpExecute
	}
}

func isEnvAssignment(field string) bool {
	idx := strings.Index(field, "=")
	if idx <= 0 {
		return false
	}
	for _, c := range field[:idx] {
		if !(c == '_' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// hasUnquotedRedirect reports whether a segment contains an output
// redirection outside quotes.
func hasUnquotedRedirect(segment string) bool {
	var inSingle, inDouble, escaped bool
	for _, c := range segment {
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && !inSingle:
			escaped = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case c == '>' && !inSingle && !inDouble:
			return true
		}
	}
	return false
}

// pathsInWorkdir reports whether every path token in the command resolves
// to a descendant of workdir. Commands without path tokens stay inside.
func pathsInWorkdir(command, workdir string) bool {
	matches := pathToken.FindAllStringSubmatch(command, -1)
	if len(matches) == 0 {
		return true
	}
	base, err := canonicalize(workdir)
	if err != nil {
		return false
	}
	for _, match := range matches {
		if !tokenInDir(match[1], base) {
			return false
		}
	}
	return true
}

// PathInWorkdir reports whether a single path argument resolves under
// workdir. Used for file tools whose classification comes from metadata.
func PathInWorkdir(path, workdir string) bool {
	base, err := canonicalize(workdir)
	if err != nil {
		return false
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	return tokenInDir(path, base)
}

func tokenInDir(token, base string) bool {
	if strings.ContainsRune(token, 0) {
		return false
	}
	// Unresolvable variable references cannot be proven inside.
	if strings.HasPrefix(token, "$") {
		return false
	}
	if strings.HasPrefix(token, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return false
		}
		token = filepath.Join(home, strings.TrimPrefix(token, "~"))
	}
	resolved, err := canonicalize(token)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(base, resolved)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// canonicalize resolves .. and symlinks. The target itself may not exist
// yet (a file about to be written): symlinks are resolved on the nearest
// existing ancestor and the remainder rejoined.
func canonicalize(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", errors.New(errors.KindClassification, "path contains null byte")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	dir := abs
	var rest []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		rest = append([]string{filepath.Base(dir)}, rest...)
		dir = parent
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
	}
	return abs, nil
}
