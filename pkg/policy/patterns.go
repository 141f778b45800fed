package policy

import (
	"regexp"
	"strings"

	"github.com/thoughtoinnovate/tark/pkg/errors"
	"github.com/thoughtoinnovate/tark/pkg/storage"
)

const maxPatternLength = 1000

// forbiddenPatterns can never be saved, in either kind: a user must not
// be able to auto-approve them, and keeping them out of deny lists stops
// the list from implying they are otherwise reachable.
var forbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*\s+/(\s|$)`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;\s*:`),
	regexp.MustCompile(`dd\s+if=/dev/\S+\s+of=/dev/sd`),
	regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
}

var validMatchTypes = map[string]bool{
	"exact": true, "prefix": true, "glob": true, "regex": true,
}

var validKinds = map[string]bool{"approve": true, "deny": true}

var validScopes = map[string]bool{"session": true, "workspace": true}

// ValidatePattern rejects patterns that must never be stored.
func ValidatePattern(p *storage.Pattern) error {
	if strings.TrimSpace(p.Value) == "" {
		return errors.New(errors.KindInvalidPattern, "pattern value is empty")
	}
	if len(p.Value) > maxPatternLength {
		return errors.Newf(errors.KindInvalidPattern, "pattern exceeds %d characters", maxPatternLength).
			WithContext("length", len(p.Value))
	}
	for _, c := range p.Value {
		if c < 0x20 || c == 0x7f {
			return errors.New(errors.KindInvalidPattern, "pattern contains control characters")
		}
	}
	for _, forbidden := range forbiddenPatterns {
		if forbidden.MatchString(p.Value) {
			return errors.New(errors.KindInvalidPattern, "pattern matches the forbidden command set").
				WithContext("value", p.Value)
		}
	}
	if !validKinds[p.Kind] {
		return errors.Newf(errors.KindInvalidPattern, "unknown pattern kind %q", p.Kind)
	}
	if !validScopes[p.Scope] {
		return errors.Newf(errors.KindInvalidPattern, "unknown pattern scope %q", p.Scope)
	}
	if !validMatchTypes[p.MatchType] {
		return errors.Newf(errors.KindInvalidPattern, "unknown match type %q", p.MatchType)
	}
	if p.MatchType == "regex" {
		if _, err := regexp.Compile(p.Value); err != nil {
			return errors.Wrap(err, errors.KindInvalidPattern, "regex pattern does not compile")
		}
	}
	return nil
}

// MatchPattern reports whether a stored pattern matches a rendering.
func MatchPattern(p *storage.Pattern, rendering string) bool {
	switch p.MatchType {
	case "exact":
		return rendering == p.Value
	case "prefix":
		return strings.HasPrefix(rendering, p.Value)
	case "glob":
		return matchGlob(p.Value, rendering)
	case "regex":
		re, err := regexp.Compile(p.Value)
		if err != nil {
			return false
		}
		return re.MatchString(rendering)
	default:
		return false
	}
}

// matchGlob matches a glob pattern against a string.
func matchGlob(pattern, s string) bool {
	regexPattern := "^" + regexp.QuoteMeta(pattern) + "$"
	regexPattern = strings.ReplaceAll(regexPattern, `\*`, ".*")
	regexPattern = strings.ReplaceAll(regexPattern, `\?`, ".")

	matched, _ := regexp.MatchString(regexPattern, s)
	return matched
}

// SuggestPatterns proposes patterns for an approval prompt: the exact
// rendering plus, for multi-word commands, a prefix of the leading words
// (the "npm install" from "npm install lodash").
func SuggestPatterns(toolID, rendering string) []storage.Pattern {
	rendering = strings.TrimSpace(rendering)
	if rendering == "" {
		return nil
	}

	suggestions := []storage.Pattern{
		{ToolID: toolID, Kind: "approve", MatchType: "exact", Value: rendering},
	}

	fields := strings.Fields(rendering)
	if len(fields) >= 2 {
		prefix := strings.Join(fields[:2], " ")
		suggestions = append(suggestions, storage.Pattern{
			ToolID: toolID, Kind: "approve", MatchType: "prefix", Value: prefix,
		})
	}
	return suggestions
}
