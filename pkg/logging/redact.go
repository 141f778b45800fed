package logging

import "regexp"

const mask = "[REDACTED]"

// Patterns for values that must never land in the debug log. Key-based
// rules match JSON fields regardless of value shape; token-based rules
// match well-known secret prefixes anywhere in the line.
var (
	redactKeys   = regexp.MustCompile(`(?i)("(?:[a-z0-9_]*(?:api_key|token|password)[a-z0-9_]*)"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	redactOpenAI = regexp.MustCompile(`sk-[A-Za-z0-9_\-]{8,}`)
	redactGitHub = regexp.MustCompile(`ghp_[A-Za-z0-9]{8,}`)
	redactBearer = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9._\-]+`)
)

// Redact masks sensitive values in a marshaled JSON log line.
func Redact(data []byte) []byte {
	data = redactKeys.ReplaceAll(data, []byte(`${1}"`+mask+`"`))
	data = redactOpenAI.ReplaceAll(data, []byte(mask))
	data = redactGitHub.ReplaceAll(data, []byte(mask))
	data = redactBearer.ReplaceAll(data, []byte(mask))
	return data
}

// RedactString masks sensitive values in an arbitrary string, for callers
// that render values outside the JSON path (approval prompts, errors).
func RedactString(s string) string {
	return string(Redact([]byte(s)))
}
