// Package tool holds the registry that classifies, gates, dispatches,
// and audits every tool invocation. Tools never talk to the UI or the
// policy store directly; the registry is the only execution path.
package tool

import (
	"context"

	"github.com/thoughtoinnovate/tark/pkg/classify"
	"github.com/thoughtoinnovate/tark/pkg/policy"
)

// Metadata declares a tool's identity, schema, and policy posture.
// Metadata is immutable at runtime; it is seeded into the policy
// database at registration.
type Metadata struct {
	ID          string
	Description string
	Schema      string // JSON Schema for the arguments object
	Risk        policy.Risk
	Operation   classify.Operation // declared class for non-shell tools
	Category    string
	Modes       []policy.Mode
}

// AvailableIn reports whether the tool is offered in a mode.
func (m Metadata) AvailableIn(mode policy.Mode) bool {
	for _, candidate := range m.Modes {
		if candidate == mode {
			return true
		}
	}
	return false
}

// Result is what a tool implementation returns. Failed results are fed
// back to the model as tool results, not raised as agent errors.
type Result struct {
	Success bool           `json:"success"`
	Content string         `json:"content,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Tool is one callable capability. Implementations must honor ctx
// between I/O steps and return promptly on cancellation.
type Tool interface {
	Meta() Metadata
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Previewer is an optional interface for tools that can render a diff of
// the change they are about to make, shown in approval prompts.
type Previewer interface {
	Preview(args map[string]any) (string, error)
}

// WorkdirAware is an optional interface for tools that resolve relative
// paths against the session working directory.
type WorkdirAware interface {
	SetWorkdir(dir string)
}
