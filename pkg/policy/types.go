// Package policy gates every tool invocation against the immutable rule
// matrix and the user's stored approval patterns.
package policy

import (
	"fmt"
	"strings"

	"github.com/thoughtoinnovate/tark/pkg/classify"
	"github.com/thoughtoinnovate/tark/pkg/storage"
)

// Mode is the macro-policy envelope selecting which tools are available.
type Mode string

const (
	ModeAsk   Mode = "ask"
	ModePlan  Mode = "plan"
	ModeBuild Mode = "build"
)

// ParseMode converts a string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ask":
		return ModeAsk, nil
	case "plan":
		return ModePlan, nil
	case "build":
		return ModeBuild, nil
	default:
		return ModeAsk, fmt.Errorf("unknown mode: %s (valid: ask, plan, build)", s)
	}
}

// Trust tunes approval thresholds within Build mode.
type Trust string

const (
	TrustManual   Trust = "manual"
	TrustBalanced Trust = "balanced"
	TrustCareful  Trust = "careful"
)

// ParseTrust converts a string to a Trust.
func ParseTrust(s string) (Trust, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "manual":
		return TrustManual, nil
	case "balanced":
		return TrustBalanced, nil
	case "careful":
		return TrustCareful, nil
	default:
		return TrustManual, fmt.Errorf("unknown trust level: %s (valid: manual, balanced, careful)", s)
	}
}

// Risk is the declared danger class of a tool.
type Risk string

const (
	RiskSafe      Risk = "safe"
	RiskWrite     Risk = "write"
	RiskRisky     Risk = "risky"
	RiskDangerous Risk = "dangerous"
)

// riskRank orders risks so the more restrictive of two declarations wins.
func riskRank(r Risk) int {
	switch r {
	case RiskSafe:
		return 0
	case RiskWrite:
		return 1
	case RiskRisky:
		return 2
	case RiskDangerous:
		return 3
	default:
		return 2
	}
}

// MaxRisk returns the more restrictive of two risk declarations.
func MaxRisk(a, b Risk) Risk {
	if riskRank(b) > riskRank(a) {
		return b
	}
	return a
}

// DecisionKind is the outcome class of a policy check.
type DecisionKind int

const (
	DecisionAutoApprove DecisionKind = iota
	DecisionPrompt
	DecisionBlock
)

// String returns the decision kind name.
func (k DecisionKind) String() string {
	switch k {
	case DecisionAutoApprove:
		return "auto_approve"
	case DecisionPrompt:
		return "prompt"
	case DecisionBlock:
		return "block"
	default:
		return "unknown"
	}
}

// Source records what produced an auto-approval.
type Source string

const (
	SourceByRule    Source = "by_rule"
	SourceByPattern Source = "by_pattern"
)

// BlockReason records why a call was blocked.
type BlockReason string

const (
	BlockNotAvailableInMode BlockReason = "not_available_in_mode"
	BlockDeniedByPattern    BlockReason = "denied_by_pattern"
)

// Decision is the result of one policy check.
type Decision struct {
	Kind             DecisionKind
	Source           Source
	Reason           BlockReason
	AllowSavePattern bool
	Classification   *classify.Classification
	MatchedPattern   *storage.Pattern
}

// Audit renders the decision for the audit log.
func (d Decision) Audit() string {
	switch d.Kind {
	case DecisionAutoApprove:
		return fmt.Sprintf("%s:%s", d.Kind, d.Source)
	case DecisionBlock:
		return fmt.Sprintf("%s:%s", d.Kind, d.Reason)
	default:
		return d.Kind.String()
	}
}

// CheckRequest carries everything a policy check needs.
type CheckRequest struct {
	ToolID    string
	Args      map[string]any
	Mode      Mode
	Trust     Trust
	SessionID string
	Workdir   string
}

// Rendering is the argument string patterns match against: the full
// command for shell tools, the path argument for file tools.
func (r CheckRequest) Rendering() string {
	if cmd, ok := r.Args["command"].(string); ok {
		return cmd
	}
	if path, ok := r.Args["path"].(string); ok {
		return path
	}
	return ""
}
