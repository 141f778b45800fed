package policy

import (
	"context"
	"strings"
	"sync"

	"github.com/thoughtoinnovate/tark/pkg/classify"
	"github.com/thoughtoinnovate/tark/pkg/config"
	"github.com/thoughtoinnovate/tark/pkg/errors"
	"github.com/thoughtoinnovate/tark/pkg/storage"
)

// Engine evaluates tool calls against the rule matrix and stored
// patterns. The matrix and tool availability are read once at startup
// (both are immutable in the database); patterns are read per check so
// saves take effect immediately.
type Engine struct {
	mu           sync.RWMutex
	store        *storage.Store
	rules        map[storage.RuleKey]storage.Rule
	availability map[string]map[string]bool
}

// NewEngine creates a policy engine backed by the given store.
func NewEngine(store *storage.Store) (*Engine, error) {
	e := &Engine{store: store}
	if err := e.Reload(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload refreshes the cached matrix and availability tables. Called
// after tool registration seeds new availability rows.
func (e *Engine) Reload(ctx context.Context) error {
	rules, err := e.store.LoadRules()
	if err != nil {
		return errors.Wrap(err, errors.KindStorage, "load rule matrix")
	}
	availability, err := e.store.LoadToolAvailability(ctx)
	if err != nil {
		return errors.Wrap(err, errors.KindStorage, "load tool availability")
	}

	e.mu.Lock()
	e.rules = rules
	e.availability = availability
	e.mu.Unlock()
	return nil
}

// Check runs the decision pipeline for one tool call. Evaluation order is
// fixed and the first match wins: availability, deny patterns, approve
// patterns, the rule matrix, then the fail-closed default.
func (e *Engine) Check(ctx context.Context, req CheckRequest) (Decision, error) {
	e.mu.RLock()
	available := e.availability[req.ToolID][string(req.Mode)]
	e.mu.RUnlock()

	// 1. Tool availability in the current mode.
	if !available {
		return Decision{Kind: DecisionBlock, Reason: BlockNotAvailableInMode}, nil
	}

	rendering := req.Rendering()
	patterns, err := e.store.ListPatterns(ctx, req.ToolID, req.SessionID)
	if err != nil {
		return Decision{}, errors.Wrap(err, errors.KindStorage, "list patterns")
	}

	// 2. Deny patterns dominate everything below.
	for _, p := range patterns {
		if p.Kind == "deny" && MatchPattern(p, rendering) {
			return Decision{Kind: DecisionBlock, Reason: BlockDeniedByPattern, MatchedPattern: p}, nil
		}
	}

	// 3. Approve patterns short-circuit the matrix.
	for _, p := range patterns {
		if p.Kind == "approve" && MatchPattern(p, rendering) {
			return Decision{Kind: DecisionAutoApprove, Source: SourceByPattern, MatchedPattern: p}, nil
		}
	}

	// 4. Classification and rule lookup.
	cls, err := e.classifyCall(ctx, req)
	if err != nil {
		return Decision{}, err
	}

	rule, ok := e.lookupRule(cls, req.Mode, req.Trust)
	decision := Decision{Classification: &cls}

	if !ok {
		// 5. Unknown to the matrix: fail closed to an unsaveable prompt.
		decision.Kind = DecisionPrompt
		decision.AllowSavePattern = false
		return decision, nil
	}

	needsApproval := rule.NeedsApproval
	allowSave := rule.AllowSavePattern

	// MCP overrides can only tighten the builtin outcome.
	if server, tool, ok := splitMCPToolID(req.ToolID); ok {
		if override, err := e.store.GetMCPPolicy(ctx, server, tool); err == nil && override != nil {
			if override.NeedsApproval {
				needsApproval = true
			}
			if !override.AllowSavePattern {
				allowSave = false
			}
		}
	}

	if !needsApproval {
		decision.Kind = DecisionAutoApprove
		decision.Source = SourceByRule
		return decision, nil
	}
	decision.Kind = DecisionPrompt
	decision.AllowSavePattern = allowSave
	return decision, nil
}

// classifyCall derives the classification: shell commands are lexed, all
// other tools use the metadata they were registered with plus their path
// argument.
func (e *Engine) classifyCall(ctx context.Context, req CheckRequest) (classify.Classification, error) {
	if cmd, ok := req.Args["command"].(string); ok {
		cls, err := classify.Command(cmd, req.Workdir)
		if err != nil {
			return classify.Classification{}, err
		}
		return cls, nil
	}

	rec, err := e.store.GetToolRecord(ctx, req.ToolID)
	if err != nil {
		return classify.Classification{}, errors.Wrap(err, errors.KindStorage, "load tool metadata")
	}

	op := classify.OpExecute
	if rec != nil {
		op = classify.Operation(rec.Operation)
	}

	inWorkdir := true
	if path, ok := req.Args["path"].(string); ok && path != "" {
		inWorkdir = classify.PathInWorkdir(path, req.Workdir)
	}

	return classify.Classification{Operation: op, InWorkdir: inWorkdir}, nil
}

func (e *Engine) lookupRule(cls classify.Classification, mode Mode, trust Trust) (storage.Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rule, ok := e.rules[storage.RuleKey{
		Operation: string(cls.Operation),
		InWorkdir: cls.InWorkdir,
		Mode:      string(mode),
		Trust:     string(trust),
	}]
	return rule, ok
}

// splitMCPToolID recognizes MCP tool ids of the form "server/tool".
func splitMCPToolID(toolID string) (server, tool string, ok bool) {
	idx := strings.Index(toolID, "/")
	if idx <= 0 || idx == len(toolID)-1 {
		return "", "", false
	}
	return toolID[:idx], toolID[idx+1:], true
}

// SavePattern validates and persists a pattern.
func (e *Engine) SavePattern(ctx context.Context, p *storage.Pattern) error {
	if err := ValidatePattern(p); err != nil {
		return err
	}
	if err := e.store.SavePattern(ctx, p); err != nil {
		return errors.Wrap(err, errors.KindStorage, "save pattern")
	}
	return nil
}

// EndSession drops the session-scoped patterns of a conversation.
func (e *Engine) EndSession(ctx context.Context, sessionID string) error {
	if _, err := e.store.DeleteSessionPatterns(ctx, sessionID); err != nil {
		return errors.Wrap(err, errors.KindStorage, "delete session patterns")
	}
	return nil
}

// ImportUserPatterns loads patterns.toml content into the workspace
// scope. Invalid entries are skipped and reported; valid ones land
// idempotently, so re-imports after file edits are safe.
func (e *Engine) ImportUserPatterns(ctx context.Context, pf *config.PatternsFile) []error {
	var errs []error

	importRule := func(kind string, rule config.PatternRule) {
		p := &storage.Pattern{
			ToolID:    rule.Tool,
			Kind:      kind,
			MatchType: rule.MatchType,
			Value:     rule.Pattern,
			Scope:     "workspace",
		}
		if err := e.SavePattern(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}

	for _, rule := range pf.Approvals {
		importRule("approve", rule)
	}
	for _, rule := range pf.Denials {
		importRule("deny", rule)
	}
	return errs
}

// ImportMCPOverrides loads mcp.toml content into the override table. The
// declared risk is normalized to the more restrictive of the file's value
// and any builtin registration for the same id.
func (e *Engine) ImportMCPOverrides(ctx context.Context, mf *config.MCPFile) []error {
	var errs []error
	for _, t := range mf.Tools {
		risk := Risk(t.Risk)
		if rec, err := e.store.GetToolRecord(ctx, t.Server+"/"+t.Tool); err == nil && rec != nil {
			risk = MaxRisk(Risk(rec.Risk), risk)
		}
		err := e.store.UpsertMCPPolicy(ctx, &storage.MCPPolicy{
			Server:           t.Server,
			Tool:             t.Tool,
			Risk:             string(risk),
			NeedsApproval:    t.NeedsApproval,
			AllowSavePattern: t.AllowSavePattern,
		})
		if err != nil {
			errs = append(errs, errors.Wrap(err, errors.KindStorage, "save mcp override"))
		}
	}
	return errs
}
