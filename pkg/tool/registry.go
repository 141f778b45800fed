package tool

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/thoughtoinnovate/tark/pkg/approval"
	"github.com/thoughtoinnovate/tark/pkg/errors"
	"github.com/thoughtoinnovate/tark/pkg/logging"
	"github.com/thoughtoinnovate/tark/pkg/policy"
	"github.com/thoughtoinnovate/tark/pkg/storage"
)

// Outcome is the audited result class of one execution.
type Outcome string

const (
	OutcomeExecuted  Outcome = "executed"
	OutcomeDenied    Outcome = "denied"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// ExecRequest carries one tool invocation through the registry.
type ExecRequest struct {
	ToolID        string
	CallID        string
	Args          map[string]any
	Mode          policy.Mode
	Trust         policy.Trust
	SessionID     string
	CorrelationID string
	Workdir       string
}

// ExecResult is the registry's answer: a payload for the transcript plus
// the audited outcome. Failures and denials are results for the model,
// never agent-level errors.
type ExecResult struct {
	Outcome   Outcome
	Content   string
	ErrorKind errors.Kind
	LatencyMS int64
}

// Registry owns the tool instances and the single gated execution path.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	engine   *policy.Engine
	mediator *approval.Mediator
	store    *storage.Store
	log      *logging.Logger
	schemas  *schemaCache
	tracer   trace.Tracer
}

// NewRegistry creates an empty registry wired to its collaborators.
func NewRegistry(engine *policy.Engine, mediator *approval.Mediator, store *storage.Store, log *logging.Logger) *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		engine:   engine,
		mediator: mediator,
		store:    store,
		log:      log,
		schemas:  newSchemaCache(),
		tracer:   otel.Tracer("tark/tool"),
	}
}

// Register adds a tool and seeds its metadata into the policy database.
func (r *Registry) Register(ctx context.Context, t Tool) error {
	meta := t.Meta()

	modes := make([]string, 0, len(meta.Modes))
	for _, mode := range meta.Modes {
		modes = append(modes, string(mode))
	}
	err := r.store.RegisterTool(ctx, &storage.ToolRecord{
		ID:         meta.ID,
		SchemaJSON: meta.Schema,
		Risk:       string(meta.Risk),
		Operation:  string(meta.Operation),
		Category:   meta.Category,
		Modes:      modes,
	})
	if err != nil {
		return errors.Wrap(err, errors.KindStorage, "seed tool metadata")
	}

	r.mu.Lock()
	r.tools[meta.ID] = t
	r.mu.Unlock()
	return nil
}

// Get returns a tool by id.
func (r *Registry) Get(toolID string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[toolID]
	return t, ok
}

// List returns the metadata of tools available in a mode, sorted by id.
func (r *Registry) List(mode policy.Mode) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var metas []Metadata
	for _, t := range r.tools {
		if meta := t.Meta(); meta.AvailableIn(mode) {
			metas = append(metas, meta)
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].ID < metas[j].ID })
	return metas
}

// SetWorkdir propagates the session working directory to tools that
// resolve relative paths.
func (r *Registry) SetWorkdir(dir string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if aware, ok := t.(WorkdirAware); ok {
			aware.SetWorkdir(dir)
		}
	}
}

// Execute runs one tool call through the full pipeline: schema
// validation, policy check, approval round-trip, pattern persistence,
// dispatch with cancellation, and exactly one audit entry.
func (r *Registry) Execute(ctx context.Context, req ExecRequest) *ExecResult {
	start := time.Now()

	ctx, span := r.tracer.Start(ctx, "tool.execute",
		trace.WithAttributes(
			attribute.String("tool.id", req.ToolID),
			attribute.String("session.id", req.SessionID),
		))
	defer span.End()

	result, decision := r.execute(ctx, req)
	result.LatencyMS = time.Since(start).Milliseconds()

	classification := ""
	if decision != nil && decision.Classification != nil {
		in := "out"
		if decision.Classification.InWorkdir {
			in = "in"
		}
		classification = fmt.Sprintf("%s:%s", decision.Classification.Operation, in)
	}
	decisionLabel := ""
	if decision != nil {
		decisionLabel = decision.Audit()
	}

	// Audit must land even when the call was cancelled mid-flight.
	auditCtx := context.WithoutCancel(ctx)
	entry := &storage.AuditEntry{
		CorrelationID:  req.CorrelationID,
		ToolID:         req.ToolID,
		ArgsDigest:     digestArgs(req.Args),
		Classification: classification,
		Mode:           string(req.Mode),
		Trust:          string(req.Trust),
		Decision:       decisionLabel,
		Outcome:        string(result.Outcome),
		LatencyMS:      result.LatencyMS,
		ErrorKind:      string(result.ErrorKind),
	}
	if err := r.store.AppendAudit(auditCtx, entry); err != nil {
		// The execution already happened; losing audit is log-worthy but
		// must not flip the outcome.
		r.log.Error(logging.CategoryService, req.CorrelationID, "audit_write_failed", err.Error(), nil)
	}

	r.log.Info(logging.CategoryService, req.CorrelationID, "tool_executed", "", map[string]any{
		"tool":       req.ToolID,
		"outcome":    string(result.Outcome),
		"decision":   decisionLabel,
		"latency_ms": result.LatencyMS,
	})

	span.SetAttributes(attribute.String("tool.outcome", string(result.Outcome)))
	return result
}

func (r *Registry) execute(ctx context.Context, req ExecRequest) (*ExecResult, *policy.Decision) {
	t, ok := r.Get(req.ToolID)
	if !ok {
		return &ExecResult{
			Outcome:   OutcomeFailed,
			Content:   fmt.Sprintf("tool not found: %s", req.ToolID),
			ErrorKind: errors.KindInternal,
		}, nil
	}
	meta := t.Meta()

	// Malformed arguments never reach the user or the tool; the model
	// gets a correctable tool result instead.
	if err := r.schemas.validateArgs(meta, req.Args); err != nil {
		return &ExecResult{
			Outcome:   OutcomeFailed,
			Content:   err.Error(),
			ErrorKind: errors.KindInvalidToolArgs,
		}, nil
	}

	decision, err := r.engine.Check(ctx, policy.CheckRequest{
		ToolID:    req.ToolID,
		Args:      req.Args,
		Mode:      req.Mode,
		Trust:     req.Trust,
		SessionID: req.SessionID,
		Workdir:   req.Workdir,
	})
	if err != nil {
		return &ExecResult{
			Outcome:   OutcomeFailed,
			Content:   err.Error(),
			ErrorKind: errors.KindOf(err),
		}, nil
	}

	switch decision.Kind {
	case policy.DecisionBlock:
		kind := errors.KindNotAvailableInMode
		content := fmt.Sprintf("tool %s is not available in %s mode", req.ToolID, req.Mode)
		if decision.Reason == policy.BlockDeniedByPattern {
			kind = errors.KindDeniedByPattern
			content = fmt.Sprintf("call blocked by a stored deny pattern (%s)", decision.MatchedPattern.Value)
		}
		return &ExecResult{Outcome: OutcomeDenied, Content: content, ErrorKind: kind}, &decision

	case policy.DecisionPrompt:
		result := r.promptAndMaybeExecute(ctx, t, meta, req, &decision)
		return result, &decision

	default: // AutoApprove
		return r.dispatch(ctx, t, meta, req), &decision
	}
}

// promptAndMaybeExecute routes a Prompt decision through the mediator,
// persists chosen patterns, and dispatches on approval.
func (r *Registry) promptAndMaybeExecute(ctx context.Context, t Tool, meta Metadata, req ExecRequest, decision *policy.Decision) *ExecResult {
	rendering := policy.CheckRequest{ToolID: req.ToolID, Args: req.Args}.Rendering()

	apReq := &approval.Request{
		ToolID:           req.ToolID,
		Command:          logging.RedactString(rendering),
		Risk:             string(meta.Risk),
		AllowSavePattern: decision.AllowSavePattern,
	}
	if decision.AllowSavePattern {
		apReq.SuggestedPatterns = policy.SuggestPatterns(req.ToolID, rendering)
	}
	if previewer, ok := t.(Previewer); ok {
		if preview, err := previewer.Preview(req.Args); err == nil {
			apReq.DiffPreview = preview
		}
	}

	resp, err := r.mediator.Ask(ctx, apReq)
	r.recordPrompt(ctx, apReq, req)
	if err != nil {
		if errors.IsKind(err, errors.KindCancelled) {
			return &ExecResult{
				Outcome:   OutcomeCancelled,
				Content:   "approval request cancelled",
				ErrorKind: errors.KindCancelled,
			}
		}
		return &ExecResult{Outcome: OutcomeFailed, Content: err.Error(), ErrorKind: errors.KindOf(err)}
	}

	if !resp.Kind.Approved() {
		if resp.Kind == approval.DenyAlways && decision.AllowSavePattern {
			r.persistPattern(ctx, req, rendering, resp, "deny")
		}
		return &ExecResult{
			Outcome:   OutcomeDenied,
			Content:   "the user denied this tool call",
			ErrorKind: errors.KindApprovalDenied,
		}
	}

	switch resp.Kind {
	case approval.ApproveAlways:
		r.persistPattern(ctx, req, rendering, resp, "approve")
	case approval.ApproveSession:
		r.persistSessionPattern(ctx, req, rendering, resp)
	}

	return r.dispatch(ctx, t, meta, req)
}

func (r *Registry) recordPrompt(ctx context.Context, apReq *approval.Request, req ExecRequest) {
	// Prompt lifecycle records survive cancellation of the owning call.
	ctx = context.WithoutCancel(ctx)
	status := "pending"
	switch apReq.StateOf() {
	case approval.StateApproved:
		status = "approved"
	case approval.StateDenied:
		status = "denied"
	case approval.StateCancelled:
		status = "cancelled"
	}

	record := &storage.PendingApproval{
		ID:        apReq.ID,
		SessionID: req.SessionID,
		ToolID:    req.ToolID,
		Command:   apReq.Command,
		Risk:      apReq.Risk,
		Status:    "pending",
	}
	if err := r.store.CreatePendingApproval(ctx, record); err != nil {
		r.log.Warn(logging.CategoryService, req.CorrelationID, "prompt_record_failed", err.Error(), nil)
		return
	}
	if status != "pending" {
		if err := r.store.ResolvePendingApproval(ctx, apReq.ID, status); err != nil {
			r.log.Warn(logging.CategoryService, req.CorrelationID, "prompt_resolve_failed", err.Error(), nil)
		}
	}
}

// persistPattern saves an Always-scoped pattern to the workspace scope.
func (r *Registry) persistPattern(ctx context.Context, req ExecRequest, rendering string, resp approval.Response, kind string) {
	pattern := resp.Pattern
	if pattern == nil {
		pattern = &storage.Pattern{ToolID: req.ToolID, MatchType: "exact", Value: rendering}
	}
	pattern.ToolID = req.ToolID
	pattern.Kind = kind
	pattern.Scope = "workspace"
	pattern.SessionID = ""

	if err := r.engine.SavePattern(ctx, pattern); err != nil {
		r.log.Warn(logging.CategoryService, req.CorrelationID, "pattern_save_failed", err.Error(), map[string]any{
			"tool": req.ToolID, "kind": kind,
		})
	}
}

// persistSessionPattern saves an ApproveSession pattern scoped to the
// conversation; it dies with the session.
func (r *Registry) persistSessionPattern(ctx context.Context, req ExecRequest, rendering string, resp approval.Response) {
	pattern := resp.Pattern
	if pattern == nil {
		pattern = &storage.Pattern{ToolID: req.ToolID, MatchType: "exact", Value: rendering}
	}
	pattern.ToolID = req.ToolID
	pattern.Kind = "approve"
	pattern.Scope = "session"
	pattern.SessionID = req.SessionID

	if err := r.engine.SavePattern(ctx, pattern); err != nil {
		r.log.Warn(logging.CategoryService, req.CorrelationID, "pattern_save_failed", err.Error(), map[string]any{
			"tool": req.ToolID, "kind": "approve",
		})
	}
}

// dispatch runs the tool with cancellation.
func (r *Registry) dispatch(ctx context.Context, t Tool, meta Metadata, req ExecRequest) *ExecResult {
	result, err := t.Execute(ctx, req.Args)

	if ctx.Err() != nil {
		return &ExecResult{
			Outcome:   OutcomeCancelled,
			Content:   "tool execution cancelled",
			ErrorKind: errors.KindCancelled,
		}
	}
	if err != nil {
		if errors.IsKind(err, errors.KindCancelled) {
			return &ExecResult{
				Outcome:   OutcomeCancelled,
				Content:   "tool execution cancelled",
				ErrorKind: errors.KindCancelled,
			}
		}
		return &ExecResult{
			Outcome:   OutcomeFailed,
			Content:   err.Error(),
			ErrorKind: errors.KindOf(err),
		}
	}
	if result == nil {
		return &ExecResult{Outcome: OutcomeExecuted, Content: "success"}
	}

	content := result.Content
	if content == "" && result.Data != nil {
		if data, err := json.Marshal(result.Data); err == nil {
			content = string(data)
		}
	}

	if !result.Success {
		if content == "" {
			content = result.Error
		}
		return &ExecResult{
			Outcome:   OutcomeFailed,
			Content:   content,
			ErrorKind: errors.KindToolFailed,
		}
	}
	return &ExecResult{Outcome: OutcomeExecuted, Content: content}
}

// digestArgs hashes the canonical argument JSON; raw arguments never
// land in the audit log.
func digestArgs(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}
