// Package agent drives the model ↔ tool cycle for one conversation:
// stream a reply, materialize tool calls, gate and execute them in
// emission order, feed results back, and stop on a terminal answer, a
// cancel, a fatal error, or the iteration bound.
package agent

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/thoughtoinnovate/tark/pkg/conversation"
	"github.com/thoughtoinnovate/tark/pkg/errors"
	"github.com/thoughtoinnovate/tark/pkg/logging"
	"github.com/thoughtoinnovate/tark/pkg/model"
	"github.com/thoughtoinnovate/tark/pkg/policy"
	"github.com/thoughtoinnovate/tark/pkg/tool"
)

// Status is the terminal state of one Run.
type Status int

const (
	StatusCompleted Status = iota
	StatusCancelled
	StatusErrored
	StatusMaxIterationsExceeded
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusErrored:
		return "errored"
	case StatusMaxIterationsExceeded:
		return "max_iterations_exceeded"
	default:
		return "unknown"
	}
}

// CancellationMarker is appended to the transcript when a turn is
// cancelled, so the cancellation is visible on reload.
const CancellationMarker = "Operation cancelled by the user."

const (
	defaultMaxIterations = 50
	llmRetryLimit        = 3
	llmRetryBaseDelay    = time.Second
)

// Executor is the slice of the tool registry the loop depends on.
type Executor interface {
	List(mode policy.Mode) []tool.Metadata
	Execute(ctx context.Context, req tool.ExecRequest) *tool.ExecResult
}

// Loop owns one conversation and drives it to a terminal status.
type Loop struct {
	Conv          *conversation.Conversation
	Adapter       model.Adapter
	Executor      Executor
	Log           *logging.Logger
	Estimator     *conversation.Estimator
	MaxIterations int
	Thinking      *model.ThinkingOptions
}

// echoedCallMarker matches transcript echoes some models emit for tool
// calls of earlier rounds; they must not accumulate as assistant text.
var echoedCallMarker = regexp.MustCompile(`(?m)^\s*\[(previous\s+)?tool[ _]call[^\]]*\]\s*$`)

func filterEchoMarkers(text string) string {
	return strings.TrimSpace(echoedCallMarker.ReplaceAllString(text, ""))
}

// Run processes one user turn.
func (l *Loop) Run(ctx context.Context, userMessage string) (Status, error) {
	l.Conv.AppendUser(userMessage)
	correlationID := l.Conv.BumpCorrelation()

	maxIterations := l.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	mode, _ := policy.ParseMode(l.Conv.Mode)
	trust, _ := policy.ParseTrust(l.Conv.Trust)
	tools := l.toolDefs(mode)

	for iteration := 0; iteration < maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			l.Conv.AppendSystem(CancellationMarker)
			return StatusCancelled, nil
		}

		acc, err := l.streamRound(ctx, tools, correlationID)
		if err != nil {
			if errors.IsKind(err, errors.KindCancelled) {
				l.Conv.AppendSystem(CancellationMarker)
				return StatusCancelled, nil
			}
			l.Conv.AppendSystem("The model request failed: " + err.Error())
			return StatusErrored, err
		}

		l.recordUsage(acc)

		text := filterEchoMarkers(acc.Text())
		calls := acc.Calls()

		if len(calls) == 0 {
			if text == "" {
				err := errors.New(errors.KindLlmFatal, "model returned an empty response")
				l.Conv.AppendSystem("The model request failed: " + err.Error())
				return StatusErrored, err
			}
			l.Conv.AppendAssistantText(text)
			return StatusCompleted, nil
		}

		// Tool calls execute sequentially in emission order; the next
		// round sees every result.
		cancelled := false
		for i, call := range calls {
			callText := ""
			if i == 0 {
				callText = text
			}
			l.Conv.AppendAssistantToolCall(callText, conversation.ToolCallPart{
				CallID:    call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
			})

			if call.Invalid {
				// Malformed streamed JSON: the model sees the parse error
				// and self-corrects next round.
				l.Conv.AppendToolResult(conversation.ToolResultPart{
					CallID:    call.ID,
					Content:   call.ParseError,
					ErrorKind: string(errors.KindInvalidToolArgs),
				})
				continue
			}

			args := map[string]any{}
			if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
				l.Conv.AppendToolResult(conversation.ToolResultPart{
					CallID:    call.ID,
					Content:   "tool arguments are not a JSON object",
					ErrorKind: string(errors.KindInvalidToolArgs),
				})
				continue
			}

			result := l.Executor.Execute(ctx, tool.ExecRequest{
				ToolID:        call.Name,
				CallID:        call.ID,
				Args:          args,
				Mode:          mode,
				Trust:         trust,
				SessionID:     l.Conv.ID,
				CorrelationID: correlationID,
				Workdir:       l.Conv.WorkingDir,
			})

			l.Conv.AppendToolResult(conversation.ToolResultPart{
				CallID:    call.ID,
				Content:   result.Content,
				ErrorKind: string(result.ErrorKind),
			})

			if result.Outcome == tool.OutcomeCancelled {
				cancelled = true
				break
			}
		}

		if cancelled {
			l.Conv.AppendSystem(CancellationMarker)
			return StatusCancelled, nil
		}
	}

	l.Conv.AppendAssistantText("Stopping: the maximum number of tool iterations for this request was reached.")
	return StatusMaxIterationsExceeded, errors.New(errors.KindMaxIterationsExceeded, "iteration bound reached")
}

// streamRound requests one model reply, retrying transient failures with
// exponential backoff.
func (l *Loop) streamRound(ctx context.Context, tools []model.ToolDef, correlationID string) (*model.Accumulator, error) {
	req := model.ChatRequest{
		Model:    l.Conv.Model,
		Messages: l.wireMessages(),
		Tools:    tools,
		Thinking: l.Thinking,
	}

	var lastErr error
	for attempt := 0; attempt <= llmRetryLimit; attempt++ {
		if attempt > 0 {
			delay := llmRetryBaseDelay << (attempt - 1)
			l.Log.Warn(logging.CategoryService, correlationID, "llm_retry", lastErr.Error(), map[string]any{
				"attempt": attempt,
			})
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), errors.KindCancelled, "turn cancelled")
			case <-time.After(delay):
			}
		}

		events, errCh := l.Adapter.ChatStream(ctx, req)

		acc := model.NewAccumulator()
		for event := range events {
			acc.Add(event)
		}
		if err := <-errCh; err != nil {
			if errors.IsKind(err, errors.KindCancelled) {
				return nil, err
			}
			if errors.IsKind(err, errors.KindLlmTransient) && attempt < llmRetryLimit {
				lastErr = err
				continue
			}
			return nil, err
		}

		l.Log.Debug(logging.CategoryLLMRaw, correlationID, "stream_complete", "", map[string]any{
			"text_len":   len(acc.Text()),
			"tool_calls": len(acc.Calls()),
		})
		return acc, nil
	}

	return nil, lastErr
}

// wireMessages converts the transcript to the adapter's message shape.
func (l *Loop) wireMessages() []model.Message {
	snapshot := l.Conv.Snapshot()
	messages := make([]model.Message, 0, len(snapshot.Messages))

	for _, msg := range snapshot.Messages {
		switch msg.Role {
		case conversation.RoleUser, conversation.RoleSystem:
			messages = append(messages, model.Message{
				Role:    string(msg.Role),
				Content: partsText(msg.Parts),
			})

		case conversation.RoleAssistant:
			wire := model.Message{Role: "assistant", Content: partsText(msg.Parts)}
			for _, part := range msg.Parts {
				if part.Kind == conversation.PartToolCall && part.ToolCall != nil {
					wire.ToolCalls = append(wire.ToolCalls, model.ToolCall{
						ID:        part.ToolCall.CallID,
						Name:      part.ToolCall.Name,
						Arguments: part.ToolCall.Arguments,
					})
				}
			}
			messages = append(messages, wire)

		case conversation.RoleTool:
			for _, part := range msg.Parts {
				if part.Kind != conversation.PartToolResult || part.ToolResult == nil {
					continue
				}
				content := part.ToolResult.Content
				if part.ToolResult.ErrorKind != "" {
					content = "[" + part.ToolResult.ErrorKind + "] " + content
				}
				messages = append(messages, model.Message{
					Role:       "tool",
					ToolCallID: part.ToolResult.CallID,
					Content:    content,
				})
			}
		}
	}
	return messages
}

func partsText(parts []conversation.Part) string {
	var texts []string
	for _, part := range parts {
		if part.Kind == conversation.PartText && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// toolDefs converts available-tool metadata for the adapter.
func (l *Loop) toolDefs(mode policy.Mode) []model.ToolDef {
	metas := l.Executor.List(mode)
	defs := make([]model.ToolDef, 0, len(metas))
	for _, meta := range metas {
		schema := meta.Schema
		if strings.TrimSpace(schema) == "" {
			schema = `{"type":"object"}`
		}
		defs = append(defs, model.ToolDef{
			Name:        meta.ID,
			Description: meta.Description,
			Parameters:  json.RawMessage(schema),
		})
	}
	return defs
}

// recordUsage accumulates token usage, preferring provider-reported
// numbers and falling back to local estimates.
func (l *Loop) recordUsage(acc *model.Accumulator) {
	if reporter, ok := l.Adapter.(model.UsageReporter); ok {
		usage := reporter.LastUsage()
		if usage.InputTokens > 0 || usage.OutputTokens > 0 {
			l.Conv.AddUsage(usage.InputTokens, usage.OutputTokens, 0)
			return
		}
	}
	if l.Estimator != nil {
		out := int64(l.Estimator.CountText(l.Conv.Model, acc.Text()+acc.Thinking()))
		l.Conv.AddUsage(0, out, 0)
	}
}
