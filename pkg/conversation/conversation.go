// Package conversation holds the ordered transcript of one agent
// session: messages, their parts, token accounting, and the invariant
// that every tool call is answered before the next assistant message.
package conversation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thoughtoinnovate/tark/pkg/errors"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// PartKind identifies the content type of a message part.
type PartKind string

const (
	PartText       PartKind = "text"
	PartImage      PartKind = "image"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
)

// ToolCallPart is a structured tool invocation emitted by the model.
type ToolCallPart struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
}

// ToolResultPart answers one tool call.
type ToolResultPart struct {
	CallID    string `json:"call_id"`
	Content   string `json:"content"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// Part is one element of a message's content.
type Part struct {
	Kind       PartKind        `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ImagePath  string          `json:"image_path,omitempty"`
	ToolCall   *ToolCallPart   `json:"tool_call,omitempty"`
	ToolResult *ToolResultPart `json:"tool_result,omitempty"`
}

// Message is one transcript entry. Messages are append-only; edits are
// new messages.
type Message struct {
	Role  Role      `json:"role"`
	Parts []Part    `json:"parts"`
	TS    time.Time `json:"ts"`
}

// Usage accumulates token and cost totals.
type Usage struct {
	InputTokens  int64   `json:"input"`
	OutputTokens int64   `json:"output"`
	Cost         float64 `json:"cost"`
}

// Conversation is the mutable state of one session. The driving agent
// loop is the single owner; collaborators receive read snapshots.
type Conversation struct {
	mu sync.RWMutex

	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	Mode          string    `json:"mode"`
	Trust         string    `json:"trust"`
	WorkingDir    string    `json:"working_dir"`
	Messages      []Message `json:"messages"`
	ContextFiles  []string  `json:"context_files,omitempty"`
	Accumulated   Usage     `json:"accumulated_usage"`
	CorrelationID string    `json:"-"`
}

// New creates an empty conversation.
func New(id, provider, model, mode, trust, workingDir string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:         id,
		CreatedAt:  now,
		UpdatedAt:  now,
		Provider:   provider,
		Model:      model,
		Mode:       mode,
		Trust:      trust,
		WorkingDir: workingDir,
	}
}

// BumpCorrelation starts a new user turn: a fresh correlation id threads
// through every log and audit entry the turn produces.
func (c *Conversation) BumpCorrelation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CorrelationID = uuid.NewString()
	return c.CorrelationID
}

// Correlation returns the active correlation id.
func (c *Conversation) Correlation() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CorrelationID
}

func (c *Conversation) append(msg Message) {
	if msg.TS.IsZero() {
		msg.TS = time.Now().UTC()
	}
	c.mu.Lock()
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = msg.TS
	c.mu.Unlock()
}

// AppendUser appends a user text message.
func (c *Conversation) AppendUser(text string) {
	c.append(Message{Role: RoleUser, Parts: []Part{{Kind: PartText, Text: text}}})
}

// AppendSystem appends a system text message.
func (c *Conversation) AppendSystem(text string) {
	c.append(Message{Role: RoleSystem, Parts: []Part{{Kind: PartText, Text: text}}})
}

// AppendAssistantText appends an assistant message of plain text.
func (c *Conversation) AppendAssistantText(text string) {
	c.append(Message{Role: RoleAssistant, Parts: []Part{{Kind: PartText, Text: text}}})
}

// AppendAssistantToolCall appends an assistant message carrying one tool
// call, optionally preceded by text the model emitted in the same round.
func (c *Conversation) AppendAssistantToolCall(text string, call ToolCallPart) {
	parts := []Part{}
	if text != "" {
		parts = append(parts, Part{Kind: PartText, Text: text})
	}
	parts = append(parts, Part{Kind: PartToolCall, ToolCall: &call})
	c.append(Message{Role: RoleAssistant, Parts: parts})
}

// AppendToolResult appends the tool message answering call_id.
func (c *Conversation) AppendToolResult(result ToolResultPart) {
	c.append(Message{Role: RoleTool, Parts: []Part{{Kind: PartToolResult, ToolResult: &result}}})
}

// AddContextFile pins a file into the conversation's standing context.
func (c *Conversation) AddContextFile(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.ContextFiles {
		if existing == path {
			return
		}
	}
	c.ContextFiles = append(c.ContextFiles, path)
}

// AddUsage accumulates token usage and cost.
func (c *Conversation) AddUsage(input, output int64, cost float64) {
	c.mu.Lock()
	c.Accumulated.InputTokens += input
	c.Accumulated.OutputTokens += output
	c.Accumulated.Cost += cost
	c.mu.Unlock()
}

// Snapshot returns a deep copy of the transcript for persistence.
func (c *Conversation) Snapshot() *Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	copied := &Conversation{
		ID:          c.ID,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		Provider:    c.Provider,
		Model:       c.Model,
		Mode:        c.Mode,
		Trust:       c.Trust,
		WorkingDir:  c.WorkingDir,
		Accumulated: c.Accumulated,
	}
	copied.Messages = make([]Message, len(c.Messages))
	copy(copied.Messages, c.Messages)
	copied.ContextFiles = append([]string(nil), c.ContextFiles...)
	return copied
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Messages)
}

// VerifyPairing checks the tool-call/tool-result invariant: every
// assistant tool call is answered by exactly its set of call ids in tool
// messages before the next assistant message.
func (c *Conversation) VerifyPairing() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return verifyPairing(c.Messages)
}

func verifyPairing(messages []Message) error {
	open := make(map[string]bool)

	for i, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			if len(open) > 0 {
				return errors.Newf(errors.KindCorruptedSession,
					"assistant message %d arrived with %d unanswered tool calls", i, len(open))
			}
			for _, part := range msg.Parts {
				if part.Kind == PartToolCall {
					if part.ToolCall == nil || part.ToolCall.CallID == "" {
						return errors.Newf(errors.KindCorruptedSession, "message %d has a tool call without id", i)
					}
					if open[part.ToolCall.CallID] {
						return errors.Newf(errors.KindCorruptedSession, "duplicate tool call id %s", part.ToolCall.CallID)
					}
					open[part.ToolCall.CallID] = true
				}
			}
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Kind != PartToolResult {
					continue
				}
				if part.ToolResult == nil {
					return errors.Newf(errors.KindCorruptedSession, "message %d has an empty tool result", i)
				}
				id := part.ToolResult.CallID
				if !open[id] {
					return errors.Newf(errors.KindCorruptedSession, "tool result for unknown call id %s", id)
				}
				delete(open, id)
			}
		}
	}

	if len(open) > 0 {
		ids := make([]string, 0, len(open))
		for id := range open {
			ids = append(ids, id)
		}
		return errors.New(errors.KindCorruptedSession, fmt.Sprintf("transcript ends with unanswered tool calls %v", ids))
	}
	return nil
}
