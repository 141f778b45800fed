package model

import (
	"encoding/json"
	"strings"
)

// Accumulator assembles a streamed reply: text deltas, thinking deltas,
// and per-call-id tool argument fragments. Calls finalize in emission
// order.
type Accumulator struct {
	text     strings.Builder
	thinking strings.Builder

	order    []string
	names    map[string]string
	args     map[string]*strings.Builder
	complete map[string]bool
	done     bool
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		names:    make(map[string]string),
		args:     make(map[string]*strings.Builder),
		complete: make(map[string]bool),
	}
}

// Add consumes one stream event.
func (a *Accumulator) Add(event StreamEvent) {
	switch event.Type {
	case EventTextDelta:
		a.text.WriteString(event.Text)
	case EventThinkingDelta:
		a.thinking.WriteString(event.Text)
	case EventToolCallStart:
		if _, ok := a.args[event.CallID]; !ok {
			a.order = append(a.order, event.CallID)
			a.args[event.CallID] = &strings.Builder{}
		}
		if event.ToolName != "" {
			a.names[event.CallID] = event.ToolName
		}
	case EventToolCallDelta:
		builder, ok := a.args[event.CallID]
		if !ok {
			// Tolerate providers that skip the start event.
			builder = &strings.Builder{}
			a.args[event.CallID] = builder
			a.order = append(a.order, event.CallID)
		}
		builder.WriteString(event.ArgsDelta)
	case EventToolCallComplete:
		a.complete[event.CallID] = true
	case EventDone:
		a.done = true
	}
}

// Done reports whether the stream signalled completion.
func (a *Accumulator) Done() bool {
	return a.done
}

// Text returns the accumulated assistant text.
func (a *Accumulator) Text() string {
	return a.text.String()
}

// Thinking returns the accumulated reasoning text.
func (a *Accumulator) Thinking() string {
	return a.thinking.String()
}

// AssembledCall is one tool call after argument assembly. Invalid marks
// arguments whose final JSON failed to parse; those become
// InvalidToolArgs tool results rather than dispatches.
type AssembledCall struct {
	ToolCall
	Invalid    bool
	ParseError string
}

// Calls returns the assembled tool calls in emission order. Arguments of
// calls that never completed are still returned; the empty string is
// normalized to "{}" for tools without parameters.
func (a *Accumulator) Calls() []AssembledCall {
	calls := make([]AssembledCall, 0, len(a.order))
	for _, id := range a.order {
		raw := a.args[id].String()
		if strings.TrimSpace(raw) == "" {
			raw = "{}"
		}
		call := AssembledCall{ToolCall: ToolCall{
			ID:        id,
			Name:      a.names[id],
			Arguments: raw,
		}}
		if !json.Valid([]byte(raw)) {
			call.Invalid = true
			call.ParseError = "tool arguments are not valid JSON"
		}
		calls = append(calls, call)
	}
	return calls
}
