package model

import (
	"testing"
)

func TestAccumulatorTextOnly(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(StreamEvent{Type: EventTextDelta, Text: "Hello, "})
	acc.Add(StreamEvent{Type: EventTextDelta, Text: "world"})
	acc.Add(StreamEvent{Type: EventDone})

	if acc.Text() != "Hello, world" {
		t.Errorf("Text = %q", acc.Text())
	}
	if !acc.Done() {
		t.Error("Done should be true")
	}
	if len(acc.Calls()) != 0 {
		t.Error("no calls expected")
	}
}

func TestAccumulatorAssemblesFragmentedArgs(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(StreamEvent{Type: EventToolCallStart, CallID: "c1", ToolName: "run_shell"})
	acc.Add(StreamEvent{Type: EventToolCallDelta, CallID: "c1", ArgsDelta: `{"comm`})
	acc.Add(StreamEvent{Type: EventToolCallDelta, CallID: "c1", ArgsDelta: `and":"ls`})
	acc.Add(StreamEvent{Type: EventToolCallDelta, CallID: "c1", ArgsDelta: ` -la"}`})
	acc.Add(StreamEvent{Type: EventToolCallComplete, CallID: "c1"})
	acc.Add(StreamEvent{Type: EventDone})

	calls := acc.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	if calls[0].Name != "run_shell" || calls[0].Arguments != `{"command":"ls -la"}` {
		t.Errorf("call = %+v", calls[0])
	}
	if calls[0].Invalid {
		t.Error("valid JSON flagged invalid")
	}
}

func TestAccumulatorPreservesEmissionOrder(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(StreamEvent{Type: EventToolCallStart, CallID: "c1", ToolName: "first"})
	acc.Add(StreamEvent{Type: EventToolCallStart, CallID: "c2", ToolName: "second"})
	acc.Add(StreamEvent{Type: EventToolCallDelta, CallID: "c2", ArgsDelta: `{}`})
	acc.Add(StreamEvent{Type: EventToolCallDelta, CallID: "c1", ArgsDelta: `{}`})

	calls := acc.Calls()
	if len(calls) != 2 || calls[0].Name != "first" || calls[1].Name != "second" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestAccumulatorMalformedJSONFlagged(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(StreamEvent{Type: EventToolCallStart, CallID: "c1", ToolName: "run_shell"})
	acc.Add(StreamEvent{Type: EventToolCallDelta, CallID: "c1", ArgsDelta: `{"command": "ls`})
	acc.Add(StreamEvent{Type: EventToolCallComplete, CallID: "c1"})

	calls := acc.Calls()
	if len(calls) != 1 || !calls[0].Invalid {
		t.Errorf("calls = %+v, want invalid flag", calls)
	}
}

func TestAccumulatorEmptyArgsNormalized(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(StreamEvent{Type: EventToolCallStart, CallID: "c1", ToolName: "list_directory"})
	acc.Add(StreamEvent{Type: EventToolCallComplete, CallID: "c1"})

	calls := acc.Calls()
	if calls[0].Arguments != "{}" || calls[0].Invalid {
		t.Errorf("call = %+v", calls[0])
	}
}

func TestAccumulatorDeltaWithoutStart(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(StreamEvent{Type: EventToolCallDelta, CallID: "c9", ArgsDelta: `{"a":1}`})

	calls := acc.Calls()
	if len(calls) != 1 || calls[0].ID != "c9" || calls[0].Invalid {
		t.Errorf("calls = %+v", calls)
	}
}

func TestAccumulatorThinking(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(StreamEvent{Type: EventThinkingDelta, Text: "consider "})
	acc.Add(StreamEvent{Type: EventThinkingDelta, Text: "options"})
	acc.Add(StreamEvent{Type: EventTextDelta, Text: "answer"})

	if acc.Thinking() != "consider options" {
		t.Errorf("Thinking = %q", acc.Thinking())
	}
	if acc.Text() != "answer" {
		t.Errorf("Text = %q", acc.Text())
	}
}
