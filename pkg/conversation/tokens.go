package conversation

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens for transcripts when the provider omits usage
// blocks. Encodings are cached per model; unknown models use cl100k_base,
// and a bytes/4 heuristic applies only when no encoding can be loaded.
type Estimator struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewEstimator creates a token estimator.
func NewEstimator() *Estimator {
	return &Estimator{encodings: make(map[string]*tiktoken.Tiktoken)}
}

func (e *Estimator) encodingFor(model string) *tiktoken.Tiktoken {
	e.mu.Lock()
	defer e.mu.Unlock()

	if enc, ok := e.encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	e.encodings[model] = enc
	return enc
}

// CountText estimates tokens in a string.
func (e *Estimator) CountText(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encodingFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// CountMessage estimates tokens in one message's textual parts.
func (e *Estimator) CountMessage(model string, msg Message) int {
	total := 0
	for _, part := range msg.Parts {
		switch part.Kind {
		case PartText:
			total += e.CountText(model, part.Text)
		case PartToolCall:
			if part.ToolCall != nil {
				total += e.CountText(model, part.ToolCall.Name)
				total += e.CountText(model, part.ToolCall.Arguments)
			}
		case PartToolResult:
			if part.ToolResult != nil {
				total += e.CountText(model, part.ToolResult.Content)
			}
		}
	}
	return total
}

// CountConversation estimates tokens across the whole transcript.
func (e *Estimator) CountConversation(c *Conversation) int {
	snapshot := c.Snapshot()
	total := 0
	for _, msg := range snapshot.Messages {
		total += e.CountMessage(snapshot.Model, msg)
	}
	return total
}
