package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/thoughtoinnovate/tark/pkg/errors"
)

const (
	defaultTimeout = 5 * time.Minute
	maxRetries     = 3
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second

	// Conservative 1 req/s with small bursts keeps every provider tier happy.
	defaultRateLimit = rate.Limit(1)
	defaultBurstSize = 10
)

// OpenAIAdapter streams chat completions from any OpenAI-compatible API
// (OpenAI itself, Ollama, LiteLLM proxies, OpenRouter).
type OpenAIAdapter struct {
	id          string
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter

	mu        sync.Mutex
	lastUsage Usage
}

// NewOpenAIAdapter creates an adapter for an OpenAI-compatible endpoint.
func NewOpenAIAdapter(id, apiKey, baseURL string) *OpenAIAdapter {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIAdapter{
		id:          id,
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		rateLimiter: rate.NewLimiter(defaultRateLimit, defaultBurstSize),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

// ID returns the provider id.
func (a *OpenAIAdapter) ID() string {
	return a.id
}

// LastUsage returns the usage block of the most recent completed stream.
func (a *OpenAIAdapter) LastUsage() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUsage
}

// wire types for the OpenAI chat completions API.

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireRequest struct {
	Model           string           `json:"model"`
	Messages        []wireMessage    `json:"messages"`
	Tools           []map[string]any `json:"tools,omitempty"`
	ToolChoice      string           `json:"tool_choice,omitempty"`
	Stream          bool             `json:"stream"`
	StreamOptions   map[string]any   `json:"stream_options,omitempty"`
	ReasoningEffort string           `json:"reasoning_effort,omitempty"`
}

type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

type wireErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ChatStream implements the Adapter contract.
func (a *OpenAIAdapter) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, <-chan error) {
	events := make(chan StreamEvent, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errCh)
		if err := a.stream(ctx, req, events); err != nil {
			errCh <- err
		}
	}()

	return events, errCh
}

func (a *OpenAIAdapter) stream(ctx context.Context, req ChatRequest, events chan<- StreamEvent) error {
	body, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return errors.Wrap(err, errors.KindLlmFatal, "marshal chat request")
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt, lastErr)
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), errors.KindCancelled, "stream cancelled")
			case <-time.After(delay):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return errors.Wrap(err, errors.KindLlmFatal, "create request")
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		if a.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
		}

		if err := a.rateLimiter.Wait(ctx); err != nil {
			return errors.Wrap(err, errors.KindCancelled, "rate limit wait")
		}

		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), errors.KindCancelled, "stream cancelled")
			}
			lastErr = errors.Wrap(err, errors.KindLlmTransient, "chat request").WithRetryable(true)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := a.parseError(resp)
			resp.Body.Close()
			if errors.IsRetryable(apiErr) && attempt < maxRetries {
				lastErr = apiErr
				continue
			}
			return apiErr
		}

		// Connected; mid-stream failures are not retried.
		err = a.parseSSE(ctx, resp.Body, events)
		resp.Body.Close()
		return err
	}

	return lastErr
}

func (a *OpenAIAdapter) buildRequest(req ChatRequest) wireRequest {
	wr := wireRequest{
		Model:         req.Model,
		Stream:        true,
		StreamOptions: map[string]any{"include_usage": true},
	}

	for _, msg := range req.Messages {
		wm := wireMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, call := range msg.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   call.ID,
				Type: "function",
				Function: wireFunction{
					Name:      call.Name,
					Arguments: call.Arguments,
				},
			})
		}
		wr.Messages = append(wr.Messages, wm)
	}

	for _, tool := range req.Tools {
		wr.Tools = append(wr.Tools, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  json.RawMessage(tool.Parameters),
			},
		})
	}
	if len(wr.Tools) > 0 {
		wr.ToolChoice = "auto"
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		wr.ReasoningEffort = req.Thinking.Effort
	}
	return wr
}

// parseSSE translates the wire stream into StreamEvents. Tool-call ids
// are tracked by choice index because argument deltas omit the id.
func (a *OpenAIAdapter) parseSSE(ctx context.Context, r io.Reader, events chan<- StreamEvent) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	callIDs := make(map[int]string)
	started := make(map[int]bool)

	emit := func(event StreamEvent) error {
		select {
		case events <- event:
			return nil
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.KindCancelled, "stream cancelled")
		}
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.KindCancelled, "stream cancelled")
		}

		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		if data == "[DONE]" {
			// Close any tool calls the provider never marked finished.
			for index := range started {
				if err := emit(StreamEvent{Type: EventToolCallComplete, CallID: callIDs[index]}); err != nil {
					return err
				}
			}
			return emit(StreamEvent{Type: EventDone})
		}

		var chunk wireChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return errors.Wrap(err, errors.KindLlmTransient, "decode stream chunk").WithRetryable(false)
		}

		if chunk.Usage != nil {
			a.mu.Lock()
			a.lastUsage = Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
			a.mu.Unlock()
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Reasoning != "" {
			if err := emit(StreamEvent{Type: EventThinkingDelta, Text: delta.Reasoning}); err != nil {
				return err
			}
		}
		if delta.Content != "" {
			if err := emit(StreamEvent{Type: EventTextDelta, Text: delta.Content}); err != nil {
				return err
			}
		}

		for _, tc := range delta.ToolCalls {
			if tc.ID != "" {
				callIDs[tc.Index] = tc.ID
			}
			id := callIDs[tc.Index]
			if id == "" {
				id = fmt.Sprintf("call-%d", tc.Index)
				callIDs[tc.Index] = id
			}
			if !started[tc.Index] {
				started[tc.Index] = true
				if err := emit(StreamEvent{Type: EventToolCallStart, CallID: id, ToolName: tc.Function.Name}); err != nil {
					return err
				}
			}
			if tc.Function.Arguments != "" {
				if err := emit(StreamEvent{Type: EventToolCallDelta, CallID: id, ArgsDelta: tc.Function.Arguments}); err != nil {
					return err
				}
			}
		}

		if fr := chunk.Choices[0].FinishReason; fr != nil && *fr == "tool_calls" {
			for index := range started {
				if err := emit(StreamEvent{Type: EventToolCallComplete, CallID: callIDs[index]}); err != nil {
					return err
				}
				delete(started, index)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), errors.KindCancelled, "stream cancelled")
		}
		return errors.Wrap(err, errors.KindLlmTransient, "read stream").WithRetryable(true)
	}
	// Stream ended without [DONE]; treat as done so partial replies land.
	select {
	case events <- StreamEvent{Type: EventDone}:
	default:
	}
	return nil
}

func (a *OpenAIAdapter) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	message := resp.Status
	var parsed wireErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}

	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	kind := errors.KindLlmFatal
	if retryable {
		kind = errors.KindLlmTransient
	}

	err := errors.Newf(kind, "HTTP %d: %s", resp.StatusCode, message).WithRetryable(retryable)
	if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
		err = err.WithContext("retry_after", after)
	}
	return err
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}

// retryDelay backs off exponentially, honoring a server Retry-After.
func retryDelay(attempt int, lastErr error) time.Duration {
	if te, ok := lastErr.(*errors.Error); ok {
		if after, ok := te.Context["retry_after"].(time.Duration); ok && after > 0 {
			if after > maxRetryDelay {
				return maxRetryDelay
			}
			return after
		}
	}

	delay := baseRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
