package model

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thoughtoinnovate/tark/pkg/errors"
)

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func collect(events <-chan StreamEvent, errCh <-chan error) (*Accumulator, error) {
	acc := NewAccumulator()
	for event := range events {
		acc.Add(event)
	}
	return acc, <-errCh
}

func TestStreamTextDeltas(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	})

	adapter := NewOpenAIAdapter("openai", "test-key", server.URL)
	events, errCh := adapter.ChatStream(context.Background(), ChatRequest{
		Model:    "gpt-test",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})

	acc, err := collect(events, errCh)
	require.NoError(t, err)
	assert.Equal(t, "Hello", acc.Text())
	assert.True(t, acc.Done())
}

func TestStreamToolCallFragments(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"run_shell","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"command\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"ls\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	})

	adapter := NewOpenAIAdapter("openai", "test-key", server.URL)
	events, errCh := adapter.ChatStream(context.Background(), ChatRequest{Model: "gpt-test"})

	acc, err := collect(events, errCh)
	require.NoError(t, err)

	calls := acc.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "run_shell", calls[0].Name)
	assert.Equal(t, `{"command":"ls"}`, calls[0].Arguments)
	assert.False(t, calls[0].Invalid)
}

func TestStreamUsageCaptured(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"x"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":3}}`,
		`[DONE]`,
	})

	adapter := NewOpenAIAdapter("openai", "test-key", server.URL)
	events, errCh := adapter.ChatStream(context.Background(), ChatRequest{Model: "gpt-test"})
	_, err := collect(events, errCh)
	require.NoError(t, err)

	usage := adapter.LastUsage()
	assert.Equal(t, int64(12), usage.InputTokens)
	assert.Equal(t, int64(3), usage.OutputTokens)
}

func TestTransientErrorRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\ndata: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)

	adapter := NewOpenAIAdapter("openai", "test-key", server.URL)
	events, errCh := adapter.ChatStream(context.Background(), ChatRequest{Model: "gpt-test"})

	acc, err := collect(events, errCh)
	require.NoError(t, err, "stream should succeed after one retry")
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "ok", acc.Text())
}

func TestFatalErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key","type":"auth"}}`)
	}))
	t.Cleanup(server.Close)

	adapter := NewOpenAIAdapter("openai", "bad-key", server.URL)
	events, errCh := adapter.ChatStream(context.Background(), ChatRequest{Model: "gpt-test"})

	_, err := collect(events, errCh)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindLlmFatal), "err = %v", err)
	assert.Equal(t, int32(1), calls.Load(), "auth errors must not retry")
}

func TestStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"start\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	adapter := NewOpenAIAdapter("openai", "test-key", server.URL)
	events, errCh := adapter.ChatStream(ctx, ChatRequest{Model: "gpt-test"})

	// Read the first event, then cancel the turn.
	<-events
	cancel()

	done := make(chan error, 1)
	go func() {
		_, err := collect(events, errCh)
		done <- err
	}()

	select {
	case err := <-done:
		assert.True(t, errors.IsKind(err, errors.KindCancelled), "err = %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}
