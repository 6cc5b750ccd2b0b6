package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(OpenAIConfig{
		Endpoint: srv.URL,
		APIKey:   "test-key",
		Logger:   observability.NewNoopLogger(),
	})
}

func TestCompleteNonStreaming(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, false, req["stream"])

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "gpt-test",
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"role": "assistant", "content": "hello there"}},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 3},
		})
	})

	out, err := client.Complete(context.Background(), &Request{
		Model:    "gpt-test",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", out.Content)
	assert.Equal(t, 12, out.Usage.PromptTokens)
	assert.Equal(t, 3, out.Usage.CompletionTokens)
}

func TestCompleteStreaming(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"choices":[{"delta":{"content":"hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var deltas []string
	out, err := client.Complete(context.Background(), &Request{
		Model:    "gpt-test",
		Messages: []Message{{Role: "user", Content: "hi"}},
		OnDelta:  func(d string) { deltas = append(deltas, d) },
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Content)
	assert.Equal(t, []string{"hel", "lo"}, deltas)
	assert.Equal(t, 5, out.Usage.PromptTokens)
}

func TestCompleteStreamingToolCalls(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"search"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"refunds\"}"}}]}}]}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	out, err := client.Complete(context.Background(), &Request{
		Model:    "gpt-test",
		Messages: []Message{{Role: "user", Content: "hi"}},
		OnDelta:  func(string) {},
	})
	require.NoError(t, err)
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "call_1", out.ToolCalls[0].ID)
	assert.Equal(t, "search", out.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"refunds"}`, out.ToolCalls[0].Arguments)
}

func TestCompleteServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := client.Complete(context.Background(), &Request{
		Model:    "gpt-test",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindLLMUnavailable, errors.KindOf(err))
}

type scriptedClient struct {
	out *Completion
	err error
}

func (c *scriptedClient) Complete(ctx context.Context, req *Request) (*Completion, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.out, nil
}

func TestFallbackClient(t *testing.T) {
	primary := &scriptedClient{err: errors.New(errors.KindLLMUnavailable, "down")}
	secondary := &scriptedClient{out: &Completion{Content: "fallback answer"}}
	c := NewFallbackClient(primary, secondary, "backup-model", observability.NewNoopLogger())

	out, err := c.Complete(context.Background(), &Request{Model: "main-model"})
	require.NoError(t, err)
	assert.Equal(t, "fallback answer", out.Content)
}

func TestFallbackClientBothFail(t *testing.T) {
	primary := &scriptedClient{err: errors.New(errors.KindLLMUnavailable, "down")}
	secondary := &scriptedClient{err: errors.New(errors.KindLLMUnavailable, "also down")}
	c := NewFallbackClient(primary, secondary, "", observability.NewNoopLogger())

	_, err := c.Complete(context.Background(), &Request{Model: "main-model"})
	require.Error(t, err)
	assert.Equal(t, errors.KindLLMUnavailable, errors.KindOf(err))
}
