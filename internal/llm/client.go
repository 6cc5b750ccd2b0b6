// Package llm wraps the OpenAI-compatible chat completion API used for chat,
// classification, summarization, and question generation. Streaming responses
// are forwarded delta by delta; usage is accounted for cost logging.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

// Message is one chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Tool is a callable function exposed to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage is the token accounting of one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Request is one completion invocation.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []Tool
	Temperature float64
	MaxTokens   int
	JSONOutput  bool
	// OnDelta, when set, streams content fragments as they arrive.
	OnDelta func(delta string)
}

// Completion is the final result of a completion, streamed or not.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
	Model     string
}

// Client produces completions.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Completion, error)
}

// OpenAIClient talks to an OpenAI-compatible /chat/completions endpoint.
type OpenAIClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   observability.Logger
}

// OpenAIConfig configures the client.
type OpenAIConfig struct {
	Endpoint       string
	APIKey         string
	RequestTimeout time.Duration
	Logger         observability.Logger
}

// NewOpenAIClient creates a chat completion client.
func NewOpenAIClient(config OpenAIConfig) *OpenAIClient {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 120 * time.Second
	}
	if config.Logger == nil {
		config.Logger = observability.NewLogger("llm.openai")
	}
	return &OpenAIClient{
		endpoint: strings.TrimSuffix(config.Endpoint, "/"),
		apiKey:   config.APIKey,
		client:   &http.Client{Timeout: config.RequestTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "llm",
			Timeout: 30 * time.Second,
		}),
		logger: config.Logger,
	}
}

type wireToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Index    *int   `json:"index,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireRequest struct {
	Model          string        `json:"model"`
	Messages       []wireMessage `json:"messages"`
	Tools          []wireTool    `json:"tools,omitempty"`
	Temperature    *float64      `json:"temperature,omitempty"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Stream         bool          `json:"stream"`
	StreamOptions  *streamOpts   `json:"stream_options,omitempty"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function Tool   `json:"function"`
}

type streamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type respFormat struct {
	Type string `json:"type"`
}

type wireChoice struct {
	Message      wireMessage `json:"message"`
	Delta        wireMessage `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type wireResponse struct {
	Choices []wireChoice `json:"choices"`
	Usage   *Usage       `json:"usage"`
	Model   string       `json:"model"`
}

// Complete runs one completion. A request with OnDelta set streams; otherwise
// the full response is fetched in one round trip.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Completion, error) {
	ctx, span := observability.StartSpan(ctx, "llm.complete")
	defer span.End()
	span.SetAttribute("model", req.Model)
	span.SetAttribute("stream", req.OnDelta != nil)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.complete(ctx, req)
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindLLMUnavailable, "completion failed")
	}
	return result.(*Completion), nil
}

func (c *OpenAIClient) complete(ctx context.Context, req *Request) (*Completion, error) {
	wire := wireRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    req.OnDelta != nil,
	}
	if req.Temperature > 0 {
		wire.Temperature = &req.Temperature
	}
	if req.JSONOutput {
		wire.ResponseFormat = &respFormat{Type: "json_object"}
	}
	if wire.Stream {
		wire.StreamOptions = &streamOpts{IncludeUsage: true}
	}
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = tc.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		wire.Messages = append(wire.Messages, wm)
	}
	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, wireTool{Type: "function", Function: t})
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("llm endpoint returned %d: %s", resp.StatusCode, data)
	}

	if wire.Stream {
		return c.readStream(resp.Body, req.OnDelta)
	}
	return c.readResponse(resp.Body)
}

func (c *OpenAIClient) readResponse(body io.Reader) (*Completion, error) {
	var wire wireResponse
	if err := json.NewDecoder(body).Decode(&wire); err != nil {
		return nil, err
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("llm response had no choices")
	}
	out := &Completion{Content: wire.Choices[0].Message.Content, Model: wire.Model}
	if wire.Usage != nil {
		out.Usage = *wire.Usage
	}
	for _, tc := range wire.Choices[0].Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// readStream consumes server-sent events, forwarding content deltas and
// accumulating tool call fragments by index.
func (c *OpenAIClient) readStream(body io.Reader, onDelta func(string)) (*Completion, error) {
	out := &Completion{}
	var content strings.Builder
	toolCalls := make(map[int]*ToolCall)
	maxIndex := -1

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}
		var wire wireResponse
		if err := json.Unmarshal([]byte(payload), &wire); err != nil {
			c.logger.Debug("skipping malformed stream event", map[string]interface{}{"error": err.Error()})
			continue
		}
		if wire.Usage != nil {
			out.Usage = *wire.Usage
		}
		if wire.Model != "" {
			out.Model = wire.Model
		}
		if len(wire.Choices) == 0 {
			continue
		}
		delta := wire.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if onDelta != nil {
				onDelta(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if idx > maxIndex {
				maxIndex = idx
			}
			acc, ok := toolCalls[idx]
			if !ok {
				acc = &ToolCall{}
				toolCalls[idx] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.Arguments += tc.Function.Arguments
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	out.Content = content.String()
	for i := 0; i <= maxIndex; i++ {
		if tc, ok := toolCalls[i]; ok {
			out.ToolCalls = append(out.ToolCalls, *tc)
		}
	}
	return out, nil
}
