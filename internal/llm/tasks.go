package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

// Pricing is the per-token USD cost of a model.
type Pricing struct {
	InputUSDPerToken  float64
	OutputUSDPerToken float64
}

// PriceTable maps model names to pricing. Unknown models cost zero.
type PriceTable map[string]Pricing

// Cost computes the USD cost of a completion's usage.
func (t PriceTable) Cost(model string, u Usage) float64 {
	p, ok := t[model]
	if !ok {
		return 0
	}
	return float64(u.PromptTokens)*p.InputUSDPerToken + float64(u.CompletionTokens)*p.OutputUSDPerToken
}

// Class labels a user query for model-tier selection.
type Class string

const (
	ClassQuestion Class = "question"
	ClassTask     Class = "task"
	ClassOther    Class = "other"
)

// Tasks bundles the small auxiliary completions: classification, titling,
// HyDE, summarization, and question generation.
type Tasks struct {
	client  Client
	model   string
	pricing PriceTable
	logger  observability.Logger
}

// NewTasks creates the auxiliary task runner.
func NewTasks(client Client, model string, pricing PriceTable, logger observability.Logger) *Tasks {
	if logger == nil {
		logger = observability.NewLogger("llm.tasks")
	}
	return &Tasks{client: client, model: model, pricing: pricing, logger: logger}
}

// Classify labels the query as question, task, or other. An unparseable model
// answer defaults to question rather than failing the request.
func (t *Tasks) Classify(ctx context.Context, query string) (Class, float64, error) {
	out, err := t.client.Complete(ctx, &Request{
		Model: t.model,
		Messages: []Message{
			{Role: "system", Content: "Classify the user message as exactly one word: " +
				"\"question\" for information requests, \"task\" for requests to perform or produce something, " +
				"\"other\" for greetings and small talk. Answer with the single word only."},
			{Role: "user", Content: query},
		},
		MaxTokens: 4,
	})
	if err != nil {
		return "", 0, err
	}
	cost := t.pricing.Cost(t.model, out.Usage)

	switch Class(strings.ToLower(strings.TrimSpace(out.Content))) {
	case ClassTask:
		return ClassTask, cost, nil
	case ClassOther:
		return ClassOther, cost, nil
	default:
		return ClassQuestion, cost, nil
	}
}

// Title produces a short conversation title from the opening exchange.
func (t *Tasks) Title(ctx context.Context, query, response string) (string, float64, error) {
	out, err := t.client.Complete(ctx, &Request{
		Model: t.model,
		Messages: []Message{
			{Role: "system", Content: "Produce a conversation title of at most six words. " +
				"Answer with the title only, no quotes."},
			{Role: "user", Content: fmt.Sprintf("User: %s\nAssistant: %s", query, response)},
		},
		MaxTokens: 24,
	})
	if err != nil {
		return "", 0, err
	}
	title := strings.Trim(strings.TrimSpace(out.Content), `"`)
	return title, t.pricing.Cost(t.model, out.Usage), nil
}

// HypotheticalDocument writes a short plausible answer passage for the prompt.
// Its embedding serves as an extra semantic search key.
func (t *Tasks) HypotheticalDocument(ctx context.Context, prompt string) (string, float64, error) {
	out, err := t.client.Complete(ctx, &Request{
		Model: t.model,
		Messages: []Message{
			{Role: "system", Content: "Write a short factual passage, at most 100 words, " +
				"that would plausibly answer the user's question. Do not address the user. " +
				"Invented specifics are acceptable; the passage is used for search, never shown."},
			{Role: "user", Content: prompt},
		},
		MaxTokens: 256,
	})
	if err != nil {
		return "", 0, err
	}
	return out.Content, t.pricing.Cost(t.model, out.Usage), nil
}

// Summary is the document summarization output.
type Summary struct {
	Summary string `json:"summary"`
	Context string `json:"context"`
}

// Summarize produces a bounded summary plus a one-line context string used to
// prefix chunk embeddings.
func (t *Tasks) Summarize(ctx context.Context, content string, maxWords int) (*Summary, float64, error) {
	if maxWords <= 0 {
		maxWords = 200
	}
	out, err := t.client.Complete(ctx, &Request{
		Model: t.model,
		Messages: []Message{
			{Role: "system", Content: fmt.Sprintf("Summarize the document in at most %d words. "+
				"Respond as JSON with two string fields: \"summary\" and \"context\", where context is "+
				"a single sentence naming what the document is about.", maxWords)},
			{Role: "user", Content: content},
		},
		JSONOutput: true,
		MaxTokens:  1024,
	})
	if err != nil {
		return nil, 0, err
	}
	cost := t.pricing.Cost(t.model, out.Usage)

	var s Summary
	if err := json.Unmarshal([]byte(extractJSONObject(out.Content)), &s); err != nil {
		return nil, cost, errors.Wrap(err, errors.KindLLMUnavailable, "summary output was not valid JSON")
	}
	if s.Summary == "" {
		return nil, cost, errors.New(errors.KindLLMUnavailable, "summary output was empty")
	}
	return &s, cost, nil
}

// GenerateQuestions produces up to n questions answerable from the chunk.
func (t *Tasks) GenerateQuestions(ctx context.Context, chunk string, n int) ([]string, float64, error) {
	if n <= 0 {
		n = 3
	}
	out, err := t.client.Complete(ctx, &Request{
		Model: t.model,
		Messages: []Message{
			{Role: "system", Content: fmt.Sprintf("Write up to %d short questions a user might ask "+
				"that this text answers. Respond as JSON: {\"questions\": [\"...\"]}.", n)},
			{Role: "user", Content: chunk},
		},
		JSONOutput: true,
		MaxTokens:  512,
	})
	if err != nil {
		return nil, 0, err
	}
	cost := t.pricing.Cost(t.model, out.Usage)

	var parsed struct {
		Questions []string `json:"questions"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(out.Content)), &parsed); err != nil {
		return nil, cost, errors.Wrap(err, errors.KindLLMUnavailable, "question output was not valid JSON")
	}
	if len(parsed.Questions) > n {
		parsed.Questions = parsed.Questions[:n]
	}
	return parsed.Questions, cost, nil
}

// extractJSONObject trims markdown fences and any prose around the outermost
// JSON object. Models occasionally wrap JSON output despite instructions.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
