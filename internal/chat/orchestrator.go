// Package chat implements the grounded chat orchestrator: scope resolution,
// query classification, tool calling over the knowledge base and connectors,
// streamed JSON response extraction, and conversation persistence.
package chat

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ragmesh/ragmesh/internal/llm"
	"github.com/ragmesh/ragmesh/internal/repository"
	"github.com/ragmesh/ragmesh/internal/retrieval"
	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
	"github.com/ragmesh/ragmesh/pkg/tokenizer"
)

// maxToolRounds bounds the tool-calling loop per request.
const maxToolRounds = 5

// Retriever is the retrieval surface the orchestrator depends on.
type Retriever interface {
	RetrieveChunks(ctx context.Context, req *retrieval.Request) (*retrieval.Result, error)
}

// AgentStore resolves agents.
type AgentStore interface {
	GetByExternalID(ctx context.Context, orgID uuid.UUID, externalID string) (*models.Agent, error)
}

// DatasourceStore resolves datasource external ids.
type DatasourceStore interface {
	ResolveExternalIDs(ctx context.Context, orgID uuid.UUID, externalIDs []string) ([]uuid.UUID, error)
}

// ConnectorStore lists connectors in scope.
type ConnectorStore interface {
	ListByDatasources(ctx context.Context, datasourceIDs []uuid.UUID) ([]*models.Connector, error)
}

// ConversationStore persists conversations and turns.
type ConversationStore interface {
	GetOrCreate(ctx context.Context, orgID, apiKeyID uuid.UUID, externalID string) (*models.Conversation, error)
	SetTitle(ctx context.Context, id uuid.UUID, title string) error
	ListTurns(ctx context.Context, conversationID uuid.UUID, limit int) ([]*models.Turn, error)
	AppendTurn(ctx context.Context, turn *models.Turn) error
	PruneTurns(ctx context.Context, conversationID uuid.UUID, maxTurns int) error
	PruneConversations(ctx context.Context, apiKeyID uuid.UUID, maxConversations int) error
}

// AuxTasks covers the small side completions the orchestrator needs.
type AuxTasks interface {
	Classify(ctx context.Context, query string) (llm.Class, float64, error)
	Title(ctx context.Context, query, response string) (string, float64, error)
}

var (
	_ AgentStore        = (*repository.AgentRepository)(nil)
	_ DatasourceStore   = (*repository.DatasourceRepository)(nil)
	_ ConnectorStore    = (*repository.ConnectorRepository)(nil)
	_ ConversationStore = (*repository.ConversationRepository)(nil)
	_ AuxTasks          = (*llm.Tasks)(nil)
	_ Retriever         = (*retrieval.Orchestrator)(nil)
)

// Models selects the completion model per classification tier.
type Models struct {
	// Default answers questions.
	Default string
	// Task handles requests classified as work to perform.
	Task string
	// Light handles small talk.
	Light string
}

func (m Models) forClass(class llm.Class) string {
	switch class {
	case llm.ClassTask:
		if m.Task != "" {
			return m.Task
		}
	case llm.ClassOther:
		if m.Light != "" {
			return m.Light
		}
	}
	return m.Default
}

// Orchestrator runs chat requests.
type Orchestrator struct {
	retriever     Retriever
	client        llm.Client
	tasks         AuxTasks
	agents        AgentStore
	datasources   DatasourceStore
	connectors    ConnectorStore
	conversations ConversationStore
	caller        *connectorCaller
	tok           tokenizer.Tokenizer
	pricing       llm.PriceTable

	models                Models
	instructionsMaxTokens int
	historyMaxTokens      int
	turnContextMaxTokens  int
	maxTurns              int
	maxConversations      int
	confidenceMinSeen     int
	groundedDefault       bool

	logger  observability.Logger
	metrics observability.MetricsClient
}

// Config configures the chat orchestrator.
type Config struct {
	Retriever     Retriever
	Client        llm.Client
	Tasks         AuxTasks
	Agents        AgentStore
	Datasources   DatasourceStore
	Connectors    ConnectorStore
	Conversations ConversationStore
	Tokenizer     tokenizer.Tokenizer
	Pricing       llm.PriceTable

	Models                Models
	InstructionsMaxTokens int
	HistoryMaxTokens      int
	TurnContextMaxTokens  int
	MaxTurns              int
	MaxConversations      int
	ConfidenceMinSeen     int
	GroundedDefault       bool

	Logger  observability.Logger
	Metrics observability.MetricsClient
}

// New creates the chat orchestrator.
func New(config Config) (*Orchestrator, error) {
	if config.Retriever == nil || config.Client == nil {
		return nil, errors.New(errors.KindInternal, "retriever and llm client are required")
	}
	if config.Models.Default == "" {
		return nil, errors.New(errors.KindInternal, "default chat model is required")
	}
	if config.Tokenizer == nil {
		config.Tokenizer = tokenizer.Default()
	}
	if config.InstructionsMaxTokens <= 0 {
		config.InstructionsMaxTokens = 2048
	}
	if config.HistoryMaxTokens <= 0 {
		config.HistoryMaxTokens = 4096
	}
	if config.TurnContextMaxTokens <= 0 {
		config.TurnContextMaxTokens = 2048
	}
	if config.MaxTurns <= 0 {
		config.MaxTurns = 50
	}
	if config.MaxConversations <= 0 {
		config.MaxConversations = 100
	}
	if config.ConfidenceMinSeen <= 0 {
		config.ConfidenceMinSeen = 1
	}
	if config.Logger == nil {
		config.Logger = observability.NewLogger("chat.orchestrator")
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}
	return &Orchestrator{
		retriever:             config.Retriever,
		client:                config.Client,
		tasks:                 config.Tasks,
		agents:                config.Agents,
		datasources:           config.Datasources,
		connectors:            config.Connectors,
		conversations:         config.Conversations,
		caller:                newConnectorCaller(config.Logger),
		tok:                   config.Tokenizer,
		pricing:               config.Pricing,
		models:                config.Models,
		instructionsMaxTokens: config.InstructionsMaxTokens,
		historyMaxTokens:      config.HistoryMaxTokens,
		turnContextMaxTokens:  config.TurnContextMaxTokens,
		maxTurns:              config.MaxTurns,
		maxConversations:      config.MaxConversations,
		confidenceMinSeen:     config.ConfidenceMinSeen,
		groundedDefault:       config.GroundedDefault,
		logger:                config.Logger,
		metrics:               config.Metrics,
	}, nil
}

// Request is one chat invocation.
type Request struct {
	OrgID  uuid.UUID
	APIKey *models.APIKey

	Query                  string
	AgentExternalID        string
	DatasourceExternalIDs  []string
	ConversationExternalID string
	TurnContext            string
	Instructions           string
	// Grounded overrides the configured default when set.
	Grounded *bool
	// ConnectorAuth is forwarded verbatim as X-Connector-Auth.
	ConnectorAuth string

	MaxTokens int
	MaxChars  int
	MaxChunks int

	// OnDelta, when set, receives response text fragments as they stream.
	OnDelta func(delta string)
}

// Response is the chat outcome.
type Response struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Response      string    `json:"response"`
	Answered      bool      `json:"answered"`
	Confidence    int       `json:"confidence"`
	Documents     []string  `json:"documents,omitempty"`
	Model         string    `json:"model,omitempty"`
	CostUSD       float64   `json:"-"`
}

// modelOutput is the JSON object the model is instructed to produce.
type modelOutput struct {
	Response   string   `json:"response"`
	Documents  []string `json:"documents"`
	Citations  []string `json:"citations"`
	Answered   *bool    `json:"answered"`
	Confidence *int     `json:"confidence"`
}

// Chat runs one request through the full state machine.
func (o *Orchestrator) Chat(ctx context.Context, req *Request) (*Response, error) {
	if req.Query == "" {
		return nil, errors.New(errors.KindInvalidRequest, "query is required")
	}
	if req.APIKey == nil {
		return nil, errors.New(errors.KindUnauthorized, "api key is required")
	}
	ctx, span := observability.StartSpan(ctx, "chat.request")
	defer span.End()

	var cost float64
	grounded := o.groundedDefault
	if req.Grounded != nil {
		grounded = *req.Grounded
	}

	// Scope resolution, classification, and conversation loading run
	// concurrently; none depends on another.
	var (
		scope        []uuid.UUID
		class        = llm.ClassQuestion
		conversation *models.Conversation
		history      []llm.Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ids, err := o.resolveScope(gctx, req)
		if err != nil {
			return err
		}
		scope = ids
		return nil
	})
	if o.tasks != nil {
		g.Go(func() error {
			c, classifyCost, err := o.tasks.Classify(gctx, req.Query)
			if err != nil {
				// Classification tunes the model tier; the default tier works.
				o.logger.Warn("classification failed, using default tier", map[string]interface{}{
					"error": err.Error(),
				})
				return nil
			}
			class = c
			cost += classifyCost
			return nil
		})
	}
	if req.ConversationExternalID != "" && o.conversations != nil {
		g.Go(func() error {
			conv, err := o.conversations.GetOrCreate(gctx, req.OrgID, req.APIKey.ID, req.ConversationExternalID)
			if err != nil {
				return err
			}
			conversation = conv
			turns, err := o.conversations.ListTurns(gctx, conv.ID, o.maxTurns)
			if err != nil {
				return err
			}
			history = o.packHistory(turns)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tools, seenDocs, toolCost := o.buildTools(ctx, req, scope)
	model := o.models.forClass(class)

	// Grounded requests hold streamed deltas back until the grounding
	// decision lands, so the stream never carries text the fallback replaces.
	onDelta := req.OnDelta
	var held []string
	if grounded && req.OnDelta != nil {
		onDelta = func(delta string) { held = append(held, delta) }
	}

	completion, runCost, err := o.runModel(ctx, req, model, tools, history, grounded, onDelta)
	cost += runCost + *toolCost
	if err != nil {
		return nil, err
	}

	out := parseModelOutput(completion.Content)
	used := out.Documents
	if len(used) == 0 {
		used = out.Citations
	}
	answered := out.Answered == nil || *out.Answered

	response := out.Response
	if grounded && !answered {
		response = fallbackResponse(req.Query)
		if req.OnDelta != nil {
			req.OnDelta(response)
		}
	} else if req.OnDelta != nil {
		for _, delta := range held {
			req.OnDelta(delta)
		}
	}

	resp := &Response{
		TransactionID: uuid.New(),
		Response:      response,
		Answered:      answered,
		Confidence:    confidence(len(used), len(*seenDocs), o.confidenceMinSeen),
		Documents:     used,
		Model:         model,
		CostUSD:       cost,
	}

	if conversation != nil {
		o.persistTurn(ctx, req, conversation, resp)
	}
	o.metrics.IncrementCounter("chat.requests", 1.0)
	return resp, nil
}

// resolveScope maps the agent and datasource references to internal ids.
func (o *Orchestrator) resolveScope(ctx context.Context, req *Request) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	var scope []uuid.UUID
	add := func(id uuid.UUID) {
		if !seen[id] {
			seen[id] = true
			scope = append(scope, id)
		}
	}

	if req.AgentExternalID != "" {
		if o.agents == nil {
			return nil, errors.New(errors.KindInvalidRequest, "agent scope is not available")
		}
		agent, err := o.agents.GetByExternalID(ctx, req.OrgID, req.AgentExternalID)
		if err != nil {
			return nil, err
		}
		for _, raw := range agent.DatasourceIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				continue
			}
			add(id)
		}
	}
	if len(req.DatasourceExternalIDs) > 0 {
		if o.datasources == nil {
			return nil, errors.New(errors.KindInvalidRequest, "datasource scope is not available")
		}
		ids, err := o.datasources.ResolveExternalIDs(ctx, req.OrgID, req.DatasourceExternalIDs)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			add(id)
		}
	}
	if len(scope) == 0 {
		return nil, errors.New(errors.KindInvalidRequest, "no datasources in scope")
	}
	return scope, nil
}

// buildTools assembles the callable functions for this request. It returns
// the set, a pointer to the surfaced-document accumulator, and a pointer to
// the accumulated tool cost.
func (o *Orchestrator) buildTools(ctx context.Context, req *Request, scope []uuid.UUID) (*toolSet, *[]string, *float64) {
	set := &toolSet{handlers: map[string]toolFunc{}}
	seenDocs := &[]string{}
	toolCost := new(float64)

	recordSeen := func(items []*retrieval.Item) {
		present := make(map[string]bool, len(*seenDocs))
		for _, d := range *seenDocs {
			present[d] = true
		}
		for _, item := range items {
			if !present[item.DocumentExternalID] {
				present[item.DocumentExternalID] = true
				*seenDocs = append(*seenDocs, item.DocumentExternalID)
			}
		}
	}

	searchSchema, _ := json.Marshal(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "The search query.",
			},
		},
		"required": []string{"query"},
	})
	set.add(llm.Tool{
		Name:        "searchKnowledgeBase",
		Description: "Search the knowledge base for passages relevant to a query.",
		Parameters:  searchSchema,
	}, func(ctx context.Context, arguments string) (string, error) {
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil || args.Query == "" {
			args.Query = req.Query
		}
		result, err := o.retriever.RetrieveChunks(ctx, &retrieval.Request{
			OrgID:         req.OrgID,
			APIKeyID:      req.APIKey.ID,
			DatasourceIDs: scope,
			Prompt:        args.Query,
			MaxTokens:     req.MaxTokens,
			MaxChars:      req.MaxChars,
			MaxChunks:     req.MaxChunks,
			UseHyDE:       true,
		})
		if err != nil {
			return "", err
		}
		*toolCost += result.CostUSD
		recordSeen(result.Items)
		return renderItems(result.Items), nil
	})

	emptySchema, _ := json.Marshal(map[string]interface{}{"type": "object", "properties": map[string]interface{}{}})
	set.add(llm.Tool{
		Name:        "getCurrentPage",
		Description: "Return the content the user is currently looking at.",
		Parameters:  emptySchema,
	}, func(ctx context.Context, arguments string) (string, error) {
		if req.TurnContext != "" {
			return o.tok.Truncate(req.TurnContext, o.turnContextMaxTokens), nil
		}
		result, err := o.retriever.RetrieveChunks(ctx, &retrieval.Request{
			OrgID:         req.OrgID,
			APIKeyID:      req.APIKey.ID,
			DatasourceIDs: scope,
			Prompt:        req.Query,
			MaxTokens:     o.turnContextMaxTokens,
		})
		if err != nil {
			return "", err
		}
		*toolCost += result.CostUSD
		recordSeen(result.Items)
		return renderItems(result.Items), nil
	})

	o.addConnectorTools(ctx, req, scope, set)
	return set, seenDocs, toolCost
}

// addConnectorTools exposes each connector in scope as a typed function.
func (o *Orchestrator) addConnectorTools(ctx context.Context, req *Request, scope []uuid.UUID, set *toolSet) {
	if o.connectors == nil {
		return
	}
	connectors, err := o.connectors.ListByDatasources(ctx, scope)
	if err != nil {
		o.logger.Warn("connector listing failed, continuing without", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	taken := make(map[string]bool, len(set.handlers))
	for name := range set.handlers {
		taken[name] = true
	}
	for _, connector := range connectors {
		schema, err := connectorToolSchema(connector.ParameterSchema)
		if err != nil {
			o.logger.Warn("skipping connector with invalid schema", map[string]interface{}{
				"connector_id": connector.ID.String(),
				"error":        err.Error(),
			})
			continue
		}
		name := uniqueIdentifier(sanitizeIdentifier(connector.Name), taken)
		taken[name] = true

		conn := connector
		set.add(llm.Tool{
			Name:        name,
			Description: conn.Purpose,
			Parameters:  schema,
		}, func(ctx context.Context, arguments string) (string, error) {
			out, err := o.caller.call(ctx, conn, schema, arguments, req.ConnectorAuth)
			if err != nil {
				// Connector failures are isolated: the model sees empty data.
				o.logger.Warn("connector call failed", map[string]interface{}{
					"connector_id": conn.ID.String(),
					"error":        err.Error(),
				})
				return `{"data": null}`, nil
			}
			return out, nil
		})
	}
}

// runModel drives the tool-calling loop and streams the final answer.
func (o *Orchestrator) runModel(ctx context.Context, req *Request, model string, tools *toolSet, history []llm.Message, grounded bool, onDelta func(string)) (*llm.Completion, float64, error) {
	messages := []llm.Message{
		{Role: "system", Content: o.systemPrompt(req, grounded)},
	}
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: "user", Content: req.Query})

	var cost float64
	for round := 0; round < maxToolRounds; round++ {
		llmReq := &llm.Request{
			Model:      model,
			Messages:   messages,
			Tools:      tools.defs,
			JSONOutput: true,
		}
		var extractor *ResponseExtractor
		if onDelta != nil {
			extractor = NewResponseExtractor(onDelta)
			llmReq.OnDelta = extractor.Feed
		}

		completion, err := o.client.Complete(ctx, llmReq)
		if err != nil {
			return nil, cost, err
		}
		cost += o.pricing.Cost(model, completion.Usage)

		if len(completion.ToolCalls) == 0 {
			return completion, cost, nil
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
		})
		for _, call := range completion.ToolCalls {
			result := tools.invoke(ctx, call.Name, call.Arguments)
			messages = append(messages, llm.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    result,
			})
		}
	}
	return nil, cost, errors.New(errors.KindLLMUnavailable, "model exceeded the tool call limit")
}

// systemPrompt composes the instructions, grounding rules, and the output
// schema contract.
func (o *Orchestrator) systemPrompt(req *Request, grounded bool) string {
	var b strings.Builder
	b.WriteString("You are an assistant answering from a curated knowledge base. " +
		"Use the available tools to look up relevant material before answering.\n\n")

	if req.Instructions != "" {
		b.WriteString(o.tok.Truncate(req.Instructions, o.instructionsMaxTokens))
		b.WriteString("\n\n")
	}
	if grounded {
		b.WriteString("Only answer from material returned by the tools. " +
			"If the material does not support an answer, set \"answered\" to false.\n\n")
	}
	b.WriteString(`Respond with a single JSON object: {"response": string, ` +
		`"documents": [document ids you used], "answered": boolean, "confidence": 0-5}. ` +
		`No text outside the JSON object.`)
	return b.String()
}

// packHistory converts stored turns into chat messages, newest turns kept
// within the history token budget, oldest first in the output.
func (o *Orchestrator) packHistory(turns []*models.Turn) []llm.Message {
	type turnPayload struct {
		Query    string `json:"query"`
		Response string `json:"response"`
	}

	budget := o.historyMaxTokens
	var kept []*models.Turn
	for _, turn := range turns { // newest first
		if turn.TokenCount > budget {
			break
		}
		budget -= turn.TokenCount
		kept = append(kept, turn)
	}

	var messages []llm.Message
	for i := len(kept) - 1; i >= 0; i-- {
		var payload turnPayload
		if err := json.Unmarshal(kept[i].Payload, &payload); err != nil {
			continue
		}
		messages = append(messages,
			llm.Message{Role: "user", Content: payload.Query},
			llm.Message{Role: "assistant", Content: payload.Response})
	}
	return messages
}

// persistTurn appends the exchange, prunes, and titles a fresh conversation.
// All of it is best effort; the response is already in hand.
func (o *Orchestrator) persistTurn(ctx context.Context, req *Request, conversation *models.Conversation, resp *Response) {
	payload, err := json.Marshal(map[string]string{
		"query":    req.Query,
		"response": resp.Response,
	})
	if err != nil {
		return
	}
	metadata, _ := json.Marshal(map[string]interface{}{
		"documents":  resp.Documents,
		"answered":   resp.Answered,
		"confidence": resp.Confidence,
		"model":      resp.Model,
	})
	turn := &models.Turn{
		ConversationID: conversation.ID,
		Payload:        payload,
		Metadata:       metadata,
		TokenCount:     o.tok.CountTokens(req.Query) + o.tok.CountTokens(resp.Response),
	}
	if err := o.conversations.AppendTurn(ctx, turn); err != nil {
		o.logger.Warn("turn persistence failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := o.conversations.PruneTurns(ctx, conversation.ID, o.maxTurns); err != nil {
		o.logger.Warn("turn pruning failed", map[string]interface{}{"error": err.Error()})
	}
	if err := o.conversations.PruneConversations(ctx, req.APIKey.ID, o.maxConversations); err != nil {
		o.logger.Warn("conversation pruning failed", map[string]interface{}{"error": err.Error()})
	}

	if conversation.Title == "" && o.tasks != nil {
		title, _, err := o.tasks.Title(ctx, req.Query, resp.Response)
		if err != nil {
			o.logger.Warn("titling failed", map[string]interface{}{"error": err.Error()})
			return
		}
		if err := o.conversations.SetTitle(ctx, conversation.ID, title); err != nil {
			o.logger.Warn("title persistence failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// parseModelOutput tolerantly decodes the model's JSON object. Output that is
// not valid JSON is treated as a plain text response.
func parseModelOutput(content string) *modelOutput {
	trimmed := content
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			trimmed = trimmed[start : end+1]
		}
	}
	var out modelOutput
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil || out.Response == "" {
		return &modelOutput{Response: strings.TrimSpace(content)}
	}
	return &out
}

// renderItems serializes retrieved chunks for a tool result.
func renderItems(items []*retrieval.Item) string {
	type toolItem struct {
		Document   string  `json:"document"`
		Datasource string  `json:"datasource"`
		Content    string  `json:"content"`
		Score      float64 `json:"score"`
	}
	out := make([]toolItem, len(items))
	for i, item := range items {
		out[i] = toolItem{
			Document:   item.DocumentExternalID,
			Datasource: item.DatasourceExternalID,
			Content:    item.Content,
			Score:      item.Score,
		}
	}
	data, err := json.Marshal(map[string]interface{}{"results": out})
	if err != nil {
		return `{"results": []}`
	}
	return string(data)
}
