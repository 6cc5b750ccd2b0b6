package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmesh/ragmesh/internal/chat"
	"github.com/ragmesh/ragmesh/internal/llm"
	"github.com/ragmesh/ragmesh/internal/queue"
	"github.com/ragmesh/ragmesh/internal/reasoning"
	"github.com/ragmesh/ragmesh/internal/retrieval"
	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/models"
)

const testSalt = "pepper"

type memKeys struct {
	keys map[string]*models.APIKey
}

func (m *memKeys) GetByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	key, ok := m.keys[hash]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "api key not found")
	}
	return key, nil
}

type stubRetrievalService struct {
	result *retrieval.Result
	docs   *retrieval.DocumentResult
	err    error
}

func (s *stubRetrievalService) RetrieveChunks(ctx context.Context, req *retrieval.Request) (*retrieval.Result, error) {
	return s.result, s.err
}

func (s *stubRetrievalService) RetrieveDocuments(ctx context.Context, req *retrieval.Request, maxDocuments int) (*retrieval.DocumentResult, error) {
	return s.docs, s.err
}

func (s *stubRetrievalService) RetrieveQuestions(ctx context.Context, req *retrieval.Request, maxChunks int) (*retrieval.Result, error) {
	return s.result, s.err
}

type stubChatService struct {
	resp    *chat.Response
	streams []string
	lastReq *chat.Request
}

func (s *stubChatService) Chat(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	s.lastReq = req
	if req.OnDelta != nil {
		for _, d := range s.streams {
			req.OnDelta(d)
		}
	}
	return s.resp, nil
}

type memDatasources struct {
	ids      map[string]uuid.UUID
	created  []*models.Datasource
	conflict bool
}

func (m *memDatasources) Create(ctx context.Context, ds *models.Datasource) error {
	if m.conflict {
		return errors.New(errors.KindConflict, "datasource exists")
	}
	m.created = append(m.created, ds)
	return nil
}

func (m *memDatasources) ResolveExternalIDs(ctx context.Context, orgID uuid.UUID, externalIDs []string) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, ext := range externalIDs {
		if id, ok := m.ids[ext]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

type memDocuments struct {
	byExternal map[string]*models.Document
	created    []*models.Document
	resubmits  int
}

func (m *memDocuments) Create(ctx context.Context, doc *models.Document) error {
	m.created = append(m.created, doc)
	m.byExternal[doc.ExternalID] = doc
	return nil
}

func (m *memDocuments) Get(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	for _, doc := range m.byExternal {
		if doc.ID == id {
			return doc, nil
		}
	}
	return nil, errors.New(errors.KindNotFound, "document not found")
}

func (m *memDocuments) GetByExternalID(ctx context.Context, datasourceID uuid.UUID, externalID string) (*models.Document, error) {
	doc, ok := m.byExternal[externalID]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "document not found")
	}
	return doc, nil
}

func (m *memDocuments) Resubmit(ctx context.Context, id uuid.UUID, content, contentHash string) error {
	m.resubmits++
	return nil
}

type memAgents struct {
	created []*models.Agent
}

func (m *memAgents) Create(ctx context.Context, agent *models.Agent) error {
	m.created = append(m.created, agent)
	return nil
}

type stubLLM struct {
	completion *llm.Completion
	lastReq    *llm.Request
}

func (s *stubLLM) Complete(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
	s.lastReq = req
	return s.completion, nil
}

type memConnectors struct {
	created []*models.Connector
}

func (m *memConnectors) Create(ctx context.Context, c *models.Connector) error {
	m.created = append(m.created, c)
	return nil
}

type memRagLogs struct {
	logs map[uuid.UUID]*models.RagLog
}

func (m *memRagLogs) GetRagLog(ctx context.Context, orgID, transactionID uuid.UUID) (*models.RagLog, error) {
	log, ok := m.logs[transactionID]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "transaction not found")
	}
	return log, nil
}

type memEnqueuer struct {
	jobs []*queue.Job
}

func (m *memEnqueuer) Enqueue(ctx context.Context, job *queue.Job) (bool, error) {
	m.jobs = append(m.jobs, job)
	return true, nil
}

type apiFixture struct {
	server      *Server
	key         *models.APIKey
	token       string
	retrieval   *stubRetrievalService
	chat        *stubChatService
	datasources *memDatasources
	documents   *memDocuments
	connectors  *memConnectors
	agents      *memAgents
	ragLogs     *memRagLogs
	jobs        *memEnqueuer
	llm         *stubLLM
}

func newAPIFixture(t *testing.T, scopes ...string) *apiFixture {
	t.Helper()
	if len(scopes) == 0 {
		scopes = []string{models.ScopeAll}
	}

	token := "test-token"
	key := &models.APIKey{ID: uuid.New(), OrgID: uuid.New(), Scopes: scopes}
	keys := &memKeys{keys: map[string]*models.APIKey{HashToken(testSalt, token): key}}

	f := &apiFixture{
		key:   key,
		token: token,
		retrieval: &stubRetrievalService{
			result: &retrieval.Result{
				TransactionID: uuid.New(),
				Items: []*retrieval.Item{
					{ChunkID: uuid.New(), Content: "refunds take 5 days", Score: 0.9, DocumentExternalID: "doc-1", DatasourceExternalID: "kb"},
				},
			},
			docs: &retrieval.DocumentResult{TransactionID: uuid.New()},
		},
		chat:        &stubChatService{resp: &chat.Response{TransactionID: uuid.New(), Response: "hello", Answered: true, Model: "gpt-default"}},
		datasources: &memDatasources{ids: map[string]uuid.UUID{"kb": uuid.New()}},
		documents:   &memDocuments{byExternal: map[string]*models.Document{}},
		connectors:  &memConnectors{},
		agents:      &memAgents{},
		ragLogs:     &memRagLogs{logs: map[uuid.UUID]*models.RagLog{}},
		jobs:        &memEnqueuer{},
		llm:         &stubLLM{completion: &llm.Completion{Content: "direct answer", Model: "gpt-default", Usage: llm.Usage{PromptTokens: 12, CompletionTokens: 3}}},
	}

	server, err := NewServer(Config{
		Retrieval:    f.retrieval,
		Chat:         f.chat,
		Datasources:  f.datasources,
		Documents:    f.documents,
		Connectors:   f.connectors,
		Agents:       f.agents,
		RagLogs:      f.ragLogs,
		Jobs:         f.jobs,
		LLM:          f.llm,
		DefaultModel: "gpt-default",
		Keys:         keys,
		AuthSalt:     testSalt,
	})
	require.NoError(t, err)
	f.server = server
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthNoAuth(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/_/health", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMissingToken(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/retrieve/chunks", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthInvalidToken(t *testing.T) {
	f := newAPIFixture(t)
	f.token = "wrong-token"
	rec := f.do(t, http.MethodPost, "/v1/retrieve/chunks", map[string]interface{}{"prompt": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestScopeEnforced(t *testing.T) {
	f := newAPIFixture(t, models.ScopeDataRead)
	rec := f.do(t, http.MethodPost, "/v1/retrieve/chunks", map[string]interface{}{
		"prompt": "x", "datasources": []string{"kb"},
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRetrieveChunks(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/retrieve/chunks", map[string]interface{}{
		"prompt":      "how long do refunds take",
		"datasources": []string{"kb"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Data []map[string]interface{} `json:"data"`
		Meta struct {
			Query         string `json:"query"`
			TransactionID string `json:"transaction_id"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Data, 1)
	assert.Equal(t, "refunds take 5 days", out.Data[0]["content"])
	assert.Equal(t, "how long do refunds take", out.Meta.Query)
	assert.Equal(t, f.retrieval.result.TransactionID.String(), out.Meta.TransactionID)
}

func TestRetrieveRequiresPromptAndScopeList(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/retrieve/chunks", map[string]interface{}{"prompt": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/retrieve/chunks", map[string]interface{}{"prompt": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatNonStreaming(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/chat", map[string]interface{}{
		"query":       "hi",
		"datasources": []string{"kb"},
	}, map[string]string{"X-Connector-Auth": "Bearer opaque"})
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Data chat.Response `json:"data"`
		Meta struct {
			Answered *bool  `json:"answered"`
			Model    string `json:"model"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "hello", out.Data.Response)
	require.NotNil(t, out.Meta.Answered)
	assert.True(t, *out.Meta.Answered)
	assert.Equal(t, "gpt-default", out.Meta.Model)

	// The opaque connector header rides through verbatim.
	assert.Equal(t, "Bearer opaque", f.chat.lastReq.ConnectorAuth)
}

func TestChatStreaming(t *testing.T) {
	f := newAPIFixture(t)
	f.chat.streams = []string{"hel", "lo"}

	rec := f.do(t, http.MethodPost, "/v1/chat", map[string]interface{}{
		"query":       "hi",
		"datasources": []string{"kb"},
		"stream":      true,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var chunks []string
	var finished bool
	var finalModel string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var event struct {
			Data struct {
				Chunk    string `json:"chunk"`
				Finished bool   `json:"finished"`
			} `json:"data"`
			Meta struct {
				Model string `json:"model"`
			} `json:"meta"`
		}
		require.NoError(t, json.Unmarshal([]byte(payload), &event))
		if event.Data.Finished {
			finished = true
			finalModel = event.Meta.Model
			continue
		}
		chunks = append(chunks, event.Data.Chunk)
	}
	assert.Equal(t, "hello", strings.Join(chunks, ""))
	assert.True(t, finished)
	assert.Equal(t, "gpt-default", finalModel)
}

func TestInference(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/inference", map[string]interface{}{
		"prompt": "translate hello to German",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Data inferenceResponse `json:"data"`
		Meta struct {
			Model string `json:"model"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "direct answer", out.Data.Content)
	assert.Equal(t, 12, out.Data.PromptTokens)
	assert.Equal(t, "gpt-default", out.Meta.Model)

	// The default model fills in when the request names none.
	assert.Equal(t, "gpt-default", f.llm.lastReq.Model)
	require.Len(t, f.llm.lastReq.Messages, 1)
	assert.Equal(t, "user", f.llm.lastReq.Messages[0].Role)
}

func TestInferenceRequiresPrompt(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/inference", map[string]interface{}{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAgent(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/agents", map[string]interface{}{
		"external_id": "support",
		"name":        "Support",
		"datasources": []string{"kb"},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.agents.created, 1)
	agent := f.agents.created[0]
	assert.Equal(t, f.key.OrgID, agent.OrgID)
	require.Len(t, agent.DatasourceIDs, 1)
	assert.Equal(t, f.datasources.ids["kb"].String(), agent.DatasourceIDs[0])
}

func TestCreateAgentUnknownDatasource(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/agents", map[string]interface{}{
		"external_id": "support",
		"datasources": []string{"missing"},
	}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateDatasource(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/datasources", map[string]interface{}{
		"external_id": "kb2", "name": "Handbook",
	}, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.datasources.created, 1)
	assert.Equal(t, f.key.OrgID, f.datasources.created[0].OrgID)
}

func TestCreateDatasourceConflict(t *testing.T) {
	f := newAPIFixture(t)
	f.datasources.conflict = true
	rec := f.do(t, http.MethodPost, "/v1/datasources", map[string]interface{}{"external_id": "kb"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateDocumentEnqueues(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/datasources/kb/documents", map[string]interface{}{
		"external_id": "doc-1",
		"content":     "Refunds take 5 days.",
		"type":        "markdown",
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.documents.created, 1)
	require.Len(t, f.jobs.jobs, 1)
	assert.Equal(t, queue.JobTypeIndex, f.jobs.jobs[0].Type)
	assert.Equal(t, f.documents.created[0].ID, f.jobs.jobs[0].DocumentID)
}

func TestResubmitUnchangedContentIsNoop(t *testing.T) {
	f := newAPIFixture(t)
	body := map[string]interface{}{"external_id": "doc-1", "content": "same content"}

	rec := f.do(t, http.MethodPost, "/v1/datasources/kb/documents", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/datasources/kb/documents", body, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.jobs.jobs, 1)
	assert.Equal(t, 0, f.documents.resubmits)
}

func TestResubmitChangedContentRequeues(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/datasources/kb/documents",
		map[string]interface{}{"external_id": "doc-1", "content": "version one"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/datasources/kb/documents",
		map[string]interface{}{"external_id": "doc-1", "content": "version two"}, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.documents.resubmits)
	require.Len(t, f.jobs.jobs, 2)
	assert.NotEqual(t, f.jobs.jobs[0].ID, f.jobs.jobs[1].ID)
}

func TestCreateDocumentUnknownDatasource(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/datasources/missing/documents",
		map[string]interface{}{"external_id": "doc-1", "content": "x"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateConnector(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/datasources/kb/connectors", map[string]interface{}{
		"name":             "Order Lookup",
		"endpoint":         "https://203.0.113.10/orders",
		"method":           "POST",
		"parameter_schema": map[string]interface{}{"order_id": map[string]interface{}{"type": "str", "required": true}},
	}, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.connectors.created, 1)
	assert.Equal(t, f.datasources.ids["kb"], f.connectors.created[0].DatasourceID)
}

func TestCreateConnectorPrivateEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	for _, endpoint := range []string{
		"http://127.0.0.1:9200/hook",
		"http://10.0.0.5/hook",
		"ftp://203.0.113.10/hook",
	} {
		rec := f.do(t, http.MethodPost, "/v1/datasources/kb/connectors", map[string]interface{}{
			"name":     "Order Lookup",
			"endpoint": endpoint,
		}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "endpoint %s", endpoint)
	}
	assert.Empty(t, f.connectors.created)
}

func TestGetTransaction(t *testing.T) {
	f := newAPIFixture(t)

	tree := reasoning.NewTree("retrieve_chunks")
	tree.Set("prompt_words", 4)
	payload, err := tree.Compress()
	require.NoError(t, err)

	transactionID := uuid.New()
	f.ragLogs.logs[transactionID] = &models.RagLog{
		TransactionID: transactionID,
		OrgID:         f.key.OrgID,
		Payload:       payload,
	}

	rec := f.do(t, http.MethodGet, "/v1/transactions/"+transactionID.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "retrieve_chunks")
}

func TestGetTransactionNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/transactions/"+uuid.New().String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
