// Package api exposes the service over HTTP: bearer-authenticated retrieval,
// chat, and data management endpoints plus transaction inspection and health.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ragmesh/ragmesh/internal/chat"
	"github.com/ragmesh/ragmesh/internal/indexing"
	"github.com/ragmesh/ragmesh/internal/llm"
	"github.com/ragmesh/ragmesh/internal/queue"
	"github.com/ragmesh/ragmesh/internal/retrieval"
	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

// RetrievalService is the retrieval surface the API exposes.
type RetrievalService interface {
	RetrieveChunks(ctx context.Context, req *retrieval.Request) (*retrieval.Result, error)
	RetrieveDocuments(ctx context.Context, req *retrieval.Request, maxDocuments int) (*retrieval.DocumentResult, error)
	RetrieveQuestions(ctx context.Context, req *retrieval.Request, maxChunks int) (*retrieval.Result, error)
}

// ChatService runs chat requests.
type ChatService interface {
	Chat(ctx context.Context, req *chat.Request) (*chat.Response, error)
}

// AgentStore is the agent persistence the API needs.
type AgentStore interface {
	Create(ctx context.Context, agent *models.Agent) error
}

// DatasourceStore is the datasource persistence the API needs.
type DatasourceStore interface {
	Create(ctx context.Context, ds *models.Datasource) error
	ResolveExternalIDs(ctx context.Context, orgID uuid.UUID, externalIDs []string) ([]uuid.UUID, error)
}

// DocumentStore is the document persistence the API needs.
type DocumentStore interface {
	Create(ctx context.Context, doc *models.Document) error
	Get(ctx context.Context, id uuid.UUID) (*models.Document, error)
	GetByExternalID(ctx context.Context, datasourceID uuid.UUID, externalID string) (*models.Document, error)
	Resubmit(ctx context.Context, id uuid.UUID, content, contentHash string) error
}

// ConnectorStore is the connector persistence the API needs.
type ConnectorStore interface {
	Create(ctx context.Context, c *models.Connector) error
}

// EndpointGuard vets connector endpoints before they are stored. Connectors
// are invoked server-side, so private addresses must be rejected up front.
type EndpointGuard interface {
	Check(ctx context.Context, raw string) error
}

// RagLogStore fetches stored reasoning logs.
type RagLogStore interface {
	GetRagLog(ctx context.Context, orgID, transactionID uuid.UUID) (*models.RagLog, error)
}

// Enqueuer submits indexing jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) (bool, error)
}

// Server is the HTTP API.
type Server struct {
	engine *gin.Engine

	retrieval   RetrievalService
	chat        ChatService
	datasources DatasourceStore
	documents   DocumentStore
	connectors  ConnectorStore
	agents      AgentStore
	ragLogs     RagLogStore
	jobs        Enqueuer

	llm          llm.Client
	defaultModel string
	endpoints    EndpointGuard

	auth    *authenticator
	logger  observability.Logger
	metrics observability.MetricsClient
}

// Config configures the HTTP API.
type Config struct {
	Retrieval   RetrievalService
	Chat        ChatService
	Datasources DatasourceStore
	Documents   DocumentStore
	Connectors  ConnectorStore
	Agents      AgentStore
	RagLogs     RagLogStore
	Jobs        Enqueuer

	// LLM backs the direct inference endpoint; DefaultModel is used when the
	// request does not name one.
	LLM          llm.Client
	DefaultModel string

	// Endpoints vets connector endpoints at create time; nil uses a DNS
	// resolving guard that rejects private addresses.
	Endpoints EndpointGuard

	Keys     KeySource
	AuthSalt string

	Logger  observability.Logger
	Metrics observability.MetricsClient
}

// NewServer builds the router.
func NewServer(config Config) (*Server, error) {
	if config.Keys == nil {
		return nil, errors.New(errors.KindInternal, "api key source is required")
	}
	if config.Logger == nil {
		config.Logger = observability.NewLogger("api")
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}
	if config.Endpoints == nil {
		config.Endpoints = indexing.NewURLGuard(nil)
	}

	s := &Server{
		retrieval:   config.Retrieval,
		chat:        config.Chat,
		datasources: config.Datasources,
		documents:   config.Documents,
		connectors:  config.Connectors,
		agents:      config.Agents,
		ragLogs:     config.RagLogs,
		jobs:        config.Jobs,

		llm:          config.LLM,
		defaultModel: config.DefaultModel,
		endpoints:    config.Endpoints,

		auth:    newAuthenticator(config.Keys, config.AuthSalt, config.Logger),
		logger:  config.Logger,
		metrics: config.Metrics,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLog())

	engine.GET("/_/health", s.handleHealth)

	v1 := engine.Group("/v1", s.auth.middleware())
	{
		retrieve := v1.Group("/retrieve", requireScope(models.ScopeRetrieval))
		retrieve.POST("/chunks", s.handleRetrieveChunks)
		retrieve.POST("/documents", s.handleRetrieveDocuments)
		retrieve.POST("/questions", s.handleRetrieveQuestions)

		v1.POST("/chat", requireScope(models.ScopeChat), s.handleChat)
		v1.POST("/inference", requireScope(models.ScopeChat), s.handleInference)

		data := v1.Group("", requireScope(models.ScopeDataWrite))
		data.POST("/datasources", s.handleCreateDatasource)
		data.POST("/datasources/:datasource/documents", s.handleCreateDocument)
		data.POST("/datasources/:datasource/connectors", s.handleCreateConnector)
		data.POST("/agents", s.handleCreateAgent)

		v1.GET("/datasources/:datasource/documents/:document",
			requireScope(models.ScopeDataRead), s.handleGetDocument)

		v1.GET("/transactions/:transaction",
			requireScope(models.ScopeReports), s.handleGetTransaction)
	}

	s.engine = engine
	return s, nil
}

// Handler returns the http.Handler for serving.
func (s *Server) Handler() http.Handler { return s.engine }

// envelope is the uniform response shape.
type envelope struct {
	Data interface{} `json:"data"`
	Meta meta        `json:"meta"`
}

type meta struct {
	Query            string `json:"query,omitempty"`
	Model            string `json:"model,omitempty"`
	ProcessingTimeMS int64  `json:"processing_time_ms"`
	TransactionID    string `json:"transaction_id,omitempty"`
	Answered         *bool  `json:"answered,omitempty"`
}

func respond(c *gin.Context, status int, data interface{}, m meta) {
	c.JSON(status, envelope{Data: data, Meta: m})
}

// respondErr maps a classified error to the wire.
func (s *Server) respondErr(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", map[string]interface{}{
			"path":  c.FullPath(),
			"error": err.Error(),
		})
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"kind":    string(errors.KindOf(err)),
			"message": errors.PublicMessage(err),
		},
	})
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.metrics.IncrementCounterWithLabels("api.requests", 1.0, map[string]string{
			"path":   c.FullPath(),
			"status": http.StatusText(c.Writer.Status()),
		})
		s.logger.Info("request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func elapsedMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
