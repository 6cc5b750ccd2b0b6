package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ragmesh/ragmesh/internal/queue"
	"github.com/ragmesh/ragmesh/internal/reasoning"
	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/models"
)

type datasourceRequest struct {
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	Purpose    string `json:"purpose"`
}

func (s *Server) handleCreateDatasource(c *gin.Context) {
	start := time.Now()
	var body datasourceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondErr(c, errors.Wrap(err, errors.KindInvalidRequest, "invalid request body"))
		return
	}
	if body.ExternalID == "" {
		s.respondErr(c, errors.New(errors.KindInvalidRequest, "external_id is required"))
		return
	}
	ds := &models.Datasource{
		ID:         uuid.New(),
		OrgID:      apiKey(c).OrgID,
		ExternalID: body.ExternalID,
		Name:       body.Name,
		Purpose:    body.Purpose,
	}
	if err := s.datasources.Create(c.Request.Context(), ds); err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusCreated, ds, meta{ProcessingTimeMS: elapsedMS(start)})
}

type documentRequest struct {
	ExternalID string          `json:"external_id"`
	Content    string          `json:"content"`
	Type       string          `json:"type"`
	Metadata   json.RawMessage `json:"metadata"`
}

// handleCreateDocument upserts a document and queues it for indexing. A
// resubmission with unchanged content is a no-op; changed content re-queues.
func (s *Server) handleCreateDocument(c *gin.Context) {
	start := time.Now()
	key := apiKey(c)
	var body documentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondErr(c, errors.Wrap(err, errors.KindInvalidRequest, "invalid request body"))
		return
	}
	if body.ExternalID == "" || body.Content == "" {
		s.respondErr(c, errors.New(errors.KindInvalidRequest, "external_id and content are required"))
		return
	}
	docType := models.DocumentType(body.Type)
	switch docType {
	case models.DocumentTypeText, models.DocumentTypeMarkdown, models.DocumentTypeHTML,
		models.DocumentTypePDF, models.DocumentTypeURL:
	case "":
		docType = models.DocumentTypeText
	default:
		s.respondErr(c, errors.Newf(errors.KindInvalidRequest, "unsupported document type %q", body.Type))
		return
	}

	datasourceID, err := s.resolveDatasource(c)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	hash := contentHash(body.Content)

	doc, err := s.documents.GetByExternalID(c.Request.Context(), datasourceID, body.ExternalID)
	switch {
	case err == nil:
		if doc.ContentHash == hash {
			respond(c, http.StatusOK, doc, meta{ProcessingTimeMS: elapsedMS(start)})
			return
		}
		if err := s.documents.Resubmit(c.Request.Context(), doc.ID, body.Content, hash); err != nil {
			s.respondErr(c, err)
			return
		}
		doc.Content = body.Content
		doc.ContentHash = hash
		doc.Status = models.DocumentStatusQueued
	case errors.IsKind(err, errors.KindNotFound):
		doc = &models.Document{
			ID:           uuid.New(),
			OrgID:        key.OrgID,
			DatasourceID: datasourceID,
			ExternalID:   body.ExternalID,
			Content:      body.Content,
			ContentHash:  hash,
			Type:         docType,
			Status:       models.DocumentStatusQueued,
			Metadata:     body.Metadata,
		}
		if err := s.documents.Create(c.Request.Context(), doc); err != nil {
			s.respondErr(c, err)
			return
		}
	default:
		s.respondErr(c, err)
		return
	}

	if _, err := s.jobs.Enqueue(c.Request.Context(), &queue.Job{
		ID:         queue.IndexJobID(doc.ID, hash),
		Type:       queue.JobTypeIndex,
		DocumentID: doc.ID,
	}); err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusAccepted, doc, meta{ProcessingTimeMS: elapsedMS(start)})
}

func (s *Server) handleGetDocument(c *gin.Context) {
	start := time.Now()
	datasourceID, err := s.resolveDatasource(c)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	doc, err := s.documents.GetByExternalID(c.Request.Context(), datasourceID, c.Param("document"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, doc, meta{ProcessingTimeMS: elapsedMS(start)})
}

type connectorRequest struct {
	Name            string          `json:"name"`
	Purpose         string          `json:"purpose"`
	Endpoint        string          `json:"endpoint"`
	Method          string          `json:"method"`
	ParameterSchema json.RawMessage `json:"parameter_schema"`
}

func (s *Server) handleCreateConnector(c *gin.Context) {
	start := time.Now()
	var body connectorRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondErr(c, errors.Wrap(err, errors.KindInvalidRequest, "invalid request body"))
		return
	}
	if body.Name == "" || body.Endpoint == "" {
		s.respondErr(c, errors.New(errors.KindInvalidRequest, "name and endpoint are required"))
		return
	}
	if err := s.endpoints.Check(c.Request.Context(), body.Endpoint); err != nil {
		s.respondErr(c, err)
		return
	}
	datasourceID, err := s.resolveDatasource(c)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	connector := &models.Connector{
		ID:              uuid.New(),
		OrgID:           apiKey(c).OrgID,
		DatasourceID:    datasourceID,
		Name:            body.Name,
		Purpose:         body.Purpose,
		Endpoint:        body.Endpoint,
		Method:          body.Method,
		ParameterSchema: body.ParameterSchema,
	}
	if err := s.connectors.Create(c.Request.Context(), connector); err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusCreated, connector, meta{ProcessingTimeMS: elapsedMS(start)})
}

type agentRequest struct {
	ExternalID  string   `json:"external_id"`
	Name        string   `json:"name"`
	Purpose     string   `json:"purpose"`
	Datasources []string `json:"datasources"`
}

// handleCreateAgent creates a named datasource grouping. Every listed
// datasource must already exist.
func (s *Server) handleCreateAgent(c *gin.Context) {
	start := time.Now()
	var body agentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondErr(c, errors.Wrap(err, errors.KindInvalidRequest, "invalid request body"))
		return
	}
	if body.ExternalID == "" {
		s.respondErr(c, errors.New(errors.KindInvalidRequest, "external_id is required"))
		return
	}
	key := apiKey(c)
	ids, err := s.datasources.ResolveExternalIDs(c.Request.Context(), key.OrgID, body.Datasources)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	if len(ids) != len(body.Datasources) {
		s.respondErr(c, errors.New(errors.KindNotFound, "unknown datasource in agent scope"))
		return
	}
	agent := &models.Agent{
		ID:         uuid.New(),
		OrgID:      key.OrgID,
		ExternalID: body.ExternalID,
		Name:       body.Name,
		Purpose:    body.Purpose,
	}
	for _, id := range ids {
		agent.DatasourceIDs = append(agent.DatasourceIDs, id.String())
	}
	if err := s.agents.Create(c.Request.Context(), agent); err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusCreated, agent, meta{ProcessingTimeMS: elapsedMS(start)})
}

// handleGetTransaction returns the decompressed reasoning log of a past
// transaction, scoped to the caller's organization.
func (s *Server) handleGetTransaction(c *gin.Context) {
	start := time.Now()
	transactionID, err := uuid.Parse(c.Param("transaction"))
	if err != nil {
		s.respondErr(c, errors.New(errors.KindInvalidRequest, "invalid transaction id"))
		return
	}
	log, err := s.ragLogs.GetRagLog(c.Request.Context(), apiKey(c).OrgID, transactionID)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	payload, err := reasoning.Decompress(log.Payload)
	if err != nil {
		s.respondErr(c, errors.Wrap(err, errors.KindInternal, "log decompression failed"))
		return
	}
	respond(c, http.StatusOK, json.RawMessage(payload), meta{
		ProcessingTimeMS: elapsedMS(start),
		TransactionID:    transactionID.String(),
	})
}

// resolveDatasource maps the :datasource path parameter to an internal id.
func (s *Server) resolveDatasource(c *gin.Context) (uuid.UUID, error) {
	external := c.Param("datasource")
	ids, err := s.datasources.ResolveExternalIDs(c.Request.Context(), apiKey(c).OrgID, []string{external})
	if err != nil {
		return uuid.Nil, err
	}
	if len(ids) == 0 {
		return uuid.Nil, errors.Newf(errors.KindNotFound, "unknown datasource %q", external)
	}
	return ids[0], nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
