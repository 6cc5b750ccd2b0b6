package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ragmesh/ragmesh/internal/retrieval"
	"github.com/ragmesh/ragmesh/pkg/errors"
)

// retrieveRequest is the shared body of the retrieval endpoints.
type retrieveRequest struct {
	Prompt      string   `json:"prompt"`
	Datasources []string `json:"datasources"`
	MaxTokens   int      `json:"max_tokens"`
	MaxChars    int      `json:"max_chars"`
	MaxChunks   int      `json:"max_chunks"`
	MaxResults  int      `json:"max_results"`
	UseHyDE     bool     `json:"use_hyde"`
}

// buildRetrieval resolves the caller's datasource scope into an internal
// retrieval request.
func (s *Server) buildRetrieval(c *gin.Context, body *retrieveRequest) (*retrieval.Request, error) {
	key := apiKey(c)
	if body.Prompt == "" {
		return nil, errors.New(errors.KindInvalidRequest, "prompt is required")
	}
	if len(body.Datasources) == 0 {
		return nil, errors.New(errors.KindInvalidRequest, "at least one datasource is required")
	}
	ids, err := s.datasources.ResolveExternalIDs(c.Request.Context(), key.OrgID, body.Datasources)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errors.New(errors.KindNotFound, "no matching datasources")
	}
	return &retrieval.Request{
		OrgID:         key.OrgID,
		APIKeyID:      key.ID,
		DatasourceIDs: ids,
		Prompt:        body.Prompt,
		MaxTokens:     body.MaxTokens,
		MaxChars:      body.MaxChars,
		MaxChunks:     body.MaxChunks,
		UseHyDE:       body.UseHyDE,
	}, nil
}

func (s *Server) handleRetrieveChunks(c *gin.Context) {
	start := time.Now()
	var body retrieveRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondErr(c, errors.Wrap(err, errors.KindInvalidRequest, "invalid request body"))
		return
	}
	req, err := s.buildRetrieval(c, &body)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	result, err := s.retrieval.RetrieveChunks(c.Request.Context(), req)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, result.Items, meta{
		Query:            body.Prompt,
		ProcessingTimeMS: elapsedMS(start),
		TransactionID:    result.TransactionID.String(),
	})
}

func (s *Server) handleRetrieveDocuments(c *gin.Context) {
	start := time.Now()
	var body retrieveRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondErr(c, errors.Wrap(err, errors.KindInvalidRequest, "invalid request body"))
		return
	}
	req, err := s.buildRetrieval(c, &body)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	result, err := s.retrieval.RetrieveDocuments(c.Request.Context(), req, body.MaxResults)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, result.Documents, meta{
		Query:            body.Prompt,
		ProcessingTimeMS: elapsedMS(start),
		TransactionID:    result.TransactionID.String(),
	})
}

func (s *Server) handleRetrieveQuestions(c *gin.Context) {
	start := time.Now()
	var body retrieveRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondErr(c, errors.Wrap(err, errors.KindInvalidRequest, "invalid request body"))
		return
	}
	req, err := s.buildRetrieval(c, &body)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	result, err := s.retrieval.RetrieveQuestions(c.Request.Context(), req, body.MaxResults)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, result.Items, meta{
		Query:            body.Prompt,
		ProcessingTimeMS: elapsedMS(start),
		TransactionID:    result.TransactionID.String(),
	})
}
