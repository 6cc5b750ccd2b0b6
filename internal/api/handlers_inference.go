package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ragmesh/ragmesh/internal/llm"
	"github.com/ragmesh/ragmesh/pkg/errors"
)

// inferenceRequest is the body of POST /v1/inference. Either a bare prompt or
// a full message list may be supplied.
type inferenceRequest struct {
	Model       string        `json:"model"`
	Prompt      string        `json:"prompt"`
	Messages    []llm.Message `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	JSONOutput  bool          `json:"json_output"`
}

type inferenceResponse struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// handleInference runs a direct completion without retrieval or tools.
func (s *Server) handleInference(c *gin.Context) {
	start := time.Now()
	if s.llm == nil {
		s.respondErr(c, errors.New(errors.KindLLMUnavailable, "inference is not configured"))
		return
	}
	var body inferenceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondErr(c, errors.Wrap(err, errors.KindInvalidRequest, "invalid request body"))
		return
	}
	messages := body.Messages
	if body.Prompt != "" {
		messages = append(messages, llm.Message{Role: "user", Content: body.Prompt})
	}
	if len(messages) == 0 {
		s.respondErr(c, errors.New(errors.KindInvalidRequest, "prompt or messages is required"))
		return
	}
	model := body.Model
	if model == "" {
		model = s.defaultModel
	}

	out, err := s.llm.Complete(c.Request.Context(), &llm.Request{
		Model:       model,
		Messages:    messages,
		Temperature: body.Temperature,
		MaxTokens:   body.MaxTokens,
		JSONOutput:  body.JSONOutput,
	})
	if err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, inferenceResponse{
		Content:          out.Content,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, meta{
		Query:            body.Prompt,
		Model:            out.Model,
		ProcessingTimeMS: elapsedMS(start),
	})
}
