package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ragmesh/ragmesh/internal/chat"
	"github.com/ragmesh/ragmesh/pkg/errors"
)

// chatRequest is the body of POST /v1/chat.
type chatRequest struct {
	Query        string   `json:"query"`
	Agent        string   `json:"agent"`
	Datasources  []string `json:"datasources"`
	Conversation string   `json:"conversation"`
	TurnContext  string   `json:"turn_context"`
	Instructions string   `json:"instructions"`
	Grounded     *bool    `json:"grounded"`
	Stream       bool     `json:"stream"`
	MaxTokens    int      `json:"max_tokens"`
	MaxChars     int      `json:"max_chars"`
	MaxChunks    int      `json:"max_chunks"`
}

// streamEvent is one SSE payload. The final event carries the full response.
type streamEvent struct {
	Chunk    string         `json:"chunk"`
	Finished bool           `json:"finished"`
	Response *chat.Response `json:"response,omitempty"`
}

func (s *Server) handleChat(c *gin.Context) {
	start := time.Now()
	var body chatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondErr(c, errors.Wrap(err, errors.KindInvalidRequest, "invalid request body"))
		return
	}
	key := apiKey(c)
	req := &chat.Request{
		OrgID:                  key.OrgID,
		APIKey:                 key,
		Query:                  body.Query,
		AgentExternalID:        body.Agent,
		DatasourceExternalIDs:  body.Datasources,
		ConversationExternalID: body.Conversation,
		TurnContext:            body.TurnContext,
		Instructions:           body.Instructions,
		Grounded:               body.Grounded,
		ConnectorAuth:          c.GetHeader("X-Connector-Auth"),
		MaxTokens:              body.MaxTokens,
		MaxChars:               body.MaxChars,
		MaxChunks:              body.MaxChunks,
	}

	if !body.Stream {
		resp, err := s.chat.Chat(c.Request.Context(), req)
		if err != nil {
			s.respondErr(c, err)
			return
		}
		respond(c, http.StatusOK, resp, meta{
			Query:            body.Query,
			Model:            resp.Model,
			ProcessingTimeMS: elapsedMS(start),
			TransactionID:    resp.TransactionID.String(),
			Answered:         &resp.Answered,
		})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	writeEvent := func(payload interface{}) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		_, _ = c.Writer.Write([]byte("data: "))
		_, _ = c.Writer.Write(data)
		_, _ = c.Writer.Write([]byte("\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}

	// Intermediate events carry only the chunk; the final event is the full
	// envelope the non-streaming path would have returned.
	req.OnDelta = func(delta string) {
		writeEvent(gin.H{"data": streamEvent{Chunk: delta}})
	}
	resp, err := s.chat.Chat(c.Request.Context(), req)
	if err != nil {
		// Headers are out; the error rides the stream.
		writeEvent(gin.H{"data": streamEvent{Finished: true}})
		s.logger.Error("chat stream failed", map[string]interface{}{"error": err.Error()})
		return
	}
	writeEvent(envelope{
		Data: streamEvent{Finished: true, Response: resp},
		Meta: meta{
			Query:            body.Query,
			Model:            resp.Model,
			ProcessingTimeMS: elapsedMS(start),
			TransactionID:    resp.TransactionID.String(),
			Answered:         &resp.Answered,
		},
	})
}
