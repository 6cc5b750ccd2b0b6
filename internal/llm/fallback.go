package llm

import (
	"context"

	"github.com/ragmesh/ragmesh/pkg/observability"
)

// FallbackClient tries the primary client and retries the request against a
// secondary provider on failure. The fallback carries its own model name since
// providers rarely share model identifiers.
type FallbackClient struct {
	primary       Client
	secondary     Client
	fallbackModel string
	logger        observability.Logger
}

// NewFallbackClient wraps primary with a secondary. A nil secondary degrades
// to the primary alone.
func NewFallbackClient(primary, secondary Client, fallbackModel string, logger observability.Logger) *FallbackClient {
	if logger == nil {
		logger = observability.NewLogger("llm.fallback")
	}
	return &FallbackClient{
		primary:       primary,
		secondary:     secondary,
		fallbackModel: fallbackModel,
		logger:        logger,
	}
}

// Complete runs the request, falling back to the secondary provider when the
// primary fails and the context is still live.
func (c *FallbackClient) Complete(ctx context.Context, req *Request) (*Completion, error) {
	out, err := c.primary.Complete(ctx, req)
	if err == nil {
		return out, nil
	}
	if c.secondary == nil || ctx.Err() != nil {
		return nil, err
	}

	c.logger.Warn("primary llm failed, falling back", map[string]interface{}{
		"error": err.Error(),
		"model": req.Model,
	})
	fallbackReq := *req
	if c.fallbackModel != "" {
		fallbackReq.Model = c.fallbackModel
	}
	return c.secondary.Complete(ctx, &fallbackReq)
}
