package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ragmesh/ragmesh/pkg/errors"
	"github.com/ragmesh/ragmesh/pkg/models"
	"github.com/ragmesh/ragmesh/pkg/observability"
)

const apiKeyContextKey = "ragmesh.api_key"

// KeySource looks up API keys by their stored hash.
type KeySource interface {
	GetByHash(ctx context.Context, hash string) (*models.APIKey, error)
}

// HashToken derives the stored hash of a bearer token. Tokens are never
// persisted; only the salted hash is.
func HashToken(salt, token string) string {
	sum := sha256.Sum256([]byte(salt + token))
	return hex.EncodeToString(sum[:])
}

type authenticator struct {
	keys   KeySource
	salt   string
	logger observability.Logger
}

func newAuthenticator(keys KeySource, salt string, logger observability.Logger) *authenticator {
	return &authenticator{keys: keys, salt: salt, logger: logger}
}

// middleware authenticates the bearer token and stores the key on the context.
func (a *authenticator) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			abortUnauthorized(c, "missing bearer token")
			return
		}
		key, err := a.keys.GetByHash(c.Request.Context(), HashToken(a.salt, token))
		if err != nil {
			if errors.IsKind(err, errors.KindNotFound) {
				abortUnauthorized(c, "invalid api key")
				return
			}
			a.logger.Error("api key lookup failed", map[string]interface{}{"error": err.Error()})
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{"kind": string(errors.KindInternal), "message": "internal error"},
			})
			return
		}
		c.Set(apiKeyContextKey, key)
		c.Next()
	}
}

// requireScope rejects keys missing the scope. It runs after authentication.
func requireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := apiKey(c)
		if key == nil || !key.HasScope(scope) {
			abortUnauthorized(c, "insufficient scope")
			return
		}
		c.Next()
	}
}

// apiKey returns the authenticated key, or nil outside the auth middleware.
func apiKey(c *gin.Context) *models.APIKey {
	v, ok := c.Get(apiKeyContextKey)
	if !ok {
		return nil
	}
	key, _ := v.(*models.APIKey)
	return key
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{"kind": string(errors.KindUnauthorized), "message": message},
	})
}
