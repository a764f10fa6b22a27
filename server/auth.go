package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"semcache/store"
)

const keyPrefix = "sc"

const (
	ctxKeyAPIKey  = "apiKey"
	ctxKeyProject = "project"
)

// HashKey is the stored form of an API key; raw keys are never persisted.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns a new bearer key and its storage hash.
func GenerateKey() (string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("fail to generate key bytes: %w", err)
	}
	key := fmt.Sprintf("%s_%s", keyPrefix, hex.EncodeToString(raw))
	return key, HashKey(key), nil
}

// authenticate resolves the bearer token to an active key and its project.
// Missing, unknown and revoked keys are all 401; revocation is immediate.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abortDetail(c, http.StatusUnauthorized, "missing authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortDetail(c, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		key, err := s.store.GetAPIKeyByHash(c.Request.Context(), HashKey(parts[1]))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				abortDetail(c, http.StatusUnauthorized, "invalid api key")
				return
			}
			abortDetail(c, http.StatusInternalServerError, "internal error")
			return
		}
		if key.State != store.KeyStateActive {
			abortDetail(c, http.StatusUnauthorized, "api key has been revoked")
			return
		}

		project, err := s.store.GetProject(c.Request.Context(), key.ProjectID)
		if err != nil {
			abortDetail(c, http.StatusUnauthorized, "api key has no project")
			return
		}

		c.Set(ctxKeyAPIKey, key)
		c.Set(ctxKeyProject, project)
		c.Next()
	}
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.adminToken == "" || c.GetHeader("X-Admin-Token") != s.adminToken {
			abortDetail(c, http.StatusUnauthorized, "invalid admin token")
			return
		}
		c.Next()
	}
}

func currentKey(c *gin.Context) *store.APIKey {
	return c.MustGet(ctxKeyAPIKey).(*store.APIKey)
}

func currentProject(c *gin.Context) *store.Project {
	return c.MustGet(ctxKeyProject).(*store.Project)
}

func abortDetail(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}
