package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"semcache/engine"
	"semcache/provider"
	"semcache/store"
	"semcache/usage"
)

type queryRequest struct {
	Prompt              json.RawMessage `json:"prompt" binding:"required"`
	Model               string          `json:"model" binding:"required"`
	SimilarityThreshold *float64        `json:"similarity_threshold"`
	Context             *string         `json:"context"`
	IncludeDebug        bool            `json:"include_debug"`
	Stream              bool            `json:"stream"`
}

type queryResponse struct {
	CacheHit        bool          `json:"cache_hit"`
	Response        string        `json:"response"`
	SimilarityScore *float64      `json:"similarity_score"`
	CostSaved       float64       `json:"cost_saved"`
	LLMProvider     string        `json:"llm_provider"`
	Debug           *engine.Debug `json:"debug,omitempty"`
}

func (s *Server) handleQuery(c *gin.Context) {
	if c.ContentType() != "application/json" {
		abortDetail(c, http.StatusBadRequest, "content-type must be application/json")
		return
	}
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortDetail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Stream {
		abortDetail(c, http.StatusUnprocessableEntity, "streaming requests are not cacheable; call the provider directly")
		return
	}
	var prompt string
	if err := json.Unmarshal(req.Prompt, &prompt); err != nil {
		abortDetail(c, http.StatusUnprocessableEntity, "prompt must be a text string")
		return
	}

	threshold := s.cfg.DefaultThreshold
	if req.SimilarityThreshold != nil {
		threshold = *req.SimilarityThreshold
	}
	contextText := ""
	if req.Context != nil {
		contextText = *req.Context
	}

	result, err := s.engine.Query(c.Request.Context(), &engine.Request{
		Project:      currentProject(c),
		APIKeyID:     currentKey(c).ID,
		Prompt:       prompt,
		Model:        req.Model,
		Threshold:    threshold,
		Context:      contextText,
		IncludeDebug: req.IncludeDebug,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, queryResponse{
		CacheHit:        result.CacheHit,
		Response:        result.Response,
		SimilarityScore: result.Similarity,
		CostSaved:       result.CostSaved,
		LLMProvider:     result.Provider,
		Debug:           result.Debug,
	})
}

func (s *Server) handleDeleteEntry(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		abortDetail(c, http.StatusBadRequest, "invalid entry id")
		return
	}
	err := s.engine.Delete(c.Request.Context(), currentProject(c).ID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			abortDetail(c, http.StatusNotFound, "cache entry not found")
			return
		}
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUsage(c *gin.Context) {
	project := currentProject(c)
	u, err := s.usage.Current(c.Request.Context(), project.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	tier := s.cfg.TierFor(project.Tier)
	c.JSON(http.StatusOK, gin.H{
		"period":        u.Period,
		"queries":       u.Queries,
		"cache_hits":    u.Hits,
		"cache_misses":  u.Misses,
		"cost_saved":    u.CostSaved,
		"monthly_quota": tier.MonthlyQuota,
	})
}

type credentialRequest struct {
	Secret string `json:"secret" binding:"required,min=8"`
}

func (s *Server) handlePutCredential(c *gin.Context) {
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortDetail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	cred := &store.ProviderCredential{
		ProjectID: currentProject(c).ID,
		Provider:  c.Param("provider"),
		Secret:    req.Secret,
		UpdatedAt: time.Now(),
	}
	if err := s.store.PutCredential(c.Request.Context(), cred); err != nil {
		s.writeError(c, err)
		return
	}
	// The secret is never echoed back.
	c.JSON(http.StatusOK, gin.H{"provider": cred.Provider, "updated_at": cred.UpdatedAt})
}

type createProjectRequest struct {
	Name string `json:"name" binding:"required,projectname"`
	Tier string `json:"tier" binding:"omitempty,oneof=free pro"`
}

func (s *Server) handleCreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortDetail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Tier == "" {
		req.Tier = "free"
	}

	project := &store.Project{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Tier:      req.Tier,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateProject(c.Request.Context(), project); err != nil {
		s.writeError(c, err)
		return
	}

	rawKey, hash, err := GenerateKey()
	if err != nil {
		s.writeError(c, err)
		return
	}
	key := &store.APIKey{
		ID:        uuid.New().String(),
		ProjectID: project.ID,
		Hash:      hash,
		State:     store.KeyStateActive,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateAPIKey(c.Request.Context(), key); err != nil {
		s.writeError(c, err)
		return
	}

	// The raw key is shown exactly once, at creation.
	c.JSON(http.StatusCreated, gin.H{
		"project_id": project.ID,
		"tier":       project.Tier,
		"api_key":    rawKey,
		"api_key_id": key.ID,
	})
}

func (s *Server) handleRevokeKey(c *gin.Context) {
	err := s.store.RevokeAPIKey(c.Request.Context(), c.Param("id"), time.Now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			abortDetail(c, http.StatusNotFound, "api key not found")
			return
		}
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps engine and provider errors onto the wire contract.
func (s *Server) writeError(c *gin.Context, err error) {
	var validation *engine.ValidationError
	var notCacheable *engine.NotCacheableError
	var rateLimited *engine.RateLimitedError
	var quota *usage.QuotaError
	var unavailable *engine.ServiceUnavailableError
	var providerErr *provider.Error

	switch {
	case errors.As(err, &validation):
		abortDetail(c, http.StatusBadRequest, validation.Detail)

	case errors.As(err, &notCacheable):
		abortDetail(c, http.StatusUnprocessableEntity, notCacheable.Detail)

	case errors.As(err, &rateLimited):
		res := rateLimited.Result
		retryAfter := int(time.Until(res.ResetAt).Seconds()) + 1
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"detail":      err.Error(),
			"retry_after": retryAfter,
		})

	case errors.As(err, &quota):
		retryAfter := secondsUntilNextMonth(time.Now())
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"detail":      fmt.Sprintf("monthly quota exceeded: %d of %d queries used", quota.Count, quota.Limit),
			"retry_after": retryAfter,
		})

	case errors.As(err, &unavailable):
		c.Header("Retry-After", strconv.Itoa(unavailable.RetryAfter))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"detail":      unavailable.Detail,
			"retry_after": unavailable.RetryAfter,
		})

	case errors.As(err, &providerErr):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
			"detail":   "upstream provider error: " + providerErr.Detail,
			"fallback": "call the provider directly and retry caching later",
		})

	default:
		abortDetail(c, http.StatusInternalServerError, "internal error")
	}
}

func secondsUntilNextMonth(now time.Time) int {
	y, m, _ := now.UTC().Date()
	next := time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
	return int(next.Sub(now).Seconds()) + 1
}
