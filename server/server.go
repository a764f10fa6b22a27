// Package server is the HTTP surface: authentication, request validation
// and the mapping from engine errors to the wire error contract.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"semcache/config"
	"semcache/engine"
	"semcache/logger"
	"semcache/store"
	"semcache/usage"
)

// Server owns the router and the handler dependencies.
type Server struct {
	engine     *engine.Engine
	store      store.Store
	usage      *usage.Tracker
	cfg        *config.Config
	adminToken string
	router     *gin.Engine
}

func New(eng *engine.Engine, st store.Store, tracker *usage.Tracker, cfg *config.Config, adminToken string) *Server {
	if logger.Current() < logger.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		engine:     eng,
		store:      st,
		usage:      tracker,
		cfg:        cfg,
		adminToken: adminToken,
		router:     gin.New(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(gin.Recovery(), s.requestLog())

	v1 := s.router.Group("/v1", s.authenticate())
	v1.POST("/cache/query", s.handleQuery)
	v1.DELETE("/cache/entries/:id", s.handleDeleteEntry)
	v1.GET("/usage", s.handleUsage)
	v1.PUT("/providers/:provider/credential", s.handlePutCredential)

	admin := s.router.Group("/admin", s.requireAdmin())
	admin.POST("/projects", s.handleCreateProject)
	admin.POST("/keys/:id/revoke", s.handleRevokeKey)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the HTTP server.
func (s *Server) Run(port int) error {
	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting server at %s", addr)
	return s.router.Run(addr)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("%s %s [%d] (%dms)", c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
