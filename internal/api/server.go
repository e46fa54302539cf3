// Package api provides the HTTP surface: trigger endpoints for producers,
// event status and listing, stats, the config template generator and the
// live websocket stream.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/autopulse/internal/config"
	"github.com/mescon/autopulse/internal/db"
	"github.com/mescon/autopulse/internal/logger"
	"github.com/mescon/autopulse/internal/metrics"
	"github.com/mescon/autopulse/internal/service"
	"github.com/mescon/autopulse/internal/triggers"
)

// Server wires the gin router against the store and the reconciliation
// runner.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        *config.Config
	store      *db.Store
	runner     *service.Runner
	reg        *triggers.Registry
	metrics    *metrics.Service
	hub        *Hub
}

// ServerDeps contains everything the HTTP surface talks to.
type ServerDeps struct {
	Config   *config.Config
	Store    *db.Store
	Runner   *service.Runner
	Registry *triggers.Registry
	Metrics  *metrics.Service
	Hub      *Hub
}

func NewServer(deps ServerDeps) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Errorf("Panic in %s %s: %v", c.Request.Method, c.Request.URL.Path, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}))

	s := &Server{
		router:  r,
		cfg:     deps.Config,
		store:   deps.Store,
		runner:  deps.Runner,
		reg:     deps.Registry,
		metrics: deps.Metrics,
		hub:     deps.Hub,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Unauthenticated by convention: the version banner, the stats poll and
	// the Prometheus scrape endpoint.
	s.router.GET("/", s.handleRoot)
	s.router.GET("/stats", s.handleStats)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	protected := s.router.Group("")
	protected.Use(s.authMiddleware())
	{
		protected.POST("/login", s.handleLogin)
		protected.GET("/status/:id", s.handleStatus)
		protected.GET("/list", s.handleList)
		protected.GET("/triggers/:name", s.handleTriggerGet)
		protected.POST("/triggers/:name", s.handleTriggerPost)
		protected.GET("/api/config-template", s.handleConfigTemplate)
		if s.hub != nil {
			protected.GET("/ws", s.hub.HandleConnection)
		}
	}
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
