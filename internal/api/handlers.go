package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mescon/autopulse/internal/config"
	"github.com/mescon/autopulse/internal/db"
	"github.com/mescon/autopulse/internal/logger"
	"github.com/mescon/autopulse/internal/triggers"
)

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"autopulse": config.Version})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.store.Stats()
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats": stats,
		"speed": s.runner.LastTickMillis(),
	})
}

// handleLogin is an auth probe: the middleware already rejected bad
// credentials by the time it runs.
func (s *Server) handleLogin(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	ev, err := s.store.Get(c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusOK, nil)
		return
	}
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (s *Server) handleList(c *gin.Context) {
	filter := db.ListFilter{
		Status: c.Query("status"),
		Search: c.Query("search"),
		Sort:   c.Query("sort"),
	}
	if filter.Sort != "" && !db.ValidSort(filter.Sort) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sort column"})
		return
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		filter.Limit = n
	}
	if v := c.Query("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid page"})
			return
		}
		filter.Page = n
	}

	events, err := s.store.List(filter)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

// handleTriggerGet enqueues a single event for manual-style triggers via
// query parameters. Webhook-style triggers must POST a body instead.
func (s *Server) handleTriggerGet(c *gin.Context) {
	trig, ok := s.reg.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown trigger"})
		return
	}
	if trig.AcceptsBody() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Trigger expects a webhook body, use POST"})
		return
	}
	if trig.Type() == config.TriggerNotify {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Notify triggers are fed by the filesystem watcher"})
		return
	}

	path := c.Query("path")
	if path == "" {
		path = c.Query("dir")
	}
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing path"})
		return
	}
	var hash *string
	if h := c.Query("hash"); h != "" {
		hash = &h
	}

	events, err := s.runner.Ingest(trig, []triggers.Hint{{Path: path, ExpectPresent: true}}, hash)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "events": events})
}

// handleTriggerPost enqueues the paths resolved from a producer webhook
// body.
func (s *Server) handleTriggerPost(c *gin.Context) {
	trig, ok := s.reg.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown trigger"})
		return
	}
	if !trig.AcceptsBody() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Trigger does not accept a body"})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}
	hints, err := trig.Paths(body)
	if err != nil {
		logger.Debugf("Rejected %s payload: %v", trig.Name(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed payload"})
		return
	}

	events, err := s.runner.Ingest(trig, hints, nil)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "events": events})
}

// respondStoreError hides store internals from the client.
func respondStoreError(c *gin.Context, err error) {
	logger.Errorf("Store error on %s: %v", c.Request.URL.Path, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
}
