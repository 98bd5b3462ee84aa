// Package server serves the price service HTTP API: health, feed stats,
// quotes and screen management.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rickgao/coinpulse/internal/connection"
	"github.com/rickgao/coinpulse/internal/price"
	"github.com/rickgao/coinpulse/internal/version"
)

// Pinger is a dependency checked by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthResponse is served on /health.
type HealthResponse struct {
	Status     string         `json:"status"`
	Feed       string         `json:"feed"`
	Components map[string]any `json:"components"`
}

// WatchRequest is the body of the watch/unwatch endpoints.
type WatchRequest struct {
	CoinIDs []string `json:"coinIds" binding:"required"`
}

// Server exposes the price service over HTTP.
type Server struct {
	feed    connection.Feed
	tracker *price.Tracker
	screens *price.Registry
	checks  map[string]Pinger
	extra   map[string]func() any
	logger  *slog.Logger
	engine  *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithHealthCheck adds a named dependency to /health. A failing check makes
// the service unhealthy.
func WithHealthCheck(name string, p Pinger) Option {
	return func(s *Server) {
		s.checks[name] = p
	}
}

// WithStats adds a named stats section to /feed.
func WithStats(name string, fn func() any) Option {
	return func(s *Server) {
		s.extra[name] = fn
	}
}

// New builds the router.
func New(feed connection.Feed, tracker *price.Tracker, screens *price.Registry, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		feed:    feed,
		tracker: tracker,
		screens: screens,
		checks:  make(map[string]Pinger),
		extra:   make(map[string]func() any),
		logger:  logger.With("component", "http"),
		engine:  gin.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.getHealth)
	s.engine.GET("/version", s.getVersion)
	s.engine.GET("/feed", s.getFeed)

	s.engine.GET("/quotes", s.getQuotes)
	s.engine.GET("/quotes/:coin", s.getQuote)

	s.engine.GET("/screens", s.listScreens)
	s.engine.GET("/screens/:name", s.getScreen)
	s.engine.POST("/screens/:name/watch", s.watch)
	s.engine.POST("/screens/:name/unwatch", s.unwatch)
	s.engine.DELETE("/screens/:name", s.closeScreen)
}

// requestLogger logs each request at debug level.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) getHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	state := s.feed.State()
	health := HealthResponse{
		Status:     StatusHealthy,
		Feed:       state.String(),
		Components: make(map[string]any),
	}

	// REST fallback keeps quotes moving, so a failed socket only degrades.
	if state != connection.Connected {
		health.Status = StatusDegraded
	}

	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			health.Status = StatusUnhealthy
			health.Components[name] = gin.H{"status": "down", "error": err.Error()}
			continue
		}
		health.Components[name] = "up"
	}

	status := http.StatusOK
	if health.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

func (s *Server) getVersion(c *gin.Context) {
	c.JSON(http.StatusOK, version.Current())
}

func (s *Server) getFeed(c *gin.Context) {
	body := gin.H{
		"feed":         s.feed.Stats(),
		"active_coins": s.feed.ActiveCoins(),
		"tracker":      s.tracker.Stats(),
	}
	for name, fn := range s.extra {
		body[name] = fn()
	}
	c.JSON(http.StatusOK, body)
}

// getQuotes returns the latest quotes, optionally filtered by ?ids=a,b.
func (s *Server) getQuotes(c *gin.Context) {
	ids := splitIDs(c.Query("ids"))
	c.JSON(http.StatusOK, gin.H{"quotes": s.tracker.Snapshot(ids...)})
}

func (s *Server) getQuote(c *gin.Context) {
	q, ok := s.tracker.Quote(c.Param("coin"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no quote for coin"})
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) listScreens(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"screens": s.screens.Names()})
}

func (s *Server) getScreen(c *gin.Context) {
	screen, ok := s.screens.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "screen not found"})
		return
	}
	c.JSON(http.StatusOK, screen.State())
}

func (s *Server) watch(c *gin.Context) {
	var req WatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	screen, err := s.screens.Open(c.Param("name"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := screen.Watch(req.CoinIDs...); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, screen.State())
}

func (s *Server) unwatch(c *gin.Context) {
	var req WatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	screen, ok := s.screens.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "screen not found"})
		return
	}
	if err := screen.Unwatch(req.CoinIDs...); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, screen.State())
}

func (s *Server) closeScreen(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.screens.Get(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "screen not found"})
		return
	}
	if err := s.screens.Remove(name); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps domain errors to HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, price.ErrNoCoins), errors.Is(err, price.ErrEmptyName),
		errors.Is(err, connection.ErrEmptyOwner):
		status = http.StatusBadRequest
	case errors.Is(err, price.ErrScreenClosed), errors.Is(err, price.ErrRegistryClosed),
		errors.Is(err, connection.ErrAlreadyClosed):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func splitIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
