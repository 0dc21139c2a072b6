// Package api exposes the operational HTTP surface: health, metrics, and
// manual triggers for the batch refresh and the daily usage reset.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/credkeeper/credkeeper/internal/config"
	"github.com/credkeeper/credkeeper/internal/errors"
	"github.com/credkeeper/credkeeper/internal/logging"
	"github.com/credkeeper/credkeeper/internal/metrics"
	"github.com/credkeeper/credkeeper/internal/models"
	"github.com/credkeeper/credkeeper/internal/scheduler"
)

// Store is the read surface the ops endpoints need.
type Store interface {
	ListLiveAccounts() ([]*models.Account, error)
	ListAuditEvents(limit int) ([]*logging.AuditEvent, error)
}

// CacheProbe checks cache mirror liveness for the health report.
type CacheProbe interface {
	Enabled() bool
	Alive(ctx context.Context) bool
}

// Server is the ops HTTP server.
type Server struct {
	router     *gin.Engine
	config     config.ServerConfig
	store      Store
	batch      scheduler.BatchRunner
	reset      scheduler.ResetRunner
	cache      CacheProbe
	metrics    *metrics.Metrics
	logger     *logging.Logger
	httpServer *http.Server
	startedAt  time.Time
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates the ops server.
func NewServer(cfg config.ServerConfig, store Store, batch scheduler.BatchRunner, reset scheduler.ResetRunner, cache CacheProbe, m *metrics.Metrics) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := logging.NewLogger()

	server := &Server{
		router:    gin.New(),
		config:    cfg,
		store:     store,
		batch:     batch,
		reset:     reset,
		cache:     cache,
		metrics:   m,
		logger:    logger,
		startedAt: time.Now(),
	}
	server.router.HandleMethodNotAllowed = true

	server.router.Use(gin.Recovery())
	server.router.Use(metrics.Middleware(m, logger))
	server.router.Use(loggingMiddleware(logger))

	server.setupRoutes()
	return server
}

// loggingMiddleware provides structured logging for all requests
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.GenerateCorrelationID()
		}
		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		logger.InfoWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", time.Since(start).Seconds(),
		)
	}
}

func (s *Server) setupRoutes() {
	// No authentication on health and metrics
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	authMiddleware := APIKeyAuth(s.config.APIKeys, s.config.APIKeyHeader, s.logger)

	ops := s.router.Group("/ops")
	ops.Use(authMiddleware)
	{
		ops.POST("/batch", s.handleRunBatch)
		ops.POST("/reset", s.handleRunReset)
		ops.GET("/accounts", s.handleListAccounts)
		ops.GET("/audit", s.handleListAudit)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	accounts, err := s.store.ListLiveAccounts()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	cacheStatus := "disabled"
	if s.cache != nil && s.cache.Enabled() {
		cacheStatus = "unreachable"
		if s.cache.Alive(c.Request.Context()) {
			cacheStatus = "alive"
		}
	}

	enabled := len(models.AccountSlice(accounts).FilterEnabled())
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"uptime_seconds":   int(time.Since(s.startedAt).Seconds()),
		"accounts":         len(accounts),
		"enabled_accounts": enabled,
		"cache":            cacheStatus,
	})
}

func (s *Server) handleRunBatch(c *gin.Context) {
	// The pass can take a while with a large account set; run it detached
	// and answer immediately.
	go func() {
		if err := s.batch.RunBatch(context.Background()); err != nil {
			s.logger.Error("manually triggered batch failed", "error", err.Error())
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "batch started"})
}

func (s *Server) handleRunReset(c *gin.Context) {
	count, err := s.reset.DailyReset(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "reset_failed",
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset completed", "accounts": count})
}

func (s *Server) handleListAccounts(c *gin.Context) {
	accounts, err := s.store.ListLiveAccounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "list_failed",
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		})
		return
	}

	// Snapshots only: the raw credential blob never leaves the process.
	snapshots := make([]*models.Snapshot, 0, len(accounts))
	for _, acc := range accounts {
		snapshots = append(snapshots, acc.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"accounts": snapshots})
}

func (s *Server) handleListAudit(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be a positive integer",
				Code:    http.StatusBadRequest,
			})
			return
		}
		limit = parsed
	}

	events, err := s.store.ListAuditEvents(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "list_failed",
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info("starting ops server", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return &errors.ErrServerStart{Addr: addr, Err: err}
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down ops server")
	return s.httpServer.Shutdown(ctx)
}
