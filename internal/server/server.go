// Package server exposes the indexing and query services over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/spetr/repograph/internal/index"
	"github.com/spetr/repograph/internal/query"
	"github.com/spetr/repograph/internal/store"
	"github.com/spetr/repograph/pkg/types"
)

// Server wires the services into a gin router.
type Server struct {
	store   *store.Unified
	indexer *index.Service
	queries *query.Service
	logger  *slog.Logger
	engine  *gin.Engine
}

// New creates the HTTP server.
func New(st *store.Unified, indexer *index.Service, queries *query.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		store:   st,
		indexer: indexer,
		queries: queries,
		logger:  logger,
		engine:  engine,
	}
	s.routes()
	return s
}

// Handler returns the underlying http.Handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) routes() {
	s.engine.GET("/api/v1/healthz", s.handleHealth)

	v1 := s.engine.Group("/api/v1")
	{
		v1.POST("/index", s.handleIndex)
		v1.GET("/index/status", s.handleIndexStatus)
		v1.GET("/index/jobs/:id", s.handleIndexJob)
		v1.POST("/index/cancel", s.handleIndexCancel)

		v1.POST("/query", s.handleQuery)
		v1.GET("/nodes/:id", s.handleGetNode)
		v1.GET("/nodes/:id/trace", s.handleTrace)
		v1.GET("/nodes/:id/related", s.handleRelated)

		v1.DELETE("/repos", s.handleRemoveRepo)
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// errorBody is the uniform error response shape.
type errorBody struct {
	Kind    types.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

// respondError maps the error taxonomy onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	kind := types.Kind(err)
	status := http.StatusInternalServerError
	switch kind {
	case types.KindNotFound:
		status = http.StatusNotFound
	case types.KindInvalidArgument, types.KindDanglingReference,
		types.KindCycle, types.KindParseError:
		status = http.StatusBadRequest
	case types.KindBackendUnavailable:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, errorBody{Kind: kind, Message: err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type indexRequest struct {
	RepoPath string `json:"repo_path"`
	Force    bool   `json:"force"`
}

func (s *Server) handleIndex(c *gin.Context) {
	var req indexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.ErrInvalidArgument)
		return
	}
	if req.RepoPath == "" {
		respondError(c, fmt.Errorf("%w: repo_path is required", types.ErrInvalidArgument))
		return
	}

	job, err := s.indexer.Enqueue(req.RepoPath, req.Force)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleIndexStatus(c *gin.Context) {
	repo := c.Query("repo_path")
	if repo == "" {
		c.JSON(http.StatusOK, s.indexer.Statuses())
		return
	}
	status, err := s.indexer.Status(repo)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleIndexJob(c *gin.Context) {
	job, err := s.indexer.Job(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type cancelRequest struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleIndexCancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.JobID == "" {
		respondError(c, types.ErrInvalidArgument)
		return
	}
	if err := s.indexer.Cancel(req.JobID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": req.JobID})
}

func (s *Server) handleQuery(c *gin.Context) {
	var req query.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.ErrInvalidArgument)
		return
	}
	results, err := s.queries.Query(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	if results == nil {
		results = []types.QueryResult{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleGetNode(c *gin.Context) {
	node, err := s.queries.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) handleTrace(c *gin.Context) {
	chain, err := s.queries.Trace(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chain": chain})
}

func (s *Server) handleRelated(c *gin.Context) {
	depth := 0
	if raw := c.Query("depth"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			respondError(c, types.ErrInvalidArgument)
			return
		}
		depth = parsed
	}

	results, err := s.queries.Related(c.Request.Context(), c.Param("id"), depth)
	if err != nil {
		respondError(c, err)
		return
	}
	if results == nil {
		results = []types.QueryResult{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleRemoveRepo(c *gin.Context) {
	repo := c.Query("path")
	if repo == "" {
		respondError(c, types.ErrInvalidArgument)
		return
	}
	removed, err := s.store.RemoveRepo(c.Request.Context(), repo)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
