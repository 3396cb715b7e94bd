// Package server exposes a store over HTTP.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akmistry/stepmap/internal/store"
)

var (
	ErrNilFacade = errors.New("server: nil facade")
)

// Facade is the store surface served over HTTP.
type Facade interface {
	Get(key int64) string
	Assign(begin, end int64, value string) error
	Default() string
	Breakpoints() []store.Breakpoint
	Snapshot() error
}

var _ = (Facade)((*store.Store)(nil))

type endpoint struct {
	method  string
	path    string
	handler gin.HandlerFunc
}

type assignRequest struct {
	Begin *int64  `json:"begin" binding:"required"`
	End   *int64  `json:"end" binding:"required"`
	Value *string `json:"value" binding:"required"`
}

type breakpointResponse struct {
	Key   int64  `json:"key"`
	Value string `json:"value"`
}

type Server struct {
	facade   Facade
	gatherer prometheus.Gatherer
}

// New returns a server for facade. Metrics are served from gatherer when
// it is non-nil.
func New(facade Facade, gatherer prometheus.Gatherer) (*Server, error) {
	if facade == nil {
		return nil, ErrNilFacade
	}
	return &Server{
		facade:   facade,
		gatherer: gatherer,
	}, nil
}

func (s *Server) endpoints() []endpoint {
	return []endpoint{
		{http.MethodGet, "/v1/lookup/:key", s.lookup},
		{http.MethodPost, "/v1/assign", s.assign},
		{http.MethodGet, "/v1/breakpoints", s.breakpoints},
		{http.MethodPost, "/v1/snapshot", s.snapshot},
	}
}

// Handler returns the router for every endpoint.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger)
	for _, e := range s.endpoints() {
		r.Handle(e.method, e.path, e.handler)
	}
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

func requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	slog.Debug("HTTP request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func internalError(c *gin.Context, err error) {
	slog.Error("Request failed", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *Server) lookup(c *gin.Context) {
	key, err := strconv.ParseInt(c.Param("key"), 0, 64)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": s.facade.Get(key)})
}

func (s *Server) assign(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.facade.Assign(*req.Begin, *req.End, *req.Value); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

func (s *Server) breakpoints(c *gin.Context) {
	bps := s.facade.Breakpoints()
	resp := make([]breakpointResponse, 0, len(bps))
	for _, bp := range bps {
		resp = append(resp, breakpointResponse{Key: bp.Key, Value: bp.Value})
	}
	c.JSON(http.StatusOK, gin.H{"default": s.facade.Default(), "breakpoints": resp})
}

func (s *Server) snapshot(c *gin.Context) {
	if err := s.facade.Snapshot(); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}
