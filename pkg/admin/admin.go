// Package admin serves the HTTP admin surface: a health check, engine statistics and prometheus metrics.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/ryansann/kvs"
	"github.com/ryansann/kvs/pkg/engine"
	"github.com/ryansann/kvs/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Handler holds what the admin routes report on.
type Handler struct {
	log     *logrus.Logger
	engine  kvs.Engine
	metrics *metrics.Metrics
	// inflight reports open tcp connections, it may be nil
	inflight func() int64
	started  time.Time
}

// NewHandler returns a Handler for e. inflight may be nil when no tcp server is running.
func NewHandler(log *logrus.Logger, e kvs.Engine, m *metrics.Metrics, inflight func() int64) *Handler {
	return &Handler{
		log:      log,
		engine:   e,
		metrics:  m,
		inflight: inflight,
		started:  time.Now(),
	}
}

// Router returns a gin engine with every admin route registered.
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), h.logRequests)

	h.RegisterRoutes(r)

	return r
}

// RegisterRoutes registers the admin routes on r.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.Healthz)
	r.GET("/stats", h.Stats)
	r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
}

// Healthz reports that the process is up.
// GET /healthz
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"engine": h.engine.Name(),
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// Stats reports the engine's storage statistics.
// GET /stats
func (h *Handler) Stats(c *gin.Context) {
	res := gin.H{"storage": engine.Describe(h.engine)}

	if h.inflight != nil {
		res["connections"] = h.inflight()
	}

	c.JSON(http.StatusOK, res)
}

func (h *Handler) logRequests(c *gin.Context) {
	start := time.Now()

	c.Next()

	h.log.WithFields(logrus.Fields{
		"method":  c.Request.Method,
		"path":    c.Request.URL.Path,
		"status":  c.Writer.Status(),
		"elapsed": time.Since(start),
	}).Debug("admin request")
}

// Server runs the admin routes on an http server.
type Server struct {
	log *logrus.Logger
	srv *http.Server
}

// NewServer returns a Server that will listen on addr.
func NewServer(log *logrus.Logger, addr string, h *Handler) *Server {
	return &Server{
		log: log,
		srv: &http.Server{
			Addr:              addr,
			Handler:           h.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// ListenAndServe serves until Shutdown is called, it returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Infof("admin listening on %s", s.srv.Addr)

	err := s.srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(kvs.WithKind(kvs.ErrBind, err), "admin server on %s", s.srv.Addr)
	}

	return nil
}

// Shutdown stops the server, waiting for active requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
