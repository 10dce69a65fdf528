// Package gateway serves a reqsync.DurableStore over HTTP: JSON history and
// send endpoints, WebSocket and SSE live streams, signed outbound webhooks and
// Prometheus metrics. It is the server side of reqsync.RemoteStore.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reqdesk/reqsync"
)

// Server is the gateway. Create it with New and serve Handler or Run.
type Server struct {
	store    reqsync.DurableStore
	cfg      *Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *serverMetrics
	limiters *limiterPool
	webhooks *Dispatcher
	files    *FileStore
	engine   *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRegistry exposes metrics from reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// New builds a gateway over store.
func New(store reqsync.DurableStore, cfg *Config, opts ...Option) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = newServerMetrics(s.registry)
	s.limiters = newLimiterPool(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	s.files = NewFileStore(cfg.Uploads.Dir, cfg.Uploads.PublicURL, cfg.Uploads.MaxBytes)
	s.webhooks = NewDispatcher(cfg.Webhooks.URLs, cfg.Webhooks.Secret,
		WithDispatchTimeout(cfg.Webhooks.Timeout.Std()),
		WithDispatchRetries(cfg.Webhooks.MaxRetries),
		WithDispatchLogger(s.logger),
		WithDispatchMetrics(s.metrics),
	)
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Webhooks returns the outbound webhook dispatcher.
func (s *Server) Webhooks() *Dispatcher { return s.webhooks }

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.webhooks.Start(ctx)
	defer s.webhooks.Close()

	srv := &http.Server{
		Addr:              s.cfg.Server.Address,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", srv.Addr, "storage", s.cfg.Storage.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	s.logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) routes() *gin.Engine {
	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.observe())

	r.GET("/healthz", func(c *gin.Context) { ok(c, http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	r.GET("/files/:key/:name", s.serveFile)

	auth := s.authMiddleware()
	r.GET("/ws", auth, s.serveWS)
	r.GET("/sse", auth, s.serveSSE)

	api := r.Group("/api", auth)
	api.GET("/conversations/:conv/messages", s.listMessages)
	api.POST("/conversations/:conv/messages", s.rateLimit(), s.postMessage)
	api.POST("/conversations/:conv/read", s.markRead)
	api.GET("/attachments", s.listAttachments)
	api.POST("/messages/:id/attachments", s.postAttachment)
	api.GET("/unread", s.unread)
	api.POST("/files", s.rateLimit(), s.uploadFile)
	return r
}

// observe records request counts and latency by route.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.request(c.Request.Method, route, c.Writer.Status(), time.Since(start))
		s.logger.Debug("request", "method", c.Request.Method, "route", route,
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}

// ── Envelope ─────────────────────────────────────────────

func ok(c *gin.Context, status int, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		abort(c, http.StatusInternalServerError, "ENCODE_ERROR", err.Error())
		return
	}
	c.JSON(status, reqsync.APIResult{OK: true, Data: raw})
}

func abort(c *gin.Context, status int, code reqsync.ErrorKind, msg string) {
	c.AbortWithStatusJSON(status, reqsync.APIResult{Error: &reqsync.APIError{Code: string(code), Message: msg}})
}

// fail maps a store error onto a status code.
func (s *Server) fail(c *gin.Context, op string, err error) {
	switch reqsync.KindOf(err) {
	case reqsync.KindInvalidInput:
		abort(c, http.StatusBadRequest, reqsync.KindInvalidInput, err.Error())
	case reqsync.KindUnauthorized:
		abort(c, http.StatusForbidden, reqsync.KindUnauthorized, err.Error())
	default:
		s.logger.Error(op+" failed", "error", err)
		abort(c, http.StatusInternalServerError, "STORE_ERROR", op+" failed")
	}
}
