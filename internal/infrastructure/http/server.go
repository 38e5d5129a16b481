package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/http/middleware"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/observability"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/tracing"
	"github.com/prometheus/client_golang/prometheus"
)

// Server wraps an http.Server around a gin engine.
type Server struct {
	httpServer *http.Server
}

func NewServer(port int, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Run serves until Shutdown; a clean shutdown returns nil.
func (s *Server) Run() error {
	slog.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// EngineOptions are the ambient settings shared by both binaries.
type EngineOptions struct {
	Production  bool
	ServiceName string
	Tracer      tracing.SpanExporter
	Metrics     *prometheus.Registry
}

func newEngine(opts EngineOptions) *gin.Engine {
	if opts.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = &tracing.NoopExporter{}
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.TraceMiddleware(middleware.NewW3CTraceProvider(), tracer, opts.ServiceName))
	router.Use(middleware.Logger())

	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(observability.Handler(opts.Metrics)))
	}
	return router
}
