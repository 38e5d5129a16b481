package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonx8/Question-and-answer-app/internal/application"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/http/handler"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/http/middleware"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/jwt"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/proxy"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/ratelimit"
)

type GatewayRoutes struct {
	EngineOptions

	Version   string
	StartTime time.Time
	CORS      middleware.CORSConfig

	Registry    *application.Registry
	ServiceAuth *middleware.ServiceAuth
	// Keys is nil when only a static verification key is configured.
	Keys     *jwt.KeyCache
	Pipeline *proxy.Pipeline

	InternalLimiter ratelimit.RateLimiter
	InternalRPM     int

	Readiness []handler.ReadinessCheck
}

// NewGatewayRouter mounts the gateway's own endpoints; every other request
// goes through the proxy pipeline.
func NewGatewayRouter(r GatewayRoutes) *gin.Engine {
	router := newEngine(r.EngineOptions)
	router.Use(middleware.CORS(r.CORS))

	router.GET("/health", handler.HealthHandler(r.StartTime, r.Version))
	router.GET("/ready", handler.ReadyHandler(2*time.Second, r.Readiness...))

	internal := router.Group("/internal")
	internal.Use(r.ServiceAuth.Authenticate())
	if r.InternalLimiter != nil {
		internal.Use(middleware.RateLimit(r.InternalLimiter, "gateway", r.InternalRPM))
	}

	registryHandler := handler.NewRegistryHandler(r.Registry)
	registry := internal.Group("/registry")
	{
		registry.POST("/register", registryHandler.Register)
		registry.POST("/heartbeat", registryHandler.Heartbeat)
		registry.POST("/deregister", registryHandler.Deregister)
		registry.GET("/services", registryHandler.ListServices)
		registry.GET("/services/:name", registryHandler.Lookup)
	}

	if r.Keys != nil {
		internal.POST("/auth/keys/refresh", handler.NewKeysHandler(r.Keys).Refresh)
	}

	router.NoRoute(r.Pipeline.Handle)
	return router
}
