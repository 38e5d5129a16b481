package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonx8/Question-and-answer-app/internal/domain"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/http/handler"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/http/middleware"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/ratelimit"
)

type NotifierRoutes struct {
	EngineOptions

	Version   string
	StartTime time.Time

	ServiceAuth *middleware.ServiceAuth
	Publisher   domain.EventPublisher
	Store       domain.NotificationStore
	// Inbox is nil when in-app delivery does not use the Redis inbox.
	Inbox        handler.InboxReader
	EventMetrics handler.EventMetrics

	InternalLimiter ratelimit.RateLimiter
	InternalRPM     int

	Readiness []handler.ReadinessCheck
}

func NewNotifierRouter(r NotifierRoutes) *gin.Engine {
	router := newEngine(r.EngineOptions)

	router.GET("/health", handler.HealthHandler(r.StartTime, r.Version))
	router.GET("/ready", handler.ReadyHandler(2*time.Second, r.Readiness...))

	internal := router.Group("/internal")
	internal.Use(r.ServiceAuth.Authenticate())
	if r.InternalLimiter != nil {
		internal.Use(middleware.RateLimit(r.InternalLimiter, "notifier", r.InternalRPM))
	}

	events := handler.NewEventsHandler(r.Publisher, r.EventMetrics)
	notifications := handler.NewNotificationsHandler(r.Store, r.Inbox)
	{
		internal.POST("/events", events.Publish)
		internal.GET("/notifications", notifications.ListByEvent)
		internal.GET("/inbox/:recipient", notifications.Inbox)
	}
	return router
}
