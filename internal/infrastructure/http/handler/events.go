package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

type EventMetrics interface {
	EventPublished(eventType domain.EventType)
}

type PublishEventRequest struct {
	ID         string           `json:"id"`
	Type       domain.EventType `json:"type" binding:"required"`
	Key        string           `json:"key"`
	Payload    json.RawMessage  `json:"payload"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// EventsHandler accepts domain events from producing services and puts them
// on the event channel.
type EventsHandler struct {
	publisher domain.EventPublisher
	metrics   EventMetrics
}

func NewEventsHandler(publisher domain.EventPublisher, metrics EventMetrics) *EventsHandler {
	return &EventsHandler{publisher: publisher, metrics: metrics}
}

func (h *EventsHandler) Publish(c *gin.Context) {
	var req PublishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	event := domain.DomainEvent{
		ID:         req.ID,
		Type:       req.Type,
		Key:        req.Key,
		Payload:    req.Payload,
		OccurredAt: req.OccurredAt,
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "malformed_event",
			"message": err.Error(),
		})
		return
	}

	if err := h.publisher.Publish(c.Request.Context(), event); err != nil {
		slog.Error("publishing event failed", "event_id", event.ID, "type", event.Type, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "publish_failed",
			"message": "event channel unavailable",
		})
		return
	}

	if h.metrics != nil {
		h.metrics.EventPublished(event.Type)
	}
	c.JSON(http.StatusAccepted, gin.H{"event_id": event.ID})
}
