package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

type InboxReader interface {
	Inbox(ctx context.Context, recipientID string, limit int64) ([]domain.Message, error)
}

const (
	defaultInboxLimit = 50
	maxInboxLimit     = 200
)

type NotificationsHandler struct {
	store domain.NotificationStore
	inbox InboxReader
}

// NewNotificationsHandler serves delivery records and, when inbox is not
// nil, the in-app inbox.
func NewNotificationsHandler(store domain.NotificationStore, inbox InboxReader) *NotificationsHandler {
	return &NotificationsHandler{store: store, inbox: inbox}
}

func (h *NotificationsHandler) ListByEvent(c *gin.Context) {
	eventID := c.Query("event_id")
	if eventID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "event_id is required",
		})
		return
	}

	records, err := h.store.ListByEvent(c.Request.Context(), eventID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": err.Error(),
		})
		return
	}
	if records == nil {
		records = []*domain.NotificationRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"event_id": eventID, "notifications": records})
}

func (h *NotificationsHandler) Inbox(c *gin.Context) {
	if h.inbox == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "inbox_disabled",
			"message": "in-app inbox is not configured",
		})
		return
	}

	limit := int64(defaultInboxLimit)
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxInboxLimit)
	}

	messages, err := h.inbox.Inbox(c.Request.Context(), c.Param("recipient"), limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "inbox_unavailable",
			"message": err.Error(),
		})
		return
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"recipient_id": c.Param("recipient"), "messages": messages})
}
