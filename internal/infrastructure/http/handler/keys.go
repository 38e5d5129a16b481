package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/jwt"
)

// KeysHandler lets operators force a signing key refresh after a rotation.
type KeysHandler struct {
	keys *jwt.KeyCache
}

func NewKeysHandler(keys *jwt.KeyCache) *KeysHandler {
	return &KeysHandler{keys: keys}
}

func (h *KeysHandler) Refresh(c *gin.Context) {
	if err := h.keys.Refresh(c.Request.Context()); err != nil {
		slog.Warn("forced key refresh failed", "error", err, "caller", c.GetString("service_name"))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "key_refresh_failed",
			"message": err.Error(),
		})
		return
	}
	slog.Info("signing keys refreshed on request", "caller", c.GetString("service_name"))
	c.Status(http.StatusNoContent)
}
