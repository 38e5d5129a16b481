package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonx8/Question-and-answer-app/internal/application"
	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

// RegistryHandler serves the backend self-registration API. Callers are
// authenticated by the service auth middleware.
type RegistryHandler struct {
	registry *application.Registry
}

func NewRegistryHandler(registry *application.Registry) *RegistryHandler {
	return &RegistryHandler{registry: registry}
}

func (h *RegistryHandler) Register(c *gin.Context) {
	var req domain.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	resp, err := h.registry.Register(c.Request.Context(), &req)
	if err != nil {
		if domain.IsClientError(err) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}
		slog.Error("registration failed", "service", req.ServiceName, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "registration_failed",
			"message": "registry store unavailable",
		})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (h *RegistryHandler) Heartbeat(c *gin.Context) {
	var req domain.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	instance, err := h.registry.Heartbeat(c.Request.Context(), req.InstanceID)
	if err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "instance_not_found",
				"message": "the specified instance does not exist, register again",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "heartbeat_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, domain.HeartbeatResponse{
		Status:         "ok",
		LeaseExpiresAt: instance.LeaseExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *RegistryHandler) Deregister(c *gin.Context) {
	var req domain.DeregisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if err := h.registry.Deregister(c.Request.Context(), req.InstanceID); err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "instance_not_found",
				"message": "the specified instance does not exist",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deregister_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deregistered"})
}

type serviceSummary struct {
	Name      string                    `json:"name"`
	Available int                       `json:"available"`
	Instances []*domain.ServiceInstance `json:"instances"`
}

// ListServices returns every known instance, including DOWN ones, with the
// number currently handed out by lookups.
func (h *RegistryHandler) ListServices(c *gin.Context) {
	all := h.registry.Services()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	services := make([]serviceSummary, 0, len(names))
	for _, name := range names {
		services = append(services, serviceSummary{
			Name:      name,
			Available: len(h.registry.Lookup(name)),
			Instances: all[name],
		})
	}
	c.JSON(http.StatusOK, gin.H{"services": services})
}

func (h *RegistryHandler) Lookup(c *gin.Context) {
	name := c.Param("name")
	instances := h.registry.Lookup(name)
	if len(instances) == 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "service_not_found",
			"message": "no available instance for " + name,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": name, "instances": instances})
}
