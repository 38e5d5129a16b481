package domain

import (
	"errors"
	"fmt"
)

type RegisterRequest struct {
	ServiceName  string            `json:"service_name" binding:"required"`
	Host         string            `json:"host" binding:"required"`
	Port         int               `json:"port" binding:"required"`
	Scheme       string            `json:"scheme"`
	HealthURL    string            `json:"health_url"`
	Version      string            `json:"version"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata"`
}

func (r *RegisterRequest) Validate() error {
	if r.ServiceName == "" {
		return fmt.Errorf("%w: service_name is required", ErrInvalidRequest)
	}
	if r.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidRequest)
	}
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrInvalidRequest)
	}
	switch r.Scheme {
	case "":
		r.Scheme = "http"
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidRequest)
	}
	if r.HealthURL == "" {
		r.HealthURL = "/health"
	}
	return nil
}

type RegisterResponse struct {
	InstanceID        string `json:"instance_id"`
	HeartbeatInterval int    `json:"heartbeat_interval"`
	LeaseSeconds      int    `json:"lease_seconds"`
	HeartbeatURL      string `json:"heartbeat_url"`
}

type HeartbeatRequest struct {
	InstanceID string `json:"instance_id" binding:"required"`
}

type HeartbeatResponse struct {
	Status         string `json:"status"`
	LeaseExpiresAt string `json:"lease_expires_at"`
}

type DeregisterRequest struct {
	InstanceID string `json:"instance_id" binding:"required"`
}

// IsClientError reports whether err was caused by the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}
