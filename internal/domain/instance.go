package domain

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

type ServiceStatus string

const (
	StatusUp      ServiceStatus = "UP"
	StatusDown    ServiceStatus = "DOWN"
	StatusUnknown ServiceStatus = "UNKNOWN"
)

// ServiceInstance is never mutated once published in a registry snapshot;
// heartbeats and sweeps produce modified copies.
type ServiceInstance struct {
	ID             string            `json:"id"`
	ServiceName    string            `json:"service_name"`
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	Scheme         string            `json:"scheme,omitempty"`
	HealthURL      string            `json:"health_url,omitempty"`
	Version        string            `json:"version,omitempty"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Status         ServiceStatus     `json:"status"`
	LeaseExpiresAt time.Time         `json:"lease_expires_at"`
	RegisteredAt   time.Time         `json:"registered_at"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
}

func (i *ServiceInstance) Address() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

func (i *ServiceInstance) BaseURL() string {
	scheme := i.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, i.Address())
}

func (i *ServiceInstance) LeaseExpired(now time.Time) bool {
	return !now.Before(i.LeaseExpiresAt)
}

// Available reports whether the instance may be handed out by a lookup at now.
func (i *ServiceInstance) Available(now time.Time) bool {
	return i.Status == StatusUp && !i.LeaseExpired(now)
}

func (i *ServiceInstance) Clone() *ServiceInstance {
	c := *i
	if i.Capabilities != nil {
		c.Capabilities = append([]string(nil), i.Capabilities...)
	}
	if i.Metadata != nil {
		c.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Renewed returns a copy with the lease extended from now.
func (i *ServiceInstance) Renewed(now time.Time, lease time.Duration) *ServiceInstance {
	c := i.Clone()
	c.Status = StatusUp
	c.LastHeartbeat = now
	c.LeaseExpiresAt = now.Add(lease)
	return c
}

func (i *ServiceInstance) WithStatus(status ServiceStatus) *ServiceInstance {
	c := i.Clone()
	c.Status = status
	return c
}
