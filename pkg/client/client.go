package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// RegistryClient registers a backend instance with the gateway and keeps
// its lease alive until Shutdown.
type RegistryClient struct {
	*caller

	mu                sync.RWMutex
	instanceID        string
	heartbeatInterval time.Duration
	lastRegisterReq   RegisterRequest
	registered        bool
	stopped           bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewRegistryClient(gatewayURL, serviceName string, opts ...Option) (*RegistryClient, error) {
	c, err := newCaller(gatewayURL, serviceName, opts)
	if err != nil {
		return nil, err
	}
	return &RegistryClient{caller: c, stopCh: make(chan struct{})}, nil
}

// Register announces the instance, retrying transient failures, and starts
// the heartbeat loop.
func (c *RegistryClient) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	if req.ServiceName == "" {
		req.ServiceName = c.serviceName
	}

	c.mu.Lock()
	if c.registered {
		c.mu.Unlock()
		return nil, fmt.Errorf("already registered, call Shutdown first")
	}
	if c.stopped {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is shut down")
	}
	c.lastRegisterReq = req
	c.mu.Unlock()

	resp, err := c.register(ctx, req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()

	c.startHeartbeat()

	c.logger.Info("service registered",
		"instance_id", resp.InstanceID,
		"heartbeat_interval", resp.HeartbeatInterval,
		"lease_seconds", resp.LeaseSeconds,
	)
	return resp, nil
}

func (c *RegistryClient) register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	err := c.retry(ctx, "register", func() error {
		return c.postJSON(ctx, "/internal/registry/register", req, &resp, http.StatusCreated)
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.instanceID = resp.InstanceID
	c.heartbeatInterval = time.Duration(resp.HeartbeatInterval) * time.Second
	c.mu.Unlock()
	return &resp, nil
}

func (c *RegistryClient) reregister(ctx context.Context) error {
	c.mu.RLock()
	req := c.lastRegisterReq
	c.mu.RUnlock()

	resp, err := c.register(ctx, req)
	if err != nil {
		return err
	}
	c.logger.Info("service re-registered",
		"instance_id", resp.InstanceID,
		"heartbeat_interval", resp.HeartbeatInterval,
	)
	return nil
}

func (c *RegistryClient) Deregister(ctx context.Context) error {
	c.mu.RLock()
	instanceID := c.instanceID
	c.mu.RUnlock()

	if instanceID == "" {
		return nil
	}

	err := c.postJSON(ctx, "/internal/registry/deregister",
		map[string]string{"instance_id": instanceID}, nil, http.StatusOK)
	var se *StatusError
	if err != nil && !(errors.As(err, &se) && se.StatusCode == http.StatusNotFound) {
		return fmt.Errorf("deregister: %w", err)
	}

	c.mu.Lock()
	c.instanceID = ""
	c.mu.Unlock()

	c.logger.Info("service deregistered", "instance_id", instanceID)
	return nil
}

// Shutdown stops the heartbeat loop and deregisters the instance.
func (c *RegistryClient) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out waiting for heartbeat to stop")
	}

	return c.Deregister(ctx)
}

func (c *RegistryClient) InstanceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instanceID
}
