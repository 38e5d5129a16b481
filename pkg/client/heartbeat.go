package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

func (c *RegistryClient) currentInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.heartbeatInterval <= 0 {
		return 10 * time.Second
	}
	return c.heartbeatInterval
}

func (c *RegistryClient) startHeartbeat() {
	ctx, cancel := context.WithCancel(context.Background())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		go func() {
			select {
			case <-c.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		interval := c.currentInterval()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.beat(ctx)
				if next := c.currentInterval(); next != interval {
					interval = next
					ticker.Reset(interval)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// beat renews the lease once. An unknown instance means the gateway lost
// it, so the client registers again under a new id.
func (c *RegistryClient) beat(ctx context.Context) {
	err := c.sendHeartbeat(ctx)
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, ErrInstanceNotFound):
		c.logger.Warn("instance not found, attempting re-registration")
		if reErr := c.reregister(ctx); reErr != nil && ctx.Err() == nil {
			c.logger.Error("re-registration failed", "error", reErr)
		}
	default:
		c.logger.Warn("heartbeat failed", "error", err)
	}
}

func (c *RegistryClient) sendHeartbeat(ctx context.Context) error {
	c.mu.RLock()
	instanceID := c.instanceID
	c.mu.RUnlock()

	if instanceID == "" {
		return fmt.Errorf("not registered")
	}

	err := c.postJSON(ctx, "/internal/registry/heartbeat",
		map[string]string{"instance_id": instanceID}, nil, http.StatusOK)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return ErrInstanceNotFound
	}
	return err
}
