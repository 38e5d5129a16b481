package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

func (r *Registry) Register(ctx context.Context, req *domain.RegisterRequest) (*domain.RegisterResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.now()
	lease := r.config.Lease()
	instance := &domain.ServiceInstance{
		ID:             uuid.New().String(),
		ServiceName:    req.ServiceName,
		Host:           req.Host,
		Port:           req.Port,
		Scheme:         req.Scheme,
		HealthURL:      req.HealthURL,
		Version:        req.Version,
		Capabilities:   req.Capabilities,
		Metadata:       req.Metadata,
		Status:         domain.StatusUp,
		LeaseExpiresAt: now.Add(lease),
		RegisteredAt:   now,
		LastHeartbeat:  now,
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.StoreTimeout)
	defer cancel()
	if err := r.store.SaveInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("save instance: %w", err)
	}

	r.update(func(instances map[string]*domain.ServiceInstance) {
		instances[instance.ID] = instance
	})

	slog.Info("instance registered",
		"instance_id", instance.ID,
		"service", instance.ServiceName,
		"address", instance.Address(),
		"lease", lease,
	)

	interval := int(r.config.HeartbeatInterval.Seconds())
	if interval < 1 {
		interval = 1
	}
	return &domain.RegisterResponse{
		InstanceID:        instance.ID,
		HeartbeatInterval: interval,
		LeaseSeconds:      int(lease.Seconds()),
		HeartbeatURL:      "/internal/registry/heartbeat",
	}, nil
}

// Deregister deletes the instance from the store, so replicas that have not
// seen it yet still drop it. When the store cannot be reached an instance
// known locally is removed here and its store lease expires it there.
func (r *Registry) Deregister(ctx context.Context, instanceID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.StoreTimeout)
	defer cancel()
	err := r.store.DeleteInstance(ctx, instanceID)
	_, known := r.snap.Load().instances[instanceID]

	switch {
	case errors.Is(err, domain.ErrInstanceNotFound):
		if !known {
			return domain.ErrInstanceNotFound
		}
	case err != nil:
		if !known {
			return fmt.Errorf("delete instance: %w", err)
		}
		slog.Warn("registry store delete failed, removing locally",
			"instance_id", instanceID,
			"error", err,
		)
	}

	r.update(func(instances map[string]*domain.ServiceInstance) {
		delete(instances, instanceID)
	})

	slog.Info("instance deregistered", "instance_id", instanceID)
	return nil
}
