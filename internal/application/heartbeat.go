package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

// Heartbeat renews the instance lease. When the store is unreachable the
// lease is renewed in the local snapshot only.
func (r *Registry) Heartbeat(ctx context.Context, instanceID string) (*domain.ServiceInstance, error) {
	now := r.now()
	lease := r.config.Lease()

	ctx, cancel := context.WithTimeout(ctx, r.config.StoreTimeout)
	defer cancel()

	renewed, err := r.store.RenewLease(ctx, instanceID, now, lease)
	if err != nil {
		if errors.Is(err, domain.ErrInstanceNotFound) {
			return nil, domain.ErrInstanceNotFound
		}

		local, ok := r.snap.Load().instances[instanceID]
		if !ok {
			return nil, domain.ErrInstanceNotFound
		}
		slog.Warn("registry store unreachable, renewing lease locally",
			"instance_id", instanceID,
			"error", err,
		)
		renewed = local.Renewed(now, lease)
	}

	r.update(func(instances map[string]*domain.ServiceInstance) {
		instances[instanceID] = renewed
	})
	return renewed, nil
}
