package application

import (
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

// Lookup returns the UP instances of a service whose lease has not expired,
// ordered by instance id. It never blocks on the registry store.
func (r *Registry) Lookup(serviceName string) []*domain.ServiceInstance {
	list := r.snap.Load().byService[serviceName]
	if len(list) == 0 {
		return nil
	}

	now := r.now()
	out := make([]*domain.ServiceInstance, 0, len(list))
	for _, inst := range list {
		if inst.Available(now) {
			out = append(out, inst)
		}
	}
	return out
}

func (r *Registry) GetInstance(instanceID string) *domain.ServiceInstance {
	return r.snap.Load().instances[instanceID]
}

// Services returns every known instance, including DOWN ones, per service.
func (r *Registry) Services() map[string][]*domain.ServiceInstance {
	s := r.snap.Load()
	result := make(map[string][]*domain.ServiceInstance, len(s.byService))
	for name, list := range s.byService {
		result[name] = append([]*domain.ServiceInstance(nil), list...)
	}
	return result
}

// SnapshotAge reports how long ago the current snapshot was published.
func (r *Registry) SnapshotAge() time.Duration {
	return r.now().Sub(r.snap.Load().loadedAt)
}
