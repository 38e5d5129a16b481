package registrystore

import (
	"context"
	"sync"
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

// MemoryStore keeps instances in process. It backs single-replica gateways
// and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*domain.ServiceInstance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*domain.ServiceInstance)}
}

func (s *MemoryStore) SaveInstance(_ context.Context, instance *domain.ServiceInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[instance.ID] = instance.Clone()
	return nil
}

func (s *MemoryStore) RenewLease(_ context.Context, instanceID string, now time.Time, lease time.Duration) (*domain.ServiceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, domain.ErrInstanceNotFound
	}
	renewed := inst.Renewed(now, lease)
	s.instances[instanceID] = renewed
	return renewed.Clone(), nil
}

func (s *MemoryStore) DeleteInstance(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[instanceID]; !ok {
		return domain.ErrInstanceNotFound
	}
	delete(s.instances, instanceID)
	return nil
}

func (s *MemoryStore) ListInstances(_ context.Context) ([]*domain.ServiceInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ServiceInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.Clone())
	}
	return out, nil
}
