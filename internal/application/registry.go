package application

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

type RegistryConfig struct {
	ServiceToken      string
	HeartbeatInterval time.Duration
	LeaseMultiplier   int
	StoreTimeout      time.Duration
	RefreshInterval   time.Duration
	RefreshMaxBackoff time.Duration
}

func (c RegistryConfig) Lease() time.Duration {
	m := c.LeaseMultiplier
	if m <= 0 {
		m = 3
	}
	interval := c.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return interval * time.Duration(m)
}

// RegistryMetrics receives registry gauges and failure counts.
type RegistryMetrics interface {
	SetInstances(service string, up int)
	RegistryRefreshFailed()
}

type RegistryOption func(*Registry)

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

func WithRegistryMetrics(m RegistryMetrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Registry serves lookups from an immutable snapshot that writers replace
// as a whole. Readers never take a lock.
type Registry struct {
	config  RegistryConfig
	store   domain.RegistryStore
	metrics RegistryMetrics
	now     func() time.Time

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type snapshot struct {
	instances map[string]*domain.ServiceInstance
	byService map[string][]*domain.ServiceInstance
	loadedAt  time.Time
}

func NewRegistry(cfg RegistryConfig, store domain.RegistryStore, opts ...RegistryOption) *Registry {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	r := &Registry{
		config: cfg,
		store:  store,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(newSnapshot(nil, r.now()))
	return r
}

func newSnapshot(instances map[string]*domain.ServiceInstance, at time.Time) *snapshot {
	s := &snapshot{
		instances: make(map[string]*domain.ServiceInstance, len(instances)),
		byService: make(map[string][]*domain.ServiceInstance),
		loadedAt:  at,
	}
	for id, inst := range instances {
		s.instances[id] = inst
		s.byService[inst.ServiceName] = append(s.byService[inst.ServiceName], inst)
	}
	for _, list := range s.byService {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	return s
}

// update applies fn to a copy of the current instance set and publishes it.
func (r *Registry) update(fn func(instances map[string]*domain.ServiceInstance)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishLocked(fn)
}

func (r *Registry) publishLocked(fn func(instances map[string]*domain.ServiceInstance)) {
	cur := r.snap.Load()
	next := make(map[string]*domain.ServiceInstance, len(cur.instances)+1)
	for id, inst := range cur.instances {
		next[id] = inst
	}
	fn(next)
	s := newSnapshot(next, r.now())
	r.snap.Store(s)
	r.reportLocked(cur, s)
}

func (r *Registry) reportLocked(prev, next *snapshot) {
	if r.metrics == nil {
		return
	}
	now := r.now()
	for service, list := range next.byService {
		up := 0
		for _, inst := range list {
			if inst.Available(now) {
				up++
			}
		}
		r.metrics.SetInstances(service, up)
	}
	for service := range prev.byService {
		if _, ok := next.byService[service]; !ok {
			r.metrics.SetInstances(service, 0)
		}
	}
}

func (r *Registry) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.config.StoreTimeout)
}
