package application

import (
	"sync"
	"sync/atomic"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

type LoadBalancer interface {
	Select(instances []*domain.ServiceInstance) *domain.ServiceInstance
}

func NewLoadBalancer(strategy string) LoadBalancer {
	switch strategy {
	case "round_robin":
		return NewRoundRobinBalancer()
	default:
		return NewLeastRecentlyUsedBalancer()
	}
}

type RoundRobinBalancer struct {
	counter uint64
}

func NewRoundRobinBalancer() *RoundRobinBalancer {
	return &RoundRobinBalancer{}
}

func (r *RoundRobinBalancer) Select(instances []*domain.ServiceInstance) *domain.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}

	n := atomic.AddUint64(&r.counter, 1)
	idx := (n - 1) % uint64(len(instances))
	return instances[idx]
}

const lruMaxTracked = 4096

// LeastRecentlyUsedBalancer picks the candidate that was handed out longest
// ago; never-used instances win, ties go to the earlier candidate.
type LeastRecentlyUsedBalancer struct {
	mu       sync.Mutex
	seq      uint64
	lastUsed map[string]uint64
}

func NewLeastRecentlyUsedBalancer() *LeastRecentlyUsedBalancer {
	return &LeastRecentlyUsedBalancer{lastUsed: make(map[string]uint64)}
}

func (b *LeastRecentlyUsedBalancer) Select(instances []*domain.ServiceInstance) *domain.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	best := instances[0]
	bestSeq := b.lastUsed[best.ID]
	for _, inst := range instances[1:] {
		if seq := b.lastUsed[inst.ID]; seq < bestSeq {
			best, bestSeq = inst, seq
		}
	}

	if len(b.lastUsed) >= lruMaxTracked {
		clear(b.lastUsed)
	}
	b.seq++
	b.lastUsed[best.ID] = b.seq
	return best
}
