package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepLoop()

	if r.config.RefreshInterval > 0 {
		r.wg.Add(1)
		go r.refreshLoop()
	}
}

func (r *Registry) Stop() {
	r.once.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	interval := r.config.HeartbeatInterval / 2
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

// sweep marks instances with an expired lease DOWN and evicts them one
// lease period later.
func (r *Registry) sweep() {
	now := r.now()
	lease := r.config.Lease()
	var evicted []string

	r.mu.Lock()
	cur := r.snap.Load()
	changed := false
	for _, inst := range cur.instances {
		if inst.LeaseExpired(now) {
			changed = true
			break
		}
	}
	if changed {
		r.publishLocked(func(instances map[string]*domain.ServiceInstance) {
			for id, inst := range instances {
				if !inst.LeaseExpired(now) {
					continue
				}
				overdue := now.Sub(inst.LeaseExpiresAt)
				if overdue >= lease {
					delete(instances, id)
					evicted = append(evicted, id)
					slog.Info("evicting expired instance",
						"instance_id", id,
						"service", inst.ServiceName,
						"last_heartbeat", inst.LastHeartbeat,
					)
					continue
				}
				if inst.Status == domain.StatusUp {
					instances[id] = inst.WithStatus(domain.StatusDown)
					slog.Warn("lease expired, marking instance down",
						"instance_id", id,
						"service", inst.ServiceName,
						"overdue", overdue,
					)
				}
			}
		})
	}
	r.mu.Unlock()

	for _, id := range evicted {
		ctx, cancel := r.storeContext()
		if err := r.store.DeleteInstance(ctx, id); err != nil && !errors.Is(err, domain.ErrInstanceNotFound) {
			slog.Debug("registry store delete after eviction failed", "instance_id", id, "error", err)
		}
		cancel()
	}
}

// Refresh replaces the snapshot with the store's contents. On failure the
// previous snapshot stays in place. Local writes made while the store was
// being read win over the fetched list.
func (r *Registry) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.StoreTimeout)
	defer cancel()

	before := r.snap.Load().instances
	list, err := r.store.ListInstances(ctx)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RegistryRefreshFailed()
		}
		return fmt.Errorf("list instances: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishLocked(func(instances map[string]*domain.ServiceInstance) {
		fetched := make(map[string]*domain.ServiceInstance, len(list))
		for _, inst := range list {
			fetched[inst.ID] = inst
		}
		for id, inst := range instances {
			if before[id] != inst {
				fetched[id] = inst
			}
		}
		for id := range before {
			if _, ok := instances[id]; !ok {
				delete(fetched, id)
			}
		}
		clear(instances)
		maps.Copy(instances, fetched)
	})
	return nil
}

func (r *Registry) refreshLoop() {
	defer r.wg.Done()

	interval := r.config.RefreshInterval
	maxBackoff := r.config.RefreshMaxBackoff
	if maxBackoff < interval {
		maxBackoff = interval
	}

	delay := interval
	backoff := interval
	for {
		timer := time.NewTimer(delay)
		select {
		case <-r.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := r.Refresh(context.Background()); err != nil {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			delay = backoff
			slog.Warn("registry refresh failed, serving last known snapshot",
				"error", err,
				"retry_in", delay,
				"snapshot_age", r.SnapshotAge(),
			)
			continue
		}
		backoff = interval
		delay = interval
	}
}
