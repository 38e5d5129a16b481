package notifystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*domain.NotificationRecord
	byKey map[domain.DedupKey]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*domain.NotificationRecord),
		byKey: make(map[domain.DedupKey]string),
	}
}

func (s *MemoryStore) CreateIfAbsent(_ context.Context, rec *domain.NotificationRecord) (*domain.NotificationRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[rec.Key()]; ok {
		return s.byID[id].Clone(), false, nil
	}
	stored := rec.Clone()
	s.byID[stored.ID] = stored
	s.byKey[stored.Key()] = stored.ID
	return stored.Clone(), true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, rec *domain.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[rec.ID]
	if !ok {
		return domain.ErrRecordNotFound
	}
	if cur.Version != rec.Version {
		return domain.ErrConflict
	}
	rec.Version++
	s.byID[rec.ID] = rec.Clone()
	return nil
}

func (s *MemoryStore) ListByEvent(_ context.Context, eventID string) ([]*domain.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.NotificationRecord
	for _, rec := range s.byID {
		if rec.EventID == eventID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.byID {
		if rec.Terminal() && rec.UpdatedAt.Before(cutoff) {
			delete(s.byID, id)
			delete(s.byKey, rec.Key())
			n++
		}
	}
	return n, nil
}
