package store

import (
	"context"
	"sort"
	"sync"

	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/domain/repository"
)

var _ repository.CheckpointRepository = (*MemoryStore)(nil)

// MemoryStore keeps checkpoints in process memory
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*entity.Checkpoint
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]*entity.Checkpoint)}
}

// Save creates or replaces a checkpoint
func (s *MemoryStore) Save(ctx context.Context, cp *entity.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cp
	s.checkpoints[cp.ID] = &c
	return nil
}

// GetByID retrieves checkpoint by ID
func (s *MemoryStore) GetByID(ctx context.Context, id string) (*entity.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, entity.ErrCheckpointNotFound
	}
	c := *cp
	return &c, nil
}

// List retrieves checkpoints with filters, newest first
func (s *MemoryStore) List(ctx context.Context, filter repository.CheckpointFilter) ([]*entity.Checkpoint, error) {
	s.mu.RLock()
	var out []*entity.Checkpoint
	for _, cp := range s.checkpoints {
		if filter.Match(cp) {
			c := *cp
			out = append(out, &c)
		}
	}
	s.mu.RUnlock()
	return newestFirst(out, filter.Limit), nil
}

// Delete deletes checkpoint
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[id]; !ok {
		return entity.ErrCheckpointNotFound
	}
	delete(s.checkpoints, id)
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

func newestFirst(cps []*entity.Checkpoint, limit int) []*entity.Checkpoint {
	sort.Slice(cps, func(i, j int) bool {
		if cps[i].StartedAt.Equal(cps[j].StartedAt) {
			return cps[i].ID > cps[j].ID
		}
		return cps[i].StartedAt.After(cps[j].StartedAt)
	})
	if limit > 0 && len(cps) > limit {
		cps = cps[:limit]
	}
	return cps
}
