package repository

import (
	"context"

	"github.com/zono819/leverage-loop/internal/domain/entity"
)

// CheckpointRepository defines checkpoint data access interface
type CheckpointRepository interface {
	// Save creates or replaces a checkpoint
	Save(ctx context.Context, cp *entity.Checkpoint) error

	// GetByID retrieves checkpoint by ID
	GetByID(ctx context.Context, id string) (*entity.Checkpoint, error)

	// List retrieves checkpoints with filters, newest first
	List(ctx context.Context, filter CheckpointFilter) ([]*entity.Checkpoint, error)

	// Delete deletes checkpoint
	Delete(ctx context.Context, id string) error
}

// CheckpointFilter represents filter for listing checkpoints
type CheckpointFilter struct {
	Asset  string
	Kind   entity.OperationKind
	Status entity.CheckpointStatus
	Limit  int
}

// Match reports whether cp passes the filter
func (f CheckpointFilter) Match(cp *entity.Checkpoint) bool {
	if f.Asset != "" && cp.Asset != f.Asset {
		return false
	}
	if f.Kind != "" && cp.Kind != f.Kind {
		return false
	}
	if f.Status != "" && cp.Status != f.Status {
		return false
	}
	return true
}
