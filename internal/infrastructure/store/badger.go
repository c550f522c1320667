package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/domain/repository"
)

const checkpointPrefix = "checkpoint/"

var _ repository.CheckpointRepository = (*BadgerStore)(nil)

// BadgerStore persists checkpoints in a Badger database
type BadgerStore struct {
	db *badger.DB
}

// OpenOptions configures a Badger store
type OpenOptions struct {
	Path string
	// InMemory keeps the database off disk; Path is ignored
	InMemory bool
}

// OpenBadger opens or creates a Badger store
func OpenBadger(opts OpenOptions) (*BadgerStore, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" && !opts.InMemory {
		return nil, errors.New("store: path is required")
	}
	bopts := badger.DefaultOptions(path).WithLogger(nil)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the database
func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save creates or replaces a checkpoint
func (s *BadgerStore) Save(ctx context.Context, cp *entity.Checkpoint) error {
	if cp.ID == "" {
		return errors.New("store: checkpoint id is empty")
	}
	val, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("store: encode checkpoint: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(cp.ID), val)
	})
}

// GetByID retrieves checkpoint by ID
func (s *BadgerStore) GetByID(ctx context.Context, id string) (*entity.Checkpoint, error) {
	var cp entity.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, entity.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get checkpoint %s: %w", id, err)
	}
	return &cp, nil
}

// List retrieves checkpoints with filters, newest first
func (s *BadgerStore) List(ctx context.Context, filter repository.CheckpointFilter) ([]*entity.Checkpoint, error) {
	var out []*entity.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(checkpointPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var cp entity.Checkpoint
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cp)
			})
			if err != nil {
				return err
			}
			if filter.Match(&cp) {
				out = append(out, &cp)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: list checkpoints: %w", err)
	}
	return newestFirst(out, filter.Limit), nil
}

// Delete deletes checkpoint
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return entity.ErrCheckpointNotFound
			}
			return err
		}
		return txn.Delete(key(id))
	})
}

func key(id string) []byte {
	return []byte(checkpointPrefix + id)
}
