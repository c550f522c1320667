package service

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zono819/leverage-loop/internal/domain/entity"
)

// Registry maps asset symbols to market configurations.
// Entries are immutable once registered.
type Registry struct {
	mu        sync.RWMutex
	bySymbol  map[string]*entity.MarketConfig
	byReceipt map[common.Address]*entity.MarketConfig
	order     []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		bySymbol:  make(map[string]*entity.MarketConfig),
		byReceipt: make(map[common.Address]*entity.MarketConfig),
	}
}

// NewRegistryFrom builds a registry from a list of markets
func NewRegistryFrom(markets []entity.MarketConfig) (*Registry, error) {
	r := NewRegistry()
	for i := range markets {
		if err := r.Register(markets[i]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates and stores a market
func (r *Registry) Register(cfg entity.MarketConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySymbol[cfg.Symbol]; ok {
		return fmt.Errorf("%w: %s already registered", entity.ErrInvalidMarket, cfg.Symbol)
	}
	if _, ok := r.byReceipt[cfg.ReceiptHandle]; ok {
		return fmt.Errorf("%w: receipt %s already registered", entity.ErrInvalidMarket, cfg.ReceiptHandle.Hex())
	}

	stored := cfg.Clone()
	r.bySymbol[cfg.Symbol] = &stored
	r.byReceipt[cfg.ReceiptHandle] = &stored
	r.order = append(r.order, cfg.Symbol)
	return nil
}

// Lookup returns the market registered under symbol
func (r *Registry) Lookup(symbol string) (entity.MarketConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.bySymbol[symbol]
	if !ok {
		return entity.MarketConfig{}, fmt.Errorf("%w: %s", entity.ErrUnknownAsset, symbol)
	}
	return m.Clone(), nil
}

// LookupByReceipt returns the market whose receipt token is handle
func (r *Registry) LookupByReceipt(handle common.Address) (entity.MarketConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byReceipt[handle]
	if !ok {
		return entity.MarketConfig{}, fmt.Errorf("%w: receipt %s", entity.ErrUnknownAsset, handle.Hex())
	}
	return m.Clone(), nil
}

// Symbols returns registered symbols in registration order
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered markets
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
