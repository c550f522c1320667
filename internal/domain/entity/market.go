package entity

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Mantissa is the fixed-point scale for exchange rates, factors and ratios (1e18)
var Mantissa = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// MarketConfig describes one lending market the engine may operate in.
// Factors are 1e18 mantissas; 0.95 is 950000000000000000.
type MarketConfig struct {
	Symbol           string
	ReceiptHandle    common.Address
	UnderlyingHandle common.Address
	TargetFactor     *big.Int
	MaxFactor        *big.Int
	SwapFeeTier      uint32
	// Dust is the borrow size below which a loop or corrector step is skipped.
	// Nil uses the engine default.
	Dust *big.Int
}

// Validate checks 0 < TargetFactor < MaxFactor < 1e18 and that handles are set
func (m *MarketConfig) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidMarket)
	}
	if m.ReceiptHandle == (common.Address{}) {
		return fmt.Errorf("%w: %s: receipt handle is required", ErrInvalidMarket, m.Symbol)
	}
	if m.UnderlyingHandle == (common.Address{}) {
		return fmt.Errorf("%w: %s: underlying handle is required", ErrInvalidMarket, m.Symbol)
	}
	if m.TargetFactor == nil || m.TargetFactor.Sign() <= 0 {
		return fmt.Errorf("%w: %s: target factor must be positive", ErrInvalidMarket, m.Symbol)
	}
	if m.MaxFactor == nil || m.TargetFactor.Cmp(m.MaxFactor) >= 0 {
		return fmt.Errorf("%w: %s: target factor must be below max factor", ErrInvalidMarket, m.Symbol)
	}
	if m.MaxFactor.Cmp(Mantissa) >= 0 {
		return fmt.Errorf("%w: %s: max factor must be below 1", ErrInvalidMarket, m.Symbol)
	}
	if m.Dust != nil && m.Dust.Sign() < 0 {
		return fmt.Errorf("%w: %s: dust must not be negative", ErrInvalidMarket, m.Symbol)
	}
	return nil
}

// Clone returns a deep copy
func (m MarketConfig) Clone() MarketConfig {
	out := m
	out.TargetFactor = cloneBig(m.TargetFactor)
	out.MaxFactor = cloneBig(m.MaxFactor)
	out.Dust = cloneBig(m.Dust)
	return out
}

func cloneBig(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}

// DustOr returns the market dust threshold, or fallback when unset
func (m *MarketConfig) DustOr(fallback *big.Int) *big.Int {
	if m.Dust != nil {
		return m.Dust
	}
	if fallback == nil {
		return new(big.Int)
	}
	return fallback
}

// MarketTotals holds market-wide supply and borrow totals
type MarketTotals struct {
	TotalSupply  *big.Int // receipt units
	TotalBorrows *big.Int // underlying units
}

// Head represents a new chain head observed by the block feed
type Head struct {
	Number    uint64
	Hash      common.Hash
	Timestamp time.Time
}
