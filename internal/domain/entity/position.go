package entity

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/math"
)

// Position is a live snapshot of the engine's stake in one market.
// It is derived from market reads and never cached.
type Position struct {
	Asset            string
	SupplyReceipt    *big.Int // receipt token units
	SupplyUnderlying *big.Int // SupplyReceipt * ExchangeRate / 1e18
	Debt             *big.Int // underlying units
	Idle             *big.Int // underlying held by the account, not supplied
	ExchangeRate     *big.Int
	CollateralFactor *big.Int
	UpdatedAt        time.Time
}

// HasDebt returns true if the position owes anything
func (p *Position) HasDebt() bool {
	return p.Debt != nil && p.Debt.Sign() > 0
}

// UtilizationRatio returns Debt / (SupplyUnderlying * CollateralFactor) as a 1e18 mantissa.
// A position with debt and no collateral value reports MaxBig256.
func (p *Position) UtilizationRatio() *big.Int {
	return Utilization(p.Debt, p.SupplyUnderlying, p.CollateralFactor)
}

// Utilization computes debt / (collateral * factor) as a 1e18 mantissa
func Utilization(debt, collateral, factor *big.Int) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return new(big.Int)
	}
	denom := new(big.Int)
	if collateral != nil && factor != nil {
		denom.Mul(collateral, factor)
	}
	if denom.Sign() == 0 {
		return new(big.Int).Set(math.MaxBig256)
	}
	num := new(big.Int).Mul(debt, Mantissa)
	num.Mul(num, Mantissa)
	return num.Quo(num, denom)
}

// UtilizationLimit returns maxFactor / collateralFactor as a 1e18 mantissa
func UtilizationLimit(maxFactor, collateralFactor *big.Int) *big.Int {
	if collateralFactor == nil || collateralFactor.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(maxFactor, Mantissa)
	return out.Quo(out, collateralFactor)
}

// AccountLiquidity is the market's view of the whole account
type AccountLiquidity struct {
	Liquidity *big.Int
	Shortfall *big.Int
}

// Healthy returns true if the account has no shortfall
func (a *AccountLiquidity) Healthy() bool {
	return a.Shortfall == nil || a.Shortfall.Sign() == 0
}
