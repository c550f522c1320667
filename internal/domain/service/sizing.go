package service

import (
	"math/big"

	"github.com/zono819/leverage-loop/internal/domain/entity"
)

// Sizing math for loop, corrector and unwind steps.
// All inputs are native units or 1e18 mantissas; results never go negative.

// ToUnderlying converts receipt units to underlying units, rounding down
func ToUnderlying(receipt, exchangeRate *big.Int) *big.Int {
	if receipt == nil || exchangeRate == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(receipt, exchangeRate)
	return out.Quo(out, entity.Mantissa)
}

// ToReceipt converts underlying units to receipt units, rounding down
func ToReceipt(underlying, exchangeRate *big.Int) *big.Int {
	if underlying == nil || exchangeRate == nil || exchangeRate.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(underlying, entity.Mantissa)
	return out.Quo(out, exchangeRate)
}

// BorrowCapacity returns supplyReceipt*exchangeRate*factor - debt in underlying units
func BorrowCapacity(supplyReceipt, exchangeRate, factor, debt *big.Int) *big.Int {
	limit := ToUnderlying(supplyReceipt, exchangeRate)
	limit.Mul(limit, factor)
	limit.Quo(limit, entity.Mantissa)
	limit.Sub(limit, orZero(debt))
	if limit.Sign() < 0 {
		return new(big.Int)
	}
	return limit
}

// RequiredCollateral returns the fewest receipt units that keep debt within factor
func RequiredCollateral(exchangeRate, factor, debt *big.Int) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return new(big.Int)
	}
	// underlying needed so that needed*factor/1e18 >= debt
	needed := ceilDiv(new(big.Int).Mul(debt, entity.Mantissa), factor)
	// receipt units so that receipt*rate/1e18 >= needed
	return ceilDiv(new(big.Int).Mul(needed, entity.Mantissa), exchangeRate)
}

// FreeToWithdraw returns receipt units redeemable without pushing debt past factor.
// The result is bounded by [0, supplyReceipt].
func FreeToWithdraw(supplyReceipt, exchangeRate, factor, debt *big.Int) *big.Int {
	supply := orZero(supplyReceipt)
	if debt == nil || debt.Sign() == 0 {
		return new(big.Int).Set(supply)
	}
	if factor == nil || factor.Sign() == 0 || exchangeRate == nil || exchangeRate.Sign() == 0 {
		return new(big.Int)
	}
	free := new(big.Int).Sub(supply, RequiredCollateral(exchangeRate, factor, debt))
	if free.Sign() < 0 {
		return new(big.Int)
	}
	return free
}

// WithinFactor reports debt <= collateral*factor/1e18 without rounding
func WithinFactor(debt, collateral, factor *big.Int) bool {
	lhs := new(big.Int).Mul(orZero(debt), entity.Mantissa)
	rhs := new(big.Int).Mul(orZero(collateral), orZero(factor))
	return lhs.Cmp(rhs) <= 0
}

// MinBig returns the smaller of a and b
func MinBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func ceilDiv(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
