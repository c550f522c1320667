package entity

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// CoinStat describes the engine's position in one market
type CoinStat struct {
	Asset              string
	SupplyReceipt      *big.Int
	SupplyUnderlying   *big.Int
	Debt               *big.Int
	Idle               *big.Int
	ExchangeRate       *big.Int
	CollateralFactor   *big.Int
	TargetFactor       *big.Int
	MaxFactor          *big.Int
	Utilization        *big.Int
	UtilizationLimit   *big.Int
	FreeToBorrowTarget *big.Int
	FreeToBorrowMax    *big.Int
	FreeToWithdraw     *big.Int // receipt units
}

// Fields returns the stat as log fields; ratios are rendered as decimals
func (s *CoinStat) Fields() map[string]interface{} {
	return map[string]interface{}{
		"asset":                 s.Asset,
		"supply_receipt":        bigString(s.SupplyReceipt),
		"supply_underlying":     bigString(s.SupplyUnderlying),
		"debt":                  bigString(s.Debt),
		"idle":                  bigString(s.Idle),
		"exchange_rate":         MantissaString(s.ExchangeRate),
		"collateral_factor":     MantissaString(s.CollateralFactor),
		"target_factor":         MantissaString(s.TargetFactor),
		"max_factor":            MantissaString(s.MaxFactor),
		"utilization":           MantissaString(s.Utilization),
		"utilization_limit":     MantissaString(s.UtilizationLimit),
		"free_to_borrow_target": bigString(s.FreeToBorrowTarget),
		"free_to_borrow_max":    bigString(s.FreeToBorrowMax),
		"free_to_withdraw":      bigString(s.FreeToWithdraw),
	}
}

// CompStat describes reward emission for one market
type CompStat struct {
	Asset             string
	RewardToken       common.Address
	SupplySpeed       *big.Int // per block, whole market
	BorrowSpeed       *big.Int
	Accrued           *big.Int
	Balance           *big.Int
	EstimatedPerBlock *big.Int // this account's share of both speeds
}

// Fields returns the stat as log fields
func (s *CompStat) Fields() map[string]interface{} {
	return map[string]interface{}{
		"asset":               s.Asset,
		"reward_token":        s.RewardToken.Hex(),
		"supply_speed":        bigString(s.SupplySpeed),
		"borrow_speed":        bigString(s.BorrowSpeed),
		"accrued":             bigString(s.Accrued),
		"balance":             bigString(s.Balance),
		"estimated_per_block": bigString(s.EstimatedPerBlock),
	}
}

// GlobalStat describes the account across all registered markets
type GlobalStat struct {
	Account       common.Address
	Liquidity     *big.Int
	Shortfall     *big.Int
	RewardAccrued *big.Int
	RewardBalance *big.Int
	Coins         []CoinStat
	At            time.Time
}

// Fields returns account-level log fields
func (s *GlobalStat) Fields() map[string]interface{} {
	return map[string]interface{}{
		"account":        s.Account.Hex(),
		"liquidity":      bigString(s.Liquidity),
		"shortfall":      bigString(s.Shortfall),
		"reward_accrued": bigString(s.RewardAccrued),
		"reward_balance": bigString(s.RewardBalance),
		"markets":        len(s.Coins),
	}
}

// MantissaString renders a 1e18 mantissa as a decimal string
func MantissaString(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x, -18).String()
}

// ParseMantissa parses a decimal string such as "0.95" into a 1e18 mantissa
func ParseMantissa(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return d.Shift(18).Truncate(0).BigInt(), nil
}

func bigString(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}
