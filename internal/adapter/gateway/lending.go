package gateway

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zono819/leverage-loop/internal/domain/entity"
)

// LendingMarket defines interaction with a Compound-style lending market.
// Every method acts on behalf of a single account. Mutating calls return
// only after the change is final on the ledger.
type LendingMarket interface {
	// Account returns the address whose position is managed
	Account() common.Address

	// Supply deposits underlying and receives receipt tokens
	Supply(ctx context.Context, market entity.MarketConfig, amount *big.Int) error

	// Redeem burns receipt tokens for underlying
	Redeem(ctx context.Context, market entity.MarketConfig, receiptAmount *big.Int) error

	// Borrow draws underlying against the account's collateral
	Borrow(ctx context.Context, market entity.MarketConfig, amount *big.Int) error

	// Repay returns borrowed underlying
	Repay(ctx context.Context, market entity.MarketConfig, amount *big.Int) error

	// ClaimReward claims accrued reward token in the given markets
	ClaimReward(ctx context.Context, receiptHandles []common.Address) error

	// AccountLiquidity retrieves account-wide liquidity and shortfall
	AccountLiquidity(ctx context.Context) (*entity.AccountLiquidity, error)

	// ExchangeRate retrieves receipt-to-underlying rate as a 1e18 mantissa
	ExchangeRate(ctx context.Context, market entity.MarketConfig) (*big.Int, error)

	// CollateralFactor retrieves the protocol collateral factor as a 1e18 mantissa
	CollateralFactor(ctx context.Context, market entity.MarketConfig) (*big.Int, error)

	// SupplyBalance retrieves the account's receipt token balance
	SupplyBalance(ctx context.Context, market entity.MarketConfig) (*big.Int, error)

	// BorrowBalance retrieves the account's outstanding debt including interest
	BorrowBalance(ctx context.Context, market entity.MarketConfig) (*big.Int, error)

	// TokenBalance retrieves the account's wallet balance of token
	TokenBalance(ctx context.Context, token common.Address) (*big.Int, error)

	// RewardToken returns the reward token handle
	RewardToken() common.Address

	// RewardAccrued retrieves claimable reward not yet transferred
	RewardAccrued(ctx context.Context) (*big.Int, error)

	// RewardSpeeds retrieves per-block supply and borrow reward emission for a market
	RewardSpeeds(ctx context.Context, market entity.MarketConfig) (supply *big.Int, borrow *big.Int, err error)

	// MarketTotals retrieves market-wide supply and borrows
	MarketTotals(ctx context.Context, market entity.MarketConfig) (*entity.MarketTotals, error)
}

// ExactRewardAccrual is implemented by markets that can say whether
// RewardAccrued includes accrual since the account's last interaction
type ExactRewardAccrual interface {
	RewardAccruedExact() bool
}
