package simulator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zono819/leverage-loop/internal/domain/entity"
)

// Method names used for call counting and fault injection
const (
	MethodSupply           = "supply"
	MethodRedeem           = "redeem"
	MethodBorrow           = "borrow"
	MethodRepay            = "repay"
	MethodClaimReward      = "claim_reward"
	MethodSwap             = "swap"
	MethodAccountLiquidity = "account_liquidity"
	MethodExchangeRate     = "exchange_rate"
	MethodCollateralFactor = "collateral_factor"
	MethodSupplyBalance    = "supply_balance"
	MethodBorrowBalance    = "borrow_balance"
	MethodTokenBalance     = "token_balance"
	MethodRewardAccrued    = "reward_accrued"
	MethodRewardSpeeds     = "reward_speeds"
	MethodMarketTotals     = "market_totals"
)

var mutatingMethods = []string{MethodSupply, MethodRedeem, MethodBorrow, MethodRepay, MethodClaimReward, MethodSwap}

// Account returns the simulated account
func (s *Simulator) Account() common.Address {
	return s.account
}

// RewardToken returns the reward token handle
func (s *Simulator) RewardToken() common.Address {
	return s.rewardToken
}

// Supply mints receipt tokens for amount of underlying
func (s *Simulator) Supply(ctx context.Context, cfg entity.MarketConfig, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, MethodSupply); err != nil {
		return err
	}
	m, err := s.mutable(cfg, ActionSupply, amount)
	if err != nil {
		return err
	}
	if err := s.debit(m.params.Underlying, amount); err != nil {
		return err
	}
	minted := new(big.Int).Mul(amount, entity.Mantissa)
	minted.Quo(minted, m.exchangeRate)
	m.supply.Add(m.supply, minted)
	m.cash.Add(m.cash, amount)
	return nil
}

// Redeem burns receipt tokens for underlying
func (s *Simulator) Redeem(ctx context.Context, cfg entity.MarketConfig, receiptAmount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, MethodRedeem); err != nil {
		return err
	}
	m, err := s.mutable(cfg, ActionRedeem, receiptAmount)
	if err != nil {
		return err
	}
	if m.supply.Cmp(receiptAmount) < 0 {
		return fmt.Errorf("%w: redeem %s of %s receipt", errInsufficientBalance, receiptAmount, m.supply)
	}
	proceeds := new(big.Int).Mul(receiptAmount, m.exchangeRate)
	proceeds.Quo(proceeds, entity.Mantissa)
	if m.cash.Cmp(proceeds) < 0 {
		return errInsufficientCash
	}

	m.supply.Sub(m.supply, receiptAmount)
	if _, shortfall := s.liquidity(); shortfall.Sign() > 0 {
		m.supply.Add(m.supply, receiptAmount)
		return fmt.Errorf("%w: redeem rejected by comptroller", entity.ErrInsufficientCollateral)
	}
	m.cash.Sub(m.cash, proceeds)
	s.credit(m.params.Underlying, proceeds)
	return nil
}

// Borrow draws underlying against collateral
func (s *Simulator) Borrow(ctx context.Context, cfg entity.MarketConfig, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, MethodBorrow); err != nil {
		return err
	}
	m, err := s.mutable(cfg, ActionBorrow, amount)
	if err != nil {
		return err
	}
	if m.cash.Cmp(amount) < 0 {
		return errInsufficientCash
	}

	m.debt.Add(m.debt, amount)
	if _, shortfall := s.liquidity(); shortfall.Sign() > 0 {
		m.debt.Sub(m.debt, amount)
		return fmt.Errorf("%w: borrow rejected by comptroller", entity.ErrInsufficientCollateral)
	}
	m.cash.Sub(m.cash, amount)
	s.credit(m.params.Underlying, amount)
	return nil
}

// Repay returns borrowed underlying
func (s *Simulator) Repay(ctx context.Context, cfg entity.MarketConfig, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, MethodRepay); err != nil {
		return err
	}
	m, err := s.mutable(cfg, ActionRepay, amount)
	if err != nil {
		return err
	}
	if amount.Cmp(m.debt) > 0 {
		return fmt.Errorf("%w: repay %s, owed %s", errRepayExceedsDebt, amount, m.debt)
	}
	if err := s.debit(m.params.Underlying, amount); err != nil {
		return err
	}
	m.debt.Sub(m.debt, amount)
	m.cash.Add(m.cash, amount)
	return nil
}

// ClaimReward transfers reward accrued in the given markets to the wallet
func (s *Simulator) ClaimReward(ctx context.Context, receiptHandles []common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, MethodClaimReward); err != nil {
		return err
	}
	for _, h := range receiptHandles {
		m, err := s.lookup(h)
		if err != nil {
			return err
		}
		s.credit(s.rewardToken, m.accrued)
		m.accrued = new(big.Int)
	}
	return nil
}

// AccountLiquidity returns liquidity and shortfall in price units
func (s *Simulator) AccountLiquidity(ctx context.Context) (*entity.AccountLiquidity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, MethodAccountLiquidity); err != nil {
		return nil, err
	}
	liq, shortfall := s.liquidity()
	return &entity.AccountLiquidity{Liquidity: liq, Shortfall: shortfall}, nil
}

// ExchangeRate returns the current exchange rate
func (s *Simulator) ExchangeRate(ctx context.Context, cfg entity.MarketConfig) (*big.Int, error) {
	return s.read(ctx, MethodExchangeRate, cfg, func(m *market) *big.Int { return m.exchangeRate })
}

// CollateralFactor returns the protocol collateral factor
func (s *Simulator) CollateralFactor(ctx context.Context, cfg entity.MarketConfig) (*big.Int, error) {
	return s.read(ctx, MethodCollateralFactor, cfg, func(m *market) *big.Int { return m.cf })
}

// SupplyBalance returns the account's receipt balance
func (s *Simulator) SupplyBalance(ctx context.Context, cfg entity.MarketConfig) (*big.Int, error) {
	return s.read(ctx, MethodSupplyBalance, cfg, func(m *market) *big.Int { return m.supply })
}

// BorrowBalance returns the account's debt
func (s *Simulator) BorrowBalance(ctx context.Context, cfg entity.MarketConfig) (*big.Int, error) {
	return s.read(ctx, MethodBorrowBalance, cfg, func(m *market) *big.Int { return m.debt })
}

// TokenBalance returns the account's wallet balance of token
func (s *Simulator) TokenBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, MethodTokenBalance); err != nil {
		return nil, err
	}
	return new(big.Int).Set(s.balance(token)), nil
}

// RewardAccrued returns reward accrued across all markets
func (s *Simulator) RewardAccrued(ctx context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, MethodRewardAccrued); err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, addr := range s.order {
		total.Add(total, s.markets[addr].accrued)
	}
	return total, nil
}

// RewardAccruedExact is true: rewards accrue on every mined block
func (s *Simulator) RewardAccruedExact() bool {
	return true
}

// RewardSpeeds returns per-block supply and borrow reward emission
func (s *Simulator) RewardSpeeds(ctx context.Context, cfg entity.MarketConfig) (*big.Int, *big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, MethodRewardSpeeds); err != nil {
		return nil, nil, err
	}
	m, err := s.lookup(cfg.ReceiptHandle)
	if err != nil {
		return nil, nil, err
	}
	return orZero(m.params.SupplySpeed), orZero(m.params.BorrowSpeed), nil
}

// MarketTotals returns market-wide supply and borrows
func (s *Simulator) MarketTotals(ctx context.Context, cfg entity.MarketConfig) (*entity.MarketTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, MethodMarketTotals); err != nil {
		return nil, err
	}
	m, err := s.lookup(cfg.ReceiptHandle)
	if err != nil {
		return nil, err
	}
	return &entity.MarketTotals{
		TotalSupply:  new(big.Int).Add(m.supply, m.otherSupply),
		TotalBorrows: new(big.Int).Add(m.debt, m.otherBorrows),
	}, nil
}

func (s *Simulator) read(ctx context.Context, method string, cfg entity.MarketConfig, get func(*market) *big.Int) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, method); err != nil {
		return nil, err
	}
	m, err := s.lookup(cfg.ReceiptHandle)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(get(m)), nil
}

func (s *Simulator) mutable(cfg entity.MarketConfig, action Action, amount *big.Int) (*market, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	m, err := s.lookup(cfg.ReceiptHandle)
	if err != nil {
		return nil, err
	}
	if m.params.Underlying != cfg.UnderlyingHandle {
		return nil, fmt.Errorf("simulator: %s: underlying mismatch", cfg.Symbol)
	}
	if m.paused[action] {
		return nil, fmt.Errorf("%w: %s %s", errPaused, action, cfg.Symbol)
	}
	return m, nil
}

// liquidity sums CF-weighted collateral against borrows across markets.
// Values are compared at full precision and reported in price units.
func (s *Simulator) liquidity() (*big.Int, *big.Int) {
	collateral := new(big.Int)
	borrows := new(big.Int)
	for _, addr := range s.order {
		m := s.markets[addr]
		price := s.prices[m.params.Underlying]
		if m.supply.Sign() > 0 {
			v := new(big.Int).Mul(m.supply, m.exchangeRate)
			v.Quo(v, entity.Mantissa)
			v.Mul(v, m.cf)
			v.Quo(v, entity.Mantissa)
			v.Mul(v, price)
			collateral.Add(collateral, v)
		}
		if m.debt.Sign() > 0 {
			borrows.Add(borrows, new(big.Int).Mul(m.debt, price))
		}
	}
	if collateral.Cmp(borrows) >= 0 {
		liq := collateral.Sub(collateral, borrows)
		return liq.Quo(liq, entity.Mantissa), new(big.Int)
	}
	shortfall := borrows.Sub(borrows, collateral)
	// any shortfall, however small, is reported as at least one unit
	shortfall.Add(shortfall, new(big.Int).Sub(entity.Mantissa, big.NewInt(1)))
	return new(big.Int), shortfall.Quo(shortfall, entity.Mantissa)
}
