package position

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/zono819/leverage-loop/internal/adapter/gateway"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/domain/service"
)

// Accessor reads live position state from the lending market.
// Nothing is cached; every call goes to the market.
type Accessor struct {
	market gateway.LendingMarket
}

// NewAccessor creates a new position accessor
func NewAccessor(market gateway.LendingMarket) *Accessor {
	return &Accessor{market: market}
}

// Market returns the underlying lending market
func (a *Accessor) Market() gateway.LendingMarket {
	return a.market
}

// CurrentSupply returns the account's receipt balance
func (a *Accessor) CurrentSupply(ctx context.Context, m entity.MarketConfig) (*big.Int, error) {
	v, err := a.market.SupplyBalance(ctx, m)
	return v, wrap(err, "supply balance", m.Symbol)
}

// CurrentDebt returns the account's outstanding debt
func (a *Accessor) CurrentDebt(ctx context.Context, m entity.MarketConfig) (*big.Int, error) {
	v, err := a.market.BorrowBalance(ctx, m)
	return v, wrap(err, "borrow balance", m.Symbol)
}

// ExchangeRate returns the receipt-to-underlying exchange rate
func (a *Accessor) ExchangeRate(ctx context.Context, m entity.MarketConfig) (*big.Int, error) {
	v, err := a.market.ExchangeRate(ctx, m)
	return v, wrap(err, "exchange rate", m.Symbol)
}

// CollateralFactor returns the protocol collateral factor
func (a *Accessor) CollateralFactor(ctx context.Context, m entity.MarketConfig) (*big.Int, error) {
	v, err := a.market.CollateralFactor(ctx, m)
	return v, wrap(err, "collateral factor", m.Symbol)
}

// IdleBalance returns underlying held by the account but not supplied
func (a *Accessor) IdleBalance(ctx context.Context, m entity.MarketConfig) (*big.Int, error) {
	v, err := a.market.TokenBalance(ctx, m.UnderlyingHandle)
	return v, wrap(err, "idle balance", m.Symbol)
}

// AccountLiquidity returns account-wide liquidity and shortfall
func (a *Accessor) AccountLiquidity(ctx context.Context) (*entity.AccountLiquidity, error) {
	v, err := a.market.AccountLiquidity(ctx)
	return v, wrap(err, "account liquidity", "")
}

// Snapshot reads supply, debt, idle balance, exchange rate and collateral factor
func (a *Accessor) Snapshot(ctx context.Context, m entity.MarketConfig) (*entity.Position, error) {
	supply, err := a.CurrentSupply(ctx, m)
	if err != nil {
		return nil, err
	}
	debt, err := a.CurrentDebt(ctx, m)
	if err != nil {
		return nil, err
	}
	rate, err := a.ExchangeRate(ctx, m)
	if err != nil {
		return nil, err
	}
	cf, err := a.CollateralFactor(ctx, m)
	if err != nil {
		return nil, err
	}
	idle, err := a.IdleBalance(ctx, m)
	if err != nil {
		return nil, err
	}
	return &entity.Position{
		Asset:            m.Symbol,
		SupplyReceipt:    supply,
		SupplyUnderlying: service.ToUnderlying(supply, rate),
		Debt:             debt,
		Idle:             idle,
		ExchangeRate:     rate,
		CollateralFactor: cf,
		UpdatedAt:        time.Now(),
	}, nil
}

// CheckFactors verifies the market's max factor sits below the live collateral factor
func (a *Accessor) CheckFactors(ctx context.Context, m entity.MarketConfig) error {
	cf, err := a.CollateralFactor(ctx, m)
	if err != nil {
		return err
	}
	if m.MaxFactor.Cmp(cf) >= 0 {
		return fmt.Errorf("%w: %s max %s, collateral factor %s", entity.ErrFactorAboveCollateral,
			m.Symbol, entity.MantissaString(m.MaxFactor), entity.MantissaString(cf))
	}
	return nil
}

func wrap(err error, what, asset string) error {
	if err == nil {
		return nil
	}
	if asset == "" {
		return fmt.Errorf("%w: %s: %w", entity.ErrMarketQueryFailed, what, err)
	}
	return fmt.Errorf("%w: %s %s: %w", entity.ErrMarketQueryFailed, what, asset, err)
}
