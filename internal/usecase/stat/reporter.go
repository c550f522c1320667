package stat

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/zono819/leverage-loop/internal/adapter/gateway"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/domain/service"
	"github.com/zono819/leverage-loop/internal/usecase/position"
)

// Reporter builds read-only reports of positions and rewards
type Reporter struct {
	market   gateway.LendingMarket
	accessor *position.Accessor
	registry *service.Registry
}

// NewReporter creates a new stat reporter
func NewReporter(market gateway.LendingMarket, accessor *position.Accessor, registry *service.Registry) *Reporter {
	return &Reporter{market: market, accessor: accessor, registry: registry}
}

// Coin reports the position in one market
func (r *Reporter) Coin(ctx context.Context, asset string) (*entity.CoinStat, error) {
	m, err := r.registry.Lookup(asset)
	if err != nil {
		return nil, err
	}
	pos, err := r.accessor.Snapshot(ctx, m)
	if err != nil {
		return nil, err
	}
	return CoinFromPosition(m, pos), nil
}

// CoinFromPosition derives a coin stat from a position snapshot
func CoinFromPosition(m entity.MarketConfig, pos *entity.Position) *entity.CoinStat {
	return &entity.CoinStat{
		Asset:              m.Symbol,
		SupplyReceipt:      pos.SupplyReceipt,
		SupplyUnderlying:   pos.SupplyUnderlying,
		Debt:               pos.Debt,
		Idle:               pos.Idle,
		ExchangeRate:       pos.ExchangeRate,
		CollateralFactor:   pos.CollateralFactor,
		TargetFactor:       m.TargetFactor,
		MaxFactor:          m.MaxFactor,
		Utilization:        pos.UtilizationRatio(),
		UtilizationLimit:   entity.UtilizationLimit(m.MaxFactor, pos.CollateralFactor),
		FreeToBorrowTarget: service.BorrowCapacity(pos.SupplyReceipt, pos.ExchangeRate, m.TargetFactor, pos.Debt),
		FreeToBorrowMax:    service.BorrowCapacity(pos.SupplyReceipt, pos.ExchangeRate, m.MaxFactor, pos.Debt),
		FreeToWithdraw:     service.FreeToWithdraw(pos.SupplyReceipt, pos.ExchangeRate, service.MinBig(m.MaxFactor, pos.CollateralFactor), pos.Debt),
	}
}

// Global reports the account across every registered market
func (r *Reporter) Global(ctx context.Context) (*entity.GlobalStat, error) {
	liq, err := r.accessor.AccountLiquidity(ctx)
	if err != nil {
		return nil, err
	}
	accrued, err := r.market.RewardAccrued(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: reward accrued: %w", entity.ErrMarketQueryFailed, err)
	}
	balance, err := r.market.TokenBalance(ctx, r.market.RewardToken())
	if err != nil {
		return nil, fmt.Errorf("%w: reward balance: %w", entity.ErrMarketQueryFailed, err)
	}

	stat := &entity.GlobalStat{
		Account:       r.market.Account(),
		Liquidity:     liq.Liquidity,
		Shortfall:     liq.Shortfall,
		RewardAccrued: accrued,
		RewardBalance: balance,
		At:            time.Now(),
	}
	for _, symbol := range r.registry.Symbols() {
		coin, err := r.Coin(ctx, symbol)
		if err != nil {
			return nil, err
		}
		stat.Coins = append(stat.Coins, *coin)
	}
	return stat, nil
}

// Comp reports reward emission for one market and this account's estimated share
func (r *Reporter) Comp(ctx context.Context, asset string) (*entity.CompStat, error) {
	m, err := r.registry.Lookup(asset)
	if err != nil {
		return nil, err
	}
	supplySpeed, borrowSpeed, err := r.market.RewardSpeeds(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("%w: reward speeds %s: %w", entity.ErrMarketQueryFailed, asset, err)
	}
	totals, err := r.market.MarketTotals(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("%w: market totals %s: %w", entity.ErrMarketQueryFailed, asset, err)
	}
	supply, err := r.accessor.CurrentSupply(ctx, m)
	if err != nil {
		return nil, err
	}
	debt, err := r.accessor.CurrentDebt(ctx, m)
	if err != nil {
		return nil, err
	}
	accrued, err := r.market.RewardAccrued(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: reward accrued: %w", entity.ErrMarketQueryFailed, err)
	}
	token := r.market.RewardToken()
	balance, err := r.market.TokenBalance(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: reward balance: %w", entity.ErrMarketQueryFailed, err)
	}

	estimate := share(supplySpeed, supply, totals.TotalSupply)
	estimate.Add(estimate, share(borrowSpeed, debt, totals.TotalBorrows))

	return &entity.CompStat{
		Asset:             m.Symbol,
		RewardToken:       token,
		SupplySpeed:       supplySpeed,
		BorrowSpeed:       borrowSpeed,
		Accrued:           accrued,
		Balance:           balance,
		EstimatedPerBlock: estimate,
	}, nil
}

func share(speed, mine, total *big.Int) *big.Int {
	if speed == nil || mine == nil || total == nil || total.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(speed, mine)
	return out.Quo(out, total)
}
