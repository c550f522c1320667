package corrector

import (
	"context"
	"math/big"

	"github.com/zono819/leverage-loop/internal/adapter/gateway"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/domain/service"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
	"github.com/zono819/leverage-loop/internal/usecase/position"
)

// Config holds corrector configuration
type Config struct {
	Dust *big.Int
	// RepayOnRemove repays debt with the redeemed underlying.
	// When false Remove only redeems and the proceeds stay idle.
	RepayOnRemove bool
}

// Result summarizes one corrector operation
type Result struct {
	Borrowed *big.Int
	Supplied *big.Int
	Redeemed *big.Int // receipt units
	Repaid   *big.Int
	Skipped  bool
}

// Corrector pushes a position up to maxFactor and pulls it back again
type Corrector struct {
	market   gateway.LendingMarket
	accessor *position.Accessor
	config   Config
	log      *logger.Logger
}

// New creates a new corrector
func New(market gateway.LendingMarket, accessor *position.Accessor, cfg Config, log *logger.Logger) *Corrector {
	if log == nil {
		log = logger.Default()
	}
	return &Corrector{
		market:   market,
		accessor: accessor,
		config:   cfg,
		log:      log.WithField("component", "corrector"),
	}
}

func newResult() *Result {
	return &Result{Borrowed: new(big.Int), Supplied: new(big.Int), Redeemed: new(big.Int), Repaid: new(big.Int)}
}

// Add borrows the headroom up to maxFactor and supplies it straight back
func (c *Corrector) Add(ctx context.Context, m entity.MarketConfig) (*Result, error) {
	if err := c.accessor.CheckFactors(ctx, m); err != nil {
		return nil, err
	}
	pos, err := c.accessor.Snapshot(ctx, m)
	if err != nil {
		return nil, err
	}

	res := newResult()
	amount := service.BorrowCapacity(pos.SupplyReceipt, pos.ExchangeRate, m.MaxFactor, pos.Debt)
	if amount.Cmp(m.DustOr(c.config.Dust)) <= 0 {
		c.log.Info("%s corrector add: no headroom (%s)", m.Symbol, amount)
		res.Skipped = true
		return res, nil
	}

	if err := c.market.Borrow(ctx, m, amount); err != nil {
		return res, c.stepError(entity.OpCorrectorAdd, m, 1, err)
	}
	res.Borrowed.Set(amount)
	if err := c.market.Supply(ctx, m, amount); err != nil {
		return res, c.stepError(entity.OpCorrectorAdd, m, 2, err)
	}
	res.Supplied.Set(amount)

	c.log.Info("%s corrector add: borrowed and supplied %s", m.Symbol, amount)
	return res, nil
}

// Remove redeems everything withdrawable at maxFactor and, when configured, repays with it
func (c *Corrector) Remove(ctx context.Context, m entity.MarketConfig) (*Result, error) {
	pos, err := c.accessor.Snapshot(ctx, m)
	if err != nil {
		return nil, err
	}

	res := newResult()
	factor := service.MinBig(m.MaxFactor, pos.CollateralFactor)
	free := service.FreeToWithdraw(pos.SupplyReceipt, pos.ExchangeRate, factor, pos.Debt)
	if free.Sign() == 0 {
		c.log.Info("%s corrector remove: nothing withdrawable", m.Symbol)
		res.Skipped = true
		return res, nil
	}

	if err := c.market.Redeem(ctx, m, free); err != nil {
		return res, c.stepError(entity.OpCorrectorRemove, m, 1, err)
	}
	res.Redeemed.Set(free)

	if !c.config.RepayOnRemove || !pos.HasDebt() {
		c.log.Info("%s corrector remove: redeemed %s receipt", m.Symbol, free)
		return res, nil
	}

	idle, err := c.accessor.IdleBalance(ctx, m)
	if err != nil {
		return res, c.stepError(entity.OpCorrectorRemove, m, 2, err)
	}
	proceeds := new(big.Int).Sub(idle, pos.Idle)
	repay := service.MinBig(proceeds, pos.Debt)
	if repay.Sign() > 0 {
		if err := c.market.Repay(ctx, m, repay); err != nil {
			return res, c.stepError(entity.OpCorrectorRemove, m, 2, err)
		}
		res.Repaid.Set(repay)
	}

	c.log.Info("%s corrector remove: redeemed %s receipt, repaid %s", m.Symbol, free, res.Repaid)
	return res, nil
}

func (c *Corrector) stepError(op entity.OperationKind, m entity.MarketConfig, step int, err error) error {
	return &entity.StepError{Op: op, Asset: m.Symbol, Step: step, Err: err}
}
