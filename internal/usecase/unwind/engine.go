package unwind

import (
	"context"
	"fmt"
	"math/big"

	"github.com/zono819/leverage-loop/internal/adapter/gateway"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/domain/service"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
	"github.com/zono819/leverage-loop/internal/usecase/position"
)

// Request describes an unwind run
type Request struct {
	Market entity.MarketConfig
	// Steps is the step count for Partial and the iteration ceiling for Full
	Steps     int
	StartStep int
	OnStep    func(step int)
}

// Result summarizes an unwind run
type Result struct {
	Steps         int
	Redeemed      *big.Int // receipt units
	Repaid        *big.Int
	Withdrawn     *big.Int // receipt units redeemed after the debt was cleared
	RemainingDebt *big.Int
	Stalled       bool
}

// Engine deleverages a position by redeeming free collateral and repaying debt
type Engine struct {
	market   gateway.LendingMarket
	accessor *position.Accessor
	log      *logger.Logger
}

// NewEngine creates a new unwind engine
func NewEngine(market gateway.LendingMarket, accessor *position.Accessor, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		market:   market,
		accessor: accessor,
		log:      log.WithField("component", "unwind"),
	}
}

func newResult() *Result {
	return &Result{Redeemed: new(big.Int), Repaid: new(big.Int), Withdrawn: new(big.Int), RemainingDebt: new(big.Int)}
}

// Partial runs up to Steps unwind steps and stops early once the debt is gone
func (e *Engine) Partial(ctx context.Context, req Request) (*Result, error) {
	if req.Steps < 1 {
		return nil, entity.ErrInvalidIterations
	}
	res, err := e.run(ctx, entity.OpUnwindPartial, req)
	if err != nil {
		return res, err
	}
	e.log.Info("%s partial unwind: %d steps, repaid %s, debt left %s", req.Market.Symbol, res.Steps, res.Repaid, res.RemainingDebt)
	return res, nil
}

// Full repeats unwind steps until the debt is zero or Steps iterations ran.
// Debt left at the ceiling is reported as ErrUnwindIncomplete.
func (e *Engine) Full(ctx context.Context, req Request) (*Result, error) {
	return e.full(ctx, entity.OpUnwindFull, req)
}

// WithdrawAll fully unwinds and then redeems the remaining supply
func (e *Engine) WithdrawAll(ctx context.Context, req Request) (*Result, error) {
	m := req.Market
	res, err := e.full(ctx, entity.OpWithdrawAll, req)
	if err != nil {
		return res, err
	}

	supply, err := e.accessor.CurrentSupply(ctx, m)
	if err != nil {
		return res, e.stepError(entity.OpWithdrawAll, m, req.StartStep+res.Steps+1, err)
	}
	if supply.Sign() > 0 {
		if err := e.market.Redeem(ctx, m, supply); err != nil {
			return res, e.stepError(entity.OpWithdrawAll, m, req.StartStep+res.Steps+1, err)
		}
		res.Withdrawn.Set(supply)
	}
	e.log.Info("%s withdraw all: redeemed remaining %s receipt", m.Symbol, res.Withdrawn)
	return res, nil
}

func (e *Engine) full(ctx context.Context, op entity.OperationKind, req Request) (*Result, error) {
	m := req.Market
	if req.Steps < 1 {
		return nil, fmt.Errorf("%w: max iterations must be positive", entity.ErrInvalidIterations)
	}
	res, err := e.run(ctx, op, req)
	if err != nil {
		return res, err
	}
	if res.RemainingDebt.Sign() > 0 {
		return res, fmt.Errorf("%w: %s debt %s left after %d steps", entity.ErrUnwindIncomplete, m.Symbol, res.RemainingDebt, res.Steps)
	}
	e.log.Info("%s full unwind: %d steps, repaid %s", m.Symbol, res.Steps, res.Repaid)
	return res, nil
}

// run executes up to req.Steps unwind steps, stopping early on zero debt or a stall
func (e *Engine) run(ctx context.Context, op entity.OperationKind, req Request) (*Result, error) {
	m := req.Market
	res := newResult()

	debt, err := e.accessor.CurrentDebt(ctx, m)
	if err != nil {
		return res, err
	}
	res.RemainingDebt.Set(debt)

	for i := 0; i < req.Steps && res.RemainingDebt.Sign() > 0; i++ {
		step := req.StartStep + i + 1
		if err := ctx.Err(); err != nil {
			return res, e.stepError(op, m, step, err)
		}

		redeemed, repaid, left, err := e.step(ctx, m)
		if err != nil {
			return res, e.stepError(op, m, step, err)
		}
		if redeemed.Sign() == 0 && repaid.Sign() == 0 {
			e.log.Warn("%s step %d: nothing withdrawable with debt %s outstanding", m.Symbol, step, left)
			res.Stalled = true
			break
		}

		res.Steps++
		res.Redeemed.Add(res.Redeemed, redeemed)
		res.Repaid.Add(res.Repaid, repaid)
		res.RemainingDebt.Set(left)
		e.log.Debug("%s step %d: redeemed %s, repaid %s, debt %s", m.Symbol, step, redeemed, repaid, left)
		if req.OnStep != nil {
			req.OnStep(step)
		}
	}
	return res, nil
}

// step repays from underlying already held, then redeems what is free at
// min(maxFactor, collateralFactor) and repays with the proceeds
func (e *Engine) step(ctx context.Context, m entity.MarketConfig) (redeemed, repaid, debtLeft *big.Int, err error) {
	pos, err := e.accessor.Snapshot(ctx, m)
	if err != nil {
		return nil, nil, nil, err
	}
	redeemed, repaid = new(big.Int), new(big.Int)
	if !pos.HasDebt() {
		return redeemed, repaid, new(big.Int), nil
	}
	debt := new(big.Int).Set(pos.Debt)
	held := new(big.Int).Set(pos.Idle)

	if held.Sign() > 0 {
		amount := service.MinBig(held, debt)
		if err := e.market.Repay(ctx, m, amount); err != nil {
			return nil, nil, nil, err
		}
		repaid.Add(repaid, amount)
		debt.Sub(debt, amount)
		held.Sub(held, amount)
		if debt.Sign() == 0 {
			return redeemed, repaid, debt, nil
		}
	}

	factor := service.MinBig(m.MaxFactor, pos.CollateralFactor)
	free := service.FreeToWithdraw(pos.SupplyReceipt, pos.ExchangeRate, factor, debt)
	if free.Sign() == 0 {
		return redeemed, repaid, debt, nil
	}

	if err := e.market.Redeem(ctx, m, free); err != nil {
		return nil, nil, nil, err
	}
	redeemed.Set(free)
	idle, err := e.accessor.IdleBalance(ctx, m)
	if err != nil {
		return nil, nil, nil, err
	}
	amount := service.MinBig(new(big.Int).Sub(idle, held), debt)
	if amount.Sign() <= 0 {
		return redeemed, repaid, debt, nil
	}
	if err := e.market.Repay(ctx, m, amount); err != nil {
		return nil, nil, nil, err
	}
	repaid.Add(repaid, amount)
	return redeemed, repaid, debt.Sub(debt, amount), nil
}

func (e *Engine) stepError(op entity.OperationKind, m entity.MarketConfig, step int, err error) error {
	return &entity.StepError{Op: op, Asset: m.Symbol, Step: step, Err: err}
}
