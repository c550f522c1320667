package loop

import (
	"context"
	"math/big"

	"github.com/zono819/leverage-loop/internal/adapter/gateway"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/domain/service"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
	"github.com/zono819/leverage-loop/internal/usecase/position"
)

// Config holds loop engine configuration
type Config struct {
	// Dust is the default borrow size at or below which the loop stops
	Dust *big.Int
}

// Request describes a loop deposit
type Request struct {
	Market     entity.MarketConfig
	Iterations int
	// StartStep is the number of iterations already committed by an earlier run
	StartStep int
	// OnStep is called with the absolute step number after each committed iteration
	OnStep func(step int)
}

// Result summarizes a loop deposit
type Result struct {
	Iterations   int
	Supplied     *big.Int
	Borrowed     *big.Int
	StoppedEarly bool
}

// Engine builds leverage with repeated supply and borrow cycles
type Engine struct {
	market   gateway.LendingMarket
	accessor *position.Accessor
	config   Config
	log      *logger.Logger
}

// NewEngine creates a new loop engine
func NewEngine(market gateway.LendingMarket, accessor *position.Accessor, cfg Config, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		market:   market,
		accessor: accessor,
		config:   cfg,
		log:      log.WithField("component", "loop"),
	}
}

// Deposit supplies the idle balance and borrows against targetFactor, Iterations times.
// A failed step stops the loop; committed steps are not rolled back.
func (e *Engine) Deposit(ctx context.Context, req Request) (*Result, error) {
	m := req.Market
	if req.Iterations < 1 {
		return nil, entity.ErrInvalidIterations
	}
	if err := e.accessor.CheckFactors(ctx, m); err != nil {
		return nil, err
	}

	if req.StartStep == 0 {
		idle, err := e.accessor.IdleBalance(ctx, m)
		if err != nil {
			return nil, err
		}
		if idle.Sign() == 0 {
			return nil, entity.ErrNothingToSupply
		}
	}

	res := &Result{Supplied: new(big.Int), Borrowed: new(big.Int)}
	dust := m.DustOr(e.config.Dust)
	fail := func(step int, err error) (*Result, error) {
		return res, &entity.StepError{Op: entity.OpLoop, Asset: m.Symbol, Step: step, Err: err}
	}

	for i := 0; i < req.Iterations; i++ {
		step := req.StartStep + i + 1
		if err := ctx.Err(); err != nil {
			return fail(step, err)
		}

		supplied, err := e.SupplyIdle(ctx, m)
		if err != nil {
			return fail(step, err)
		}
		res.Supplied.Add(res.Supplied, supplied)

		supply, err := e.accessor.CurrentSupply(ctx, m)
		if err != nil {
			return fail(step, err)
		}
		rate, err := e.accessor.ExchangeRate(ctx, m)
		if err != nil {
			return fail(step, err)
		}
		debt, err := e.accessor.CurrentDebt(ctx, m)
		if err != nil {
			return fail(step, err)
		}

		maxBorrow := service.BorrowCapacity(supply, rate, m.TargetFactor, debt)
		if maxBorrow.Cmp(dust) <= 0 {
			e.log.Debug("%s step %d: borrow capacity %s at or below dust, stopping", m.Symbol, step, maxBorrow)
			res.Iterations++
			res.StoppedEarly = true
			notify(req.OnStep, step)
			break
		}

		if err := e.market.Borrow(ctx, m, maxBorrow); err != nil {
			return fail(step, err)
		}
		res.Borrowed.Add(res.Borrowed, maxBorrow)
		res.Iterations++
		e.log.Debug("%s step %d: supplied %s, borrowed %s", m.Symbol, step, supplied, maxBorrow)
		notify(req.OnStep, step)
	}

	// settle: the last borrow is still idle
	supplied, err := e.SupplyIdle(ctx, m)
	if err != nil {
		return fail(req.StartStep+res.Iterations+1, err)
	}
	res.Supplied.Add(res.Supplied, supplied)

	e.log.Info("%s loop done: %d iterations, supplied %s, borrowed %s", m.Symbol, res.Iterations, res.Supplied, res.Borrowed)
	return res, nil
}

// SupplyIdle supplies the whole idle underlying balance without borrowing.
// It returns the amount supplied, zero when nothing was idle.
func (e *Engine) SupplyIdle(ctx context.Context, m entity.MarketConfig) (*big.Int, error) {
	idle, err := e.accessor.IdleBalance(ctx, m)
	if err != nil {
		return nil, err
	}
	if idle.Sign() == 0 {
		return idle, nil
	}
	if err := e.market.Supply(ctx, m, idle); err != nil {
		return nil, err
	}
	return idle, nil
}

func notify(fn func(int), step int) {
	if fn != nil {
		fn(step)
	}
}
