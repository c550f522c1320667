package unwind

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zono819/leverage-loop/internal/adapter/gateway"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
	"github.com/zono819/leverage-loop/internal/infrastructure/simulator"
	"github.com/zono819/leverage-loop/internal/usecase/corrector"
	"github.com/zono819/leverage-loop/internal/usecase/loop"
	"github.com/zono819/leverage-loop/internal/usecase/position"
)

const oneBTC = 100_000_000

type fixture struct {
	sc     *simulator.Scenario
	acc    *position.Accessor
	loop   *loop.Engine
	unwind *Engine
	wbtc   entity.MarketConfig
}

// newLevered builds a 20-iteration WBTC position from 1 BTC
func newLevered(t *testing.T) *fixture {
	t.Helper()
	sc, err := simulator.NewScenario(simulator.ScenarioOptions{})
	require.NoError(t, err)
	acc := position.NewAccessor(sc.Sim)
	f := &fixture{
		sc:     sc,
		acc:    acc,
		loop:   loop.NewEngine(sc.Sim, acc, loop.Config{}, logger.Nop()),
		unwind: NewEngine(sc.Sim, acc, logger.Nop()),
		wbtc:   sc.Market("WBTC"),
	}
	sc.Sim.Fund(simulator.WBTC, big.NewInt(oneBTC))
	_, err = f.loop.Deposit(context.Background(), loop.Request{Market: f.wbtc, Iterations: 20})
	require.NoError(t, err)
	sc.Sim.ResetCalls()
	return f
}

func (f *fixture) snapshot(t *testing.T) *entity.Position {
	t.Helper()
	pos, err := f.acc.Snapshot(context.Background(), f.wbtc)
	require.NoError(t, err)
	return pos
}

func TestPartialReducesDebt(t *testing.T) {
	ctx := context.Background()
	f := newLevered(t)
	before := f.snapshot(t)

	var steps []int
	res, err := f.unwind.Partial(ctx, Request{Market: f.wbtc, Steps: 3, OnStep: func(s int) { steps = append(steps, s) }})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, []int{1, 2, 3}, steps)

	after := f.snapshot(t)
	assert.True(t, after.Debt.Cmp(before.Debt) < 0)
	assert.True(t, after.UtilizationRatio().Cmp(before.UtilizationRatio()) < 0)
	assert.Equal(t, res.RemainingDebt.String(), after.Debt.String())
	assert.Equal(t, 6, f.sc.Sim.MutatingCalls(), "one redeem and one repay per step")

	limit := entity.UtilizationLimit(f.wbtc.MaxFactor, after.CollateralFactor)
	assert.True(t, after.UtilizationRatio().Cmp(limit) <= 0)
}

func TestPartialWithoutDebtIsNoop(t *testing.T) {
	ctx := context.Background()
	sc, err := simulator.NewScenario(simulator.ScenarioOptions{})
	require.NoError(t, err)
	acc := position.NewAccessor(sc.Sim)
	e := NewEngine(sc.Sim, acc, logger.Nop())

	res, err := e.Partial(ctx, Request{Market: sc.Market("DAI"), Steps: 5})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Steps)
	assert.Equal(t, 0, sc.Sim.MutatingCalls())

	_, err = e.Partial(ctx, Request{Market: sc.Market("DAI"), Steps: 0})
	assert.ErrorIs(t, err, entity.ErrInvalidIterations)
}

func TestFullClearsDebt(t *testing.T) {
	ctx := context.Background()
	f := newLevered(t)

	res, err := f.unwind.Full(ctx, Request{Market: f.wbtc, Steps: 50})
	require.NoError(t, err)
	assert.Equal(t, 0, res.RemainingDebt.Sign())
	assert.Greater(t, res.Steps, 1)

	pos := f.snapshot(t)
	assert.Equal(t, 0, pos.Debt.Sign())
	equity := new(big.Int).Add(pos.SupplyUnderlying, pos.Idle)
	assert.Equal(t, int64(oneBTC), equity.Int64(), "no value lost without interest")
}

func TestFullWithoutDebtMakesNoCalls(t *testing.T) {
	ctx := context.Background()
	sc, err := simulator.NewScenario(simulator.ScenarioOptions{})
	require.NoError(t, err)
	usdc := sc.Market("USDC")
	sc.Sim.Fund(simulator.USDC, big.NewInt(1_000_000))
	require.NoError(t, sc.Sim.Supply(ctx, usdc, big.NewInt(1_000_000)))
	sc.Sim.ResetCalls()

	e := NewEngine(sc.Sim, position.NewAccessor(sc.Sim), logger.Nop())
	res, err := e.Full(ctx, Request{Market: usdc, Steps: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Steps)
	assert.Equal(t, 0, sc.Sim.MutatingCalls())
}

func TestFullRequiresCeiling(t *testing.T) {
	f := newLevered(t)
	_, err := f.unwind.Full(context.Background(), Request{Market: f.wbtc})
	assert.ErrorIs(t, err, entity.ErrInvalidIterations)
	assert.Equal(t, 0, f.sc.Sim.MutatingCalls())
}

func TestFullIncompleteAtCeiling(t *testing.T) {
	f := newLevered(t)
	res, err := f.unwind.Full(context.Background(), Request{Market: f.wbtc, Steps: 2})
	assert.ErrorIs(t, err, entity.ErrUnwindIncomplete)
	assert.Equal(t, 2, res.Steps)
	assert.True(t, res.RemainingDebt.Sign() > 0)
}

func TestStallWhenUnderwater(t *testing.T) {
	ctx := context.Background()
	f := newLevered(t)
	cf, _ := entity.ParseMantissa("0.5")
	require.NoError(t, f.sc.Sim.SetCollateralFactor(simulator.CWBTC, cf))

	res, err := f.unwind.Partial(ctx, Request{Market: f.wbtc, Steps: 3})
	require.NoError(t, err)
	assert.True(t, res.Stalled)
	assert.Equal(t, 0, f.sc.Sim.MutatingCalls())

	_, err = f.unwind.Full(ctx, Request{Market: f.wbtc, Steps: 3})
	assert.ErrorIs(t, err, entity.ErrUnwindIncomplete)
}

func TestWithdrawAllThenLoopReproducesPosition(t *testing.T) {
	ctx := context.Background()
	f := newLevered(t)
	first := f.snapshot(t)

	res, err := f.unwind.WithdrawAll(ctx, Request{Market: f.wbtc, Steps: 50})
	require.NoError(t, err)
	assert.True(t, res.Withdrawn.Sign() > 0)
	assert.Equal(t, 0, f.sc.Sim.SupplyOf(simulator.CWBTC).Sign())
	assert.Equal(t, int64(oneBTC), f.sc.Sim.WalletBalance(simulator.WBTC).Int64())

	_, err = f.loop.Deposit(ctx, loop.Request{Market: f.wbtc, Iterations: 20})
	require.NoError(t, err)
	second := f.snapshot(t)
	assert.Equal(t, first.SupplyReceipt.String(), second.SupplyReceipt.String())
	assert.Equal(t, first.Debt.String(), second.Debt.String())
}

func TestStepFailureStopsUnwind(t *testing.T) {
	ctx := context.Background()
	f := newLevered(t)
	boom := errors.New("execution reverted")
	f.sc.Sim.FailOn(simulator.MethodRepay, 2, boom)

	res, err := f.unwind.Full(ctx, Request{Market: f.wbtc, Steps: 50, StartStep: 4})
	var stepErr *entity.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 6, stepErr.Step)
	assert.Equal(t, entity.OpUnwindFull, stepErr.Op)
	assert.Equal(t, 1, res.Steps)
}

func TestWithdrawAllAfterRedeemOnlyRemove(t *testing.T) {
	ctx := context.Background()
	f := newLevered(t)
	c := corrector.New(f.sc.Sim, f.acc, corrector.Config{RepayOnRemove: false}, logger.Nop())
	_, err := c.Add(ctx, f.wbtc)
	require.NoError(t, err)
	_, err = c.Remove(ctx, f.wbtc)
	require.NoError(t, err)

	held := f.snapshot(t)
	require.True(t, held.Idle.Sign() > 0, "redeem-only remove leaves underlying idle")
	require.True(t, held.Debt.Sign() > 0)

	res, err := f.unwind.WithdrawAll(ctx, Request{Market: f.wbtc, Steps: 50})
	require.NoError(t, err)
	assert.False(t, res.Stalled)
	assert.Equal(t, 0, f.sc.Sim.SupplyOf(simulator.CWBTC).Sign())
	assert.Equal(t, 0, f.sc.Sim.DebtOf(simulator.CWBTC).Sign())
	assert.InDelta(t, float64(oneBTC), float64(f.sc.Sim.WalletBalance(simulator.WBTC).Int64()), 5)
}

func TestHeldUnderlyingRepaysBeforeRedeem(t *testing.T) {
	ctx := context.Background()
	f := newLevered(t)
	debt := f.snapshot(t).Debt
	f.sc.Sim.Fund(simulator.WBTC, new(big.Int).Add(debt, big.NewInt(10)))

	res, err := f.unwind.Partial(ctx, Request{Market: f.wbtc, Steps: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Steps)
	assert.Equal(t, debt.String(), res.Repaid.String())
	assert.Equal(t, 0, res.Redeemed.Sign())
	assert.Equal(t, 1, f.sc.Sim.MutatingCalls(), "one repay, no redeem")
	assert.Equal(t, int64(10), f.sc.Sim.WalletBalance(simulator.WBTC).Int64())
}

// utilizationPath loops n times and records the utilization after every iteration
func utilizationPath(t *testing.T, f *fixture, n int) []*big.Int {
	t.Helper()
	var path []*big.Int
	_, err := f.loop.Deposit(context.Background(), loop.Request{Market: f.wbtc, Iterations: n, OnStep: func(int) {
		path = append(path, f.snapshot(t).UtilizationRatio())
	}})
	require.NoError(t, err)
	return path
}

func TestFullThenLoopReproducesTrajectory(t *testing.T) {
	ctx := context.Background()
	sc, err := simulator.NewScenario(simulator.ScenarioOptions{})
	require.NoError(t, err)
	acc := position.NewAccessor(sc.Sim)
	f := &fixture{
		sc:     sc,
		acc:    acc,
		loop:   loop.NewEngine(sc.Sim, acc, loop.Config{}, logger.Nop()),
		unwind: NewEngine(sc.Sim, acc, logger.Nop()),
		wbtc:   sc.Market("WBTC"),
	}
	sc.Sim.Fund(simulator.WBTC, big.NewInt(oneBTC))

	first := utilizationPath(t, f, 10)
	_, err = f.unwind.Full(ctx, Request{Market: f.wbtc, Steps: 50})
	require.NoError(t, err)
	second := utilizationPath(t, f, 10)

	require.Len(t, second, len(first))
	tolerance := big.NewInt(1_000_000_000_000) // 1e-6 in mantissa units
	for i := range first {
		diff := new(big.Int).Sub(first[i], second[i])
		assert.True(t, diff.CmpAbs(tolerance) <= 0, "step %d: %s vs %s", i+1,
			entity.MantissaString(first[i]), entity.MantissaString(second[i]))
	}
}

// boundedMarket records redeems above the supply and repays above the debt
type boundedMarket struct {
	*simulator.Simulator
	violations []string
}

var _ gateway.LendingMarket = (*boundedMarket)(nil)

func (m *boundedMarket) Redeem(ctx context.Context, cfg entity.MarketConfig, receiptAmount *big.Int) error {
	if supply := m.SupplyOf(cfg.ReceiptHandle); receiptAmount.Cmp(supply) > 0 {
		m.violations = append(m.violations, fmt.Sprintf("redeem %s of %s", receiptAmount, supply))
	}
	return m.Simulator.Redeem(ctx, cfg, receiptAmount)
}

func (m *boundedMarket) Repay(ctx context.Context, cfg entity.MarketConfig, amount *big.Int) error {
	if debt := m.DebtOf(cfg.ReceiptHandle); amount.Cmp(debt) > 0 {
		m.violations = append(m.violations, fmt.Sprintf("repay %s of %s", amount, debt))
	}
	return m.Simulator.Repay(ctx, cfg, amount)
}

func TestPartialStaysWithinSupplyAndDebt(t *testing.T) {
	ctx := context.Background()
	f := newLevered(t)
	market := &boundedMarket{Simulator: f.sc.Sim}
	acc := position.NewAccessor(market)
	e := NewEngine(market, acc, logger.Nop())

	// extra idle underlying exercises the repay from held funds too
	f.sc.Sim.Fund(simulator.WBTC, big.NewInt(oneBTC/10))
	for i := 0; i < 50; i++ {
		res, err := e.Partial(ctx, Request{Market: f.wbtc, Steps: 1})
		require.NoError(t, err)
		if res.RemainingDebt.Sign() == 0 {
			break
		}
	}
	assert.Empty(t, market.violations)
	assert.Equal(t, 0, f.sc.Sim.DebtOf(simulator.CWBTC).Sign())
}
