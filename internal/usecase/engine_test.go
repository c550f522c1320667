package usecase

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/domain/repository"
	"github.com/zono819/leverage-loop/internal/domain/service"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
	"github.com/zono819/leverage-loop/internal/infrastructure/simulator"
	"github.com/zono819/leverage-loop/internal/infrastructure/store"
	"github.com/zono819/leverage-loop/internal/usecase/corrector"
	"github.com/zono819/leverage-loop/internal/usecase/reward"
	"github.com/zono819/leverage-loop/internal/usecase/risk"
)

const oneBTC = 100_000_000

var owner = entity.NewOperator(simulator.DefaultAccount)

type harness struct {
	sc     *simulator.Scenario
	engine *Engine
	store  *store.MemoryStore
	rec    *fakeRecorder
}

func newHarness(t *testing.T, opts simulator.ScenarioOptions) *harness {
	t.Helper()
	sc, err := simulator.NewScenario(opts)
	require.NoError(t, err)
	registry, err := service.NewRegistryFrom(sc.Markets)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	checker := risk.NewChecker(&risk.Config{
		Owner:                  simulator.DefaultAccount,
		MaxIterations:          50,
		MaxConsecutiveFailures: 5,
		CooldownDuration:       time.Minute,
	})
	eng := NewEngine(sc.Sim, sc.Sim, registry, st, checker, Config{
		Corrector: corrector.Config{RepayOnRemove: true},
		Reward:    reward.Config{Via: simulator.WETH, ViaFeeTier: 3000},
	}, logger.Nop())
	rec := &fakeRecorder{}
	eng.SetRecorder(rec)
	return &harness{sc: sc, engine: eng, store: st, rec: rec}
}

type fakeRecorder struct {
	mu     sync.Mutex
	ops    []entity.OperationKind
	errs   int
	coins  int
	global int
	halted bool
}

func (r *fakeRecorder) ObserveOperation(kind entity.OperationKind, asset string, elapsed time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, kind)
	if err != nil {
		r.errs++
	}
}

func (r *fakeRecorder) ObserveCoin(*entity.CoinStat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coins++
}

func (r *fakeRecorder) ObserveGlobal(*entity.GlobalStat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global++
}

func (r *fakeRecorder) ObserveHalted(halted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halted = halted
}

func TestEngineLifecycle(t *testing.T) {
	ctx := context.Background()
	comp, _ := entity.ParseMantissa("0.01")
	h := newHarness(t, simulator.ScenarioOptions{SupplySpeed: comp})
	h.sc.Sim.Fund(simulator.WBTC, big.NewInt(oneBTC))

	loopRes, err := h.engine.LoopDeposit(ctx, owner, "WBTC", 20)
	require.NoError(t, err)
	assert.Equal(t, 20, loopRes.Iterations)

	_, err = h.engine.CorrectorAdd(ctx, owner, "WBTC")
	require.NoError(t, err)

	// about two days of blocks
	h.sc.Sim.Mine(13_300)

	claim, err := h.engine.ClaimInMarkets(ctx, owner, []common.Address{simulator.CWBTC})
	require.NoError(t, err)
	assert.True(t, claim.Claimed.Sign() > 0)

	reinvest, err := h.engine.Reinvest(ctx, owner, "WBTC", nil, time.Time{})
	require.NoError(t, err)
	assert.True(t, reinvest.Supplied.Sign() > 0)

	_, err = h.engine.CorrectorRemove(ctx, owner, "WBTC")
	require.NoError(t, err)

	_, err = h.engine.WithdrawAll(ctx, owner, "WBTC", 50)
	require.NoError(t, err)

	assert.Equal(t, 0, h.sc.Sim.SupplyOf(simulator.CWBTC).Sign())
	assert.Equal(t, 0, h.sc.Sim.DebtOf(simulator.CWBTC).Sign())
	assert.True(t, h.sc.Sim.WalletBalance(simulator.WBTC).Cmp(big.NewInt(oneBTC)) > 0, "reinvested reward is withdrawn too")

	cps, err := h.engine.Checkpoints(ctx, repository.CheckpointFilter{})
	require.NoError(t, err)
	require.Len(t, cps, 6)
	for _, cp := range cps {
		assert.Equal(t, entity.CheckpointCompleted, cp.Status, "%s", cp.Kind)
	}
	assert.Equal(t, []entity.OperationKind{
		entity.OpLoop, entity.OpCorrectorAdd, entity.OpClaim, entity.OpReinvest, entity.OpCorrectorRemove, entity.OpWithdrawAll,
	}, h.rec.ops)
	assert.Zero(t, h.rec.errs)
	assert.False(t, h.engine.Safety().Halted())
}

func TestEngineRejectsUnauthorizedOperator(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, simulator.ScenarioOptions{})
	h.sc.Sim.Fund(simulator.WBTC, big.NewInt(oneBTC))

	stranger := entity.NewOperator(common.HexToAddress("0xbad"))
	_, err := h.engine.LoopDeposit(ctx, stranger, "WBTC", 5)
	assert.ErrorIs(t, err, entity.ErrUnauthorized)
	_, err = h.engine.UnwindFull(ctx, entity.Operator{}, "WBTC", 5)
	assert.ErrorIs(t, err, entity.ErrUnauthorized)
	assert.Equal(t, 0, h.sc.Sim.MutatingCalls())

	cps, err := h.engine.Checkpoints(ctx, repository.CheckpointFilter{})
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestEngineValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, simulator.ScenarioOptions{})

	_, err := h.engine.LoopDeposit(ctx, owner, "DOGE", 5)
	assert.ErrorIs(t, err, entity.ErrUnknownAsset)
	_, err = h.engine.LoopDeposit(ctx, owner, "WBTC", 0)
	assert.ErrorIs(t, err, entity.ErrInvalidIterations)
	_, err = h.engine.LoopDeposit(ctx, owner, "WBTC", 51)
	assert.ErrorIs(t, err, entity.ErrInvalidIterations)
	_, err = h.engine.UnwindFull(ctx, owner, "WBTC", 0)
	assert.ErrorIs(t, err, entity.ErrInvalidIterations)

	_, err = h.engine.ClaimInMarkets(ctx, owner, []common.Address{simulator.WETH})
	assert.ErrorIs(t, err, entity.ErrUnknownAsset)
	assert.Equal(t, 0, h.sc.Sim.MutatingCalls())
}

func TestEngineResumeAfterFailure(t *testing.T) {
	ctx := context.Background()

	ref := newHarness(t, simulator.ScenarioOptions{})
	ref.sc.Sim.Fund(simulator.WBTC, big.NewInt(oneBTC))
	_, err := ref.engine.LoopDeposit(ctx, owner, "WBTC", 20)
	require.NoError(t, err)

	h := newHarness(t, simulator.ScenarioOptions{})
	h.sc.Sim.Fund(simulator.WBTC, big.NewInt(oneBTC))
	boom := errors.New("header not found")
	h.sc.Sim.FailOn(simulator.MethodBorrow, 5, boom)

	_, err = h.engine.LoopDeposit(ctx, owner, "WBTC", 20)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var opErr *OperationError
	require.True(t, errors.As(err, &opErr))
	assert.True(t, opErr.Resumable)

	failed, err := h.store.GetByID(ctx, opErr.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, entity.CheckpointFailed, failed.Status)
	assert.Equal(t, 4, failed.Completed)
	assert.Contains(t, failed.LastError, "step 5")

	next, err := h.engine.Resume(ctx, owner, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CheckpointCompleted, next.Status)
	assert.Equal(t, 20, next.Completed)
	assert.Equal(t, failed.ID, next.ResumeOf)

	old, err := h.store.GetByID(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, next.ID, old.ResumedBy)

	assert.Equal(t, ref.sc.Sim.SupplyOf(simulator.CWBTC).String(), h.sc.Sim.SupplyOf(simulator.CWBTC).String())
	assert.Equal(t, ref.sc.Sim.DebtOf(simulator.CWBTC).String(), h.sc.Sim.DebtOf(simulator.CWBTC).String())

	_, err = h.engine.Resume(ctx, owner, failed.ID)
	assert.ErrorIs(t, err, entity.ErrNotResumable)
	_, err = h.engine.Resume(ctx, owner, "missing")
	assert.ErrorIs(t, err, entity.ErrCheckpointNotFound)
}

func TestEngineHaltsOnBreach(t *testing.T) {
	ctx := context.Background()
	rate, _ := entity.ParseMantissa("0.001")
	h := newHarness(t, simulator.ScenarioOptions{BorrowRatePerBlock: rate})
	h.sc.Sim.Fund(simulator.WBTC, big.NewInt(oneBTC))
	_, err := h.engine.LoopDeposit(ctx, owner, "WBTC", 20)
	require.NoError(t, err)

	// interest pushes debt past 0.99 of supply while staying under CF 1.0
	h.sc.Sim.Mine(80)

	_, err = h.engine.Supply(ctx, owner, "WBTC")
	assert.ErrorIs(t, err, entity.ErrSafetyBreached)
	assert.True(t, h.engine.Safety().Halted())
	assert.True(t, h.rec.halted)

	_, err = h.engine.LoopDeposit(ctx, owner, "WBTC", 1)
	assert.ErrorIs(t, err, entity.ErrHalted)
	_, err = h.engine.CorrectorAdd(ctx, owner, "WBTC")
	assert.ErrorIs(t, err, entity.ErrHalted)

	// fresh capital is still accepted and brings the position back
	h.sc.Sim.Fund(simulator.WBTC, big.NewInt(oneBTC))
	supplied, err := h.engine.Supply(ctx, owner, "WBTC")
	require.NoError(t, err)
	assert.Equal(t, int64(oneBTC), supplied.Int64())

	h.engine.Safety().Resume()
	_, err = h.engine.UnwindPartial(ctx, owner, "WBTC", 2)
	require.NoError(t, err)
}

func TestEngineStats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, simulator.ScenarioOptions{})
	h.sc.Sim.Fund(simulator.DAI, new(big.Int).Set(entity.Mantissa))
	_, err := h.engine.LoopDeposit(ctx, owner, "DAI", 3)
	require.NoError(t, err)

	g, err := h.engine.StatGlobal(ctx)
	require.NoError(t, err)
	require.Len(t, g.Coins, 4)
	assert.Equal(t, 1, h.rec.global)

	coin, err := h.engine.StatCoin(ctx, "DAI")
	require.NoError(t, err)
	assert.True(t, coin.Utilization.Cmp(coin.TargetFactor) <= 0)

	_, err = h.engine.StatComp(ctx, "DAI")
	require.NoError(t, err)
}
