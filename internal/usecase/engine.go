package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/zono819/leverage-loop/internal/adapter/gateway"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/domain/repository"
	"github.com/zono819/leverage-loop/internal/domain/service"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
	"github.com/zono819/leverage-loop/internal/usecase/corrector"
	"github.com/zono819/leverage-loop/internal/usecase/loop"
	"github.com/zono819/leverage-loop/internal/usecase/position"
	"github.com/zono819/leverage-loop/internal/usecase/reward"
	"github.com/zono819/leverage-loop/internal/usecase/risk"
	"github.com/zono819/leverage-loop/internal/usecase/stat"
	"github.com/zono819/leverage-loop/internal/usecase/unwind"
)

// Recorder receives operation outcomes and position gauges
type Recorder interface {
	ObserveOperation(kind entity.OperationKind, asset string, elapsed time.Duration, err error)
	ObserveCoin(stat *entity.CoinStat)
	ObserveGlobal(stat *entity.GlobalStat)
	ObserveHalted(halted bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(entity.OperationKind, string, time.Duration, error) {}
func (nopRecorder) ObserveCoin(*entity.CoinStat)                                     {}
func (nopRecorder) ObserveGlobal(*entity.GlobalStat)                                 {}
func (nopRecorder) ObserveHalted(bool)                                               {}

// Config holds engine configuration
type Config struct {
	Loop      loop.Config
	Corrector corrector.Config
	Reward    reward.Config
}

// OperationError ties a failed operation to its checkpoint
type OperationError struct {
	CheckpointID string
	Resumable    bool
	Err          error
}

func (e *OperationError) Error() string {
	if e.Resumable {
		return fmt.Sprintf("%v (checkpoint %s, resumable)", e.Err, e.CheckpointID)
	}
	return fmt.Sprintf("%v (checkpoint %s)", e.Err, e.CheckpointID)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Engine is the single entry point for leverage operations.
// Mutating operations are serialized and run one at a time.
type Engine struct {
	market      gateway.LendingMarket
	registry    *service.Registry
	accessor    *position.Accessor
	loop        *loop.Engine
	corrector   *corrector.Corrector
	unwind      *unwind.Engine
	rewards     *reward.Harvester
	stats       *stat.Reporter
	checker     *risk.Checker
	checkpoints repository.CheckpointRepository
	recorder    Recorder
	log         *logger.Logger
	now         func() time.Time
	newID       func() string

	mu sync.Mutex
}

// NewEngine wires the engine components around one lending market and router
func NewEngine(
	market gateway.LendingMarket,
	router gateway.SwapRouter,
	registry *service.Registry,
	checkpoints repository.CheckpointRepository,
	checker *risk.Checker,
	cfg Config,
	log *logger.Logger,
) *Engine {
	if log == nil {
		log = logger.Default()
	}
	accessor := position.NewAccessor(market)
	loopEngine := loop.NewEngine(market, accessor, cfg.Loop, log)
	return &Engine{
		market:      market,
		registry:    registry,
		accessor:    accessor,
		loop:        loopEngine,
		corrector:   corrector.New(market, accessor, cfg.Corrector, log),
		unwind:      unwind.NewEngine(market, accessor, log),
		rewards:     reward.NewHarvester(market, router, registry, loopEngine, cfg.Reward, log),
		stats:       stat.NewReporter(market, accessor, registry),
		checker:     checker,
		checkpoints: checkpoints,
		recorder:    nopRecorder{},
		log:         log.WithField("component", "engine"),
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
	}
}

// SetRecorder installs a metrics recorder
func (e *Engine) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	e.recorder = r
}

// Registry returns the market registry
func (e *Engine) Registry() *service.Registry {
	return e.registry
}

// Safety returns the safety checker
func (e *Engine) Safety() *risk.Checker {
	return e.checker
}

// LoopDeposit builds leverage on asset with up to iterations supply/borrow cycles
func (e *Engine) LoopDeposit(ctx context.Context, op entity.Operator, asset string, iterations int) (*loop.Result, error) {
	m, err := e.lookup(asset, iterations)
	if err != nil {
		return nil, err
	}
	var res *loop.Result
	_, err = e.execute(ctx, op, entity.OpLoop, &m, iterations, 0, "", func(onStep func(int)) error {
		var err error
		res, err = e.loop.Deposit(ctx, loop.Request{Market: m, Iterations: iterations, OnStep: onStep})
		return err
	})
	return res, err
}

// Supply supplies the idle balance of asset without borrowing
func (e *Engine) Supply(ctx context.Context, op entity.Operator, asset string) (*big.Int, error) {
	m, err := e.registry.Lookup(asset)
	if err != nil {
		return nil, err
	}
	var supplied *big.Int
	_, err = e.execute(ctx, op, entity.OpSupply, &m, 1, 0, "", func(func(int)) error {
		var err error
		supplied, err = e.loop.SupplyIdle(ctx, m)
		return err
	})
	return supplied, err
}

// CorrectorAdd borrows up to maxFactor and supplies the proceeds
func (e *Engine) CorrectorAdd(ctx context.Context, op entity.Operator, asset string) (*corrector.Result, error) {
	return e.correct(ctx, op, entity.OpCorrectorAdd, asset, e.corrector.Add)
}

// CorrectorRemove redeems the collateral free at maxFactor
func (e *Engine) CorrectorRemove(ctx context.Context, op entity.Operator, asset string) (*corrector.Result, error) {
	return e.correct(ctx, op, entity.OpCorrectorRemove, asset, e.corrector.Remove)
}

func (e *Engine) correct(ctx context.Context, op entity.Operator, kind entity.OperationKind, asset string,
	fn func(context.Context, entity.MarketConfig) (*corrector.Result, error)) (*corrector.Result, error) {
	m, err := e.registry.Lookup(asset)
	if err != nil {
		return nil, err
	}
	var res *corrector.Result
	_, err = e.execute(ctx, op, kind, &m, 1, 0, "", func(func(int)) error {
		var err error
		res, err = fn(ctx, m)
		return err
	})
	return res, err
}

// UnwindPartial runs up to steps unwind steps on asset
func (e *Engine) UnwindPartial(ctx context.Context, op entity.Operator, asset string, steps int) (*unwind.Result, error) {
	res, _, err := e.runUnwind(ctx, op, entity.OpUnwindPartial, asset, steps, 0, "")
	return res, err
}

// UnwindFull unwinds asset until its debt is zero, within maxIterations steps
func (e *Engine) UnwindFull(ctx context.Context, op entity.Operator, asset string, maxIterations int) (*unwind.Result, error) {
	res, _, err := e.runUnwind(ctx, op, entity.OpUnwindFull, asset, maxIterations, 0, "")
	return res, err
}

// WithdrawAll unwinds asset and redeems everything left
func (e *Engine) WithdrawAll(ctx context.Context, op entity.Operator, asset string, maxIterations int) (*unwind.Result, error) {
	res, _, err := e.runUnwind(ctx, op, entity.OpWithdrawAll, asset, maxIterations, 0, "")
	return res, err
}

func (e *Engine) runUnwind(ctx context.Context, op entity.Operator, kind entity.OperationKind, asset string, steps, start int, resumeOf string) (*unwind.Result, *entity.Checkpoint, error) {
	m, err := e.lookup(asset, steps-start)
	if err != nil {
		return nil, nil, err
	}
	var res *unwind.Result
	cp, err := e.execute(ctx, op, kind, &m, steps, start, resumeOf, func(onStep func(int)) error {
		req := unwind.Request{Market: m, Steps: steps - start, StartStep: start, OnStep: onStep}
		var err error
		switch kind {
		case entity.OpUnwindPartial:
			res, err = e.unwind.Partial(ctx, req)
		case entity.OpUnwindFull:
			res, err = e.unwind.Full(ctx, req)
		default:
			res, err = e.unwind.WithdrawAll(ctx, req)
		}
		return err
	})
	return res, cp, err
}

// ClaimInMarkets claims rewards accrued in the markets behind handles; empty means all
func (e *Engine) ClaimInMarkets(ctx context.Context, op entity.Operator, handles []common.Address) (*reward.ClaimResult, error) {
	var res *reward.ClaimResult
	_, err := e.execute(ctx, op, entity.OpClaim, nil, 1, 0, "", func(func(int)) error {
		var err error
		res, err = e.rewards.ClaimInMarkets(ctx, handles)
		return err
	})
	return res, err
}

// Reinvest swaps the reward balance into asset and supplies it
func (e *Engine) Reinvest(ctx context.Context, op entity.Operator, asset string, minOut *big.Int, deadline time.Time) (*reward.ReinvestResult, error) {
	m, err := e.registry.Lookup(asset)
	if err != nil {
		return nil, err
	}
	var res *reward.ReinvestResult
	_, err = e.execute(ctx, op, entity.OpReinvest, &m, 1, 0, "", func(func(int)) error {
		var err error
		res, err = e.rewards.Reinvest(ctx, m, minOut, deadline)
		return err
	})
	return res, err
}

// Resume re-runs the remaining steps of a failed resumable checkpoint.
// It returns the checkpoint of the new run.
func (e *Engine) Resume(ctx context.Context, op entity.Operator, id string) (*entity.Checkpoint, error) {
	cp, err := e.checkpoints.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cp.CanResume() {
		return nil, fmt.Errorf("%w: %s %s is %s with %d of %d steps done", entity.ErrNotResumable,
			cp.Kind, cp.ID, cp.Status, cp.Completed, cp.Requested)
	}

	e.log.Info("resuming %s %s on %s from step %d", cp.Kind, cp.ID, cp.Asset, cp.Completed+1)
	if cp.Kind != entity.OpLoop {
		_, next, err := e.runUnwind(ctx, op, cp.Kind, cp.Asset, cp.Requested, cp.Completed, cp.ID)
		return next, err
	}

	m, err := e.lookup(cp.Asset, cp.Remaining())
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, op, entity.OpLoop, &m, cp.Requested, cp.Completed, cp.ID, func(onStep func(int)) error {
		_, err := e.loop.Deposit(ctx, loop.Request{
			Market:     m,
			Iterations: cp.Remaining(),
			StartStep:  cp.Completed,
			OnStep:     onStep,
		})
		return err
	})
}

// Checkpoints lists recorded checkpoints, newest first
func (e *Engine) Checkpoints(ctx context.Context, filter repository.CheckpointFilter) ([]*entity.Checkpoint, error) {
	return e.checkpoints.List(ctx, filter)
}

// StatGlobal reports every registered market
func (e *Engine) StatGlobal(ctx context.Context) (*entity.GlobalStat, error) {
	g, err := e.stats.Global(ctx)
	if err != nil {
		return nil, err
	}
	e.recorder.ObserveGlobal(g)
	for i := range g.Coins {
		e.recorder.ObserveCoin(&g.Coins[i])
	}
	return g, nil
}

// StatCoin reports the position in asset
func (e *Engine) StatCoin(ctx context.Context, asset string) (*entity.CoinStat, error) {
	c, err := e.stats.Coin(ctx, asset)
	if err != nil {
		return nil, err
	}
	e.recorder.ObserveCoin(c)
	return c, nil
}

// StatComp reports reward emission for asset
func (e *Engine) StatComp(ctx context.Context, asset string) (*entity.CompStat, error) {
	return e.stats.Comp(ctx, asset)
}

func (e *Engine) lookup(asset string, iterations int) (entity.MarketConfig, error) {
	m, err := e.registry.Lookup(asset)
	if err != nil {
		return m, err
	}
	if res := e.checker.CheckIterations(iterations); !res.Allowed {
		return m, res.Err(entity.ErrInvalidIterations)
	}
	return m, nil
}

// execute authorizes, checkpoints and verifies one mutating operation
func (e *Engine) execute(
	ctx context.Context,
	op entity.Operator,
	kind entity.OperationKind,
	m *entity.MarketConfig,
	requested, start int,
	resumeOf string,
	fn func(onStep func(int)) error,
) (*entity.Checkpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	began := e.now()
	asset := ""
	if m != nil {
		asset = m.Symbol
	}
	if err := e.checker.Authorize(op, kind); err != nil {
		e.recorder.ObserveOperation(kind, asset, 0, err)
		return nil, err
	}

	cp := &entity.Checkpoint{
		ID:        e.newID(),
		Kind:      kind,
		Asset:     asset,
		Requested: requested,
		Completed: start,
		Status:    entity.CheckpointRunning,
		ResumeOf:  resumeOf,
		StartedAt: began,
		UpdatedAt: began,
	}
	e.save(ctx, cp)
	if resumeOf != "" {
		e.markResumed(ctx, resumeOf, cp.ID)
	}

	err := fn(func(step int) {
		cp.Completed = step
		cp.UpdatedAt = e.now()
		e.save(ctx, cp)
	})

	if err == nil {
		cp.Status = entity.CheckpointCompleted
		e.checker.RecordSuccess()
	} else {
		cp.Status = entity.CheckpointFailed
		cp.LastError = err.Error()
		if external(err) {
			e.checker.RecordFailure()
		}
	}
	if m != nil {
		if verr := e.verify(ctx, *m); verr != nil {
			err = errors.Join(err, verr)
			if cp.LastError == "" {
				cp.LastError = verr.Error()
			}
		}
	}
	cp.UpdatedAt = e.now()
	e.save(ctx, cp)

	elapsed := e.now().Sub(began)
	e.recorder.ObserveOperation(kind, asset, elapsed, err)
	e.recorder.ObserveHalted(e.checker.Halted())

	if err != nil {
		e.log.WithFields(map[string]interface{}{
			"checkpoint": cp.ID,
			"kind":       string(kind),
			"asset":      asset,
			"completed":  cp.Completed,
		}).Error("operation failed: %v", err)
		return cp, &OperationError{CheckpointID: cp.ID, Resumable: cp.CanResume(), Err: err}
	}
	e.log.WithField("checkpoint", cp.ID).Info("%s %s done in %s", kind, asset, elapsed)
	return cp, nil
}

// verify checks the position and account after a mutation; reads that fail are logged only
func (e *Engine) verify(ctx context.Context, m entity.MarketConfig) error {
	ctx = context.WithoutCancel(ctx)
	pos, err := e.accessor.Snapshot(ctx, m)
	if err != nil {
		e.log.Warn("post-operation snapshot of %s failed: %v", m.Symbol, err)
		return nil
	}
	liq, err := e.accessor.AccountLiquidity(ctx)
	if err != nil {
		e.log.Warn("post-operation liquidity read failed: %v", err)
		return nil
	}
	e.recorder.ObserveCoin(stat.CoinFromPosition(m, pos))
	if res := e.checker.Verify(m, pos, liq); !res.Allowed {
		e.log.Error("safety breach, halting: %s", res.Reason)
		return res.Err(entity.ErrSafetyBreached)
	}
	return nil
}

func (e *Engine) save(ctx context.Context, cp *entity.Checkpoint) {
	if err := e.checkpoints.Save(context.WithoutCancel(ctx), cp); err != nil {
		e.log.Error("save checkpoint %s: %v", cp.ID, err)
	}
}

func (e *Engine) markResumed(ctx context.Context, id, by string) {
	prev, err := e.checkpoints.GetByID(ctx, id)
	if err != nil {
		e.log.Error("load checkpoint %s: %v", id, err)
		return
	}
	prev.ResumedBy = by
	prev.UpdatedAt = e.now()
	e.save(ctx, prev)
}

// external reports whether err came from the market rather than from validation
func external(err error) bool {
	var stepErr *entity.StepError
	return errors.As(err, &stepErr) || errors.Is(err, entity.ErrMarketQueryFailed)
}
