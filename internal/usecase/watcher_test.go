package usecase

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
	"github.com/zono819/leverage-loop/internal/infrastructure/simulator"
	"go.uber.org/goleak"
)

func TestWatcherRefreshesOnHeads(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	h := newHarness(t, simulator.ScenarioOptions{})

	w := NewWatcher(h.engine, h.sc.Sim, WatcherConfig{}, logger.Nop())
	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx), "second start must fail")
	assert.True(t, w.IsRunning())

	h.sc.Sim.Mine(3)
	require.Eventually(t, func() bool {
		head, stat, n := w.Last()
		return head != nil && stat != nil && n >= 2
	}, 2*time.Second, 5*time.Millisecond)

	head, stat, _ := w.Last()
	assert.Equal(t, uint64(4), head.Number)
	assert.Len(t, stat.Coins, 4)

	require.NoError(t, w.Stop(ctx))
	assert.False(t, w.IsRunning())
	require.NoError(t, w.Stop(ctx), "stop is idempotent")
}

func TestWatcherHaltsOnBreach(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	rate, _ := entity.ParseMantissa("0.001")
	h := newHarness(t, simulator.ScenarioOptions{BorrowRatePerBlock: rate})
	h.sc.Sim.Fund(simulator.WBTC, big.NewInt(oneBTC))
	_, err := h.engine.LoopDeposit(ctx, owner, "WBTC", 20)
	require.NoError(t, err)

	w := NewWatcher(h.engine, h.sc.Sim, WatcherConfig{}, logger.Nop())
	require.NoError(t, w.Start(ctx))
	defer func() { require.NoError(t, w.Stop(ctx)) }()

	h.sc.Sim.Mine(80)
	require.Eventually(t, h.engine.Safety().Halted, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, h.engine.Safety().Status()["halt_reason"], "WBTC utilization")
}

func TestWatcherPollsWithoutFeed(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	h := newHarness(t, simulator.ScenarioOptions{})

	w := NewWatcher(h.engine, nil, WatcherConfig{PollInterval: 10 * time.Millisecond}, logger.Nop())
	require.NoError(t, w.Start(ctx))
	require.Eventually(t, func() bool {
		_, _, n := w.Last()
		return n >= 3
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop(ctx))

	idle := NewWatcher(h.engine, nil, WatcherConfig{}, logger.Nop())
	assert.Error(t, idle.Start(ctx))
	assert.False(t, idle.IsRunning())
}
