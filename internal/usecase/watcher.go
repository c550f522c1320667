package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zono819/leverage-loop/internal/adapter/gateway"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
)

// WatcherConfig holds watcher configuration
type WatcherConfig struct {
	// PollInterval refreshes stats on a timer; zero relies on heads only
	PollInterval time.Duration
	// Timeout bounds one refresh
	Timeout time.Duration
}

// Watcher refreshes position stats on new heads and halts the engine on a breach
type Watcher struct {
	engine *Engine
	feed   gateway.HeadFeed
	config WatcherConfig
	log    *logger.Logger

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	trigger   chan struct{}
	lastHead  *entity.Head
	lastStat  *entity.GlobalStat
	refreshes int
}

// NewWatcher creates a watcher. feed may be nil when polling only.
func NewWatcher(engine *Engine, feed gateway.HeadFeed, cfg WatcherConfig, log *logger.Logger) *Watcher {
	if log == nil {
		log = logger.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Watcher{
		engine:  engine,
		feed:    feed,
		config:  cfg,
		log:     log.WithField("component", "watcher"),
		trigger: make(chan struct{}, 1),
	}
}

// Start starts watching
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher is already running")
	}
	if w.feed == nil && w.config.PollInterval <= 0 {
		w.mu.Unlock()
		return fmt.Errorf("watcher needs a head feed or a poll interval")
	}
	w.running = true
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	if w.feed != nil {
		if err := w.feed.Connect(ctx); err != nil {
			w.abort()
			return fmt.Errorf("failed to connect head feed: %w", err)
		}
		if err := w.feed.SubscribeHeads(ctx, w.onHead); err != nil {
			w.abort()
			return fmt.Errorf("failed to subscribe heads: %w", err)
		}
	}

	w.wg.Add(1)
	go w.run(runCtx)

	w.log.Info("watcher started (poll interval %s, head feed %t)", w.config.PollInterval, w.feed != nil)
	return nil
}

// Stop stops watching and waits for the refresh loop to exit
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()

	if w.feed != nil {
		if err := w.feed.Disconnect(ctx); err != nil {
			return fmt.Errorf("failed to disconnect head feed: %w", err)
		}
	}
	w.log.Info("watcher stopped")
	return nil
}

// IsRunning returns true if the watcher is running
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Last returns the latest head seen and the latest global stat
func (w *Watcher) Last() (*entity.Head, *entity.GlobalStat, int) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastHead, w.lastStat, w.refreshes
}

func (w *Watcher) abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	w.cancel()
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	var tick <-chan time.Time
	if w.config.PollInterval > 0 {
		ticker := time.NewTicker(w.config.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	w.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			w.refresh(ctx)
		case <-w.trigger:
			w.refresh(ctx)
		}
	}
}

// onHead coalesces heads: a refresh already pending absorbs new ones
func (w *Watcher) onHead(head *entity.Head) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.lastHead = head
	w.mu.Unlock()

	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *Watcher) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	g, err := w.engine.StatGlobal(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warn("stat refresh failed: %v", err)
		}
		return
	}

	w.mu.Lock()
	w.lastStat = g
	w.refreshes++
	w.mu.Unlock()

	safety := w.engine.Safety()
	if g.Shortfall != nil && g.Shortfall.Sign() > 0 {
		reason := fmt.Sprintf("account shortfall %s", g.Shortfall)
		if !safety.Halted() {
			w.log.Error("halting: %s", reason)
		}
		safety.Halt(reason)
	}
	for i := range g.Coins {
		c := &g.Coins[i]
		if c.Utilization.Cmp(c.UtilizationLimit) > 0 {
			reason := fmt.Sprintf("%s utilization %s above limit %s", c.Asset,
				entity.MantissaString(c.Utilization), entity.MantissaString(c.UtilizationLimit))
			if !safety.Halted() {
				w.log.Error("halting: %s", reason)
			}
			safety.Halt(reason)
		}
	}
	w.engine.recorder.ObserveHalted(safety.Halted())

	w.log.WithFields(map[string]interface{}{
		"liquidity": g.Liquidity.String(),
		"shortfall": g.Shortfall.String(),
		"accrued":   g.RewardAccrued.String(),
	}).Debug("stats refreshed")
}
