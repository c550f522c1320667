package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/domain/repository"
	"github.com/zono819/leverage-loop/internal/infrastructure/blockfeed"
	"github.com/zono819/leverage-loop/internal/infrastructure/compound"
	"github.com/zono819/leverage-loop/internal/infrastructure/config"
	"github.com/zono819/leverage-loop/internal/infrastructure/metrics"
	"github.com/zono819/leverage-loop/internal/usecase"
)

var depositCmd = &cobra.Command{
	Use:   "deposit <asset>",
	Short: "Supply idle balance and loop supply/borrow",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) (interface{}, error) {
		iterations, _ := cmd.Flags().GetInt("iterations")
		if iterations == 0 {
			iterations = cfg.Engine.DefaultIterations
		}
		return a.engine.LoopDeposit(ctx, a.operator, asset(args), iterations)
	}),
}

var supplyCmd = &cobra.Command{
	Use:   "supply <asset>",
	Short: "Supply idle balance without borrowing",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) (interface{}, error) {
		supplied, err := a.engine.Supply(ctx, a.operator, asset(args))
		return map[string]interface{}{"supplied": supplied}, err
	}),
}

var correctorCmd = &cobra.Command{
	Use:   "corrector",
	Short: "Move utilization between target and max factor",
}

var correctorAddCmd = &cobra.Command{
	Use:   "add <asset>",
	Short: "Borrow up to the max factor and supply the proceeds",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) (interface{}, error) {
		return a.engine.CorrectorAdd(ctx, a.operator, asset(args))
	}),
}

var correctorRemoveCmd = &cobra.Command{
	Use:   "remove <asset>",
	Short: "Redeem collateral not needed at the max factor",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) (interface{}, error) {
		return a.engine.CorrectorRemove(ctx, a.operator, asset(args))
	}),
}

var unwindCmd = &cobra.Command{
	Use:   "unwind <asset>",
	Short: "Reduce debt with redeem/repay steps",
	Long: `Reduce debt with redeem/repay steps.

  --steps N   run exactly N steps
  --full      repay all debt within --max-iterations steps
  --all       repay all debt, then redeem all collateral`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) (interface{}, error) {
		steps, _ := cmd.Flags().GetInt("steps")
		full, _ := cmd.Flags().GetBool("full")
		all, _ := cmd.Flags().GetBool("all")
		ceiling, _ := cmd.Flags().GetInt("max-iterations")
		if ceiling == 0 {
			ceiling = cfg.Engine.MaxUnwindIterations
		}
		switch {
		case all:
			return a.engine.WithdrawAll(ctx, a.operator, asset(args), ceiling)
		case full:
			return a.engine.UnwindFull(ctx, a.operator, asset(args), ceiling)
		case steps > 0:
			return a.engine.UnwindPartial(ctx, a.operator, asset(args), steps)
		default:
			return nil, fmt.Errorf("one of --steps, --full or --all is required")
		}
	}),
}

var claimCmd = &cobra.Command{
	Use:   "claim [asset...]",
	Short: "Claim accrued reward in the given markets, or all markets",
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) (interface{}, error) {
		handles, err := a.receiptHandles(upper(args))
		if err != nil {
			return nil, err
		}
		return a.engine.ClaimInMarkets(ctx, a.operator, handles)
	}),
}

var reinvestCmd = &cobra.Command{
	Use:   "reinvest <asset>",
	Short: "Swap the reward balance into asset and supply it",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) (interface{}, error) {
		minOutFlag, _ := cmd.Flags().GetString("min-out")
		window, _ := cmd.Flags().GetDuration("deadline")
		minOut, err := parseUnits(minOutFlag)
		if err != nil {
			return nil, err
		}
		var deadline time.Time
		if window > 0 {
			deadline = time.Now().Add(window)
		}
		return a.engine.Reinvest(ctx, a.operator, asset(args), minOut, deadline)
	}),
}

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Show position statistics",
}

var statGlobalCmd = &cobra.Command{
	Use:   "global",
	Short: "Account liquidity, rewards and every market",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) (interface{}, error) {
		stat, err := a.engine.StatGlobal(ctx)
		if err != nil {
			return nil, err
		}
		coins := make([]map[string]interface{}, len(stat.Coins))
		for i := range stat.Coins {
			coins[i] = stat.Coins[i].Fields()
		}
		out := stat.Fields()
		out["coins"] = coins
		return out, nil
	}),
}

var statCoinCmd = &cobra.Command{
	Use:   "coin <asset>",
	Short: "Utilization and free amounts of one market",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) (interface{}, error) {
		stat, err := a.engine.StatCoin(ctx, asset(args))
		if err != nil {
			return nil, err
		}
		return stat.Fields(), nil
	}),
}

var statCompCmd = &cobra.Command{
	Use:   "comp <asset>",
	Short: "Reward emission and the account's estimated share",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) (interface{}, error) {
		stat, err := a.engine.StatComp(ctx, asset(args))
		if err != nil {
			return nil, err
		}
		return stat.Fields(), nil
	}),
}

var resumeCmd = &cobra.Command{
	Use:   "resume <checkpoint-id>",
	Short: "Continue a failed loop or unwind from its last committed step",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) (interface{}, error) {
		return a.engine.Resume(ctx, a.operator, args[0])
	}),
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List operation checkpoints, newest first",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) (interface{}, error) {
		assetFlag, _ := cmd.Flags().GetString("asset")
		kind, _ := cmd.Flags().GetString("kind")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return a.engine.Checkpoints(ctx, repository.CheckpointFilter{
			Asset:  strings.ToUpper(assetFlag),
			Kind:   entity.OperationKind(kind),
			Status: entity.CheckpointStatus(status),
			Limit:  limit,
		})
	}),
}

var enterMarketsCmd = &cobra.Command{
	Use:   "enter-markets",
	Short: "Enable every configured market as collateral",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newLiveApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		markets, err := cfg.MarketConfigs()
		if err != nil {
			return err
		}
		market := compound.NewMarket(a.client, compound.Config{
			Comptroller: config.Address(cfg.Lending.Comptroller),
			RewardToken: config.Address(cfg.Lending.RewardToken),
			Lens:        config.Address(cfg.Lending.Lens),
		}, log)
		if err := market.EnterMarkets(ctx, markets); err != nil {
			return err
		}
		log.Info("Entered %d markets", len(markets))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Refresh stats on new heads and serve metrics until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newLiveApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()
		return runWatcher(ctx, a, cfg)
	},
}

// runWatcher blocks until ctx is done, then shuts down within the grace period
func runWatcher(ctx context.Context, a *app, cfg *config.Config) error {
	var srv *metrics.Server
	if cfg.Metrics.Enabled {
		srv = metrics.NewServer(cfg.Metrics.Address, cfg.Metrics.Path, nil, log)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	var feed *blockfeed.Feed
	if cfg.Watcher.UseHeadFeed && cfg.Chain.WSURL != "" {
		feed = blockfeed.New(cfg.Chain.WSURL, log)
	}
	watcherCfg := usecase.WatcherConfig{PollInterval: cfg.Watcher.PollInterval}
	var watcher *usecase.Watcher
	if feed != nil {
		watcher = usecase.NewWatcher(a.engine, feed, watcherCfg, log)
	} else {
		watcher = usecase.NewWatcher(a.engine, nil, watcherCfg, log)
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	// Wait for context cancellation
	<-ctx.Done()

	// Graceful shutdown
	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.GracePeriod)
	defer cancel()

	if err := watcher.Stop(shutdownCtx); err != nil {
		log.Error("Watcher shutdown error: %v", err)
	}
	if srv != nil {
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Error("Metrics shutdown error: %v", err)
		}
	}
	log.Info("Watcher stopped")
	return nil
}

type appFunc func(ctx context.Context, cmd *cobra.Command, a *app, args []string) (interface{}, error)

// withApp runs fn against a live app and prints its result as JSON
func withApp(fn appFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newLiveApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := fn(ctx, cmd, a, args)
		var opErr *usecase.OperationError
		if errors.As(err, &opErr) && opErr.Resumable {
			log.Error("Operation failed; resume with: loopbot resume %s", opErr.CheckpointID)
		}
		return writeResult(cmd.OutOrStdout(), res, err)
	}
}

// writeResult prints res as JSON. On failure only a partial result is printed.
func writeResult(w io.Writer, res interface{}, err error) error {
	if err != nil {
		if !isNil(res) {
			_ = printJSON(w, res)
		}
		return err
	}
	return printJSON(w, res)
}

// isNil reports whether v is nil or holds a nil pointer, map or slice
func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func asset(args []string) string {
	return strings.ToUpper(args[0])
}

func upper(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToUpper(s)
	}
	return out
}

func init() {
	depositCmd.Flags().IntP("iterations", "n", 0, "loop iterations (default engine.default_iterations)")

	correctorCmd.AddCommand(correctorAddCmd, correctorRemoveCmd)

	unwindCmd.Flags().Int("steps", 0, "run exactly this many redeem/repay steps")
	unwindCmd.Flags().Bool("full", false, "repay all debt")
	unwindCmd.Flags().Bool("all", false, "repay all debt and redeem all collateral")
	unwindCmd.Flags().Int("max-iterations", 0, "step ceiling for --full and --all (default engine.max_unwind_iterations)")
	unwindCmd.MarkFlagsMutuallyExclusive("steps", "full", "all")

	reinvestCmd.Flags().String("min-out", "", "minimum output in base units of asset")
	reinvestCmd.Flags().Duration("deadline", 0, "swap deadline from now (default reward.deadline_window)")

	statCmd.AddCommand(statGlobalCmd, statCoinCmd, statCompCmd)

	checkpointsCmd.Flags().String("asset", "", "filter by asset")
	checkpointsCmd.Flags().String("kind", "", "filter by operation kind")
	checkpointsCmd.Flags().String("status", "", "filter by status")
	checkpointsCmd.Flags().Int("limit", 20, "maximum checkpoints to list")

	rootCmd.AddCommand(enterMarketsCmd)
}
