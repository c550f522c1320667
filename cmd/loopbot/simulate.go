package main

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/infrastructure/config"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
	"github.com/zono819/leverage-loop/internal/infrastructure/simulator"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the full loop lifecycle against an in-memory market",
	Long: `Run the full loop lifecycle against an in-memory market:
fund, loop, corrector add, mine blocks, claim, reinvest, corrector remove
and withdraw all, logging balances and stats after every step.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		symbol, _ := cmd.Flags().GetString("asset")
		amountFlag, _ := cmd.Flags().GetString("amount")
		amount, err := parseUnits(amountFlag)
		if err != nil {
			return err
		}
		report, err := runSimulation(cmd.Context(), cfg, simulation{Asset: symbol, Amount: amount}, log)
		if report != nil {
			_ = printJSON(cmd.OutOrStdout(), report)
		}
		return err
	},
}

// simulation selects what the lifecycle funds and loops
type simulation struct {
	Asset  string
	Amount *big.Int
}

// simReport is the final state of a simulation run
type simReport struct {
	Asset      string                   `json:"asset"`
	Funded     *big.Int                 `json:"funded"`
	Final      *big.Int                 `json:"final_balance"`
	Claimed    *big.Int                 `json:"claimed"`
	Reinvested *big.Int                 `json:"reinvested"`
	Steps      []map[string]interface{} `json:"steps"`
}

func runSimulation(ctx context.Context, base *config.Config, sim simulation, log *logger.Logger) (*simReport, error) {
	opts, err := scenarioOptions(base.Simulator)
	if err != nil {
		return nil, err
	}
	sc, err := simulator.NewScenario(opts)
	if err != nil {
		return nil, err
	}

	// the simulated account owns the engine and nothing touches disk
	simCfg := *base
	simCfg.Store = config.StoreConfig{Driver: "memory"}
	simCfg.Chain.Owner = simulator.DefaultAccount.Hex()
	if simCfg.Router.Via == "" {
		simCfg.Router.Via = simulator.WETH.Hex()
	}

	a, err := wire(&simCfg, sc.Markets, sc.Sim, sc.Sim, simulator.DefaultAccount, log)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	if sim.Asset == "" {
		sim.Asset = "WBTC"
	}
	m, err := a.engine.Registry().Lookup(strings.ToUpper(sim.Asset))
	if err != nil {
		return nil, err
	}
	if sim.Amount == nil {
		sim.Amount = big.NewInt(100_000_000)
	}

	report := &simReport{Asset: m.Symbol, Funded: sim.Amount}
	log = log.WithField("simulation", m.Symbol)
	record := func(step string) error {
		stat, err := a.engine.StatCoin(ctx, m.Symbol)
		if err != nil {
			return err
		}
		liq, err := sc.Sim.AccountLiquidity(ctx)
		if err != nil {
			return err
		}
		fields := stat.Fields()
		fields["step"] = step
		fields["block"] = sc.Sim.BlockNumber()
		fields["wallet"] = sc.Sim.WalletBalance(m.UnderlyingHandle).String()
		fields["reward_wallet"] = sc.Sim.WalletBalance(sc.Sim.RewardToken()).String()
		fields["liquidity"] = entity.MantissaString(liq.Liquidity)
		fields["shortfall"] = entity.MantissaString(liq.Shortfall)
		log.WithFields(fields).Info("%s done", step)
		report.Steps = append(report.Steps, fields)
		return nil
	}

	sc.Sim.Fund(m.UnderlyingHandle, sim.Amount)
	if err := record("fund"); err != nil {
		return report, err
	}

	if _, err := a.engine.LoopDeposit(ctx, a.operator, m.Symbol, simCfg.Engine.DefaultIterations); err != nil {
		return report, err
	}
	if err := record("loop"); err != nil {
		return report, err
	}

	if _, err := a.engine.CorrectorAdd(ctx, a.operator, m.Symbol); err != nil {
		return report, err
	}
	if err := record("corrector_add"); err != nil {
		return report, err
	}

	sc.Sim.Mine(simCfg.Simulator.Blocks)
	if err := record("mine"); err != nil {
		return report, err
	}

	claim, err := a.engine.ClaimInMarkets(ctx, a.operator, []common.Address{m.ReceiptHandle})
	if err != nil {
		return report, err
	}
	report.Claimed = claim.Claimed
	if err := record("claim"); err != nil {
		return report, err
	}

	reinvest, err := a.engine.Reinvest(ctx, a.operator, m.Symbol, nil, sc.Sim.Now().Add(simCfg.Reward.DeadlineWindow))
	if err != nil {
		return report, err
	}
	report.Reinvested = reinvest.Supplied
	if err := record("reinvest"); err != nil {
		return report, err
	}

	if _, err := a.engine.CorrectorRemove(ctx, a.operator, m.Symbol); err != nil {
		return report, err
	}
	if err := record("corrector_remove"); err != nil {
		return report, err
	}

	if _, err := a.engine.WithdrawAll(ctx, a.operator, m.Symbol, simCfg.Engine.MaxUnwindIterations); err != nil {
		return report, err
	}
	if err := record("withdraw_all"); err != nil {
		return report, err
	}

	report.Final = sc.Sim.WalletBalance(m.UnderlyingHandle)
	return report, nil
}

func scenarioOptions(c config.SimulatorConfig) (simulator.ScenarioOptions, error) {
	var opts simulator.ScenarioOptions
	var err error
	if opts.CollateralFactor, err = config.Mantissa("simulator.collateral_factor", c.CollateralFactor); err != nil {
		return opts, err
	}
	if opts.BorrowRatePerBlock, err = config.Mantissa("simulator.borrow_rate_per_block", c.BorrowRatePerBlock); err != nil {
		return opts, err
	}
	if opts.SupplyRatePerBlock, err = config.Mantissa("simulator.supply_rate_per_block", c.SupplyRatePerBlock); err != nil {
		return opts, err
	}
	if opts.SupplySpeed, err = config.Mantissa("simulator.supply_speed", c.SupplySpeed); err != nil {
		return opts, err
	}
	if opts.BorrowSpeed, err = config.Mantissa("simulator.borrow_speed", c.BorrowSpeed); err != nil {
		return opts, err
	}
	if opts.CollateralFactor != nil && opts.CollateralFactor.Cmp(entity.Mantissa) > 0 {
		return opts, fmt.Errorf("simulator.collateral_factor must not exceed 1")
	}
	return opts, nil
}

func init() {
	simulateCmd.Flags().String("asset", "WBTC", "market to fund and loop")
	simulateCmd.Flags().String("amount", "100000000", "initial funding in base units")
}
