package main

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zono819/leverage-loop/internal/adapter/gateway"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/domain/repository"
	"github.com/zono819/leverage-loop/internal/domain/service"
	"github.com/zono819/leverage-loop/internal/infrastructure/chain"
	"github.com/zono819/leverage-loop/internal/infrastructure/compound"
	"github.com/zono819/leverage-loop/internal/infrastructure/config"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
	"github.com/zono819/leverage-loop/internal/infrastructure/metrics"
	"github.com/zono819/leverage-loop/internal/infrastructure/store"
	"github.com/zono819/leverage-loop/internal/infrastructure/uniswap"
	"github.com/zono819/leverage-loop/internal/usecase"
	"github.com/zono819/leverage-loop/internal/usecase/corrector"
	"github.com/zono819/leverage-loop/internal/usecase/loop"
	"github.com/zono819/leverage-loop/internal/usecase/reward"
	"github.com/zono819/leverage-loop/internal/usecase/risk"
)

// app holds the wired engine and everything that must be closed with it
type app struct {
	engine   *usecase.Engine
	operator entity.Operator
	client   *chain.Client
	closers  []func() error
}

// newLiveApp connects to the configured node and wires the engine against it
func newLiveApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	if err := cfg.ValidateLive(); err != nil {
		return nil, err
	}
	client, err := chain.Dial(ctx, cfg.Chain.RPCURL, chain.Config{
		ChainID:        cfg.Chain.ChainID,
		PrivateKey:     cfg.Chain.PrivateKey,
		RateLimit:      cfg.Chain.RateLimit,
		RequestTimeout: cfg.Chain.RequestTimeout,
		ReceiptTimeout: cfg.Chain.ReceiptTimeout,
		GasMultiplier:  cfg.Chain.GasMultiplier,
		MaxRetries:     cfg.Chain.MaxRetries,
	}, log)
	if err != nil {
		return nil, err
	}

	market := compound.NewMarket(client, compound.Config{
		Comptroller: config.Address(cfg.Lending.Comptroller),
		RewardToken: config.Address(cfg.Lending.RewardToken),
		Lens:        config.Address(cfg.Lending.Lens),
	}, log)
	router := uniswap.NewRouter(client, config.Address(cfg.Router.Address), log)

	markets, err := cfg.MarketConfigs()
	if err != nil {
		client.Close()
		return nil, err
	}
	a, err := wire(cfg, markets, market, router, client.From(), log)
	if err != nil {
		client.Close()
		return nil, err
	}
	a.client = client
	a.closers = append(a.closers, func() error { client.Close(); return nil })
	log.Info("Acting for %s on chain %d", client.From().Hex(), cfg.Chain.ChainID)
	return a, nil
}

// wire builds the engine around a market and router; account is the acting operator
func wire(cfg *config.Config, markets []entity.MarketConfig, market gateway.LendingMarket, router gateway.SwapRouter,
	account common.Address, log *logger.Logger) (*app, error) {
	registry, err := service.NewRegistryFrom(markets)
	if err != nil {
		return nil, err
	}

	dust, err := cfg.Dust()
	if err != nil {
		return nil, err
	}

	checkpoints, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	owner := config.Address(cfg.Chain.Owner)
	if owner == (common.Address{}) {
		owner = account
	}
	checker := risk.NewChecker(&risk.Config{
		Owner:                  owner,
		MaxIterations:          cfg.Engine.MaxIterations,
		MaxConsecutiveFailures: cfg.Engine.MaxConsecutiveFailures,
		CooldownDuration:       cfg.Engine.Cooldown,
	})

	engine := usecase.NewEngine(market, router, registry, checkpoints, checker, usecase.Config{
		Loop:      loop.Config{Dust: dust},
		Corrector: corrector.Config{Dust: dust, RepayOnRemove: cfg.CorrectorRepay()},
		Reward: reward.Config{
			Via:            config.Address(cfg.Router.Via),
			ViaFeeTier:     cfg.Router.ViaFeeTier,
			DeadlineWindow: cfg.Reward.DeadlineWindow,
			RequireMinOut:  cfg.Reward.RequireMinOut,
		},
	}, log)
	if cfg.Metrics.Enabled {
		engine.SetRecorder(metrics.Default())
	}

	return &app{
		engine:   engine,
		operator: entity.NewOperator(account),
		closers:  []func() error{closeStore},
	}, nil
}

func openStore(cfg *config.Config) (repository.CheckpointRepository, func() error, error) {
	switch cfg.Store.Driver {
	case "memory":
		s := store.NewMemoryStore()
		return s, s.Close, nil
	default:
		s, err := store.OpenBadger(store.OpenOptions{Path: cfg.Store.Path})
		if err != nil {
			return nil, nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		return s, s.Close, nil
	}
}

// Close releases the store and the node connection
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Default().Warn("close: %v", err)
		}
	}
}

// receiptHandles maps symbols to receipt handles; no symbols means every market
func (a *app) receiptHandles(symbols []string) ([]common.Address, error) {
	handles := make([]common.Address, 0, len(symbols))
	for _, s := range symbols {
		m, err := a.engine.Registry().Lookup(s)
		if err != nil {
			return nil, err
		}
		handles = append(handles, m.ReceiptHandle)
	}
	return handles, nil
}

// parseUnits parses a base-unit integer; empty yields nil
func parseUnits(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}
