package reward

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zono819/leverage-loop/internal/adapter/gateway"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/domain/service"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
	"github.com/zono819/leverage-loop/internal/usecase/loop"
)

// DefaultDeadlineWindow is used when no deadline window is configured
const DefaultDeadlineWindow = 5 * time.Minute

// Config holds harvester configuration
type Config struct {
	// Via is the intermediate token of reward swaps, usually WETH. Zero swaps directly.
	Via        common.Address
	ViaFeeTier uint32
	// DeadlineWindow is added to the current time when a reinvest passes no deadline
	DeadlineWindow time.Duration
	// RequireMinOut rejects reinvests without a minimum output
	RequireMinOut bool
	Clock         func() time.Time
}

// ClaimResult summarizes a claim
type ClaimResult struct {
	Markets []string
	Claimed *big.Int
	Skipped bool
}

// ReinvestResult summarizes a reinvest
type ReinvestResult struct {
	AmountIn  *big.Int
	AmountOut *big.Int
	Supplied  *big.Int
	Swapped   bool
	Skipped   bool
}

// Harvester claims protocol rewards and reinvests them as collateral
type Harvester struct {
	market   gateway.LendingMarket
	router   gateway.SwapRouter
	registry *service.Registry
	supplier *loop.Engine
	config   Config
	log      *logger.Logger
}

// NewHarvester creates a new reward harvester
func NewHarvester(market gateway.LendingMarket, router gateway.SwapRouter, registry *service.Registry, supplier *loop.Engine, cfg Config, log *logger.Logger) *Harvester {
	if log == nil {
		log = logger.Default()
	}
	if cfg.DeadlineWindow <= 0 {
		cfg.DeadlineWindow = DefaultDeadlineWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Harvester{
		market:   market,
		router:   router,
		registry: registry,
		supplier: supplier,
		config:   cfg,
		log:      log.WithField("component", "reward"),
	}
}

// ClaimInMarkets claims accrued rewards for the given receipt handles.
// Every handle must belong to a registered market. Nothing accrued means no
// call, unless the market's accrual lags and a selected position is earning.
func (h *Harvester) ClaimInMarkets(ctx context.Context, handles []common.Address) (*ClaimResult, error) {
	res := &ClaimResult{Claimed: new(big.Int)}
	if len(handles) == 0 {
		for _, symbol := range h.registry.Symbols() {
			m, _ := h.registry.Lookup(symbol)
			handles = append(handles, m.ReceiptHandle)
		}
	}
	markets := make([]entity.MarketConfig, 0, len(handles))
	for _, handle := range handles {
		m, err := h.registry.LookupByReceipt(handle)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
		res.Markets = append(res.Markets, m.Symbol)
	}

	accrued, err := h.market.RewardAccrued(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: reward accrued: %w", entity.ErrMarketQueryFailed, err)
	}
	if accrued.Sign() == 0 {
		earning, err := h.earning(ctx, markets)
		if err != nil {
			return nil, err
		}
		if earning == "" {
			h.log.Info("nothing accrued, skipping claim")
			res.Skipped = true
			return res, nil
		}
		h.log.Info("stored accrual is zero but %s is earning reward, claiming", earning)
	}

	token := h.market.RewardToken()
	before, err := h.market.TokenBalance(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: reward balance: %w", entity.ErrMarketQueryFailed, err)
	}
	if err := h.market.ClaimReward(ctx, handles); err != nil {
		return nil, &entity.StepError{Op: entity.OpClaim, Step: 1, Err: err}
	}
	after, err := h.market.TokenBalance(ctx, token)
	if err != nil {
		return res, fmt.Errorf("%w: reward balance: %w", entity.ErrMarketQueryFailed, err)
	}
	res.Claimed.Sub(after, before)

	h.log.WithField("markets", res.Markets).Info("claimed %s reward", res.Claimed)
	return res, nil
}

// earning returns the first market whose position is earning reward that the
// stored accrual may not show yet. Markets reporting exact accrual never need this.
func (h *Harvester) earning(ctx context.Context, markets []entity.MarketConfig) (string, error) {
	if exact, ok := h.market.(gateway.ExactRewardAccrual); ok && exact.RewardAccruedExact() {
		return "", nil
	}
	for _, m := range markets {
		supplySpeed, borrowSpeed, err := h.market.RewardSpeeds(ctx, m)
		if err != nil {
			return "", fmt.Errorf("%w: %s reward speeds: %w", entity.ErrMarketQueryFailed, m.Symbol, err)
		}
		if supplySpeed.Sign() > 0 {
			supply, err := h.market.SupplyBalance(ctx, m)
			if err != nil {
				return "", fmt.Errorf("%w: %s supply: %w", entity.ErrMarketQueryFailed, m.Symbol, err)
			}
			if supply.Sign() > 0 {
				return m.Symbol, nil
			}
		}
		if borrowSpeed.Sign() > 0 {
			debt, err := h.market.BorrowBalance(ctx, m)
			if err != nil {
				return "", fmt.Errorf("%w: %s debt: %w", entity.ErrMarketQueryFailed, m.Symbol, err)
			}
			if debt.Sign() > 0 {
				return m.Symbol, nil
			}
		}
	}
	return "", nil
}

// Reinvest swaps the whole reward balance into m's underlying and supplies it.
// A zero deadline means now plus the configured window.
func (h *Harvester) Reinvest(ctx context.Context, m entity.MarketConfig, minOut *big.Int, deadline time.Time) (*ReinvestResult, error) {
	res := &ReinvestResult{AmountIn: new(big.Int), AmountOut: new(big.Int), Supplied: new(big.Int)}
	token := h.market.RewardToken()

	balance, err := h.market.TokenBalance(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: reward balance: %w", entity.ErrMarketQueryFailed, err)
	}
	if balance.Sign() == 0 {
		h.log.Info("%s reinvest: no reward balance", m.Symbol)
		res.Skipped = true
		return res, nil
	}
	res.AmountIn.Set(balance)

	if m.UnderlyingHandle != token {
		if minOut == nil || minOut.Sign() == 0 {
			if h.config.RequireMinOut {
				return nil, entity.ErrSlippageUnprotected
			}
			h.log.Warn("%s reinvest: swapping %s reward with no minimum output", m.Symbol, balance)
			minOut = new(big.Int)
		}
		if deadline.IsZero() {
			deadline = h.config.Clock().Add(h.config.DeadlineWindow)
		}

		out, err := h.router.SwapExactInput(ctx, h.swapRequest(m, token, balance, minOut, deadline))
		if err != nil {
			return res, &entity.StepError{Op: entity.OpReinvest, Asset: m.Symbol, Step: 1, Err: err}
		}
		if out.Cmp(minOut) < 0 {
			return res, &entity.StepError{Op: entity.OpReinvest, Asset: m.Symbol, Step: 1,
				Err: fmt.Errorf("%w: got %s, want at least %s", entity.ErrSlippageExceeded, out, minOut)}
		}
		res.AmountOut.Set(out)
		res.Swapped = true
	} else {
		res.AmountOut.Set(balance)
	}

	supplied, err := h.supplier.SupplyIdle(ctx, m)
	if err != nil {
		return res, &entity.StepError{Op: entity.OpReinvest, Asset: m.Symbol, Step: 2, Err: err}
	}
	res.Supplied.Set(supplied)

	h.log.Info("%s reinvest: %s reward -> %s supplied", m.Symbol, res.AmountIn, res.Supplied)
	return res, nil
}

func (h *Harvester) swapRequest(m entity.MarketConfig, token common.Address, amount, minOut *big.Int, deadline time.Time) gateway.SwapRequest {
	req := gateway.SwapRequest{
		TokenIn:   token,
		TokenOut:  m.UnderlyingHandle,
		FeeTier:   m.SwapFeeTier,
		Recipient: h.market.Account(),
		Deadline:  deadline,
		AmountIn:  amount,
		MinOut:    minOut,
	}
	via := h.config.Via
	if via != (common.Address{}) && via != token && via != m.UnderlyingHandle {
		req.Via = via
		req.ViaFeeTier = h.config.ViaFeeTier
	}
	return req
}
