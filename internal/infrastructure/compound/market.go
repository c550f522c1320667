package compound

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/zono819/leverage-loop/internal/adapter/gateway"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/infrastructure/chain"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
)

// Ensure Market implements LendingMarket
var _ gateway.LendingMarket = (*Market)(nil)

// Token error codes returned by CErc20 instead of reverting
const (
	codeUnauthorized         = 1
	codeComptrollerRejection = 3
	codeMarketNotFresh       = 10
	codeMarketNotListed      = 11
	codeInsufficientAllow    = 12
	codeInsufficientBalance  = 13
	codeInsufficientCash     = 14
)

var (
	errMarketNotListed  = errors.New("market not listed")
	errInsufficientCash = errors.New("market has insufficient cash")
)

// Config contains protocol addresses
type Config struct {
	Comptroller common.Address
	RewardToken common.Address
	// Lens is the CompoundLens used to read pending reward. Zero falls back to compAccrued.
	Lens common.Address
}

// Market implements LendingMarket against a Compound v2 deployment
type Market struct {
	client      *chain.Client
	comptroller common.Address
	rewardToken common.Address
	lens        common.Address
	log         *logger.Logger
}

// NewMarket creates a new Compound market adapter
func NewMarket(client *chain.Client, cfg Config, log *logger.Logger) *Market {
	if log == nil {
		log = logger.Default()
	}
	return &Market{
		client:      client,
		comptroller: cfg.Comptroller,
		rewardToken: cfg.RewardToken,
		lens:        cfg.Lens,
		log:         log.WithField("component", "compound"),
	}
}

// Account returns the signing account
func (m *Market) Account() common.Address {
	return m.client.From()
}

// RewardToken returns the COMP token handle
func (m *Market) RewardToken() common.Address {
	return m.rewardToken
}

// EnterMarkets enables the given markets as collateral
func (m *Market) EnterMarkets(ctx context.Context, markets []entity.MarketConfig) error {
	handles := make([]common.Address, len(markets))
	for i, mk := range markets {
		handles[i] = mk.ReceiptHandle
	}
	values, err := m.client.Call(ctx, m.comptroller, comptrollerABI, "enterMarkets", handles)
	if err != nil {
		return err
	}
	codes, _ := values[0].([]*big.Int)
	for i, code := range codes {
		if err := codeError(code); err != nil {
			return fmt.Errorf("enter %s: %w", markets[i].Symbol, err)
		}
	}
	_, err = m.client.Transact(ctx, m.comptroller, comptrollerABI, "enterMarkets", handles)
	return err
}

// Supply mints receipt tokens for amount of underlying
func (m *Market) Supply(ctx context.Context, mk entity.MarketConfig, amount *big.Int) error {
	if err := m.client.EnsureAllowance(ctx, mk.UnderlyingHandle, mk.ReceiptHandle, amount); err != nil {
		return fmt.Errorf("approve %s: %w", mk.Symbol, err)
	}
	return m.mutate(ctx, mk, "mint", amount)
}

// Redeem burns receipt tokens
func (m *Market) Redeem(ctx context.Context, mk entity.MarketConfig, receiptAmount *big.Int) error {
	return m.mutate(ctx, mk, "redeem", receiptAmount)
}

// Borrow draws underlying
func (m *Market) Borrow(ctx context.Context, mk entity.MarketConfig, amount *big.Int) error {
	return m.mutate(ctx, mk, "borrow", amount)
}

// Repay returns borrowed underlying
func (m *Market) Repay(ctx context.Context, mk entity.MarketConfig, amount *big.Int) error {
	if err := m.client.EnsureAllowance(ctx, mk.UnderlyingHandle, mk.ReceiptHandle, amount); err != nil {
		return fmt.Errorf("approve %s: %w", mk.Symbol, err)
	}
	return m.mutate(ctx, mk, "repayBorrow", amount)
}

// mutate simulates the call first so that error codes surface without spending gas
func (m *Market) mutate(ctx context.Context, mk entity.MarketConfig, method string, amount *big.Int) error {
	code, err := m.client.CallUint(ctx, mk.ReceiptHandle, cTokenABI, method, amount)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, mk.Symbol, revertError(err))
	}
	if err := codeError(code); err != nil {
		return fmt.Errorf("%s %s: %w", method, mk.Symbol, err)
	}
	if _, err := m.client.Transact(ctx, mk.ReceiptHandle, cTokenABI, method, amount); err != nil {
		return fmt.Errorf("%s %s: %w", method, mk.Symbol, revertError(err))
	}
	m.log.Debug("%s %s %s", method, mk.Symbol, amount)
	return nil
}

// ClaimReward claims COMP accrued in the given markets
func (m *Market) ClaimReward(ctx context.Context, receiptHandles []common.Address) error {
	_, err := m.client.Transact(ctx, m.comptroller, comptrollerABI, "claimComp", m.client.From(), receiptHandles)
	if err != nil {
		return fmt.Errorf("claimComp: %w", err)
	}
	return nil
}

// AccountLiquidity reads getAccountLiquidity for the account
func (m *Market) AccountLiquidity(ctx context.Context) (*entity.AccountLiquidity, error) {
	values, err := m.client.Call(ctx, m.comptroller, comptrollerABI, "getAccountLiquidity", m.client.From())
	if err != nil {
		return nil, err
	}
	ints, err := uints(values, 3)
	if err != nil {
		return nil, fmt.Errorf("getAccountLiquidity: %w", err)
	}
	if err := codeError(ints[0]); err != nil {
		return nil, fmt.Errorf("getAccountLiquidity: %w", err)
	}
	return &entity.AccountLiquidity{Liquidity: ints[1], Shortfall: ints[2]}, nil
}

// ExchangeRate reads exchangeRateCurrent with interest accrued to the pending block
func (m *Market) ExchangeRate(ctx context.Context, mk entity.MarketConfig) (*big.Int, error) {
	return m.client.CallUint(ctx, mk.ReceiptHandle, cTokenABI, "exchangeRateCurrent")
}

// CollateralFactor reads the comptroller's collateral factor for the market
func (m *Market) CollateralFactor(ctx context.Context, mk entity.MarketConfig) (*big.Int, error) {
	values, err := m.client.Call(ctx, m.comptroller, comptrollerABI, "markets", mk.ReceiptHandle)
	if err != nil {
		return nil, err
	}
	if len(values) < 2 {
		return nil, fmt.Errorf("markets: short result")
	}
	if listed, _ := values[0].(bool); !listed {
		return nil, fmt.Errorf("%w: %s", errMarketNotListed, mk.Symbol)
	}
	cf, ok := values[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("markets: unexpected result type %T", values[1])
	}
	return cf, nil
}

// SupplyBalance reads the account's receipt balance
func (m *Market) SupplyBalance(ctx context.Context, mk entity.MarketConfig) (*big.Int, error) {
	return m.client.CallUint(ctx, mk.ReceiptHandle, cTokenABI, "balanceOf", m.client.From())
}

// BorrowBalance reads borrowBalanceCurrent
func (m *Market) BorrowBalance(ctx context.Context, mk entity.MarketConfig) (*big.Int, error) {
	return m.client.CallUint(ctx, mk.ReceiptHandle, cTokenABI, "borrowBalanceCurrent", m.client.From())
}

// TokenBalance reads the account's wallet balance
func (m *Market) TokenBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	return m.client.TokenBalance(ctx, token)
}

// RewardAccrued reads the reward a claim would transfer now. With a lens
// configured it simulates the lens' claim and reads the allocated amount.
// Without one it reads compAccrued, which only reflects accrual up to the
// account's last interaction with the comptroller.
func (m *Market) RewardAccrued(ctx context.Context) (*big.Int, error) {
	if m.lens == (common.Address{}) {
		return m.client.CallUint(ctx, m.comptroller, comptrollerABI, "compAccrued", m.client.From())
	}
	values, err := m.client.Call(ctx, m.lens, lensABI, "getCompBalanceMetadataExt", m.rewardToken, m.comptroller, m.client.From())
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("getCompBalanceMetadataExt: unexpected output %v", values)
	}
	meta := *abi.ConvertType(values[0], new(compBalanceMetadata)).(*compBalanceMetadata)
	if meta.Allocated == nil {
		return new(big.Int), nil
	}
	return meta.Allocated, nil
}

// RewardAccruedExact reports whether RewardAccrued includes accrual since the last interaction
func (m *Market) RewardAccruedExact() bool {
	return m.lens != (common.Address{})
}

// RewardSpeeds reads compSupplySpeeds and compBorrowSpeeds
func (m *Market) RewardSpeeds(ctx context.Context, mk entity.MarketConfig) (*big.Int, *big.Int, error) {
	supply, err := m.client.CallUint(ctx, m.comptroller, comptrollerABI, "compSupplySpeeds", mk.ReceiptHandle)
	if err != nil {
		return nil, nil, err
	}
	borrow, err := m.client.CallUint(ctx, m.comptroller, comptrollerABI, "compBorrowSpeeds", mk.ReceiptHandle)
	if err != nil {
		return nil, nil, err
	}
	return supply, borrow, nil
}

// MarketTotals reads totalSupply and totalBorrowsCurrent
func (m *Market) MarketTotals(ctx context.Context, mk entity.MarketConfig) (*entity.MarketTotals, error) {
	supply, err := m.client.CallUint(ctx, mk.ReceiptHandle, cTokenABI, "totalSupply")
	if err != nil {
		return nil, err
	}
	borrows, err := m.client.CallUint(ctx, mk.ReceiptHandle, cTokenABI, "totalBorrowsCurrent")
	if err != nil {
		return nil, err
	}
	return &entity.MarketTotals{TotalSupply: supply, TotalBorrows: borrows}, nil
}

// codeError maps a CErc20 / comptroller error code to an error
func codeError(code *big.Int) error {
	if code == nil || code.Sign() == 0 {
		return nil
	}
	if !code.IsUint64() {
		return fmt.Errorf("error code %s", code)
	}
	switch c := code.Uint64(); c {
	case codeComptrollerRejection:
		return fmt.Errorf("%w: comptroller rejection", entity.ErrInsufficientCollateral)
	case codeMarketNotListed:
		return errMarketNotListed
	case codeInsufficientCash:
		return errInsufficientCash
	case codeUnauthorized:
		return fmt.Errorf("unauthorized (code %d)", c)
	case codeMarketNotFresh:
		return fmt.Errorf("market not fresh (code %d)", c)
	case codeInsufficientAllow:
		return fmt.Errorf("insufficient allowance (code %d)", c)
	case codeInsufficientBalance:
		return fmt.Errorf("insufficient balance (code %d)", c)
	default:
		return fmt.Errorf("error code %d", c)
	}
}

// revertError maps custom-error reverts from newer cToken versions
func revertError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ComptrollerRejection"),
		strings.Contains(msg, "insufficient liquidity"),
		strings.Contains(msg, "INSUFFICIENT_LIQUIDITY"):
		return fmt.Errorf("%w: %w", entity.ErrInsufficientCollateral, err)
	case strings.Contains(msg, "BorrowCashNotAvailable"), strings.Contains(msg, "RedeemTransferOutNotPossible"):
		return fmt.Errorf("%w: %w", errInsufficientCash, err)
	}
	return err
}

func uints(values []interface{}, n int) ([]*big.Int, error) {
	if len(values) < n {
		return nil, fmt.Errorf("expected %d outputs, got %d", n, len(values))
	}
	out := make([]*big.Int, n)
	for i := 0; i < n; i++ {
		v, ok := values[i].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("output %d: unexpected type %T", i, values[i])
		}
		out[i] = v
	}
	return out, nil
}
