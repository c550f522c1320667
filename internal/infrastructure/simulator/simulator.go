// Package simulator provides an in-memory Compound-style lending market and
// constant-price swap router. It backs package tests and the simulate command.
package simulator

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zono819/leverage-loop/internal/adapter/gateway"
	"github.com/zono819/leverage-loop/internal/domain/entity"
)

var (
	_ gateway.LendingMarket = (*Simulator)(nil)
	_ gateway.SwapRouter    = (*Simulator)(nil)
	_ gateway.HeadFeed      = (*Simulator)(nil)
)

var (
	errNotListed           = errors.New("simulator: market not listed")
	errInvalidAmount       = errors.New("simulator: amount must be positive")
	errInsufficientBalance = errors.New("simulator: insufficient balance")
	errInsufficientCash    = errors.New("simulator: insufficient market cash")
	errRepayExceedsDebt    = errors.New("simulator: repay exceeds debt")
	errPaused              = errors.New("simulator: action paused")
	errNoPrice             = errors.New("simulator: no price for token")
	errExpired             = errors.New("simulator: transaction too old")
)

// BlockInterval is the simulated time between blocks
const BlockInterval = 13 * time.Second

// Action identifies a pausable market action
type Action string

const (
	ActionSupply Action = "supply"
	ActionRedeem Action = "redeem"
	ActionBorrow Action = "borrow"
	ActionRepay  Action = "repay"
)

// MarketParams configures one simulated market
type MarketParams struct {
	Receipt            common.Address
	Underlying         common.Address
	ExchangeRate       *big.Int // initial, 1e18 mantissa
	CollateralFactor   *big.Int // 1e18 mantissa
	Price              *big.Int // value of one underlying unit, 1e18 scaled
	BorrowRatePerBlock *big.Int // 1e18 mantissa
	SupplyRatePerBlock *big.Int // exchange rate growth per block, 1e18 mantissa
	SupplySpeed        *big.Int // reward per block across all suppliers
	BorrowSpeed        *big.Int // reward per block across all borrowers
	Cash               *big.Int // underlying available to borrow and redeem
	OtherSupply        *big.Int // receipt units held by other accounts
	OtherBorrows       *big.Int // underlying owed by other accounts
}

type market struct {
	params       MarketParams
	exchangeRate *big.Int
	cf           *big.Int
	supply       *big.Int // account receipt units
	debt         *big.Int // account debt, underlying units
	cash         *big.Int
	otherSupply  *big.Int
	otherBorrows *big.Int
	accrued      *big.Int // account reward accrued in this market
	paused       map[Action]bool
}

// Simulator is a single-account lending market and swap router held in memory
type Simulator struct {
	mu          sync.Mutex
	account     common.Address
	rewardToken common.Address
	markets     map[common.Address]*market
	order       []common.Address
	wallet      map[common.Address]*big.Int
	prices      map[common.Address]*big.Int
	block       uint64
	blockTime   time.Time
	haircutBps  int64

	calls  map[string]int
	faults map[string]*fault

	handlerMu    sync.RWMutex
	headHandlers []func(*entity.Head)
}

// New creates a simulator acting for account
func New(account, rewardToken common.Address) *Simulator {
	return &Simulator{
		account:     account,
		rewardToken: rewardToken,
		markets:     make(map[common.Address]*market),
		wallet:      make(map[common.Address]*big.Int),
		prices:      make(map[common.Address]*big.Int),
		block:       1,
		blockTime:   time.Unix(1_700_000_000, 0).UTC(),
		calls:       make(map[string]int),
		faults:      make(map[string]*fault),
	}
}

// AddMarket lists a market
func (s *Simulator) AddMarket(p MarketParams) error {
	if p.ExchangeRate == nil || p.ExchangeRate.Sign() <= 0 {
		return fmt.Errorf("simulator: %s: exchange rate must be positive", p.Receipt.Hex())
	}
	if p.CollateralFactor == nil || p.Price == nil {
		return fmt.Errorf("simulator: %s: collateral factor and price are required", p.Receipt.Hex())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[p.Receipt]; ok {
		return fmt.Errorf("simulator: %s already listed", p.Receipt.Hex())
	}
	s.markets[p.Receipt] = &market{
		params:       p,
		exchangeRate: new(big.Int).Set(p.ExchangeRate),
		cf:           new(big.Int).Set(p.CollateralFactor),
		supply:       new(big.Int),
		debt:         new(big.Int),
		cash:         orZero(p.Cash),
		otherSupply:  orZero(p.OtherSupply),
		otherBorrows: orZero(p.OtherBorrows),
		accrued:      new(big.Int),
		paused:       make(map[Action]bool),
	}
	s.order = append(s.order, p.Receipt)
	s.prices[p.Underlying] = new(big.Int).Set(p.Price)
	return nil
}

// Fund credits the account wallet with token
func (s *Simulator) Fund(token common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit(token, amount)
}

// SetPrice sets the value of one unit of token
func (s *Simulator) SetPrice(token common.Address, price *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[token] = new(big.Int).Set(price)
}

// SetCollateralFactor changes a market's collateral factor
func (s *Simulator) SetCollateralFactor(receipt common.Address, cf *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[receipt]
	if !ok {
		return errNotListed
	}
	m.cf = new(big.Int).Set(cf)
	return nil
}

// SetExchangeRate overrides a market's exchange rate
func (s *Simulator) SetExchangeRate(receipt common.Address, rate *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[receipt]
	if !ok {
		return errNotListed
	}
	m.exchangeRate = new(big.Int).Set(rate)
	return nil
}

// Pause blocks an action in a market
func (s *Simulator) Pause(receipt common.Address, action Action, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[receipt]
	if !ok {
		return errNotListed
	}
	m.paused[action] = paused
	return nil
}

// SetSwapHaircut reduces every swap output by bps basis points
func (s *Simulator) SetSwapHaircut(bps int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haircutBps = bps
}

// Mine advances the chain by blocks, accruing interest and rewards
func (s *Simulator) Mine(blocks uint64) {
	if blocks == 0 {
		return
	}

	s.mu.Lock()
	n := new(big.Int).SetUint64(blocks)
	for _, addr := range s.order {
		m := s.markets[addr]
		s.accrueRewards(m, n)
		s.accrueInterest(m, n)
	}
	s.block += blocks
	s.blockTime = s.blockTime.Add(time.Duration(blocks) * BlockInterval)
	head := &entity.Head{
		Number:    s.block,
		Hash:      common.BigToHash(new(big.Int).SetUint64(s.block)),
		Timestamp: s.blockTime,
	}
	s.mu.Unlock()

	s.handlerMu.RLock()
	handlers := append([]func(*entity.Head){}, s.headHandlers...)
	s.handlerMu.RUnlock()
	for _, h := range handlers {
		h(head)
	}
}

func (s *Simulator) accrueInterest(m *market, blocks *big.Int) {
	if rate := m.params.BorrowRatePerBlock; rate != nil && rate.Sign() > 0 {
		m.debt.Add(m.debt, growth(m.debt, rate, blocks))
		m.otherBorrows.Add(m.otherBorrows, growth(m.otherBorrows, rate, blocks))
	}
	if rate := m.params.SupplyRatePerBlock; rate != nil && rate.Sign() > 0 {
		m.exchangeRate.Add(m.exchangeRate, growth(m.exchangeRate, rate, blocks))
	}
}

func (s *Simulator) accrueRewards(m *market, blocks *big.Int) {
	if speed := m.params.SupplySpeed; speed != nil && m.supply.Sign() > 0 {
		total := new(big.Int).Add(m.supply, m.otherSupply)
		share := new(big.Int).Mul(speed, blocks)
		share.Mul(share, m.supply)
		m.accrued.Add(m.accrued, share.Quo(share, total))
	}
	if speed := m.params.BorrowSpeed; speed != nil && m.debt.Sign() > 0 {
		total := new(big.Int).Add(m.debt, m.otherBorrows)
		share := new(big.Int).Mul(speed, blocks)
		share.Mul(share, m.debt)
		m.accrued.Add(m.accrued, share.Quo(share, total))
	}
}

// BlockNumber returns the current block
func (s *Simulator) BlockNumber() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.block
}

// Now returns the simulated block time
func (s *Simulator) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockTime
}

// SupplyOf returns the account's receipt balance in a market
func (s *Simulator) SupplyOf(receipt common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.markets[receipt]; ok {
		return new(big.Int).Set(m.supply)
	}
	return new(big.Int)
}

// DebtOf returns the account's debt in a market
func (s *Simulator) DebtOf(receipt common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.markets[receipt]; ok {
		return new(big.Int).Set(m.debt)
	}
	return new(big.Int)
}

// WalletBalance returns the account's wallet balance of token
func (s *Simulator) WalletBalance(token common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.balance(token))
}

func (s *Simulator) balance(token common.Address) *big.Int {
	if b, ok := s.wallet[token]; ok {
		return b
	}
	b := new(big.Int)
	s.wallet[token] = b
	return b
}

func (s *Simulator) credit(token common.Address, amount *big.Int) {
	b := s.balance(token)
	b.Add(b, amount)
}

func (s *Simulator) debit(token common.Address, amount *big.Int) error {
	b := s.balance(token)
	if b.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", errInsufficientBalance, b, amount)
	}
	b.Sub(b, amount)
	return nil
}

func (s *Simulator) lookup(receipt common.Address) (*market, error) {
	m, ok := s.markets[receipt]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNotListed, receipt.Hex())
	}
	return m, nil
}

// growth returns x * rate * blocks / 1e18
func growth(x, rate, blocks *big.Int) *big.Int {
	out := new(big.Int).Mul(x, rate)
	out.Mul(out, blocks)
	return out.Quo(out, entity.Mantissa)
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
