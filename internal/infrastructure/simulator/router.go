package simulator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zono819/leverage-loop/internal/adapter/gateway"
	"github.com/zono819/leverage-loop/internal/domain/entity"
)

var (
	feeDenominator = big.NewInt(1_000_000)
	bpsDenominator = big.NewInt(10_000)
)

// SwapExactInput converts at oracle prices less the pool fee of each leg
func (s *Simulator) SwapExactInput(ctx context.Context, req gateway.SwapRequest) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enter(ctx, MethodSwap); err != nil {
		return nil, err
	}
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	if !req.Deadline.IsZero() && req.Deadline.Before(s.blockTime) {
		return nil, errExpired
	}

	out := new(big.Int).Set(req.AmountIn)
	var err error
	if req.HasVia() {
		if out, err = s.quote(req.TokenIn, req.Via, req.ViaFeeTier, out); err != nil {
			return nil, err
		}
		if out, err = s.quote(req.Via, req.TokenOut, req.FeeTier, out); err != nil {
			return nil, err
		}
	} else if out, err = s.quote(req.TokenIn, req.TokenOut, req.FeeTier, out); err != nil {
		return nil, err
	}

	if s.haircutBps > 0 {
		cut := new(big.Int).Mul(out, big.NewInt(s.haircutBps))
		out.Sub(out, cut.Quo(cut, bpsDenominator))
	}
	if req.MinOut != nil && out.Cmp(req.MinOut) < 0 {
		return nil, fmt.Errorf("%w: got %s, want at least %s", entity.ErrSlippageExceeded, out, req.MinOut)
	}

	if err := s.debit(req.TokenIn, req.AmountIn); err != nil {
		return nil, err
	}
	recipient := req.Recipient
	if recipient == (common.Address{}) || recipient == s.account {
		s.credit(req.TokenOut, out)
	}
	return out, nil
}

func (s *Simulator) quote(in, out common.Address, feeTier uint32, amount *big.Int) (*big.Int, error) {
	priceIn, ok := s.prices[in]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNoPrice, in.Hex())
	}
	priceOut, ok := s.prices[out]
	if !ok || priceOut.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s", errNoPrice, out.Hex())
	}
	afterFee := new(big.Int).Sub(feeDenominator, new(big.Int).SetUint64(uint64(feeTier)))
	v := new(big.Int).Mul(amount, afterFee)
	v.Quo(v, feeDenominator)
	v.Mul(v, priceIn)
	return v.Quo(v, priceOut), nil
}

// Connect is a no-op; heads are produced by Mine
func (s *Simulator) Connect(ctx context.Context) error {
	return nil
}

// Disconnect drops head subscribers
func (s *Simulator) Disconnect(ctx context.Context) error {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.headHandlers = nil
	return nil
}

// SubscribeHeads registers a handler called on every Mine
func (s *Simulator) SubscribeHeads(ctx context.Context, handler func(*entity.Head)) error {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.headHandlers = append(s.headHandlers, handler)
	return nil
}
