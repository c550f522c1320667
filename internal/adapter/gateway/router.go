package gateway

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zono819/leverage-loop/internal/domain/entity"
)

// SwapRequest describes an exact-input swap.
// A non-zero Via routes TokenIn -> Via -> TokenOut; ViaFeeTier applies to the first leg.
type SwapRequest struct {
	TokenIn    common.Address
	TokenOut   common.Address
	Via        common.Address
	ViaFeeTier uint32
	FeeTier    uint32
	Recipient  common.Address
	Deadline   time.Time
	AmountIn   *big.Int
	MinOut     *big.Int
}

// HasVia returns true if the swap is routed through an intermediate token
func (r SwapRequest) HasVia() bool {
	return r.Via != (common.Address{})
}

// SwapRouter defines DEX router interaction
type SwapRouter interface {
	// SwapExactInput swaps AmountIn of TokenIn and returns the amount of TokenOut received.
	// It fails when the output would be below MinOut.
	SwapExactInput(ctx context.Context, req SwapRequest) (*big.Int, error)
}

// HeadFeed delivers new chain heads
type HeadFeed interface {
	// Connect establishes the subscription connection
	Connect(ctx context.Context) error

	// Disconnect closes connection
	Disconnect(ctx context.Context) error

	// SubscribeHeads registers a handler for new heads
	SubscribeHeads(ctx context.Context, handler func(*entity.Head)) error
}
