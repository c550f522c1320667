package uniswap

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/zono819/leverage-loop/internal/adapter/gateway"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/infrastructure/chain"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
)

// Ensure Router implements SwapRouter
var _ gateway.SwapRouter = (*Router)(nil)

// RouterABI covers SwapRouter exact-input swaps
const RouterABI = `[
	{"inputs":[{"components":[
		{"name":"tokenIn","type":"address"},
		{"name":"tokenOut","type":"address"},
		{"name":"fee","type":"uint24"},
		{"name":"recipient","type":"address"},
		{"name":"deadline","type":"uint256"},
		{"name":"amountIn","type":"uint256"},
		{"name":"amountOutMinimum","type":"uint256"},
		{"name":"sqrtPriceLimitX96","type":"uint160"}
	],"name":"params","type":"tuple"}],"name":"exactInputSingle","outputs":[{"name":"amountOut","type":"uint256"}],"stateMutability":"payable","type":"function"},
	{"inputs":[{"components":[
		{"name":"path","type":"bytes"},
		{"name":"recipient","type":"address"},
		{"name":"deadline","type":"uint256"},
		{"name":"amountIn","type":"uint256"},
		{"name":"amountOutMinimum","type":"uint256"}
	],"name":"params","type":"tuple"}],"name":"exactInput","outputs":[{"name":"amountOut","type":"uint256"}],"stateMutability":"payable","type":"function"}
]`

// DefaultDeadline is used when a request carries no deadline
const DefaultDeadline = 5 * time.Minute

var routerABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(RouterABI))
	if err != nil {
		panic(err)
	}
	routerABI = parsed
}

// ExactInputSingleParams mirrors the exactInputSingle tuple
type ExactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

// ExactInputParams mirrors the exactInput tuple
type ExactInputParams struct {
	Path             []byte
	Recipient        common.Address
	Deadline         *big.Int
	AmountIn         *big.Int
	AmountOutMinimum *big.Int
}

// Router implements SwapRouter against Uniswap V3's SwapRouter
type Router struct {
	client  *chain.Client
	address common.Address
	log     *logger.Logger
	now     func() time.Time
}

// NewRouter creates a new router adapter
func NewRouter(client *chain.Client, address common.Address, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Default()
	}
	return &Router{
		client:  client,
		address: address,
		log:     log.WithField("component", "uniswap"),
		now:     time.Now,
	}
}

// SwapExactInput swaps through one pool, or two when Via is set.
// The returned amount is the recipient's balance change when the recipient is the account.
func (r *Router) SwapExactInput(ctx context.Context, req gateway.SwapRequest) (*big.Int, error) {
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return nil, fmt.Errorf("swap amount must be positive")
	}
	method, params, err := r.build(req)
	if err != nil {
		return nil, err
	}

	if err := r.client.EnsureAllowance(ctx, req.TokenIn, r.address, req.AmountIn); err != nil {
		return nil, fmt.Errorf("approve router: %w", err)
	}

	quoted, err := r.client.CallUint(ctx, r.address, routerABI, method, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, slippageError(err))
	}
	if req.MinOut != nil && quoted.Cmp(req.MinOut) < 0 {
		return nil, fmt.Errorf("%w: quoted %s, want at least %s", entity.ErrSlippageExceeded, quoted, req.MinOut)
	}

	self := r.recipient(req) == r.client.From()
	var before *big.Int
	if self {
		if before, err = r.client.TokenBalance(ctx, req.TokenOut); err != nil {
			return nil, err
		}
	}

	if _, err := r.client.Transact(ctx, r.address, routerABI, method, params); err != nil {
		return nil, fmt.Errorf("%s: %w", method, slippageError(err))
	}

	if !self {
		return quoted, nil
	}
	after, err := r.client.TokenBalance(ctx, req.TokenOut)
	if err != nil {
		return nil, err
	}
	out := new(big.Int).Sub(after, before)
	r.log.Info("Swapped %s %s for %s %s", req.AmountIn, req.TokenIn.Hex(), out, req.TokenOut.Hex())
	return out, nil
}

func (r *Router) build(req gateway.SwapRequest) (string, interface{}, error) {
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = r.now().Add(DefaultDeadline)
	}
	minOut := req.MinOut
	if minOut == nil {
		minOut = new(big.Int)
	}

	if !req.HasVia() {
		return "exactInputSingle", ExactInputSingleParams{
			TokenIn:           req.TokenIn,
			TokenOut:          req.TokenOut,
			Fee:               new(big.Int).SetUint64(uint64(req.FeeTier)),
			Recipient:         r.recipient(req),
			Deadline:          big.NewInt(deadline.Unix()),
			AmountIn:          req.AmountIn,
			AmountOutMinimum:  minOut,
			SqrtPriceLimitX96: new(big.Int),
		}, nil
	}

	path, err := EncodePath(
		[]common.Address{req.TokenIn, req.Via, req.TokenOut},
		[]uint32{req.ViaFeeTier, req.FeeTier},
	)
	if err != nil {
		return "", nil, err
	}
	return "exactInput", ExactInputParams{
		Path:             path,
		Recipient:        r.recipient(req),
		Deadline:         big.NewInt(deadline.Unix()),
		AmountIn:         req.AmountIn,
		AmountOutMinimum: minOut,
	}, nil
}

func (r *Router) recipient(req gateway.SwapRequest) common.Address {
	if req.Recipient == (common.Address{}) {
		return r.client.From()
	}
	return req.Recipient
}

// EncodePath packs tokens and fees as token(20) fee(3) token(20) ...
func EncodePath(tokens []common.Address, fees []uint32) ([]byte, error) {
	if len(tokens) < 2 || len(fees) != len(tokens)-1 {
		return nil, fmt.Errorf("path needs n tokens and n-1 fees, got %d and %d", len(tokens), len(fees))
	}
	path := make([]byte, 0, len(tokens)*common.AddressLength+len(fees)*3)
	for i, token := range tokens {
		path = append(path, token.Bytes()...)
		if i < len(fees) {
			fee := fees[i]
			if fee >= 1<<24 {
				return nil, fmt.Errorf("fee tier %d does not fit uint24", fee)
			}
			path = append(path, byte(fee>>16), byte(fee>>8), byte(fee))
		}
	}
	return path, nil
}

func slippageError(err error) error {
	if strings.Contains(err.Error(), "Too little received") {
		return fmt.Errorf("%w: %w", entity.ErrSlippageExceeded, err)
	}
	return err
}
