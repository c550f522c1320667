package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
	"golang.org/x/time/rate"
)

var (
	// ErrReverted is returned when a mined transaction has a failed status
	ErrReverted = errors.New("transaction reverted")
	// ErrReadOnly is returned by Transact on a client without a signing key
	ErrReadOnly = errors.New("client has no signing key")
)

// Backend is the subset of ethclient.Client the adapters use
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config contains node and signing settings
type Config struct {
	ChainID        int64
	PrivateKey     string
	Account        common.Address // used for reads when no key is set
	RateLimit      float64        // requests per second
	RequestTimeout time.Duration
	ReceiptTimeout time.Duration
	GasMultiplier  float64
	MaxRetries     int
}

// Client signs transactions and performs rate-limited, retried contract calls
type Client struct {
	backend Backend
	closer  func()
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	limiter *rate.Limiter
	config  Config
	log     *logger.Logger

	// serializes nonce assignment
	txMu sync.Mutex
}

// Dial connects to an RPC endpoint
func Dial(ctx context.Context, rpcURL string, cfg Config, log *logger.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect RPC node: %w", err)
	}
	c, err := NewClient(ec, cfg, log)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.closer = ec.Close
	return c, nil
}

// NewClient wraps a backend
func NewClient(backend Backend, cfg Config, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.Default()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 5 * time.Minute
	}
	if cfg.GasMultiplier < 1 {
		cfg.GasMultiplier = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	c := &Client{
		backend: backend,
		from:    cfg.Account,
		chainID: big.NewInt(cfg.ChainID),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), int(math.Max(1, cfg.RateLimit))),
		config:  cfg,
		log:     log.WithField("component", "chain"),
	}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

// From returns the account address
func (c *Client) From() common.Address {
	return c.from
}

// Close releases the underlying connection
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// Call packs method, runs eth_call as the account and unpacks the outputs
func (c *Client) Call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := retry(ctx, c.config.MaxRetries, func() ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
		return c.backend.CallContract(callCtx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// Transact signs and sends a call to method and waits until it is mined.
// A receipt with failed status yields ErrReverted.
func (c *Client) Transact(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) (*types.Receipt, error) {
	if c.key == nil {
		return nil, ErrReadOnly
	}
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	tx, err := c.send(ctx, to, data)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	c.log.Debug("Sent %s to %s: %s", method, to.Hex(), tx.Hash().Hex())

	waitCtx, cancel := context.WithTimeout(ctx, c.config.ReceiptTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("wait %s %s: %w", method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s %s", ErrReverted, method, tx.Hash().Hex())
	}
	c.log.Debug("Mined %s in block %s, gas %d", method, receipt.BlockNumber, receipt.GasUsed)
	return receipt, nil
}

func (c *Client) send(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.from,
		To:    &to,
		Data:  data,
		Value: big.NewInt(0),
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gasLimit := uint64(float64(gas) * c.config.GasMultiplier)

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

// retry runs fn with backoff on transient failures.
// Reverts and errors after ctx is done are returned immediately.
func retry[R any](ctx context.Context, maxRetries int, fn func() (R, error)) (R, error) {
	policy := retrypolicy.NewBuilder[R]().
		HandleIf(func(_ R, err error) bool {
			return ctx.Err() == nil && Retryable(err)
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(maxRetries).
		ReturnLastFailure().
		Build()
	return failsafe.With[R](policy).WithContext(ctx).Get(fn)
}

// Retryable reports whether err is worth another attempt
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return false
	}
	return !strings.Contains(err.Error(), "execution reverted")
}
