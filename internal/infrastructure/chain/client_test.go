package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
)

const tokenABI = `[
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

type fakeBackend struct {
	mu        sync.Mutex
	callErrs  []error
	calls     int
	result    []byte
	sent      []*types.Transaction
	status    uint64
	nonce     uint64
	gasLimit  uint64
	lastCall  ethereum.CallMsg
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastCall = msg
	if len(f.callErrs) > 0 {
		err := f.callErrs[0]
		f.callErrs = f.callErrs[1:]
		return nil, err
	}
	return f.result, nil
}

func (f *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{1}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.gasLimit, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return &types.Receipt{Status: f.status, TxHash: hash, BlockNumber: big.NewInt(1)}, nil
		}
	}
	return nil, ethereum.NotFound
}

func newClient(t *testing.T, backend Backend, withKey bool) *Client {
	t.Helper()
	cfg := Config{ChainID: 1, RateLimit: 1000, GasMultiplier: 1.2, MaxRetries: 2}
	if withKey {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		cfg.PrivateKey = hexutil.Encode(crypto.FromECDSA(key))
	}
	c, err := NewClient(backend, cfg, logger.Nop())
	require.NoError(t, err)
	return c
}

func parsedABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	require.NoError(t, err)
	return parsed
}

func TestCallRetriesTransientErrors(t *testing.T) {
	contract := parsedABI(t)
	out, err := contract.Methods["balanceOf"].Outputs.Pack(big.NewInt(42))
	require.NoError(t, err)

	backend := &fakeBackend{
		callErrs: []error{errors.New("connection reset"), errors.New("502 bad gateway")},
		result:   out,
	}
	c := newClient(t, backend, true)

	token := common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	values, err := c.Call(context.Background(), token, contract, "balanceOf", c.From())
	require.NoError(t, err)
	assert.Equal(t, int64(42), values[0].(*big.Int).Int64())
	assert.Equal(t, 3, backend.calls)
	assert.Equal(t, c.From(), backend.lastCall.From)
	assert.Equal(t, token, *backend.lastCall.To)
}

func TestCallDoesNotRetryReverts(t *testing.T) {
	backend := &fakeBackend{callErrs: []error{errors.New("execution reverted: paused")}}
	c := newClient(t, backend, true)

	_, err := c.Call(context.Background(), common.Address{1}, parsedABI(t), "balanceOf", c.From())
	assert.Error(t, err)
	assert.Equal(t, 1, backend.calls)
}

func TestTransactSignsAndWaits(t *testing.T) {
	backend := &fakeBackend{nonce: 7, gasLimit: 100_000, status: types.ReceiptStatusSuccessful}
	c := newClient(t, backend, true)

	spender := common.HexToAddress("0x5d3a536E4D6DbD6114cc1Ead35777bAB948E3643")
	receipt, err := c.Transact(context.Background(), common.Address{2}, parsedABI(t), "approve", spender, big.NewInt(1))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, tx.Hash(), receipt.TxHash)
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(120_000), tx.Gas())

	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(1)), tx)
	require.NoError(t, err)
	assert.Equal(t, c.From(), sender)
}

func TestTransactReverted(t *testing.T) {
	backend := &fakeBackend{gasLimit: 50_000, status: types.ReceiptStatusFailed}
	c := newClient(t, backend, true)

	_, err := c.Transact(context.Background(), common.Address{2}, parsedABI(t), "approve", common.Address{3}, big.NewInt(1))
	assert.ErrorIs(t, err, ErrReverted)
}

func TestTransactReadOnly(t *testing.T) {
	c := newClient(t, &fakeBackend{}, false)
	_, err := c.Transact(context.Background(), common.Address{2}, parsedABI(t), "approve", common.Address{3}, big.NewInt(1))
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{nil, false},
		{errors.New("dial tcp: i/o timeout"), true},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{errors.New("execution reverted"), false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.expected {
			t.Errorf("Retryable(%v) = %v, expected %v", tt.err, got, tt.expected)
		}
	}
}

func TestInvalidKey(t *testing.T) {
	_, err := NewClient(&fakeBackend{}, Config{PrivateKey: "nothex"}, logger.Nop())
	assert.Error(t, err)
}
