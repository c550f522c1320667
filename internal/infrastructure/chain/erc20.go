package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// ERC20ABI covers balances and approvals
const ERC20ABI = `[
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		panic(err)
	}
	erc20ABI = parsed
}

// TokenBalance returns the account's balance of token
func (c *Client) TokenBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	return c.CallUint(ctx, token, erc20ABI, "balanceOf", c.from)
}

// EnsureAllowance approves spender for the max amount when the current allowance is below amount
func (c *Client) EnsureAllowance(ctx context.Context, token, spender common.Address, amount *big.Int) error {
	allowance, err := c.CallUint(ctx, token, erc20ABI, "allowance", c.from, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}
	c.log.Info("Approving %s to spend %s", spender.Hex(), token.Hex())
	_, err = c.Transact(ctx, token, erc20ABI, "approve", spender, math.MaxBig256)
	return err
}

// CallUint calls a method whose first output is a uint256
func (c *Client) CallUint(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) (*big.Int, error) {
	values, err := c.Call(ctx, to, contract, method, args...)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result type %T", method, values[0])
	}
	return v, nil
}
