package entity

import (
	"github.com/ethereum/go-ethereum/common"
)

// Operator is the capability a caller presents to run mutating operations
type Operator struct {
	address common.Address
}

// NewOperator creates an operator capability for addr
func NewOperator(addr common.Address) Operator {
	return Operator{address: addr}
}

// Address returns the operator address
func (o Operator) Address() common.Address {
	return o.address
}

// IsZero returns true for the zero-value operator
func (o Operator) IsZero() bool {
	return o.address == (common.Address{})
}

func (o Operator) String() string {
	return o.address.Hex()
}
