package entity

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownAsset           = errors.New("unknown asset")
	ErrInvalidMarket          = errors.New("invalid market config")
	ErrMarketQueryFailed      = errors.New("market query failed")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrUnwindIncomplete       = errors.New("unwind incomplete")
	ErrSlippageExceeded       = errors.New("slippage exceeded")
	ErrSlippageUnprotected    = errors.New("minimum output required")
	ErrUnauthorized           = errors.New("operator not authorized")
	ErrInvalidIterations      = errors.New("iteration count must be positive")
	ErrNothingToSupply        = errors.New("no idle balance to supply")
	ErrSafetyBreached         = errors.New("position safety invariant breached")
	ErrHalted                 = errors.New("engine halted")
	ErrCheckpointNotFound     = errors.New("checkpoint not found")
	ErrNotResumable           = errors.New("checkpoint is not resumable")

	// ErrFactorAboveCollateral is returned when a market's max factor is not
	// below the protocol collateral factor.
	ErrFactorAboveCollateral = fmt.Errorf("%w: max factor not below collateral factor", ErrInsufficientCollateral)
)

// StepError reports the step at which a multi-step operation stopped.
// Steps before Step were committed and are not rolled back.
type StepError struct {
	Op    OperationKind
	Asset string
	Step  int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s %s: step %d: %v", e.Op, e.Asset, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
