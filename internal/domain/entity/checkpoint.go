package entity

import (
	"time"
)

// OperationKind identifies an engine operation
type OperationKind string

const (
	OpLoop            OperationKind = "loop"
	OpCorrectorAdd    OperationKind = "corrector_add"
	OpCorrectorRemove OperationKind = "corrector_remove"
	OpUnwindPartial   OperationKind = "unwind_partial"
	OpUnwindFull      OperationKind = "unwind_full"
	OpWithdrawAll     OperationKind = "withdraw_all"
	OpClaim           OperationKind = "claim"
	OpReinvest        OperationKind = "reinvest"
	OpSupply          OperationKind = "supply"
)

// Resumable returns true for operations made of repeatable steps
func (k OperationKind) Resumable() bool {
	switch k {
	case OpLoop, OpUnwindPartial, OpUnwindFull, OpWithdrawAll:
		return true
	default:
		return false
	}
}

// Deleverages returns true for operations that never raise utilization.
// These stay available while the engine is halted.
func (k OperationKind) Deleverages() bool {
	switch k {
	case OpCorrectorRemove, OpUnwindPartial, OpUnwindFull, OpWithdrawAll, OpSupply, OpReinvest:
		return true
	default:
		return false
	}
}

// CheckpointStatus represents checkpoint status
type CheckpointStatus string

const (
	CheckpointRunning   CheckpointStatus = "running"
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointFailed    CheckpointStatus = "failed"
)

// Checkpoint records progress of a multi-step operation so it can be resumed
type Checkpoint struct {
	ID        string           `json:"id"`
	Kind      OperationKind    `json:"kind"`
	Asset     string           `json:"asset"`
	Requested int              `json:"requested"`
	Completed int              `json:"completed"`
	Status    CheckpointStatus `json:"status"`
	LastError string           `json:"last_error,omitempty"`
	ResumedBy string           `json:"resumed_by,omitempty"`
	ResumeOf  string           `json:"resume_of,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// IsDone returns true if the operation finished successfully
func (c *Checkpoint) IsDone() bool {
	return c.Status == CheckpointCompleted
}

// Remaining returns steps not yet committed
func (c *Checkpoint) Remaining() int {
	if c.Completed >= c.Requested {
		return 0
	}
	return c.Requested - c.Completed
}

// CanResume returns true if a failed operation has steps left and was not resumed already
func (c *Checkpoint) CanResume() bool {
	return c.Status == CheckpointFailed && c.Kind.Resumable() && c.Remaining() > 0 && c.ResumedBy == ""
}
