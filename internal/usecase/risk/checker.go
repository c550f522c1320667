package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/domain/service"
)

// Config holds safety configuration
type Config struct {
	// Owner is the only operator allowed to run mutating operations
	Owner                  common.Address
	MaxIterations          int
	MaxConsecutiveFailures int
	CooldownDuration       time.Duration
}

// DefaultConfig returns default safety configuration
func DefaultConfig() *Config {
	return &Config{
		MaxIterations:          50,
		MaxConsecutiveFailures: 3,
		CooldownDuration:       5 * time.Minute,
	}
}

// CheckResult represents the result of a safety check
type CheckResult struct {
	Allowed bool
	Reason  string
}

// Err converts a rejected result into err wrapped with the reason
func (r CheckResult) Err(err error) error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", err, r.Reason)
}

// Checker gates mutating operations and verifies positions after them
type Checker struct {
	config *Config
	now    func() time.Time

	mu                  sync.RWMutex
	consecutiveFailures int
	cooldownUntil       time.Time
	halted              bool
	haltReason          string
}

// NewChecker creates a new safety checker
func NewChecker(cfg *Config) *Checker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Checker{
		config: cfg,
		now:    time.Now,
	}
}

// Authorize checks the operator and whether kind may run.
// Deleveraging operations bypass halt and cooldown.
func (c *Checker) Authorize(op entity.Operator, kind entity.OperationKind) error {
	if op.IsZero() || op.Address() != c.config.Owner {
		return fmt.Errorf("%w: %s", entity.ErrUnauthorized, op)
	}
	if kind.Deleverages() {
		return nil
	}
	return c.CanOperate().Err(entity.ErrHalted)
}

// CanOperate checks halt and cooldown state
func (c *Checker) CanOperate() CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.halted {
		return CheckResult{Allowed: false, Reason: "operations halted: " + c.haltReason}
	}

	if c.now().Before(c.cooldownUntil) {
		return CheckResult{Allowed: false, Reason: "in cooldown until " + c.cooldownUntil.Format(time.RFC3339)}
	}

	return CheckResult{Allowed: true}
}

// CheckIterations validates a requested iteration count
func (c *Checker) CheckIterations(n int) CheckResult {
	if n < 1 {
		return CheckResult{Allowed: false, Reason: "iterations must be positive"}
	}
	if c.config.MaxIterations > 0 && n > c.config.MaxIterations {
		return CheckResult{
			Allowed: false,
			Reason:  fmt.Sprintf("%d iterations exceeds maximum %d", n, c.config.MaxIterations),
		}
	}
	return CheckResult{Allowed: true}
}

// Verify checks a position after an operation. A breach halts the checker.
func (c *Checker) Verify(m entity.MarketConfig, pos *entity.Position, liq *entity.AccountLiquidity) CheckResult {
	var reason string
	switch {
	case liq != nil && !liq.Healthy():
		reason = fmt.Sprintf("account shortfall %s", liq.Shortfall)
	case pos != nil && !service.WithinFactor(pos.Debt, pos.SupplyUnderlying, m.MaxFactor):
		reason = fmt.Sprintf("%s utilization %s above limit %s", m.Symbol,
			entity.MantissaString(pos.UtilizationRatio()),
			entity.MantissaString(entity.UtilizationLimit(m.MaxFactor, pos.CollateralFactor)))
	default:
		return CheckResult{Allowed: true}
	}
	c.Halt(reason)
	return CheckResult{Allowed: false, Reason: reason}
}

// RecordFailure counts a failed operation and starts a cooldown after too many in a row
func (c *Checker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFailures++
	if c.config.MaxConsecutiveFailures > 0 && c.consecutiveFailures >= c.config.MaxConsecutiveFailures {
		c.cooldownUntil = c.now().Add(c.config.CooldownDuration)
		c.consecutiveFailures = 0
	}
}

// RecordSuccess resets the failure streak
func (c *Checker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures = 0
}

// Halt stops mutating operations
func (c *Checker) Halt(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halted = true
	c.haltReason = reason
}

// Resume allows mutating operations again
func (c *Checker) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halted = false
	c.haltReason = ""
	c.consecutiveFailures = 0
	c.cooldownUntil = time.Time{}
}

// Halted reports whether the checker is halted
func (c *Checker) Halted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.halted
}

// Status returns current safety status
func (c *Checker) Status() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"owner":                c.config.Owner.Hex(),
		"halted":               c.halted,
		"halt_reason":          c.haltReason,
		"consecutive_failures": c.consecutiveFailures,
		"in_cooldown":          c.now().Before(c.cooldownUntil),
		"cooldown_until":       c.cooldownUntil,
	}
}
