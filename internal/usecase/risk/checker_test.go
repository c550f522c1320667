package risk

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zono819/leverage-loop/internal/domain/entity"
)

var owner = common.HexToAddress("0x00000000000000000000000000000000000C0FFE")

func newChecker() (*Checker, *time.Time) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewChecker(&Config{
		Owner:                  owner,
		MaxIterations:          30,
		MaxConsecutiveFailures: 2,
		CooldownDuration:       time.Minute,
	})
	c.now = func() time.Time { return now }
	return c, &now
}

func TestAuthorize(t *testing.T) {
	c, _ := newChecker()

	assert.NoError(t, c.Authorize(entity.NewOperator(owner), entity.OpLoop))
	assert.ErrorIs(t, c.Authorize(entity.Operator{}, entity.OpLoop), entity.ErrUnauthorized)
	stranger := entity.NewOperator(common.HexToAddress("0xdead"))
	assert.ErrorIs(t, c.Authorize(stranger, entity.OpUnwindFull), entity.ErrUnauthorized)
}

func TestHaltBlocksLeverageOnly(t *testing.T) {
	c, _ := newChecker()
	op := entity.NewOperator(owner)
	c.Halt("manual")

	err := c.Authorize(op, entity.OpLoop)
	assert.ErrorIs(t, err, entity.ErrHalted)
	assert.Contains(t, err.Error(), "manual")
	assert.ErrorIs(t, c.Authorize(op, entity.OpCorrectorAdd), entity.ErrHalted)
	assert.NoError(t, c.Authorize(op, entity.OpUnwindFull))
	assert.NoError(t, c.Authorize(op, entity.OpWithdrawAll))

	c.Resume()
	assert.NoError(t, c.Authorize(op, entity.OpLoop))
}

func TestCooldownAfterConsecutiveFailures(t *testing.T) {
	c, now := newChecker()
	op := entity.NewOperator(owner)

	c.RecordFailure()
	c.RecordSuccess()
	c.RecordFailure()
	assert.NoError(t, c.Authorize(op, entity.OpLoop), "streak was reset")

	c.RecordFailure()
	result := c.CanOperate()
	if result.Allowed {
		t.Errorf("CanOperate() = %v, expected cooldown", result.Allowed)
	}

	*now = now.Add(2 * time.Minute)
	assert.True(t, c.CanOperate().Allowed)
}

func TestCheckIterations(t *testing.T) {
	c, _ := newChecker()
	tests := []struct {
		n        int
		expected bool
	}{
		{0, false},
		{1, true},
		{30, true},
		{31, false},
	}
	for _, tt := range tests {
		if got := c.CheckIterations(tt.n).Allowed; got != tt.expected {
			t.Errorf("CheckIterations(%d) = %v, expected %v", tt.n, got, tt.expected)
		}
	}
}

func TestVerify(t *testing.T) {
	maxFactor, _ := entity.ParseMantissa("0.99")
	m := entity.MarketConfig{Symbol: "WBTC", MaxFactor: maxFactor}
	pos := &entity.Position{
		SupplyUnderlying: big.NewInt(1_000),
		Debt:             big.NewInt(990),
		CollateralFactor: new(big.Int).Set(entity.Mantissa),
	}
	healthy := &entity.AccountLiquidity{Liquidity: big.NewInt(10), Shortfall: new(big.Int)}

	c, _ := newChecker()
	require.True(t, c.Verify(m, pos, healthy).Allowed)
	assert.False(t, c.Halted())

	pos.Debt = big.NewInt(991)
	res := c.Verify(m, pos, healthy)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "above limit")
	assert.True(t, c.Halted())

	c.Resume()
	pos.Debt = big.NewInt(10)
	res = c.Verify(m, pos, &entity.AccountLiquidity{Liquidity: new(big.Int), Shortfall: big.NewInt(5)})
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "shortfall")
	assert.ErrorIs(t, res.Err(entity.ErrSafetyBreached), entity.ErrSafetyBreached)
}

func TestStatus(t *testing.T) {
	c, _ := newChecker()
	c.Halt("breach")
	s := c.Status()
	assert.Equal(t, true, s["halted"])
	assert.Equal(t, "breach", s["halt_reason"])
	assert.Equal(t, owner.Hex(), s["owner"])
}
