package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"github.com/zono819/leverage-loop/internal/infrastructure/logger"
)

func mantissa(s string) *big.Int {
	v, err := entity.ParseMantissa(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestObserveOperation(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveOperation(entity.OpLoop, "WBTC", time.Second, nil)
	m.ObserveOperation(entity.OpLoop, "WBTC", time.Second, nil)
	m.ObserveOperation(entity.OpLoop, "WBTC", time.Second, fmt.Errorf("loop: %w", entity.ErrHalted))
	m.ObserveOperation(entity.OpSupply, "DAI", time.Second, errors.Join(errors.New("x"), entity.ErrSafetyBreached))
	m.ObserveOperation(entity.OpUnwindFull, "DAI", time.Second, errors.New("rpc"))

	tests := []struct {
		kind, asset, outcome string
		expected             float64
	}{
		{"loop", "WBTC", "ok", 2},
		{"loop", "WBTC", "rejected", 1},
		{"supply", "DAI", "breach", 1},
		{"unwind_full", "DAI", "error", 1},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(m.operations.WithLabelValues(tt.kind, tt.asset, tt.outcome))
		if got != tt.expected {
			t.Errorf("operations{%s,%s,%s} = %v, expected %v", tt.kind, tt.asset, tt.outcome, got, tt.expected)
		}
	}
	assert.Equal(t, 3, testutil.CollectAndCount(m.duration))
}

func TestObserveGlobal(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveGlobal(&entity.GlobalStat{
		Liquidity:     mantissa("1250.5"),
		Shortfall:     big.NewInt(0),
		RewardAccrued: big.NewInt(4_200),
		Coins: []entity.CoinStat{{
			Asset:            "WBTC",
			SupplyUnderlying: big.NewInt(1_319_000_000),
			Debt:             big.NewInt(1_219_000_000),
			Utilization:      mantissa("0.924"),
			UtilizationLimit: mantissa("0.99"),
		}},
	})
	m.ObserveHalted(true)

	assert.InDelta(t, 1250.5, testutil.ToFloat64(m.liquidity), 1e-9)
	assert.Equal(t, 4200.0, testutil.ToFloat64(m.reward))
	assert.InDelta(t, 0.924, testutil.ToFloat64(m.utilization.WithLabelValues("WBTC")), 1e-12)
	assert.InDelta(t, 0.99, testutil.ToFloat64(m.limit.WithLabelValues("WBTC")), 1e-12)
	assert.Equal(t, 1_219_000_000.0, testutil.ToFloat64(m.debt.WithLabelValues("WBTC")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.halted))

	m.ObserveHalted(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.halted))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveOperation(entity.OpLoop, "WBTC", time.Second, nil)
	m.ObserveCoin(&entity.CoinStat{})
	m.ObserveGlobal(&entity.GlobalStat{})
	m.ObserveHalted(true)
}

func TestServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveHalted(true)

	srv := NewServer("127.0.0.1:0", "/metrics", reg, logger.Nop())
	require.NoError(t, srv.Start())
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "loopbot_halted 1"))
}
