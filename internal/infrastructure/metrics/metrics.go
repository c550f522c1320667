package metrics

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/zono819/leverage-loop/internal/domain/entity"
)

// Metrics exposes Prometheus collectors for engine operations and position state.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	utilization *prometheus.GaugeVec
	limit       *prometheus.GaugeVec
	supply      *prometheus.GaugeVec
	debt        *prometheus.GaugeVec
	liquidity   prometheus.Gauge
	shortfall   prometheus.Gauge
	reward      prometheus.Gauge
	halted      prometheus.Gauge
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide metrics registered on the default registerer
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopbot",
			Name:      "operations_total",
			Help:      "Engine operations by kind, asset and outcome.",
		}, []string{"kind", "asset", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "loopbot",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of engine operations.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loopbot",
			Name:      "utilization_ratio",
			Help:      "Debt over supplied underlying per market.",
		}, []string{"asset"}),
		limit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loopbot",
			Name:      "utilization_limit_ratio",
			Help:      "Configured max factor per market.",
		}, []string{"asset"}),
		supply: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loopbot",
			Name:      "supply_underlying",
			Help:      "Supplied underlying in base units.",
		}, []string{"asset"}),
		debt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loopbot",
			Name:      "debt_underlying",
			Help:      "Outstanding debt in base units.",
		}, []string{"asset"}),
		liquidity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loopbot",
			Name:      "account_liquidity_usd",
			Help:      "Account liquidity reported by the comptroller.",
		}),
		shortfall: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loopbot",
			Name:      "account_shortfall_usd",
			Help:      "Account shortfall reported by the comptroller.",
		}),
		reward: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loopbot",
			Name:      "reward_accrued",
			Help:      "Unclaimed reward token in base units.",
		}),
		halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loopbot",
			Name:      "halted",
			Help:      "1 when leverage-increasing operations are halted.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.operations, m.duration,
			m.utilization, m.limit, m.supply, m.debt,
			m.liquidity, m.shortfall, m.reward, m.halted,
		)
	}
	return m
}

// ObserveOperation counts an operation and records its duration
func (m *Metrics) ObserveOperation(kind entity.OperationKind, asset string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(string(kind), asset, outcome(err)).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// ObserveCoin updates the per-market gauges
func (m *Metrics) ObserveCoin(stat *entity.CoinStat) {
	if m == nil || stat == nil {
		return
	}
	m.utilization.WithLabelValues(stat.Asset).Set(ratio(stat.Utilization))
	m.limit.WithLabelValues(stat.Asset).Set(ratio(stat.UtilizationLimit))
	m.supply.WithLabelValues(stat.Asset).Set(amount(stat.SupplyUnderlying))
	m.debt.WithLabelValues(stat.Asset).Set(amount(stat.Debt))
}

// ObserveGlobal updates account gauges and every market in the stat
func (m *Metrics) ObserveGlobal(stat *entity.GlobalStat) {
	if m == nil || stat == nil {
		return
	}
	m.liquidity.Set(ratio(stat.Liquidity))
	m.shortfall.Set(ratio(stat.Shortfall))
	m.reward.Set(amount(stat.RewardAccrued))
	for i := range stat.Coins {
		m.ObserveCoin(&stat.Coins[i])
	}
}

// ObserveHalted sets the halted gauge
func (m *Metrics) ObserveHalted(halted bool) {
	if m == nil {
		return
	}
	if halted {
		m.halted.Set(1)
		return
	}
	m.halted.Set(0)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, entity.ErrUnauthorized), errors.Is(err, entity.ErrHalted):
		return "rejected"
	case errors.Is(err, entity.ErrSafetyBreached):
		return "breach"
	default:
		return "error"
	}
}

// ratio renders a 1e18 mantissa as a float
func ratio(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v, -18).InexactFloat64()
}

func amount(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v, 0).InexactFloat64()
}
