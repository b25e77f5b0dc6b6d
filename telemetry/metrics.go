package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the engine's prometheus instrument set, registered on a
// private registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	EntriesOpened    prometheus.Counter
	ExitsClosed      *prometheus.CounterVec
	OpenPositions    prometheus.Gauge
	CapitalDeployed  prometheus.Gauge
	RealizedPnL      prometheus.Gauge
	FundingCollected prometheus.Gauge
	TickDuration     prometheus.Histogram
}

// NewMetrics builds and registers every instrument.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		EntriesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carrybot_entries_opened_total",
			Help: "Positions opened since start.",
		}),
		ExitsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carrybot_exits_closed_total",
			Help: "Positions closed since start, by exit reason.",
		}, []string{"reason"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carrybot_open_positions",
			Help: "Currently open positions.",
		}),
		CapitalDeployed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carrybot_capital_deployed_usdt",
			Help: "Notional currently deployed in open positions.",
		}),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carrybot_realized_pnl_usdt",
			Help: "Cumulative realized PnL across the trade history.",
		}),
		FundingCollected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "carrybot_funding_collected_usdt",
			Help: "Cumulative funding collected across the trade history.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carrybot_tick_duration_seconds",
			Help:    "Wall time of one strategy tick.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.EntriesOpened,
		m.ExitsClosed,
		m.OpenPositions,
		m.CapitalDeployed,
		m.RealizedPnL,
		m.FundingCollected,
		m.TickDuration,
	)
	return m
}
