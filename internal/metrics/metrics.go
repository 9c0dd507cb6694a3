// Package metrics exposes the engine's Prometheus gauges and counters:
// signals emitted per strategy, positions opened/closed, risk
// rejections per kind, and backtester run duration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns every metric the engine emits. Constructing it twice
// against the default registry panics, matching promauto's behavior;
// callers should build one Recorder per process.
type Recorder struct {
	SignalsEmitted    *prometheus.CounterVec
	PositionsOpened   *prometheus.CounterVec
	PositionsClosed   *prometheus.CounterVec
	RiskRejections    *prometheus.CounterVec
	OpenPositionCount prometheus.Gauge
	TotalExposure     prometheus.Gauge
	BacktestDuration  prometheus.Histogram
	StrategyPnL       *prometheus.GaugeVec
}

// NewRecorder registers every metric against registry and returns the
// Recorder. Pass prometheus.NewRegistry() in tests to avoid colliding
// with the global default registry across test runs.
func NewRecorder(registry prometheus.Registerer) *Recorder {
	factory := promauto.With(registry)
	return &Recorder{
		SignalsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradecore",
			Subsystem: "strategy",
			Name:      "signals_emitted_total",
			Help:      "Actionable signals emitted, by strategy and kind.",
		}, []string{"strategy", "kind"}),
		PositionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradecore",
			Subsystem: "engine",
			Name:      "positions_opened_total",
			Help:      "Positions registered with the strategy engine, by strategy.",
		}, []string{"strategy"}),
		PositionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradecore",
			Subsystem: "engine",
			Name:      "positions_closed_total",
			Help:      "Positions closed, by strategy and outcome (win/loss).",
		}, []string{"strategy", "outcome"}),
		RiskRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradecore",
			Subsystem: "risk",
			Name:      "rejections_total",
			Help:      "Pre-trade checks rejected by the risk manager, by alert kind.",
		}, []string{"kind"}),
		OpenPositionCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradecore",
			Subsystem: "risk",
			Name:      "open_positions",
			Help:      "Current number of open positions tracked by the risk manager.",
		}),
		TotalExposure: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradecore",
			Subsystem: "risk",
			Name:      "total_exposure",
			Help:      "Current total notional exposure across all symbols.",
		}),
		BacktestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tradecore",
			Subsystem: "backtester",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of a completed backtest run.",
			Buckets:   prometheus.DefBuckets,
		}),
		StrategyPnL: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tradecore",
			Subsystem: "strategy",
			Name:      "realized_pnl",
			Help:      "Cumulative realized PnL per strategy.",
		}, []string{"strategy"}),
	}
}

// RecordSignal increments the signals-emitted counter for an actionable
// signal. HOLD signals are not actionable and should not be recorded.
func (r *Recorder) RecordSignal(strategyName, kind string) {
	r.SignalsEmitted.WithLabelValues(strategyName, kind).Inc()
}

// RecordPositionOpened increments the positions-opened counter.
func (r *Recorder) RecordPositionOpened(strategyName string) {
	r.PositionsOpened.WithLabelValues(strategyName).Inc()
}

// RecordPositionClosed increments the positions-closed counter with a
// win/loss outcome label and updates the strategy's cumulative PnL.
func (r *Recorder) RecordPositionClosed(strategyName string, realizedPnL float64) {
	outcome := "loss"
	if realizedPnL > 0 {
		outcome = "win"
	}
	r.PositionsClosed.WithLabelValues(strategyName, outcome).Inc()
	r.StrategyPnL.WithLabelValues(strategyName).Add(realizedPnL)
}

// RecordRiskRejection increments the risk-rejection counter for the
// alert kind that caused a pre-trade check to fail.
func (r *Recorder) RecordRiskRejection(kind string) {
	r.RiskRejections.WithLabelValues(kind).Inc()
}

// Handler returns the HTTP handler to mount at the configured metrics
// path (default /metrics).
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
