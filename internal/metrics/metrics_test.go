package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("writing metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("writing metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestRecordSignalIncrementsLabeledCounter(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())
	r.RecordSignal("rsi-main", "BUY")
	r.RecordSignal("rsi-main", "BUY")
	if got := counterValue(t, r.SignalsEmitted.WithLabelValues("rsi-main", "BUY")); got != 2 {
		t.Errorf("signals emitted = %v, want 2", got)
	}
}

func TestRecordPositionClosedLabelsWinOrLoss(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())
	r.RecordPositionClosed("sma-main", 12.5)
	r.RecordPositionClosed("sma-main", -4)

	if got := counterValue(t, r.PositionsClosed.WithLabelValues("sma-main", "win")); got != 1 {
		t.Errorf("win count = %v, want 1", got)
	}
	if got := counterValue(t, r.PositionsClosed.WithLabelValues("sma-main", "loss")); got != 1 {
		t.Errorf("loss count = %v, want 1", got)
	}
	if got := gaugeValue(t, r.StrategyPnL.WithLabelValues("sma-main")); got != 8.5 {
		t.Errorf("cumulative pnl = %v, want 8.5", got)
	}
}

func TestRecordRiskRejectionIncrementsByKind(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())
	r.RecordRiskRejection("DAILY_LOSS_LIMIT")
	if got := counterValue(t, r.RiskRejections.WithLabelValues("DAILY_LOSS_LIMIT")); got != 1 {
		t.Errorf("rejection count = %v, want 1", got)
	}
}
