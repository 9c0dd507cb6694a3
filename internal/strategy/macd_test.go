package strategy

import (
	"context"
	"testing"

	"github.com/quantforge/tradecore/pkg/types"
	"go.uber.org/zap"
)

func newActiveMACD(t *testing.T, params map[string]any) *MACDStrategy {
	t.Helper()
	s := NewMACDStrategy("macd-test", zap.NewNop())
	if err := s.Configure(params); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func feedMACD(t *testing.T, s *MACDStrategy, closes []float64) types.Signal {
	t.Helper()
	var last types.Signal
	for _, c := range candleSeries("BTCUSDT", closes, 60_000, 0) {
		sig, err := s.Update([]types.Candle{c}, tickerAt("BTCUSDT", 0, c.CloseTimeMs))
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		last = sig
	}
	return last
}

// smallMACDParams keeps the fast/slow/signal periods small enough that a
// handful of candles is enough to exercise the signal-line crossover.
var smallMACDParams = map[string]any{"fast_period": 2, "slow_period": 3, "signal_period": 2}

// TestMACDUpdateHoldsUntilEnoughCloses checks the "insufficient data" guard.
func TestMACDUpdateHoldsUntilEnoughCloses(t *testing.T) {
	s := newActiveMACD(t, smallMACDParams)
	sig := feedMACD(t, s, []float64{100, 100})
	if sig.Kind != types.SignalHold || sig.Message != "insufficient data for MACD" {
		t.Errorf("expected insufficient-data hold, got kind=%v message=%q", sig.Kind, sig.Message)
	}
}

// TestMACDSignalLineCrossUpEmitsBullishCrossover feeds a flat run followed
// by a sharp rise, pushing MACD from a tied reading above its signal line.
func TestMACDSignalLineCrossUpEmitsBullishCrossover(t *testing.T) {
	s := newActiveMACD(t, smallMACDParams)
	sig := feedMACD(t, s, []float64{100, 100, 100, 100, 100, 110})
	if sig.Kind != types.SignalBuy || sig.Message != "Bullish Crossover" {
		t.Fatalf("expected Bullish Crossover, got kind=%v message=%q", sig.Kind, sig.Message)
	}
}

// TestMACDSignalLineCrossDownEmitsBearishCrossover mirrors the bullish
// fixture with a sharp drop instead of a rise.
func TestMACDSignalLineCrossDownEmitsBearishCrossover(t *testing.T) {
	s := newActiveMACD(t, smallMACDParams)
	sig := feedMACD(t, s, []float64{100, 100, 100, 100, 100, 90})
	if sig.Kind != types.SignalSell || sig.Message != "Bearish Crossover" {
		t.Fatalf("expected Bearish Crossover, got kind=%v message=%q", sig.Kind, sig.Message)
	}
}

// TestMACDConfigureRejectsFastPeriodNotBelowSlow exercises the validate()
// guard wired through Configure.
func TestMACDConfigureRejectsFastPeriodNotBelowSlow(t *testing.T) {
	s := NewMACDStrategy("macd-bad", zap.NewNop())
	if err := s.Configure(map[string]any{"fast_period": 26, "slow_period": 12}); err == nil {
		t.Fatal("expected Configure to reject fast_period >= slow_period")
	}
}

// TestMACDShouldCloseOnHistogramSwingAgainstLong exercises the close
// trigger against a directly-set histogram-change snapshot.
func TestMACDShouldCloseOnHistogramSwingAgainstLong(t *testing.T) {
	s := newActiveMACD(t, smallMACDParams)
	s.prev = macdSnapshot{histogramChange: -1}
	s.havePrev = true
	if !s.ShouldClose(types.SideBuy) {
		t.Error("expected ShouldClose to trigger for a long position on a sharp negative histogram swing")
	}
	if s.ShouldClose(types.SideSell) {
		t.Error("a short position should not close on a histogram swing favoring it")
	}
}
