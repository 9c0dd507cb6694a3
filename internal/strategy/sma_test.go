package strategy

import (
	"context"
	"testing"

	"github.com/quantforge/tradecore/pkg/types"
	"go.uber.org/zap"
)

func newActiveSMA(t *testing.T, params map[string]any) *SMAStrategy {
	t.Helper()
	s := NewSMAStrategy("sma-test", zap.NewNop())
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

// feedSMA drives s through one candle per element of closes and returns the
// signal produced by the last candle.
func feedSMA(t *testing.T, s *SMAStrategy, closes []float64) types.Signal {
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

// TestSMAUpdateHoldsUntilEnoughCloses checks the "insufficient data" guard.
func TestSMAUpdateHoldsUntilEnoughCloses(t *testing.T) {
	s := newActiveSMA(t, map[string]any{"fast_period": 2, "slow_period": 3})
	sig := feedSMA(t, s, []float64{100, 101})
	if sig.Kind != types.SignalHold || sig.Message != "insufficient data for SMA" {
		t.Errorf("expected insufficient-data hold, got kind=%v message=%q", sig.Kind, sig.Message)
	}
}

// TestSMAFastCrossingAboveSlowEmitsGoldenCross drives the fast SMA from at
// or below the slow SMA to strictly above it in one candle.
func TestSMAFastCrossingAboveSlowEmitsGoldenCross(t *testing.T) {
	s := newActiveSMA(t, map[string]any{"fast_period": 2, "slow_period": 3})
	sig := feedSMA(t, s, []float64{100, 100, 90, 130})
	if sig.Kind != types.SignalBuy || sig.Message != "Golden Cross" {
		t.Fatalf("expected Golden Cross, got kind=%v message=%q", sig.Kind, sig.Message)
	}
}

// TestSMAFastCrossingBelowSlowEmitsDeathCross mirrors the golden-cross
// fixture in the opposite direction.
func TestSMAFastCrossingBelowSlowEmitsDeathCross(t *testing.T) {
	s := newActiveSMA(t, map[string]any{"fast_period": 2, "slow_period": 3})
	sig := feedSMA(t, s, []float64{100, 100, 110, 70})
	if sig.Kind != types.SignalSell || sig.Message != "Death Cross" {
		t.Fatalf("expected Death Cross, got kind=%v message=%q", sig.Kind, sig.Message)
	}
}

// TestSMAConfigureRejectsFastPeriodNotBelowSlow exercises the validate()
// guard wired through Configure.
func TestSMAConfigureRejectsFastPeriodNotBelowSlow(t *testing.T) {
	s := NewSMAStrategy("sma-bad", zap.NewNop())
	if err := s.Configure(map[string]any{"fast_period": 20, "slow_period": 10}); err == nil {
		t.Fatal("expected Configure to reject fast_period >= slow_period")
	}
}

// TestSMAShouldCloseOnStrongDowntrendWhileLong exercises the close
// trigger against a directly-set trend snapshot.
func TestSMAShouldCloseOnStrongDowntrendWhileLong(t *testing.T) {
	s := newActiveSMA(t, map[string]any{"fast_period": 2, "slow_period": 3})
	s.prev = smaSnapshot{trend: TrendStrongDowntrend}
	s.havePrev = true
	if !s.ShouldClose(types.SideBuy) {
		t.Error("expected ShouldClose to trigger for a long position in a strong downtrend")
	}
	if s.ShouldClose(types.SideSell) {
		t.Error("a short position should not close on a downtrend matching its own direction")
	}
}
