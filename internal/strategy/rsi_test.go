package strategy

import (
	"context"
	"testing"

	"github.com/quantforge/tradecore/pkg/types"
	"go.uber.org/zap"
)

func newActiveRSI(t *testing.T, params map[string]any) *RSIStrategy {
	t.Helper()
	s := NewRSIStrategy("rsi-test", zap.NewNop())
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

// TestRSIUpdateHoldsUntilEnoughCloses checks the "insufficient data" guard:
// period+1 closes are required before a real RSI value is produced.
func TestRSIUpdateHoldsUntilEnoughCloses(t *testing.T) {
	s := newActiveRSI(t, map[string]any{"period": 4})
	candles := candleSeries("BTCUSDT", []float64{100, 101, 102}, 60_000, 0)
	for _, c := range candles {
		sig, err := s.Update([]types.Candle{c}, tickerAt("BTCUSDT", 102, c.CloseTimeMs))
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if sig.Kind != types.SignalHold || sig.Message != "insufficient data for RSI" {
			t.Errorf("with %d closes, expected the insufficient-data hold, got kind=%v message=%q", len(s.closesSnapshot()), sig.Kind, sig.Message)
		}
	}
}

// TestRSIZoneEntryEmitsBuyOversold drives the strategy from a neutral zone
// into oversold territory in a single candle and expects the zone-entry
// branch of classify to fire with "Buy Oversold".
func TestRSIZoneEntryEmitsBuyOversold(t *testing.T) {
	s := newActiveRSI(t, map[string]any{"period": 4})

	// Five closes (period+1) with mixed up/down moves land RSI in the
	// NEUTRAL_HIGH zone, not yet oversold.
	warmup := candleSeries("BTCUSDT", []float64{100, 102, 101, 103, 102}, 60_000, 0)
	var last types.Signal
	var err error
	for _, c := range warmup {
		last, err = s.Update([]types.Candle{c}, tickerAt("BTCUSDT", 102, c.CloseTimeMs))
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	if last.Kind != types.SignalHold {
		t.Fatalf("warmup: expected HOLD while in the neutral zone, got %v (%s)", last.Kind, last.Message)
	}

	// A sharp drop pushes RSI into the oversold zone from the prior
	// neutral reading.
	drop := candleSeries("BTCUSDT", []float64{90}, 60_000, 5*60_000)[0]
	sig, err := s.Update([]types.Candle{drop}, tickerAt("BTCUSDT", 90, drop.CloseTimeMs))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if sig.Kind != types.SignalBuy || sig.Message != "Buy Oversold" {
		t.Fatalf("expected Buy Oversold on zone entry, got kind=%v message=%q", sig.Kind, sig.Message)
	}
}

// TestRSIZoneExitEmitsBuyOversoldExit drives the strategy into the oversold
// zone and then back out into neutral territory, expecting the zone-exit
// branch to fire.
func TestRSIZoneExitEmitsBuyOversoldExit(t *testing.T) {
	s := newActiveRSI(t, map[string]any{"period": 4})

	closes := []float64{100, 102, 101, 103, 102, 90}
	candles := candleSeries("BTCUSDT", closes, 60_000, 0)
	for _, c := range candles {
		if _, err := s.Update([]types.Candle{c}, tickerAt("BTCUSDT", 90, c.CloseTimeMs)); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	if s.prevZone != ZoneExtremeOversold && s.prevZone != ZoneOversold {
		t.Fatalf("fixture setup: expected to be in an oversold zone before the exit candle, got %s", s.prevZone)
	}

	recover := candleSeries("BTCUSDT", []float64{110}, 60_000, 6*60_000)[0]
	sig, err := s.Update([]types.Candle{recover}, tickerAt("BTCUSDT", 110, recover.CloseTimeMs))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if sig.Kind != types.SignalBuy || sig.Message != "Buy Oversold Exit" {
		t.Fatalf("expected Buy Oversold Exit, got kind=%v message=%q", sig.Kind, sig.Message)
	}
}

// TestRSIConfigureRejectsInvalidThresholds exercises the validate() guard
// wired through Configure.
func TestRSIConfigureRejectsInvalidThresholds(t *testing.T) {
	s := NewRSIStrategy("rsi-bad", zap.NewNop())
	err := s.Configure(map[string]any{"oversold": 80.0, "overbought": 20.0})
	if err == nil {
		t.Fatal("expected Configure to reject oversold >= overbought")
	}
}

// TestRSIShouldCloseOnOverboughtWhileLong mirrors the position-close
// trigger spec: a long position closes once RSI reaches the overbought
// threshold.
func TestRSIShouldCloseOnOverboughtWhileLong(t *testing.T) {
	s := newActiveRSI(t, nil)
	s.OnPositionOpened(types.Position{ID: "p1", Side: types.SideBuy})
	if s.ShouldClose(50) {
		t.Error("should not close at neutral RSI")
	}
	if !s.ShouldClose(75) {
		t.Error("expected ShouldClose to trigger once RSI reaches the overbought threshold while long")
	}
}
