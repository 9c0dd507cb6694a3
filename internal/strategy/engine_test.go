package strategy

import (
	"context"
	"testing"

	"github.com/quantforge/tradecore/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestEngineRegisterStrategyRejectsDuplicateName(t *testing.T) {
	e := NewEngine(zap.NewNop())
	s1 := NewRSIStrategy("dup", zap.NewNop())
	_ = s1.Configure(map[string]any{})
	if err := e.RegisterStrategy(context.Background(), s1); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	s2 := NewRSIStrategy("dup", zap.NewNop())
	_ = s2.Configure(map[string]any{})
	if err := e.RegisterStrategy(context.Background(), s2); err == nil {
		t.Errorf("expected error registering a duplicate strategy name")
	}
}

func TestEngineExecuteStrategyHoldsWhenUnregistered(t *testing.T) {
	e := NewEngine(zap.NewNop())
	sig, err := e.ExecuteStrategy("missing", nil, tickerAt("BTCUSDT", 100, 0))
	if err == nil {
		t.Errorf("expected error for unregistered strategy")
	}
	if sig.Kind != types.SignalHold {
		t.Errorf("expected HOLD for unregistered strategy, got %v", sig.Kind)
	}
}

func TestEngineExecuteStrategyHoldsWhenPaused(t *testing.T) {
	e := NewEngine(zap.NewNop())
	s := NewSMAStrategy("sma-paused", zap.NewNop())
	_ = s.Configure(map[string]any{})
	if err := e.RegisterStrategy(context.Background(), s); err != nil {
		t.Fatalf("RegisterStrategy: %v", err)
	}
	if err := e.PauseStrategy("sma-paused"); err != nil {
		t.Fatalf("PauseStrategy: %v", err)
	}
	sig, err := e.ExecuteStrategy("sma-paused", candleSeries("ETHUSDT", []float64{100, 101}, 1, 0), tickerAt("ETHUSDT", 101, 0))
	if err != nil {
		t.Fatalf("ExecuteStrategy: %v", err)
	}
	if sig.Kind != types.SignalHold {
		t.Errorf("expected HOLD while strategy paused, got %v", sig.Kind)
	}
}

func TestEngineGeneratePositionIdIsMonotonicallyDistinct(t *testing.T) {
	e := NewEngine(zap.NewNop())
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := e.GeneratePositionId()
		if seen[id] {
			t.Fatalf("duplicate position id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestEngineRegisterAndClosePositionUpdatesStats(t *testing.T) {
	e := NewEngine(zap.NewNop())
	s := NewRSIStrategy("rsi-pos", zap.NewNop())
	_ = s.Configure(map[string]any{})
	if err := e.RegisterStrategy(context.Background(), s); err != nil {
		t.Fatalf("RegisterStrategy: %v", err)
	}

	pos := types.Position{
		ID: e.GeneratePositionId(), Symbol: "BTCUSDT", Side: types.SideBuy,
		EntryPrice: dec(100), Quantity: dec(1), StrategyName: "rsi-pos",
	}
	if err := e.RegisterPosition(pos); err != nil {
		t.Fatalf("RegisterPosition: %v", err)
	}
	if got := e.PositionsFor("rsi-pos"); len(got) != 1 {
		t.Fatalf("expected 1 open position, got %d", len(got))
	}

	if err := e.UpdatePosition(pos.ID, dec(110)); err != nil {
		t.Fatalf("UpdatePosition: %v", err)
	}
	updated := e.Positions()
	if len(updated) != 1 || !updated[0].UnrealizedPnL.Equal(dec(10)) {
		t.Errorf("expected unrealized pnl of 10 after price move to 110, got %v", updated)
	}

	if err := e.ClosePosition(pos.ID, decimal.NewFromInt(10)); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if got := e.PositionsFor("rsi-pos"); len(got) != 0 {
		t.Errorf("expected 0 open positions after close, got %d", len(got))
	}
	m, ok := e.StrategyMetrics("rsi-pos")
	if !ok {
		t.Fatalf("expected strategy metrics to exist")
	}
	if m.TotalTrades != 1 || m.WinningTrades != 1 {
		t.Errorf("expected 1 winning trade recorded, got total=%d wins=%d", m.TotalTrades, m.WinningTrades)
	}
}

func TestEngineClosePositionRejectsUnknownId(t *testing.T) {
	e := NewEngine(zap.NewNop())
	if err := e.ClosePosition("does-not-exist", decimal.Zero); err == nil {
		t.Errorf("expected error closing an unknown position id")
	}
}

func TestValidateSignalRejectsNonPositivePrice(t *testing.T) {
	sig := types.Signal{Kind: types.SignalBuy, Price: decimal.Zero, Strength: 0.5}
	if err := ValidateSignal(sig); err == nil {
		t.Errorf("expected ValidateSignal to reject a zero price")
	}
}

func TestValidateSignalAllowsHoldRegardlessOfPrice(t *testing.T) {
	sig := types.Signal{Kind: types.SignalHold, Price: decimal.Zero}
	if err := ValidateSignal(sig); err != nil {
		t.Errorf("HOLD signals should never be rejected by ValidateSignal, got %v", err)
	}
}
