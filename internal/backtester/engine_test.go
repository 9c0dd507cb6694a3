package backtester

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/tradecore/internal/strategy"
	"github.com/quantforge/tradecore/pkg/types"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// scriptedStrategy emits a fixed sequence of signals indexed by call
// order, for deterministic replay tests. It satisfies strategy.Strategy
// as a no-op beyond Update.
type scriptedStrategy struct {
	calls int
	plan  map[int]types.SignalKind
	size  float64
}

func (s *scriptedStrategy) Name() string                             { return "scripted" }
func (s *scriptedStrategy) Configure(map[string]any) error           { return nil }
func (s *scriptedStrategy) Initialize(context.Context) error         { return nil }
func (s *scriptedStrategy) Start() error                             { return nil }
func (s *scriptedStrategy) Pause() error                             { return nil }
func (s *scriptedStrategy) Resume() error                            { return nil }
func (s *scriptedStrategy) Stop() error                              { return nil }
func (s *scriptedStrategy) Reset()                                   {}
func (s *scriptedStrategy) Shutdown()                                {}
func (s *scriptedStrategy) State() strategy.LifecycleState           { return strategy.StateActive }
func (s *scriptedStrategy) OnPositionOpened(types.Position)          {}
func (s *scriptedStrategy) OnPositionClosed(types.Position, float64) {}
func (s *scriptedStrategy) Serialize() (strategy.Snapshot, error)    { return strategy.Snapshot{}, nil }
func (s *scriptedStrategy) Deserialize(strategy.Snapshot) error      { return nil }
func (s *scriptedStrategy) GetMetrics() types.StrategyMetrics        { return types.StrategyMetrics{} }

func (s *scriptedStrategy) Update(candles []types.Candle, ticker types.Ticker) (types.Signal, error) {
	kind, ok := s.plan[s.calls]
	s.calls++
	if !ok {
		kind = types.SignalHold
	}
	return types.Signal{Kind: kind, Symbol: ticker.Symbol, Price: ticker.Last, Quantity: dec(s.size), StrategyName: "scripted", TimestampMs: ticker.TimestampMs}, nil
}

func candlesFromCloses(symbol string, closes []float64) []types.Candle {
	out := make([]types.Candle, len(closes))
	for i, c := range closes {
		t := int64(i) * 60_000
		out[i] = types.Candle{Symbol: symbol, OpenTimeMs: t, Open: dec(c), High: dec(c), Low: dec(c), Close: dec(c), Volume: dec(1), CloseTimeMs: t + 60_000}
	}
	return out
}

func TestBacktesterDeterministicReplayBuyThenSell(t *testing.T) {
	s := &scriptedStrategy{plan: map[int]types.SignalKind{0: types.SignalBuy, 2: types.SignalSell}, size: 1.0}
	candles := candlesFromCloses("BTCUSDT", []float64{100, 100, 110, 110, 100})

	cfg := Config{
		InitialBalance: dec(1000), Symbol: "BTCUSDT", Timeframe: "1m",
		Start: time.UnixMilli(0), End: time.UnixMilli(candles[len(candles)-1].OpenTimeMs),
		FeeRate: decimal.Zero, SlippagePct: decimal.Zero,
	}

	e := NewEngine(zap.NewNop())
	result, err := e.Run(context.Background(), cfg, s, candles)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.EquityCurve) != 5 {
		t.Fatalf("expected 5 equity curve points, got %d", len(result.EquityCurve))
	}
	wantQty := dec(1000).Div(dec(100))
	wantPnL := wantQty.Mul(dec(10))
	if len(result.Trades) != 2 {
		t.Fatalf("expected 2 trade records (open+close), got %d", len(result.Trades))
	}
	closeTrade := result.Trades[1]
	if !closeTrade.PnL.Equal(wantPnL) {
		t.Errorf("close trade pnl = %v, want %v", closeTrade.PnL, wantPnL)
	}
	if result.WinRate != 100 {
		t.Errorf("win rate = %v, want 100", result.WinRate)
	}
	if result.MaxDrawdownPct != 0 {
		t.Errorf("max drawdown = %v, want 0 on a monotone-up-then-flat equity curve", result.MaxDrawdownPct)
	}
}

func TestBacktesterConstantPriceZeroFeeZeroSlippageRoundTripIsFlat(t *testing.T) {
	s := &scriptedStrategy{plan: map[int]types.SignalKind{0: types.SignalBuy, 3: types.SignalSell}, size: 0.5}
	candles := candlesFromCloses("ETHUSDT", []float64{50, 50, 50, 50, 50})

	cfg := Config{
		InitialBalance: dec(1000), Symbol: "ETHUSDT", Timeframe: "1m",
		Start: time.UnixMilli(0), End: time.UnixMilli(candles[len(candles)-1].OpenTimeMs),
		FeeRate: decimal.Zero, SlippagePct: decimal.Zero,
	}

	e := NewEngine(zap.NewNop())
	result, err := e.Run(context.Background(), cfg, s, candles)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.FinalBalance.Equal(dec(1000)) {
		t.Errorf("final balance = %v, want unchanged 1000 on a flat round trip with zero fee/slippage", result.FinalBalance)
	}
	if !result.TotalPnL.IsZero() {
		t.Errorf("total pnl = %v, want 0", result.TotalPnL)
	}
}

func TestParseBoundaryAcceptsAllThreeLayouts(t *testing.T) {
	cases := []string{"2026-01-15", "15/01/2026", "2026-01-15 10:30:00"}
	for _, c := range cases {
		if _, err := ParseBoundary(c); err != nil {
			t.Errorf("ParseBoundary(%q) failed: %v", c, err)
		}
	}
}

func TestParseBoundaryRejectsUnknownFormat(t *testing.T) {
	if _, err := ParseBoundary("not-a-date"); err == nil {
		t.Errorf("expected an error for an unparseable boundary")
	}
}
