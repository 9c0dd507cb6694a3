package tests

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/tradecore/internal/backtester"
	"github.com/quantforge/tradecore/internal/config"
)

func decimalOf(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

const configuredBacktestYAML = `
risk:
  max_open_positions: 3
  max_daily_loss_pct: 10

strategies:
  - name: rsi-primary
    kind: rsi
    params:
      period: 10
  - name: sma-secondary
    kind: sma

backtest:
  symbol: BTCUSDT
  timeframe: 1h
  start: "2026-01-01"
  end: "2026-01-05"
  initial_balance: 10000
  fee_rate: 0.001
  slippage_pct: 0.0005
`

const candleCSV = `1767225600000,100,102,99,101,500,1767229200000
1767229200000,101,103,100,102,520,1767232800000
1767232800000,102,101,98,99,610,1767236400000
1767236400000,99,100,95,96,700,1767240000000
1767240000000,96,99,94,98,650,1767243600000
`

// TestConfigDrivenBacktestProducesResultForEachConfiguredStrategy mirrors
// the wiring cmd/trader's -mode=backtest path performs: load a document via
// viper, build the configured strategies, and run each through a CSV
// candle series with the backtester.
func TestConfigDrivenBacktestProducesResultForEachConfiguredStrategy(t *testing.T) {
	logger := zap.NewNop()
	path := writeTempConfig(t, configuredBacktestYAML)

	doc, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Risk.MaxOpenPositions != 3 {
		t.Fatalf("MaxOpenPositions = %d, want 3 (document should override defaults)", doc.Risk.MaxOpenPositions)
	}

	strategies, err := config.BuildStrategies(doc.Strategies, logger)
	if err != nil {
		t.Fatalf("BuildStrategies: %v", err)
	}
	if len(strategies) != 2 {
		t.Fatalf("got %d strategies, want 2", len(strategies))
	}

	candles, err := backtester.LoadCSV(strings.NewReader(candleCSV), doc.Backtest.Symbol)
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	if len(candles) != 5 {
		t.Fatalf("got %d candles, want 5", len(candles))
	}

	start, err := backtester.ParseBoundary(doc.Backtest.Start)
	if err != nil {
		t.Fatalf("ParseBoundary(start): %v", err)
	}
	end, err := backtester.ParseBoundary(doc.Backtest.End)
	if err != nil {
		t.Fatalf("ParseBoundary(end): %v", err)
	}

	cfg := backtester.Config{
		InitialBalance: decimalOf(doc.Backtest.InitialBalance),
		Timeframe:      doc.Backtest.Timeframe,
		Symbol:         doc.Backtest.Symbol,
		Start:          start,
		End:            end,
		FeeRate:        decimalOf(doc.Backtest.FeeRate),
		SlippagePct:    decimalOf(doc.Backtest.SlippagePct),
		RiskFreeRate:   doc.Backtest.RiskFreeRate,
	}

	engine := backtester.NewEngine(logger)
	for _, strat := range strategies {
		if err := strat.Initialize(context.Background()); err != nil {
			t.Fatalf("%s: Initialize: %v", strat.Name(), err)
		}
		if err := strat.Start(); err != nil {
			t.Fatalf("%s: Start: %v", strat.Name(), err)
		}
		result, err := engine.Run(context.Background(), cfg, strat, candles)
		if err != nil {
			t.Fatalf("%s: Run: %v", strat.Name(), err)
		}
		if result.FinalBalance.IsZero() {
			t.Errorf("%s: FinalBalance is zero, want a balance tracking from %s", strat.Name(), cfg.InitialBalance)
		}
	}
}

// TestBuildAdapterRejectsUnknownVenue confirms the venue dispatch in
// config.BuildAdapter fails closed rather than silently defaulting.
func TestBuildAdapterRejectsUnknownVenue(t *testing.T) {
	_, err := config.BuildAdapter(config.AdapterSection{Venue: "kraken"}, zap.NewNop(), "key", "secret")
	if err == nil {
		t.Fatal("expected an error for an unconfigured venue")
	}
}
