package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/tradecore/pkg/types"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newTestManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(zap.NewNop(), cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestCheckPositionAllowedRejectsNonPositiveQtyOrPrice(t *testing.T) {
	m := newTestManager(t, nil)
	if m.CheckPositionAllowed("BTCUSDT", types.SideBuy, decimal.Zero, dec(100), dec(10000)) {
		t.Errorf("expected rejection for zero quantity")
	}
	if m.CheckPositionAllowed("BTCUSDT", types.SideBuy, dec(1), decimal.Zero, dec(10000)) {
		t.Errorf("expected rejection for zero price")
	}
}

func TestCheckPositionAllowedRejectsAtMaxOpenPositions(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.MaxOpenPositions = 1 })
	m.RegisterPosition("BTCUSDT", dec(1), dec(100))
	if m.CheckPositionAllowed("ETHUSDT", types.SideBuy, dec(1), dec(100), dec(10000)) {
		t.Errorf("expected rejection once open positions reach the configured max")
	}
	alerts := m.Alerts()
	if len(alerts) != 1 || alerts[0].Kind != AlertMaxPositionsLimit {
		t.Errorf("expected a MAX_POSITIONS_LIMIT alert, got %+v", alerts)
	}
}

func TestCheckPositionAllowedRejectsOverSymbolExposure(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.MaxSymbolExposurePct = 5 })
	if m.CheckPositionAllowed("BTCUSDT", types.SideBuy, dec(100), dec(100), dec(1000)) {
		t.Errorf("expected rejection: 100*100=10000 notional far exceeds 5%% of a 1000 balance")
	}
}

func TestCheckPositionAllowedRejectsWithinMinTimeBetweenTrades(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.MinTimeBetweenTrades = time.Hour })
	m.RegisterPosition("BTCUSDT", dec(0.01), dec(100))
	if m.CheckPositionAllowed("BTCUSDT", types.SideBuy, dec(0.01), dec(100), dec(100000)) {
		t.Errorf("expected rejection when the min-time-between-trades window has not elapsed")
	}
}

func TestCheckPositionAllowedRejectsAtDailyLossLimit(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.MaxDailyLossPct = 1 })
	m.RegisterPosition("BTCUSDT", dec(1), dec(100))
	m.ClosePosition("BTCUSDT", dec(1), dec(100), dec(-200))
	if m.CheckPositionAllowed("ETHUSDT", types.SideBuy, dec(0.01), dec(100), dec(10000)) {
		t.Errorf("expected rejection once today's loss reaches 1%% of a 10000 balance")
	}
}

func TestCalculatePositionSizeBoundedByCapitalLimit(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.MaxCapitalPerTradePct = 2; c.MaxTotalExposurePct = 100; c.MaxSymbolExposurePct = 100 })
	qty := m.CalculatePositionSize("BTCUSDT", dec(100), dec(10000))
	want := dec(10000 * 0.02 / 100)
	if !qty.Equal(want) {
		t.Errorf("CalculatePositionSize = %v, want %v", qty, want)
	}
}

func TestCalculateExitLevelsBuyAndSell(t *testing.T) {
	m := newTestManager(t, func(c *Config) { c.DefaultStopLossPct = 2; c.DefaultTakeProfitPct = 4 })
	sl, tp := m.CalculateExitLevels(types.SideBuy, dec(100))
	if !sl.Equal(dec(98)) || !tp.Equal(dec(104)) {
		t.Errorf("BUY exit levels = (%v, %v), want (98, 104)", sl, tp)
	}
	sl, tp = m.CalculateExitLevels(types.SideSell, dec(100))
	if !sl.Equal(dec(102)) || !tp.Equal(dec(96)) {
		t.Errorf("SELL exit levels = (%v, %v), want (102, 96)", sl, tp)
	}
}

func TestRegisterAndClosePositionUpdatesExposureAndCount(t *testing.T) {
	m := newTestManager(t, nil)
	m.RegisterPosition("BTCUSDT", dec(1), dec(100))
	if m.OpenPositionsCount() != 1 {
		t.Fatalf("expected 1 open position, got %d", m.OpenPositionsCount())
	}
	if !m.TotalExposure().Equal(dec(100)) {
		t.Errorf("total exposure = %v, want 100", m.TotalExposure())
	}
	m.ClosePosition("BTCUSDT", dec(1), dec(110), dec(10))
	if m.OpenPositionsCount() != 0 {
		t.Errorf("expected 0 open positions after close, got %d", m.OpenPositionsCount())
	}
	if !m.TotalExposure().IsZero() {
		t.Errorf("expected zero total exposure after close, got %v", m.TotalExposure())
	}
	if !m.TodayPnL().Equal(dec(10)) {
		t.Errorf("today pnl = %v, want 10", m.TodayPnL())
	}
}

func TestNewManagerRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOpenPositions = 0
	if _, err := NewManager(zap.NewNop(), cfg); err == nil {
		t.Errorf("expected error for MaxOpenPositions=0")
	}
}
