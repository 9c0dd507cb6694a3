// Package risk implements the pre-trade gate and exposure bookkeeping
// that sits between a strategy's emitted signal and order placement.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/tradecore/pkg/types"
)

// AlertKind enumerates the risk limits an Alert can report against.
type AlertKind string

const (
	AlertDailyLossLimit     AlertKind = "DAILY_LOSS_LIMIT"
	AlertTotalExposureLimit AlertKind = "TOTAL_EXPOSURE_LIMIT"
	AlertSymbolExposureLimit AlertKind = "SYMBOL_EXPOSURE_LIMIT"
	AlertMaxPositionsLimit  AlertKind = "MAX_POSITIONS_LIMIT"
	AlertVolatilityAlert    AlertKind = "VOLATILITY_ALERT"
)

// Alert is a timestamped record of a crossed risk limit.
type Alert struct {
	Kind      AlertKind       `json:"kind"`
	Symbol    string          `json:"symbol,omitempty"`
	Current   decimal.Decimal `json:"current"`
	Limit     decimal.Decimal `json:"limit"`
	Message   string          `json:"message"`
	TimestampMs int64         `json:"timestampMs"`
}

// Config holds the tunable risk parameters of spec.md §4.7. Percentages
// are whole numbers (2.0 means 2%).
type Config struct {
	MaxCapitalPerTradePct float64
	MaxTotalExposurePct   float64
	MaxSymbolExposurePct  float64
	MaxOpenPositions      int
	MaxDailyLossPct       float64
	DefaultStopLossPct    float64
	DefaultTakeProfitPct  float64
	MinTimeBetweenTrades  time.Duration
	EnableVolatilityCheck bool
	MaxVolatilityPct      float64
	AlertRetention        time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxCapitalPerTradePct: 2.0,
		MaxTotalExposurePct:   50.0,
		MaxSymbolExposurePct:  20.0,
		MaxOpenPositions:      10,
		MaxDailyLossPct:       5.0,
		DefaultStopLossPct:    2.0,
		DefaultTakeProfitPct:  4.0,
		MinTimeBetweenTrades:  0,
		EnableVolatilityCheck: false,
		MaxVolatilityPct:      10.0,
		AlertRetention:        24 * time.Hour,
	}
}

func (c Config) validate() error {
	if c.MaxOpenPositions <= 0 {
		return fmt.Errorf("%w: max open positions must be > 0", ErrConfiguration)
	}
	if c.MaxCapitalPerTradePct <= 0 || c.MaxTotalExposurePct <= 0 || c.MaxSymbolExposurePct <= 0 {
		return fmt.Errorf("%w: exposure percentages must be > 0", ErrConfiguration)
	}
	return nil
}

// Manager owns risk parameters and live exposure/PnL state, and is the
// pre-trade gate every candidate signal must pass (spec.md §4.7). All
// state is guarded by a single mutex; it is held only for bookkeeping,
// never across a caller-supplied callback.
type Manager struct {
	logger *zap.Logger

	mu                 sync.RWMutex
	config             Config
	openPositionsCount int
	symbolExposure     map[string]decimal.Decimal
	totalExposure      decimal.Decimal
	lastTradeTime      map[string]time.Time
	todayPnL           decimal.Decimal
	startOfDay         time.Time
	alerts             []Alert
}

func NewManager(logger *zap.Logger, cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	now := time.Now()
	return &Manager{
		logger:         logger.Named("risk-manager"),
		config:         cfg,
		symbolExposure: make(map[string]decimal.Decimal),
		lastTradeTime:  make(map[string]time.Time),
		startOfDay:     startOfUTCDay(now),
	}, nil
}

func startOfUTCDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// rolloverIfNewDay resets today_pnl and the day marker once the calendar
// day (UTC) has advanced. Caller must hold mu.
func (m *Manager) rolloverIfNewDay(now time.Time) {
	sod := startOfUTCDay(now)
	if sod.After(m.startOfDay) {
		m.todayPnL = decimal.Zero
		m.startOfDay = sod
	}
}

func (m *Manager) recordAlert(a Alert) {
	a.TimestampMs = time.Now().UnixMilli()
	m.alerts = append(m.alerts, a)
	cutoff := time.Now().Add(-m.config.AlertRetention).UnixMilli()
	kept := m.alerts[:0]
	for _, alert := range m.alerts {
		if alert.TimestampMs >= cutoff {
			kept = append(kept, alert)
		}
	}
	m.alerts = kept
	m.logger.Warn("risk limit crossed",
		zap.String("kind", string(a.Kind)), zap.String("symbol", a.Symbol), zap.String("message", a.Message))
}

// CheckPositionAllowed is the pre-trade gate of spec.md §4.7: all six
// conditions must hold for a candidate trade to be approved.
func (m *Manager) CheckPositionAllowed(symbol string, side types.Side, qty, price, accountBalance decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qty.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) || symbol == "" {
		return false
	}

	if m.openPositionsCount >= m.config.MaxOpenPositions {
		m.recordAlert(Alert{Kind: AlertMaxPositionsLimit, Symbol: symbol,
			Current: decimal.NewFromInt(int64(m.openPositionsCount)), Limit: decimal.NewFromInt(int64(m.config.MaxOpenPositions)),
			Message: "open position count at or above the configured maximum"})
		return false
	}

	now := time.Now()
	m.rolloverIfNewDay(now)
	maxDailyLoss := accountBalance.Mul(decimal.NewFromFloat(m.config.MaxDailyLossPct / 100))
	if m.todayPnL.Neg().GreaterThanOrEqual(maxDailyLoss) {
		m.recordAlert(Alert{Kind: AlertDailyLossLimit, Symbol: symbol,
			Current: m.todayPnL.Neg(), Limit: maxDailyLoss, Message: "today's realized loss has reached the daily loss limit"})
		return false
	}

	maxSymbolExposure := accountBalance.Mul(decimal.NewFromFloat(m.config.MaxSymbolExposurePct / 100))
	candidateSymbolExposure := m.symbolExposure[symbol].Add(qty.Mul(price))
	if candidateSymbolExposure.GreaterThan(maxSymbolExposure) {
		m.recordAlert(Alert{Kind: AlertSymbolExposureLimit, Symbol: symbol,
			Current: candidateSymbolExposure, Limit: maxSymbolExposure, Message: "candidate trade would exceed per-symbol exposure limit"})
		return false
	}

	if last, ok := m.lastTradeTime[symbol]; ok {
		if now.Sub(last) < m.config.MinTimeBetweenTrades {
			return false
		}
	}

	if m.config.EnableVolatilityCheck {
		// Volatility oracle not wired in; see design notes.
		if !m.checkVolatility(symbol) {
			m.recordAlert(Alert{Kind: AlertVolatilityAlert, Symbol: symbol,
				Message: "recent price movement exceeds the configured maximum volatility"})
			return false
		}
	}

	return true
}

// checkVolatility is a placeholder per spec.md §9: until a volatility
// oracle is wired in, it permits every trade.
func (m *Manager) checkVolatility(symbol string) bool {
	return true
}

// CalculatePositionSize sizes a candidate trade bounded by the capital,
// total-exposure, and symbol-exposure limits.
func (m *Manager) CalculatePositionSize(symbol string, price, balance decimal.Decimal) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if price.LessThanOrEqual(decimal.Zero) || balance.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	desired := balance.Mul(decimal.NewFromFloat(m.config.MaxCapitalPerTradePct / 100))

	totalRoom := balance.Mul(decimal.NewFromFloat(m.config.MaxTotalExposurePct / 100)).Sub(m.totalExposure)
	if totalRoom.LessThan(decimal.Zero) {
		totalRoom = decimal.Zero
	}
	symbolRoom := balance.Mul(decimal.NewFromFloat(m.config.MaxSymbolExposurePct / 100)).Sub(m.symbolExposure[symbol])
	if symbolRoom.LessThan(decimal.Zero) {
		symbolRoom = decimal.Zero
	}

	bounded := desired
	if totalRoom.LessThan(bounded) {
		bounded = totalRoom
	}
	if symbolRoom.LessThan(bounded) {
		bounded = symbolRoom
	}
	if bounded.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return bounded.Div(price)
}

// CalculateExitLevels derives stop-loss/take-profit prices from the
// configured default percentages.
func (m *Manager) CalculateExitLevels(side types.Side, entry decimal.Decimal) (stopLoss, takeProfit decimal.Decimal) {
	m.mu.RLock()
	sl := decimal.NewFromFloat(m.config.DefaultStopLossPct / 100)
	tp := decimal.NewFromFloat(m.config.DefaultTakeProfitPct / 100)
	m.mu.RUnlock()

	if side == types.SideBuy {
		stopLoss = entry.Mul(decimal.NewFromInt(1).Sub(sl))
		takeProfit = entry.Mul(decimal.NewFromInt(1).Add(tp))
		return
	}
	stopLoss = entry.Mul(decimal.NewFromInt(1).Add(sl))
	takeProfit = entry.Mul(decimal.NewFromInt(1).Sub(tp))
	return
}

// RegisterPosition folds a newly opened position into exposure
// bookkeeping.
func (m *Manager) RegisterPosition(symbol string, qty, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value := qty.Mul(price)
	m.totalExposure = m.totalExposure.Add(value)
	m.symbolExposure[symbol] = m.symbolExposure[symbol].Add(value)
	m.lastTradeTime[symbol] = time.Now()
	m.openPositionsCount++
}

// ClosePosition releases exposure and accumulates realized PnL into
// today's running total.
func (m *Manager) ClosePosition(symbol string, qty, price, realizedPnL decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverIfNewDay(time.Now())

	value := qty.Mul(price)
	m.totalExposure = m.totalExposure.Sub(value)
	if m.totalExposure.LessThan(decimal.Zero) {
		m.totalExposure = decimal.Zero
	}
	m.symbolExposure[symbol] = m.symbolExposure[symbol].Sub(value)
	if m.symbolExposure[symbol].LessThan(decimal.Zero) {
		m.symbolExposure[symbol] = decimal.Zero
	}
	if m.openPositionsCount > 0 {
		m.openPositionsCount--
	}
	m.todayPnL = m.todayPnL.Add(realizedPnL)
}

// Alerts returns a copy of the currently retained alert log.
func (m *Manager) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// TotalExposure and SymbolExposure expose current bookkeeping for
// operator dashboards and tests.
func (m *Manager) TotalExposure() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalExposure
}

func (m *Manager) SymbolExposure(symbol string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.symbolExposure[symbol]
}

func (m *Manager) TodayPnL() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.todayPnL
}

func (m *Manager) OpenPositionsCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openPositionsCount
}
