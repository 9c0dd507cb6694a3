// Package types provides the shared market-data, signal, and position
// vocabulary used across the trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantforge/tradecore/pkg/utils"
)

// Candle is an immutable OHLCV bar for a fixed interval. OpenTimeMs and
// CloseTimeMs are milliseconds since the Unix epoch; candles for a symbol
// are ordered by OpenTimeMs.
type Candle struct {
	Symbol      string          `json:"symbol"`
	OpenTimeMs  int64           `json:"openTimeMs"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	CloseTimeMs int64           `json:"closeTimeMs"`
}

// Ticker is a point-in-time snapshot; it is never mutated after creation.
type Ticker struct {
	Symbol      string          `json:"symbol"`
	Last        decimal.Decimal `json:"last"`
	Bid         decimal.Decimal `json:"bid"`
	Ask         decimal.Decimal `json:"ask"`
	Volume24h   decimal.Decimal `json:"volume24h"`
	ChangePct24h decimal.Decimal `json:"changePct24h"`
	TimestampMs int64           `json:"timestampMs"`
}

// OrderBookLevel is a single (price, quantity) level.
type OrderBookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBookSnapshot holds bids (descending price) and asks (ascending
// price) plus a monotonic update id.
type OrderBookSnapshot struct {
	Symbol      string           `json:"symbol"`
	Bids        []OrderBookLevel `json:"bids"`
	Asks        []OrderBookLevel `json:"asks"`
	UpdateID    int64            `json:"updateId"`
	TimestampMs int64            `json:"timestampMs"`
}

// TradeRecord is a single executed trade reported by an exchange feed.
type TradeRecord struct {
	Symbol      string          `json:"symbol"`
	ID          int64           `json:"id"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	TimestampMs int64           `json:"timestampMs"`
	BuyerMaker  bool            `json:"buyerMaker"`
}

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// SignalKind enumerates the directional actions a strategy can emit.
type SignalKind string

const (
	SignalBuy        SignalKind = "BUY"
	SignalSell       SignalKind = "SELL"
	SignalHold       SignalKind = "HOLD"
	SignalCloseLong  SignalKind = "CLOSE_LONG"
	SignalCloseShort SignalKind = "CLOSE_SHORT"
	SignalCancel     SignalKind = "CANCEL"
)

// Signal is an immutable, typed output of a strategy's Update call.
type Signal struct {
	Kind           SignalKind      `json:"kind"`
	Symbol         string          `json:"symbol"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity,omitempty"`
	StopLoss       decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit     decimal.Decimal `json:"takeProfit,omitempty"`
	Strength       float64         `json:"strength"`
	StrategyName   string          `json:"strategyName"`
	Message        string          `json:"message"`
	TimestampMs    int64           `json:"timestampMs"`
}

// IsActionable reports whether the signal should reach the risk gate.
func (s Signal) IsActionable() bool {
	return s.Kind != SignalHold
}

// Position is a live open position, owned and mutated only by the
// StrategyEngine under its positions lock.
type Position struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	EntryPrice     decimal.Decimal `json:"entryPrice"`
	Quantity       decimal.Decimal `json:"quantity"`
	EntryTimeMs    int64           `json:"entryTimeMs"`
	StopLoss       decimal.Decimal `json:"stopLoss"`
	TakeProfit     decimal.Decimal `json:"takeProfit"`
	StrategyName   string          `json:"strategyName"`
	CurrentPrice   decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL  decimal.Decimal `json:"unrealizedPnl"`
	CommissionPaid decimal.Decimal `json:"commissionPaid"`
}

// UnrealizedPnLFor computes unrealized PnL net of commission for the given
// current price, per spec: (current - entry) * qty * (BUY ? 1 : -1) - commission.
func UnrealizedPnLFor(side Side, entry, current, qty, commission decimal.Decimal) decimal.Decimal {
	diff := current.Sub(entry)
	if side == SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(qty).Sub(commission)
}

// StrategyType tags the trading style a strategy config implements.
type StrategyType string

const (
	StrategyTypeScalping      StrategyType = "SCALPING"
	StrategyTypeSwing         StrategyType = "SWING"
	StrategyTypePosition      StrategyType = "POSITION"
	StrategyTypeArbitrage     StrategyType = "ARBITRAGE"
	StrategyTypeGrid          StrategyType = "GRID"
	StrategyTypeDCA           StrategyType = "DCA"
	StrategyTypeMomentum      StrategyType = "MOMENTUM"
	StrategyTypeMeanReversion StrategyType = "MEAN_REVERSION"
)

// StrategyConfig is the user-facing configuration record for a strategy
// instance, independent of the concrete indicator parameters it also
// carries under Params.
type StrategyConfig struct {
	Name               string         `json:"name"`
	Type               StrategyType   `json:"type"`
	Symbols            []string       `json:"symbols"`
	Timeframe          string         `json:"timeframe"`
	RiskPerTradePct    float64        `json:"riskPerTradePct"`
	MaxDrawdownPct     float64        `json:"maxDrawdownPct"`
	MaxOpenPositions   int            `json:"maxOpenPositions"`
	Enabled            bool           `json:"enabled"`
	Params             map[string]any `json:"params"`
}

// StrategyMetrics is the aggregate performance record a strategy (and the
// StrategyEngine on its behalf) maintains across its lifetime.
type StrategyMetrics struct {
	TotalTrades         int             `json:"totalTrades"`
	WinningTrades       int             `json:"winningTrades"`
	LosingTrades        int             `json:"losingTrades"`
	TotalPnL            decimal.Decimal `json:"totalPnl"`
	TotalReturnPct      float64         `json:"totalReturnPct"`
	WinRate             float64         `json:"winRate"`
	Sharpe              float64         `json:"sharpe"`
	Sortino             float64         `json:"sortino"`
	MaxDrawdown         decimal.Decimal `json:"maxDrawdown"`
	CurrentDrawdown     decimal.Decimal `json:"currentDrawdown"`
	BestTrade           decimal.Decimal `json:"bestTrade"`
	WorstTrade          decimal.Decimal `json:"worstTrade"`
	AverageTrade        decimal.Decimal `json:"averageTrade"`
	ConsecutiveWins     int             `json:"consecutiveWins"`
	ConsecutiveLosses   int             `json:"consecutiveLosses"`
	MaxConsecutiveWins  int             `json:"maxConsecutiveWins"`
	MaxConsecutiveLoss  int             `json:"maxConsecutiveLoss"`
	ProfitFactor        float64         `json:"profitFactor"`
	CalmarRatio         float64         `json:"calmarRatio"`
	AverageTradeDur     time.Duration   `json:"averageTradeDuration"`
	LastTradeTimeMs     int64           `json:"lastTradeTimeMs"`
	StartTime           time.Time       `json:"startTime"`

	pnls     []decimal.Decimal
	totalDur time.Duration
}

// RecordClose folds a closed trade's PnL into the running metrics, per
// spec.md §4.6: totals incremented, wins/losses split, running win-rate
// recomputed, current-drawdown grows by |pnl| on a loss and recovers by
// pnl on a gain (floored at zero), max-drawdown is monotone. WinRate and
// ProfitFactor are recomputed from the full trade history on every close
// via pkg/utils rather than tracked as running sums.
func (m *StrategyMetrics) RecordClose(pnl decimal.Decimal, dur time.Duration, atMs int64) {
	m.TotalTrades++
	m.TotalPnL = m.TotalPnL.Add(pnl)
	m.totalDur += dur
	m.LastTradeTimeMs = atMs
	m.pnls = append(m.pnls, pnl)

	if pnl.GreaterThan(decimal.Zero) {
		m.WinningTrades++
		m.ConsecutiveWins++
		m.ConsecutiveLosses = 0
		if m.ConsecutiveWins > m.MaxConsecutiveWins {
			m.MaxConsecutiveWins = m.ConsecutiveWins
		}
		m.CurrentDrawdown = m.CurrentDrawdown.Sub(pnl)
		if m.CurrentDrawdown.LessThan(decimal.Zero) {
			m.CurrentDrawdown = decimal.Zero
		}
	} else if pnl.LessThan(decimal.Zero) {
		m.LosingTrades++
		m.ConsecutiveLosses++
		m.ConsecutiveWins = 0
		if m.ConsecutiveLosses > m.MaxConsecutiveLoss {
			m.MaxConsecutiveLoss = m.ConsecutiveLosses
		}
		m.CurrentDrawdown = m.CurrentDrawdown.Add(pnl.Abs())
		if m.CurrentDrawdown.GreaterThan(m.MaxDrawdown) {
			m.MaxDrawdown = m.CurrentDrawdown
		}
	}

	if m.TotalTrades > 0 {
		m.WinRate, _ = utils.CalculateWinRate(m.pnls).Float64()
		f, _ := m.TotalPnL.Div(decimal.NewFromInt(int64(m.TotalTrades))).Float64()
		m.AverageTrade = decimal.NewFromFloat(f)
		m.AverageTradeDur = m.totalDur / time.Duration(m.TotalTrades)
	}
	if m.BestTrade.IsZero() || pnl.GreaterThan(m.BestTrade) {
		m.BestTrade = pnl
	}
	if m.WorstTrade.IsZero() || pnl.LessThan(m.WorstTrade) {
		m.WorstTrade = pnl
	}
	m.ProfitFactor, _ = utils.CalculateProfitFactor(m.pnls).Float64()
	if !m.MaxDrawdown.IsZero() {
		md, _ := m.MaxDrawdown.Float64()
		m.CalmarRatio = m.TotalReturnPct / md
	}
}

// IndicatorSnapshot holds a per-update indicator reading along with the
// zone/trend classification the strategy derived it into. Concrete
// strategies embed their own typed variant of this (RSI/SMA/MACD carry
// different fields); this is the shared envelope persisted into history.
type IndicatorSnapshot struct {
	TimestampMs int64          `json:"timestampMs"`
	Values      map[string]float64 `json:"values"`
	Zone        string         `json:"zone"`
	Trend       string         `json:"trend"`
}
