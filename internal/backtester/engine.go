// Package backtester replays the strategy/risk pipeline deterministically
// against a historical candle sequence (spec.md §4.8).
package backtester

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/tradecore/internal/strategy"
	"github.com/quantforge/tradecore/pkg/types"
	"github.com/quantforge/tradecore/pkg/utils"
)

// Engine drives a single-symbol, single long-only-position-per-symbol
// replay (spec.md §4.8's explicit scope) against one strategy.
type Engine struct {
	logger *zap.Logger

	running atomic.Bool

	cash           decimal.Decimal
	positionQty    decimal.Decimal
	positionCost   decimal.Decimal // total cost basis of the open position, including entry fee
	positionEntry  decimal.Decimal
	positionOpenMs int64

	trades        []Trade
	equityCurve   []EquityPoint
	drawdownCurve []DrawdownPoint
	periodReturns []float64

	peakEquity   decimal.Decimal
	wins, losses int
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("backtester")}
}

// Run replays candles through strategy s under cfg and returns the
// accumulated performance report.
func (e *Engine) Run(ctx context.Context, cfg Config, s strategy.Strategy, candles []types.Candle) (Result, error) {
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}
	if !e.running.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRunning
	}
	defer e.running.Store(false)

	e.reset(cfg.InitialBalance)

	sorted := make([]types.Candle, len(candles))
	copy(sorted, candles)
	sortCandles(sorted)

	equitySeries := []decimal.Decimal{cfg.InitialBalance}

	for _, c := range sorted {
		if c.OpenTimeMs < cfg.Start.UnixMilli() || c.OpenTimeMs > cfg.End.UnixMilli() {
			continue
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		ticker := types.Ticker{Symbol: cfg.Symbol, Last: c.Close, Bid: c.Close, Ask: c.Close, TimestampMs: c.CloseTimeMs}
		sig, err := s.Update([]types.Candle{c}, ticker)
		if err != nil {
			return Result{}, fmt.Errorf("strategy update at candle %d: %w", c.OpenTimeMs, err)
		}
		if sig.IsActionable() {
			e.executeTrade(cfg, sig, c)
		}

		equity := e.cash.Add(e.positionQty.Mul(c.Close))
		e.equityCurve = append(e.equityCurve, EquityPoint{TimestampMs: c.OpenTimeMs, Equity: equity})

		if equity.GreaterThan(e.peakEquity) {
			e.peakEquity = equity
		}
		drawdownPct := 0.0
		if e.peakEquity.GreaterThan(decimal.Zero) {
			drawdownPct, _ = e.peakEquity.Sub(equity).Div(e.peakEquity).Mul(decimal.NewFromInt(100)).Float64()
		}
		e.drawdownCurve = append(e.drawdownCurve, DrawdownPoint{TimestampMs: c.OpenTimeMs, DrawdownPct: drawdownPct})
		equitySeries = append(equitySeries, equity)
	}

	for _, r := range utils.CalculateReturns(equitySeries) {
		f, _ := r.Float64()
		e.periodReturns = append(e.periodReturns, f)
	}

	finalEquity := e.cash.Add(e.positionQty.Mul(lastClose(sorted)))
	totalPnL := finalEquity.Sub(cfg.InitialBalance)
	totalReturnPct := 0.0
	if cfg.InitialBalance.GreaterThan(decimal.Zero) {
		totalReturnPct, _ = utils.CalculatePercentageChange(cfg.InitialBalance, finalEquity).Float64()
	}
	winRate := 0.0
	if closed := e.wins + e.losses; closed > 0 {
		winRate = float64(e.wins) / float64(closed) * 100
	}

	return Result{
		Config:         cfg,
		FinalBalance:   finalEquity,
		TotalPnL:       totalPnL,
		TotalReturnPct: totalReturnPct,
		WinRate:        winRate,
		MaxDrawdownPct: maxDrawdownPct(e.equityCurve),
		Sharpe:         sharpeRatio(e.periodReturns, cfg.RiskFreeRate),
		Trades:         e.trades,
		EquityCurve:    e.equityCurve,
		DrawdownCurve:  e.drawdownCurve,
	}, nil
}

func (e *Engine) reset(initialBalance decimal.Decimal) {
	e.cash = initialBalance
	e.positionQty = decimal.Zero
	e.positionCost = decimal.Zero
	e.positionEntry = decimal.Zero
	e.trades = nil
	e.equityCurve = nil
	e.drawdownCurve = nil
	e.periodReturns = nil
	e.peakEquity = initialBalance
	e.wins, e.losses = 0, 0
}

// effectivePrice applies the configured slippage multiplicatively, per
// spec.md §4.8.
func effectivePrice(side types.Side, price decimal.Decimal, slippagePct decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(slippagePct)
	if side == types.SideBuy {
		return price.Mul(factor)
	}
	if factor.IsZero() {
		return price
	}
	return price.Div(factor)
}

// executeTrade implements the single long-only-position-per-symbol
// semantics of spec.md §4.8: a BUY opens a position sized by
// signal.Quantity as a fraction of cash; a SELL with a position open
// closes it in full; all other combinations are ignored.
func (e *Engine) executeTrade(cfg Config, sig types.Signal, c types.Candle) {
	switch sig.Kind {
	case types.SignalBuy:
		if e.positionQty.GreaterThan(decimal.Zero) {
			return
		}
		fraction := sig.Quantity
		if fraction.LessThanOrEqual(decimal.Zero) {
			fraction = decimal.NewFromFloat(0.1)
		}
		cost := e.cash.Mul(fraction)
		price := effectivePrice(types.SideBuy, c.Close, cfg.SlippagePct)
		fee := cost.Mul(cfg.FeeRate)
		if cost.Add(fee).GreaterThan(e.cash) || price.LessThanOrEqual(decimal.Zero) {
			return
		}
		qty := cost.Div(price)
		e.cash = e.cash.Sub(cost).Sub(fee)
		e.positionQty = qty
		e.positionCost = cost.Add(fee)
		e.positionEntry = price
		e.positionOpenMs = c.OpenTimeMs
		e.trades = append(e.trades, Trade{Symbol: cfg.Symbol, EntryPrice: price, Quantity: qty,
			PnL: fee.Neg(), OpenTimeMs: c.OpenTimeMs, CloseTimeMs: c.OpenTimeMs})

	case types.SignalSell, types.SignalCloseLong:
		if e.positionQty.LessThanOrEqual(decimal.Zero) {
			return
		}
		price := effectivePrice(types.SideSell, c.Close, cfg.SlippagePct)
		gross := e.positionQty.Mul(price)
		fee := gross.Mul(cfg.FeeRate)
		realizedPnL := gross.Sub(fee).Sub(e.positionCost)
		e.cash = e.cash.Add(gross).Sub(fee)

		if realizedPnL.GreaterThan(decimal.Zero) {
			e.wins++
		} else {
			e.losses++
		}
		e.trades = append(e.trades, Trade{Symbol: cfg.Symbol, EntryPrice: e.positionEntry, ExitPrice: price,
			Quantity: e.positionQty, PnL: realizedPnL, OpenTimeMs: e.positionOpenMs, CloseTimeMs: c.OpenTimeMs})

		e.positionQty = decimal.Zero
		e.positionCost = decimal.Zero
		e.positionEntry = decimal.Zero
	}
}

func lastClose(candles []types.Candle) decimal.Decimal {
	if len(candles) == 0 {
		return decimal.Zero
	}
	return candles[len(candles)-1].Close
}

// sharpeRatio annualizes mean(excess_return)/stddev(excess_return)*sqrt(365)
// per spec.md §4.8, delegating the mean/stddev/annualization arithmetic to
// pkg/utils's decimal Sharpe-ratio kernel.
func sharpeRatio(periodReturns []float64, riskFreeRate float64) float64 {
	if len(periodReturns) == 0 {
		return 0
	}
	returns := make([]decimal.Decimal, len(periodReturns))
	for i, r := range periodReturns {
		returns[i] = decimal.NewFromFloat(r)
	}
	ratio, _ := utils.CalculateSharpeRatio(returns, decimal.NewFromFloat(riskFreeRate), 365).Float64()
	return ratio
}

// maxDrawdownPct delegates to pkg/utils's equity-curve drawdown kernel and
// expresses the result as a percentage, matching Result.MaxDrawdownPct.
func maxDrawdownPct(equityCurve []EquityPoint) float64 {
	if len(equityCurve) == 0 {
		return 0
	}
	equity := make([]decimal.Decimal, len(equityCurve))
	for i, p := range equityCurve {
		equity[i] = p.Equity
	}
	pct, _ := utils.CalculateMaxDrawdown(equity).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}
