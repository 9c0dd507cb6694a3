package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/quantforge/tradecore/internal/indicators"
	"github.com/quantforge/tradecore/pkg/types"
	"go.uber.org/zap"
)

const macdCooldown = 5 * time.Minute

// MACD trend classifications per spec.md §4.5.
const (
	MACDTrendStrongBullish = "STRONG_BULLISH"
	MACDTrendBullish       = "BULLISH"
	MACDTrendStrongBearish = "STRONG_BEARISH"
	MACDTrendBearish       = "BEARISH"
	MACDTrendNeutral       = "NEUTRAL"
)

type MACDParams struct {
	FastPeriod               int
	SlowPeriod               int
	SignalPeriod             int
	HistogramThreshold       float64
	MinHistogramChange       float64
	UseDivergence            bool
	UseHistogramAnalysis     bool
	UseZeroLineCross         bool
	TrendConfirmationPeriods int
	PositionSizeFraction     float64
	StopLossPct              float64
	TakeProfitPct            float64
	DivergenceLookback       int
}

func DefaultMACDParams() MACDParams {
	return MACDParams{
		FastPeriod:               12,
		SlowPeriod:               26,
		SignalPeriod:             9,
		HistogramThreshold:       0.0,
		MinHistogramChange:       0.0005,
		UseDivergence:            true,
		UseHistogramAnalysis:     true,
		UseZeroLineCross:         true,
		TrendConfirmationPeriods: 3,
		PositionSizeFraction:     0.1,
		StopLossPct:              2.0,
		TakeProfitPct:            4.0,
		DivergenceLookback:       20,
	}
}

func (p MACDParams) validate() error {
	if p.FastPeriod >= p.SlowPeriod {
		return fmt.Errorf("%w: fast period (%d) must be < slow period (%d)", ErrConfiguration, p.FastPeriod, p.SlowPeriod)
	}
	if p.FastPeriod <= 0 || p.SlowPeriod <= 0 || p.SignalPeriod <= 0 {
		return fmt.Errorf("%w: all MACD periods must be > 0", ErrConfiguration)
	}
	return nil
}

type macdSnapshot struct {
	fastEMA, slowEMA, macd, signal, histogram float64
	macdChange, histogramChange               float64
	trend                                      string
}

type MACDStrategy struct {
	*BaseStrategy
	params     MACDParams
	signalSeed float64
	haveSeed   bool
	macdBuf    []float64 // rolling MACD values feeding the signal-line EMA
	prev       macdSnapshot
	havePrev   bool
	trendHist  []string
}

func NewMACDStrategy(name string, logger *zap.Logger) *MACDStrategy {
	return &MACDStrategy{
		BaseStrategy: NewBaseStrategy(name, logger, macdCooldown),
		params:       DefaultMACDParams(),
	}
}

func (s *MACDStrategy) Configure(raw map[string]any) error {
	p := DefaultMACDParams()
	if v, ok := raw["fast_period"].(int); ok {
		p.FastPeriod = v
	}
	if v, ok := raw["slow_period"].(int); ok {
		p.SlowPeriod = v
	}
	if v, ok := raw["signal_period"].(int); ok {
		p.SignalPeriod = v
	}
	if v, ok := raw["histogram_threshold"].(float64); ok {
		p.HistogramThreshold = v
	}
	if v, ok := raw["min_histogram_change"].(float64); ok {
		p.MinHistogramChange = v
	}
	if v, ok := raw["use_divergence"].(bool); ok {
		p.UseDivergence = v
	}
	if v, ok := raw["use_histogram_analysis"].(bool); ok {
		p.UseHistogramAnalysis = v
	}
	if v, ok := raw["use_zero_line_cross"].(bool); ok {
		p.UseZeroLineCross = v
	}
	if v, ok := raw["trend_confirmation_periods"].(int); ok {
		p.TrendConfirmationPeriods = v
	}
	if v, ok := raw["divergence_lookback"].(int); ok {
		p.DivergenceLookback = v
	}
	if err := p.validate(); err != nil {
		return err
	}
	s.params = p
	s.setConfig(types.StrategyConfig{Name: s.Name(), Type: types.StrategyTypeMomentum, Enabled: true, Params: raw}, p.SlowPeriod)
	return nil
}

func (s *MACDStrategy) Initialize(ctx context.Context) error { return s.baseInitialize() }
func (s *MACDStrategy) Start() error                          { return s.baseStart() }
func (s *MACDStrategy) Pause() error                          { return s.basePause() }
func (s *MACDStrategy) Resume() error                         { return s.baseResume() }
func (s *MACDStrategy) Stop() error                            { return s.baseStop() }
func (s *MACDStrategy) Shutdown()                              { s.baseShutdown() }

func (s *MACDStrategy) Reset() {
	s.baseReset()
	s.macdBuf = nil
	s.haveSeed = false
	s.havePrev = false
	s.trendHist = nil
}

func classifyMACDTrend(macd, signal float64) string {
	switch {
	case macd > signal && macd > 0:
		return MACDTrendStrongBullish
	case macd > signal && macd <= 0:
		return MACDTrendBullish
	case macd < signal && macd < 0:
		return MACDTrendStrongBearish
	case macd < signal && macd >= 0:
		return MACDTrendBearish
	default:
		return MACDTrendNeutral
	}
}

func (s *MACDStrategy) Update(candles []types.Candle, ticker types.Ticker) (types.Signal, error) {
	start := time.Now()
	defer func() { s.recordExecDuration(time.Since(start)) }()

	if s.State() != StateActive {
		return types.Signal{Kind: types.SignalHold, Symbol: ticker.Symbol, StrategyName: s.Name(),
			Message: "strategy not active", TimestampMs: nowMs()}, nil
	}
	for _, c := range candles {
		s.appendCandle(c)
	}

	closes := s.closesSnapshot()
	if len(closes) < s.params.SlowPeriod+s.params.SignalPeriod {
		return types.Signal{Kind: types.SignalHold, Symbol: ticker.Symbol, StrategyName: s.Name(),
			Message: "insufficient data for MACD", TimestampMs: nowMs()}, nil
	}

	cur := macdSnapshot{}
	cur.fastEMA = indicators.EMA(closes, s.params.FastPeriod)
	cur.slowEMA = indicators.EMA(closes, s.params.SlowPeriod)
	cur.macd = cur.fastEMA - cur.slowEMA

	s.macdBuf = append(s.macdBuf, cur.macd)
	if len(s.macdBuf) > 500 {
		s.macdBuf = s.macdBuf[len(s.macdBuf)-500:]
	}
	cur.signal = indicators.EMA(s.macdBuf, s.params.SignalPeriod)
	cur.histogram = cur.macd - cur.signal
	cur.trend = classifyMACDTrend(cur.macd, cur.signal)

	if s.havePrev {
		cur.macdChange = cur.macd - s.prev.macd
		cur.histogramChange = cur.histogram - s.prev.histogram
	}

	s.trendHist = append(s.trendHist, cur.trend)
	if len(s.trendHist) > s.params.TrendConfirmationPeriods {
		s.trendHist = s.trendHist[len(s.trendHist)-s.params.TrendConfirmationPeriods:]
	}

	atMs := nowMs()
	s.pushIndicatorHistory(types.IndicatorSnapshot{
		TimestampMs: atMs,
		Values: map[string]float64{
			"macd": cur.macd, "signal": cur.signal, "histogram": cur.histogram,
			"histogramChange": cur.histogramChange,
		},
		Trend: cur.trend,
	})

	history := s.indicatorHistorySnapshot()
	sig := s.classify(cur, closes, history, ticker, atMs)

	s.prev = cur
	s.havePrev = true

	if sig.Kind != types.SignalHold {
		s.tryEmit(sig)
	}
	return sig, nil
}

func (s *MACDStrategy) classify(cur macdSnapshot, closes []float64, history []types.IndicatorSnapshot, ticker types.Ticker, atMs int64) types.Signal {
	base := types.Signal{Symbol: ticker.Symbol, Price: ticker.Last, Quantity: decimalOf(s.params.PositionSizeFraction), StrategyName: s.Name(), TimestampMs: atMs}
	if !s.havePrev {
		return types.Signal{Kind: types.SignalHold, Symbol: ticker.Symbol, StrategyName: s.Name(), TimestampMs: atMs}
	}
	prev := s.prev

	// 1. Signal-line cross.
	if prev.macd <= prev.signal && cur.macd > cur.signal {
		return withSignal(base, types.SignalBuy, minF(1, abs(cur.macd-cur.signal)/0.01), "Bullish Crossover")
	}
	if prev.macd >= prev.signal && cur.macd < cur.signal {
		return withSignal(base, types.SignalSell, minF(1, abs(cur.macd-cur.signal)/0.01), "Bearish Crossover")
	}

	// 2. Zero-line cross.
	if s.params.UseZeroLineCross {
		if prev.macd <= 0 && cur.macd > 0 {
			return withSignal(base, types.SignalBuy, minF(1, abs(cur.macd)/0.005), "Zero Line Cross Up")
		}
		if prev.macd >= 0 && cur.macd < 0 {
			return withSignal(base, types.SignalSell, minF(1, abs(cur.macd)/0.005), "Zero Line Cross Down")
		}
	}

	// 3. Histogram turn / acceleration.
	if s.params.UseHistogramAnalysis {
		if sign(prev.histogram) != sign(cur.histogram) && cur.histogram != 0 {
			if cur.histogram > 0 {
				return withSignal(base, types.SignalBuy, minF(1, abs(cur.histogramChange)/0.001), "Histogram Turn Positive")
			}
			return withSignal(base, types.SignalSell, minF(1, abs(cur.histogramChange)/0.001), "Histogram Turn Negative")
		}
		if abs(cur.histogramChange) > s.params.MinHistogramChange && sameSign(cur.histogram, cur.histogramChange) {
			if cur.histogram > 0 {
				return withSignal(base, types.SignalBuy, minF(1, abs(cur.histogramChange)/0.001), "Histogram Accelerating Up")
			}
			return withSignal(base, types.SignalSell, minF(1, abs(cur.histogramChange)/0.001), "Histogram Accelerating Down")
		}
	}

	// 4. Momentum acceleration: MACD and histogram strengthen together.
	if sameSign(cur.macdChange, cur.histogramChange) {
		if cur.macdChange > 0 && cur.histogramChange > 0 && cur.macd > 0 {
			return withSignal(base, types.SignalBuy, minF(1, abs(cur.macdChange)/0.01), "Momentum Acceleration Bullish")
		}
		if cur.macdChange < 0 && cur.histogramChange < 0 && cur.macd < 0 {
			return withSignal(base, types.SignalSell, minF(1, abs(cur.macdChange)/0.01), "Momentum Acceleration Bearish")
		}
	}

	// 5. Trend confirmation: >= 2/3 of the last N snapshots share a trend.
	if conf, ok := s.confirmedTrend(); ok {
		if conf == MACDTrendStrongBullish || conf == MACDTrendBullish {
			return withSignal(base, types.SignalBuy, 0.5, "Trend Confirmation Bullish")
		}
		if conf == MACDTrendStrongBearish || conf == MACDTrendBearish {
			return withSignal(base, types.SignalSell, 0.5, "Trend Confirmation Bearish")
		}
	}

	// 6. Divergence.
	if s.params.UseDivergence {
		if sig, ok := s.detectDivergence(closes, history, cur.macd, base); ok {
			return sig
		}
	}

	return types.Signal{Kind: types.SignalHold, Symbol: ticker.Symbol, StrategyName: s.Name(), TimestampMs: atMs, Message: "no signal"}
}

func (s *MACDStrategy) confirmedTrend() (string, bool) {
	n := s.params.TrendConfirmationPeriods
	if n <= 0 || len(s.trendHist) < n {
		return "", false
	}
	counts := map[string]int{}
	for _, t := range s.trendHist[len(s.trendHist)-n:] {
		counts[t]++
	}
	need := (n*2 + 2) / 3 // ceil(2n/3)
	for trend, c := range counts {
		if c >= need {
			return trend, true
		}
	}
	return "", false
}

func (s *MACDStrategy) detectDivergence(closes []float64, history []types.IndicatorSnapshot, currentMACD float64, base types.Signal) (types.Signal, bool) {
	lb := s.params.DivergenceLookback
	if lb < 3 || len(closes) < lb || len(history) < lb-1 {
		return types.Signal{}, false
	}
	priceWindow := closes[len(closes)-lb:]
	macdWindow := make([]float64, 0, lb)
	start := 0
	if len(history) > lb-1 {
		start = len(history) - (lb - 1)
	}
	for _, h := range history[start:] {
		macdWindow = append(macdWindow, h.Values["macd"])
	}
	macdWindow = append(macdWindow, currentMACD)

	pricePivots := indicators.FindPivots(priceWindow, lb)
	macdPivots := indicators.FindPivots(macdWindow, lb)

	if pOlder, pNewer, ok := indicators.LastTwoLows(pricePivots); ok {
		if mOlder, mNewer, ok2 := indicators.LastTwoLows(macdPivots); ok2 {
			if pNewer < pOlder && mNewer > mOlder {
				return withSignal(base, types.SignalBuy, 0.9, "Divergence Bullish"), true
			}
		}
	}
	if pOlder, pNewer, ok := indicators.LastTwoHighs(pricePivots); ok {
		if mOlder, mNewer, ok2 := indicators.LastTwoHighs(macdPivots); ok2 {
			if pNewer > pOlder && mNewer < mOlder {
				return withSignal(base, types.SignalSell, 0.9, "Divergence Bearish"), true
			}
		}
	}
	return types.Signal{}, false
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func (s *MACDStrategy) OnPositionOpened(pos types.Position) {
	s.dataMu.Lock()
	s.inPosition = true
	s.positionID = pos.ID
	s.positionSide = pos.Side
	s.dataMu.Unlock()
}

func (s *MACDStrategy) OnPositionClosed(pos types.Position, pnl float64) {
	s.dataMu.Lock()
	s.inPosition = false
	s.positionID = ""
	s.dataMu.Unlock()
	s.recordTradeClose(pnl, 0, nowMs())
}

// ShouldClose implements spec.md §4.5's close trigger: an opposing
// crossover (surfaced to the engine as a fresh CLOSE-worthy signal by
// classify) or a large histogram swing against the held side.
func (s *MACDStrategy) ShouldClose(side types.Side) bool {
	if !s.havePrev {
		return false
	}
	if side == types.SideBuy && s.prev.histogramChange < -2*s.params.MinHistogramChange {
		return true
	}
	if side == types.SideSell && s.prev.histogramChange > 2*s.params.MinHistogramChange {
		return true
	}
	return false
}

func (s *MACDStrategy) Serialize() (Snapshot, error) {
	hist := s.indicatorHistorySnapshot()
	if len(hist) > 100 {
		hist = hist[len(hist)-100:]
	}
	var cur map[string]float64
	if len(hist) > 0 {
		cur = hist[len(hist)-1].Values
	}
	s.dataMu.Lock()
	inPos, posID := s.inPosition, s.positionID
	s.dataMu.Unlock()
	return Snapshot{Type: "MACD", Name: s.Name(), Config: s.config, Metrics: s.GetMetrics(),
		InPosition: inPos, CurrentPositionID: posID, CurrentIndicators: cur,
		CurrentTrend: s.prev.trend, History: hist}, nil
}

func (s *MACDStrategy) Deserialize(snap Snapshot) error {
	s.config = snap.Config
	for _, h := range snap.History {
		if len(s.indicatorHistory.Slice()) >= 100 {
			break
		}
		s.pushIndicatorHistory(h)
	}
	return nil
}
