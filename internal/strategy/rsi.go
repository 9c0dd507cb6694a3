package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/quantforge/tradecore/internal/indicators"
	"github.com/quantforge/tradecore/pkg/types"
	"go.uber.org/zap"
)

// rsiCooldown is the strategy-specific signal-throttling window of
// spec.md §4.2.
const rsiCooldown = 10 * time.Minute

// RSI zone classifications per spec.md §4.3.
const (
	ZoneExtremeOversold   = "EXTREME_OVERSOLD"
	ZoneOversold          = "OVERSOLD"
	ZoneNeutralLow        = "NEUTRAL_LOW"
	ZoneNeutralHigh       = "NEUTRAL_HIGH"
	ZoneOverbought        = "OVERBOUGHT"
	ZoneExtremeOverbought = "EXTREME_OVERBOUGHT"
)

// RSIParams holds the validated, clamped configuration for RSIStrategy.
type RSIParams struct {
	Period              int
	Oversold            float64
	Overbought          float64
	ExtremeOversold     float64
	ExtremeOverbought   float64
	PositionSizeFraction float64
	StopLossPct         float64
	TakeProfitPct       float64
	MinRSIChange        float64
	UseDivergence       bool
	DivergenceLookback  int
}

// DefaultRSIParams matches spec.md §4.3's defaults.
func DefaultRSIParams() RSIParams {
	return RSIParams{
		Period:              14,
		Oversold:            30,
		Overbought:          70,
		ExtremeOversold:     20,
		ExtremeOverbought:   80,
		PositionSizeFraction: 0.1,
		StopLossPct:         2.0,
		TakeProfitPct:       4.0,
		MinRSIChange:        5.0,
		UseDivergence:       true,
		DivergenceLookback:  20,
	}
}

func (p RSIParams) validate() error {
	if p.Oversold >= p.Overbought {
		return fmt.Errorf("%w: oversold (%v) must be < overbought (%v)", ErrConfiguration, p.Oversold, p.Overbought)
	}
	if p.ExtremeOversold >= p.Oversold {
		return fmt.Errorf("%w: extreme_oversold (%v) must be < oversold (%v)", ErrConfiguration, p.ExtremeOversold, p.Oversold)
	}
	if p.ExtremeOverbought <= p.Overbought {
		return fmt.Errorf("%w: extreme_overbought (%v) must be > overbought (%v)", ErrConfiguration, p.ExtremeOverbought, p.Overbought)
	}
	return nil
}

func clampPeriod(p int) int {
	if p < 2 {
		return 2
	}
	if p > 50 {
		return 50
	}
	return p
}

// RSIStrategy implements the zone/divergence/momentum signal engine of
// spec.md §4.3 over the RSI kernel.
type RSIStrategy struct {
	*BaseStrategy
	params       RSIParams
	prevZone     string
	prevRSI      float64
	havePrevRSI  bool
	prevDeltaRSI float64
}

// NewRSIStrategy constructs an RSI strategy with default parameters.
func NewRSIStrategy(name string, logger *zap.Logger) *RSIStrategy {
	return &RSIStrategy{
		BaseStrategy: NewBaseStrategy(name, logger, rsiCooldown),
		params:       DefaultRSIParams(),
	}
}

func (s *RSIStrategy) Configure(raw map[string]any) error {
	p := DefaultRSIParams()
	if v, ok := raw["period"].(int); ok {
		p.Period = clampPeriod(v)
	}
	if v, ok := raw["oversold"].(float64); ok {
		p.Oversold = v
	}
	if v, ok := raw["overbought"].(float64); ok {
		p.Overbought = v
	}
	if v, ok := raw["extreme_oversold"].(float64); ok {
		p.ExtremeOversold = v
	}
	if v, ok := raw["extreme_overbought"].(float64); ok {
		p.ExtremeOverbought = v
	}
	if v, ok := raw["position_size"].(float64); ok {
		p.PositionSizeFraction = v
	}
	if v, ok := raw["stop_loss_pct"].(float64); ok {
		p.StopLossPct = v
	}
	if v, ok := raw["take_profit_pct"].(float64); ok {
		p.TakeProfitPct = v
	}
	if v, ok := raw["min_rsi_change"].(float64); ok {
		p.MinRSIChange = v
	}
	if v, ok := raw["use_divergence"].(bool); ok {
		p.UseDivergence = v
	}
	if v, ok := raw["divergence_lookback"].(int); ok {
		p.DivergenceLookback = v
	}
	if err := p.validate(); err != nil {
		return err
	}
	s.params = p
	s.setConfig(types.StrategyConfig{
		Name:    s.Name(),
		Type:    types.StrategyTypeMeanReversion,
		Enabled: true,
		Params:  raw,
	}, p.Period)
	return nil
}

func (s *RSIStrategy) Initialize(ctx context.Context) error { return s.baseInitialize() }
func (s *RSIStrategy) Start() error                         { return s.baseStart() }
func (s *RSIStrategy) Pause() error                          { return s.basePause() }
func (s *RSIStrategy) Resume() error                         { return s.baseResume() }
func (s *RSIStrategy) Stop() error                           { return s.baseStop() }
func (s *RSIStrategy) Shutdown()                             { s.baseShutdown() }

func (s *RSIStrategy) Reset() {
	s.baseReset()
	s.prevZone = ""
	s.havePrevRSI = false
	s.prevDeltaRSI = 0
}

// classifyZone implements spec.md §4.3's zone classification.
func classifyZone(r float64, p RSIParams) string {
	switch {
	case r <= p.ExtremeOversold:
		return ZoneExtremeOversold
	case r <= p.Oversold:
		return ZoneOversold
	case r < 50:
		return ZoneNeutralLow
	case r < p.Overbought:
		return ZoneNeutralHigh
	case r < p.ExtremeOverbought:
		return ZoneOverbought
	default:
		return ZoneExtremeOverbought
	}
}

func isOversoldZone(z string) bool  { return z == ZoneOversold || z == ZoneExtremeOversold }
func isOverboughtZone(z string) bool { return z == ZoneOverbought || z == ZoneExtremeOverbought }
func isNeutralZone(z string) bool {
	return z == ZoneNeutralLow || z == ZoneNeutralHigh
}

// Update implements the common contract of spec.md §4.2 specialized with
// the RSI classifier of §4.3.
func (s *RSIStrategy) Update(candles []types.Candle, ticker types.Ticker) (types.Signal, error) {
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
	if len(closes) < s.params.Period+1 {
		return types.Signal{Kind: types.SignalHold, Symbol: ticker.Symbol, StrategyName: s.Name(),
			Message: "insufficient data for RSI", TimestampMs: nowMs()}, nil
	}

	rsi := indicators.RSI(closes, s.params.Period)
	zone := classifyZone(rsi, s.params)

	history := s.indicatorHistorySnapshot()
	var prevZone string
	if len(history) > 0 {
		prevZone = history[len(history)-1].Zone
	} else {
		prevZone = s.prevZone
	}

	atMs := nowMs()
	snap := types.IndicatorSnapshot{
		TimestampMs: atMs,
		Values:      map[string]float64{"rsi": rsi},
		Zone:        zone,
	}
	s.pushIndicatorHistory(snap)

	sig := s.classify(rsi, zone, prevZone, closes, history, ticker, atMs)

	if s.havePrevRSI {
		s.prevDeltaRSI = rsi - s.prevRSI
	}
	s.prevRSI = rsi
	s.havePrevRSI = true
	s.prevZone = zone

	if sig.Kind != types.SignalHold {
		s.tryEmit(sig)
	}
	return sig, nil
}

// classify implements the first-match-wins priority list of spec.md §4.3.
func (s *RSIStrategy) classify(rsi float64, zone, prevZone string, closes []float64, history []types.IndicatorSnapshot, ticker types.Ticker, atMs int64) types.Signal {
	base := types.Signal{Symbol: ticker.Symbol, Price: ticker.Last, Quantity: decimalOf(s.params.PositionSizeFraction), StrategyName: s.Name(), TimestampMs: atMs}

	// 1. Zone entry.
	if !isOversoldZone(prevZone) && isOversoldZone(zone) {
		strength := distanceOverSpan(s.params.Oversold-rsi, s.params.Oversold-s.params.ExtremeOversold)
		return withSignal(base, types.SignalBuy, strength, "Buy Oversold")
	}
	if !isOverboughtZone(prevZone) && isOverboughtZone(zone) {
		strength := distanceOverSpan(rsi-s.params.Overbought, s.params.ExtremeOverbought-s.params.Overbought)
		return withSignal(base, types.SignalSell, strength, "Sell Overbought")
	}

	// 2. Zone exit.
	if isOversoldZone(prevZone) && isNeutralZone(zone) {
		return withSignal(base, types.SignalBuy, 0.5, "Buy Oversold Exit")
	}
	if isOverboughtZone(prevZone) && isNeutralZone(zone) {
		return withSignal(base, types.SignalSell, 0.5, "Sell Overbought Exit")
	}

	// 3. Extreme reversal: last 3 RSI readings flip direction while in
	// the extreme zone.
	if zone == ZoneExtremeOversold && s.hasDirectionFlipUp(history, rsi) {
		return withSignal(base, types.SignalBuy, 0.9, "Extreme Reversal Buy")
	}
	if zone == ZoneExtremeOverbought && s.hasDirectionFlipDown(history, rsi) {
		return withSignal(base, types.SignalSell, 0.9, "Extreme Reversal Sell")
	}

	// 4. Momentum.
	if s.havePrevRSI {
		delta := rsi - s.prevRSI
		if abs(delta) > s.params.MinRSIChange {
			accelerating := sameSign(delta, s.prevDeltaRSI)
			if delta > 0 && accelerating && rsi > 50 {
				return withSignal(base, types.SignalBuy, minF(1, abs(delta)/20), "Momentum Bullish")
			}
			if delta < 0 && accelerating && rsi < 50 {
				return withSignal(base, types.SignalSell, minF(1, abs(delta)/20), "Momentum Bearish")
			}
		}
	}

	// 5. Divergence.
	if s.params.UseDivergence {
		if sig, ok := s.detectDivergence(closes, history, rsi, base); ok {
			return sig
		}
	}

	return types.Signal{Kind: types.SignalHold, Symbol: ticker.Symbol, StrategyName: s.Name(), TimestampMs: atMs, Message: "no signal"}
}

func (s *RSIStrategy) hasDirectionFlipUp(history []types.IndicatorSnapshot, current float64) bool {
	vals := lastNRSI(history, 2)
	vals = append(vals, current)
	if len(vals) < 3 {
		return false
	}
	return vals[1]-vals[0] < 0 && vals[2]-vals[1] > 0
}

func (s *RSIStrategy) hasDirectionFlipDown(history []types.IndicatorSnapshot, current float64) bool {
	vals := lastNRSI(history, 2)
	vals = append(vals, current)
	if len(vals) < 3 {
		return false
	}
	return vals[1]-vals[0] > 0 && vals[2]-vals[1] < 0
}

func lastNRSI(history []types.IndicatorSnapshot, n int) []float64 {
	if len(history) == 0 {
		return nil
	}
	start := 0
	if len(history) > n {
		start = len(history) - n
	}
	out := make([]float64, 0, n)
	for _, h := range history[start:] {
		out = append(out, h.Values["rsi"])
	}
	return out
}

// detectDivergence compares the last two price lows/highs against the
// last two RSI lows/highs over divergence_lookback candles, per spec.md
// §4.3.
func (s *RSIStrategy) detectDivergence(closes []float64, history []types.IndicatorSnapshot, currentRSI float64, base types.Signal) (types.Signal, bool) {
	lb := s.params.DivergenceLookback
	if lb < 3 || len(closes) < lb || len(history) < lb-1 {
		return types.Signal{}, false
	}
	priceWindow := closes[len(closes)-lb:]
	rsiWindow := lastNRSI(history, lb-1)
	rsiWindow = append(rsiWindow, currentRSI)

	pricePivots := indicators.FindPivots(priceWindow, lb)
	rsiPivots := indicators.FindPivots(rsiWindow, lb)

	if pOlder, pNewer, ok := indicators.LastTwoLows(pricePivots); ok {
		if rOlder, rNewer, ok2 := indicators.LastTwoLows(rsiPivots); ok2 {
			if pNewer < pOlder && rNewer > rOlder {
				strength := maxF(0.1, abs(50-rNewer)/50)
				return withSignal(base, types.SignalBuy, strength, "Divergence Bullish"), true
			}
		}
	}
	if pOlder, pNewer, ok := indicators.LastTwoHighs(pricePivots); ok {
		if rOlder, rNewer, ok2 := indicators.LastTwoHighs(rsiPivots); ok2 {
			if pNewer > pOlder && rNewer < rOlder {
				strength := maxF(0.1, abs(50-rNewer)/50)
				return withSignal(base, types.SignalSell, strength, "Divergence Bearish"), true
			}
		}
	}
	return types.Signal{}, false
}

// OnPositionOpened records which side this strategy now holds so the
// close-trigger logic in Update can evaluate it.
func (s *RSIStrategy) OnPositionOpened(pos types.Position) {
	s.dataMu.Lock()
	s.inPosition = true
	s.positionID = pos.ID
	s.positionSide = pos.Side
	s.dataMu.Unlock()
}

func (s *RSIStrategy) OnPositionClosed(pos types.Position, pnl float64) {
	s.dataMu.Lock()
	s.inPosition = false
	s.positionID = ""
	s.dataMu.Unlock()
	s.recordTradeClose(pnl, 0, nowMs())
}

// ShouldClose implements the position-close trigger of spec.md §4.3's
// final paragraph, consulted by the StrategyEngine alongside SL/TP.
func (s *RSIStrategy) ShouldClose(rsi float64) bool {
	s.dataMu.Lock()
	inPos, side := s.inPosition, s.positionSide
	s.dataMu.Unlock()
	if !inPos {
		return false
	}
	if side == types.SideBuy && rsi >= s.params.Overbought {
		return true
	}
	if side == types.SideSell && rsi <= s.params.Oversold {
		return true
	}
	return false
}

func (s *RSIStrategy) Serialize() (Snapshot, error) {
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
	return Snapshot{
		Type:              "RSI",
		Name:              s.Name(),
		Config:            s.config,
		Metrics:           s.GetMetrics(),
		InPosition:        inPos,
		CurrentPositionID: posID,
		CurrentIndicators: cur,
		CurrentZone:       s.prevZone,
		History:           hist,
	}, nil
}

func (s *RSIStrategy) Deserialize(snap Snapshot) error {
	s.config = snap.Config
	s.prevZone = snap.CurrentZone
	for _, h := range snap.History {
		if len(s.indicatorHistory.Slice()) >= 100 {
			break
		}
		s.pushIndicatorHistory(h)
	}
	return nil
}

func withSignal(base types.Signal, kind types.SignalKind, strength float64, message string) types.Signal {
	base.Kind = kind
	base.Strength = clamp01(strength)
	base.Message = message
	return base
}

// distanceOverSpan implements spec.md §4.3's zone-entry strength: linear
// distance past a threshold divided by the threshold span.
func distanceOverSpan(distance, span float64) float64 {
	if span <= 0 {
		return 0.5
	}
	return clamp01(distance / span)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func nowMs() int64 { return time.Now().UnixMilli() }
