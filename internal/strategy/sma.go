package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/quantforge/tradecore/internal/indicators"
	"github.com/quantforge/tradecore/pkg/types"
	"go.uber.org/zap"
)

const smaCooldown = 15 * time.Minute

// SMA trend classifications per spec.md §4.4.
const (
	TrendStrongUptrend   = "STRONG_UPTREND"
	TrendWeakUptrend     = "WEAK_UPTREND"
	TrendStrongDowntrend = "STRONG_DOWNTREND"
	TrendWeakDowntrend   = "WEAK_DOWNTREND"
	TrendSideways        = "SIDEWAYS"
)

// SMAParams holds dual/triple moving-average crossover configuration.
type SMAParams struct {
	FastPeriod        int
	SlowPeriod        int
	LongPeriod        int
	PositionSizeFraction float64
	StopLossPct       float64
	TakeProfitPct     float64
	UseTripleMA       bool
	UseSlopeFilter    bool
	MinSlope          float64
	UseVolumeFilter   bool
	VolumeThreshold   float64
}

func DefaultSMAParams() SMAParams {
	return SMAParams{
		FastPeriod:        10,
		SlowPeriod:        20,
		LongPeriod:        50,
		PositionSizeFraction: 0.1,
		StopLossPct:       2.0,
		TakeProfitPct:     4.0,
		UseTripleMA:       false,
		UseSlopeFilter:    false,
		MinSlope:          0.001,
		UseVolumeFilter:   false,
		VolumeThreshold:   1.5,
	}
}

func (p SMAParams) validate() error {
	if p.FastPeriod >= p.SlowPeriod {
		return fmt.Errorf("%w: fast period (%d) must be < slow period (%d)", ErrConfiguration, p.FastPeriod, p.SlowPeriod)
	}
	if p.UseTripleMA && p.SlowPeriod >= p.LongPeriod {
		return fmt.Errorf("%w: slow period (%d) must be < long period (%d) when triple-MA is enabled", ErrConfiguration, p.SlowPeriod, p.LongPeriod)
	}
	return nil
}

// smaSnapshot is the derived-value record computed on every update, per
// spec.md §4.4.
type smaSnapshot struct {
	fast, slow, long       float64
	fastSlope, slowSlope, longSlope float64
	spread, spreadPct      float64
	trend                  string
}

type SMAStrategy struct {
	*BaseStrategy
	params   SMAParams
	fastHist []float64 // rolling fast-SMA values, for slope computation
	prev     smaSnapshot
	havePrev bool
}

func NewSMAStrategy(name string, logger *zap.Logger) *SMAStrategy {
	return &SMAStrategy{
		BaseStrategy: NewBaseStrategy(name, logger, smaCooldown),
		params:       DefaultSMAParams(),
	}
}

func (s *SMAStrategy) Configure(raw map[string]any) error {
	p := DefaultSMAParams()
	if v, ok := raw["fast_period"].(int); ok {
		p.FastPeriod = v
	}
	if v, ok := raw["slow_period"].(int); ok {
		p.SlowPeriod = v
	}
	if v, ok := raw["long_period"].(int); ok {
		p.LongPeriod = v
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
	if v, ok := raw["use_triple_ma"].(bool); ok {
		p.UseTripleMA = v
	}
	if v, ok := raw["use_slope_filter"].(bool); ok {
		p.UseSlopeFilter = v
	}
	if v, ok := raw["min_slope"].(float64); ok {
		p.MinSlope = v
	}
	if v, ok := raw["use_volume_filter"].(bool); ok {
		p.UseVolumeFilter = v
	}
	if v, ok := raw["volume_threshold"].(float64); ok {
		p.VolumeThreshold = v
	}
	if err := p.validate(); err != nil {
		return err
	}
	s.params = p
	period := p.SlowPeriod
	if p.UseTripleMA && p.LongPeriod > period {
		period = p.LongPeriod
	}
	s.setConfig(types.StrategyConfig{Name: s.Name(), Type: types.StrategyTypeMomentum, Enabled: true, Params: raw}, period)
	return nil
}

func (s *SMAStrategy) Initialize(ctx context.Context) error { return s.baseInitialize() }
func (s *SMAStrategy) Start() error                          { return s.baseStart() }
func (s *SMAStrategy) Pause() error                          { return s.basePause() }
func (s *SMAStrategy) Resume() error                         { return s.baseResume() }
func (s *SMAStrategy) Stop() error                            { return s.baseStop() }
func (s *SMAStrategy) Shutdown()                              { s.baseShutdown() }

func (s *SMAStrategy) Reset() {
	s.baseReset()
	s.fastHist = nil
	s.havePrev = false
}

func classifyTrend(fast, slow, fastSlope, minSlope float64) string {
	spreadPct := 0.0
	if slow != 0 {
		spreadPct = (fast - slow) / slow * 100
	}
	switch {
	case fast > slow && abs(spreadPct) > 1.0 && fastSlope > minSlope:
		return TrendStrongUptrend
	case fast > slow && abs(spreadPct) > 0.5:
		return TrendWeakUptrend
	case fast < slow && abs(spreadPct) > 1.0 && fastSlope < -minSlope:
		return TrendStrongDowntrend
	case fast < slow && abs(spreadPct) > 0.5:
		return TrendWeakDowntrend
	default:
		return TrendSideways
	}
}

func (s *SMAStrategy) Update(candles []types.Candle, ticker types.Ticker) (types.Signal, error) {
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
	volumes := s.volumesSnapshot()
	needed := s.params.SlowPeriod
	if s.params.UseTripleMA && s.params.LongPeriod > needed {
		needed = s.params.LongPeriod
	}
	if len(closes) < needed {
		return types.Signal{Kind: types.SignalHold, Symbol: ticker.Symbol, StrategyName: s.Name(),
			Message: "insufficient data for SMA", TimestampMs: nowMs()}, nil
	}

	cur := smaSnapshot{}
	cur.fast = indicators.SMA(closes, s.params.FastPeriod)
	cur.slow = indicators.SMA(closes, s.params.SlowPeriod)
	if s.params.UseTripleMA {
		cur.long = indicators.SMA(closes, s.params.LongPeriod)
	}
	s.fastHist = append(s.fastHist, cur.fast)
	if len(s.fastHist) > 3 {
		s.fastHist = s.fastHist[len(s.fastHist)-3:]
	}
	cur.fastSlope = indicators.LinRegSlope(s.fastHist, minInt(3, len(s.fastHist)))
	cur.spread = cur.fast - cur.slow
	if cur.slow != 0 {
		cur.spreadPct = cur.spread / cur.slow * 100
	}
	cur.trend = classifyTrend(cur.fast, cur.slow, cur.fastSlope, s.params.MinSlope)

	atMs := nowMs()
	s.pushIndicatorHistory(types.IndicatorSnapshot{
		TimestampMs: atMs,
		Values:      map[string]float64{"fast": cur.fast, "slow": cur.slow, "long": cur.long, "spreadPct": cur.spreadPct, "fastSlope": cur.fastSlope},
		Trend:       cur.trend,
	})

	var volOK = true
	if s.params.UseVolumeFilter && len(volumes) >= 20 {
		avgVol := indicators.SMA(volumes, 20)
		volOK = volumes[len(volumes)-1] >= avgVol*s.params.VolumeThreshold
	}
	slopeOK := true
	if s.params.UseSlopeFilter {
		slopeOK = abs(cur.fastSlope) >= s.params.MinSlope
	}

	sig := types.Signal{Kind: types.SignalHold, Symbol: ticker.Symbol, StrategyName: s.Name(), TimestampMs: atMs, Message: "no signal"}
	if volOK && slopeOK {
		sig = s.classify(cur, closes[len(closes)-1], ticker, atMs)
	}

	s.prev = cur
	s.havePrev = true

	if sig.Kind != types.SignalHold {
		s.tryEmit(sig)
	}
	return sig, nil
}

func (s *SMAStrategy) classify(cur smaSnapshot, lastClose float64, ticker types.Ticker, atMs int64) types.Signal {
	base := types.Signal{Symbol: ticker.Symbol, Price: ticker.Last, Quantity: decimalOf(s.params.PositionSizeFraction), StrategyName: s.Name(), TimestampMs: atMs}
	if !s.havePrev {
		return types.Signal{Kind: types.SignalHold, Symbol: ticker.Symbol, StrategyName: s.Name(), TimestampMs: atMs}
	}
	prev := s.prev

	crossStrength := minF(1, abs(cur.spreadPct)*2+abs(cur.fastSlope)*100)

	// 1. Golden cross.
	if prev.fast <= prev.slow && cur.fast > cur.slow {
		return withSignal(base, types.SignalBuy, crossStrength, "Golden Cross")
	}
	// 2. Death cross.
	if prev.fast >= prev.slow && cur.fast < cur.slow {
		return withSignal(base, types.SignalSell, crossStrength, "Death Cross")
	}
	// 3. Trend acceleration.
	if cur.fastSlope > prev.fastSlope && cur.fastSlope > 2*s.params.MinSlope {
		return withSignal(base, types.SignalBuy, minF(1, cur.fastSlope*50), "Trend Acceleration")
	}
	// 4. Trend deceleration.
	if cur.fastSlope < prev.fastSlope && abs(cur.fastSlope) < s.params.MinSlope {
		return withSignal(base, types.SignalSell, minF(1, abs(prev.fastSlope-cur.fastSlope)*50), "Trend Deceleration")
	}
	// 5. Pullback.
	if cur.trend == TrendStrongUptrend && cur.fast != 0 && abs(lastClose-cur.fast)/cur.fast < 0.005 {
		return withSignal(base, types.SignalBuy, 0.6, "Pullback Buy")
	}
	if cur.trend == TrendStrongDowntrend && cur.fast != 0 && abs(lastClose-cur.fast)/cur.fast < 0.005 {
		return withSignal(base, types.SignalSell, 0.6, "Pullback Sell")
	}
	// 6. Triple-MA alignment.
	if s.params.UseTripleMA {
		bullNow := cur.fast > cur.slow && cur.slow > cur.long
		bullPrev := prev.fast > prev.slow && prev.slow > prev.long
		bearNow := cur.fast < cur.slow && cur.slow < cur.long
		bearPrev := prev.fast < prev.slow && prev.slow < prev.long
		if bullNow && !bullPrev {
			return withSignal(base, types.SignalBuy, 0.8+minF(0.2, abs(cur.spreadPct)/10), "Triple Alignment Bull")
		}
		if bearNow && !bearPrev {
			return withSignal(base, types.SignalSell, 0.8+minF(0.2, abs(cur.spreadPct)/10), "Triple Alignment Bear")
		}
	}
	return types.Signal{Kind: types.SignalHold, Symbol: ticker.Symbol, StrategyName: s.Name(), TimestampMs: atMs, Message: "no signal"}
}

// SupportResistance returns the dynamic support/resistance level of
// spec.md §4.4: min of active SMAs in an uptrend, max in a downtrend.
func (s *SMAStrategy) SupportResistance() (level float64, ok bool) {
	if !s.havePrev {
		return 0, false
	}
	active := []float64{s.prev.fast, s.prev.slow}
	if s.params.UseTripleMA {
		active = append(active, s.prev.long)
	}
	switch {
	case s.prev.trend == TrendStrongUptrend || s.prev.trend == TrendWeakUptrend:
		m := active[0]
		for _, v := range active {
			if v < m {
				m = v
			}
		}
		return m, true
	case s.prev.trend == TrendStrongDowntrend || s.prev.trend == TrendWeakDowntrend:
		m := active[0]
		for _, v := range active {
			if v > m {
				m = v
			}
		}
		return m, true
	default:
		return 0, false
	}
}

func (s *SMAStrategy) OnPositionOpened(pos types.Position) {
	s.dataMu.Lock()
	s.inPosition = true
	s.positionID = pos.ID
	s.positionSide = pos.Side
	s.dataMu.Unlock()
}

func (s *SMAStrategy) OnPositionClosed(pos types.Position, pnl float64) {
	s.dataMu.Lock()
	s.inPosition = false
	s.positionID = ""
	s.dataMu.Unlock()
	s.recordTradeClose(pnl, 0, nowMs())
}

// ShouldClose implements spec.md §4.4's close trigger: opposing crossover
// (caught via classify's own BUY/SELL against the held side) or a strong
// trend flip against the held side.
func (s *SMAStrategy) ShouldClose(side types.Side) bool {
	if !s.havePrev {
		return false
	}
	if side == types.SideBuy && s.prev.trend == TrendStrongDowntrend {
		return true
	}
	if side == types.SideSell && s.prev.trend == TrendStrongUptrend {
		return true
	}
	return false
}

func (s *SMAStrategy) Serialize() (Snapshot, error) {
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
	return Snapshot{Type: "SMA", Name: s.Name(), Config: s.config, Metrics: s.GetMetrics(),
		InPosition: inPos, CurrentPositionID: posID, CurrentIndicators: cur,
		CurrentTrend: s.prev.trend, History: hist}, nil
}

func (s *SMAStrategy) Deserialize(snap Snapshot) error {
	s.config = snap.Config
	for _, h := range snap.History {
		if len(s.indicatorHistory.Slice()) >= 100 {
			break
		}
		s.pushIndicatorHistory(h)
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
