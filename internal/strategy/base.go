package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantforge/tradecore/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func decimalOf(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// LifecycleState is a strategy's position in the state machine of
// spec.md §4.2: INACTIVE -> INITIALIZING -> ACTIVE <-> PAUSED; any state
// can fall to ERROR; SHUTDOWN is terminal.
type LifecycleState string

const (
	StateInactive     LifecycleState = "INACTIVE"
	StateInitializing LifecycleState = "INITIALIZING"
	StateActive       LifecycleState = "ACTIVE"
	StatePaused       LifecycleState = "PAUSED"
	StateError        LifecycleState = "ERROR"
	StateShutdown     LifecycleState = "SHUTDOWN"
)

// maxErrorLog bounds the per-strategy error ring (spec.md §7 AdapterError:
// "logged, counted in strategy error log (bounded ring)").
const maxErrorLog = 50

// maxIndicatorHistory and maxSignalHistory are the spec.md §3 bounds
// enforced on every append.
const (
	maxIndicatorHistory = 500
	maxSignalHistory    = 100
	minCloseBufferCap   = 200
)

// closeBufferCap returns max(period*3, 200) per spec.md §3.
func closeBufferCap(period int) int {
	c := period * 3
	if c < minCloseBufferCap {
		return minCloseBufferCap
	}
	return c
}

// Strategy is the capability set every concrete strategy implements.
// Modeled as an interface rather than a class hierarchy per spec.md §9:
// each concrete strategy composes a *BaseStrategy and its own parameter /
// indicator-state records instead of inheriting from a shared base class.
type Strategy interface {
	Name() string
	Configure(params map[string]any) error
	Initialize(ctx context.Context) error
	Start() error
	Pause() error
	Resume() error
	Stop() error
	Reset()
	Shutdown()
	State() LifecycleState
	Update(candles []types.Candle, ticker types.Ticker) (types.Signal, error)
	OnPositionOpened(pos types.Position)
	OnPositionClosed(pos types.Position, pnl float64)
	Serialize() (Snapshot, error)
	Deserialize(snap Snapshot) error
	GetMetrics() types.StrategyMetrics
}

// Snapshot is the persisted-state envelope per spec.md §6: type/name/
// config/metrics/in-position/current indicator values and zone/trend,
// plus bounded history.
type Snapshot struct {
	Type                string                    `json:"type"`
	Name                string                    `json:"name"`
	Config              types.StrategyConfig      `json:"config"`
	Metrics             types.StrategyMetrics     `json:"metrics"`
	InPosition          bool                      `json:"inPosition"`
	CurrentPositionID   string                    `json:"currentPositionId,omitempty"`
	CurrentIndicators   map[string]float64        `json:"currentIndicatorValues"`
	CurrentZone         string                    `json:"currentZone,omitempty"`
	CurrentTrend        string                    `json:"currentTrend,omitempty"`
	History             []types.IndicatorSnapshot `json:"history"`
}

// Callbacks are invoked without holding any strategy lock (spec.md §5).
type Callbacks struct {
	OnSignal func(types.Signal)
	OnError  func(error)
}

// BaseStrategy provides the lifecycle, rolling buffers, bounded error
// log, and metrics aggregation shared by every concrete strategy
// (spec.md §4.2). The data mutex guards market-data/derived-value state;
// the metrics mutex guards counters. They are never held at the same
// time, and callbacks are always invoked lock-free, matching the split
// described in spec.md §5 / §9.
type BaseStrategy struct {
	name       string
	logger     *zap.Logger
	cooldown   time.Duration
	callbacks  Callbacks

	stateMu sync.Mutex
	state   LifecycleState

	dataMu           sync.Mutex
	config           types.StrategyConfig
	closePrices      *ring[float64]
	volumes          *ring[float64]
	indicatorHistory *ring[types.IndicatorSnapshot]
	signalHistory    *ring[types.Signal]
	lastEmitMs       map[types.SignalKind]int64
	inPosition       bool
	positionID       string
	positionSide     types.Side

	metricsMu   sync.Mutex
	metrics     types.StrategyMetrics
	errorLog    *ring[string]
	lastExecDur time.Duration
}

// NewBaseStrategy constructs the shared plumbing. cooldown is the
// strategy-specific per-signal-kind throttle window (RSI 10m, SMA 15m,
// MACD 5m per spec.md §4.2).
func NewBaseStrategy(name string, logger *zap.Logger, cooldown time.Duration) *BaseStrategy {
	return &BaseStrategy{
		name:             name,
		logger:           logger,
		cooldown:         cooldown,
		state:            StateInactive,
		closePrices:      newRing[float64](minCloseBufferCap),
		volumes:          newRing[float64](minCloseBufferCap),
		indicatorHistory: newRing[types.IndicatorSnapshot](maxIndicatorHistory),
		signalHistory:    newRing[types.Signal](maxSignalHistory),
		lastEmitMs:       make(map[types.SignalKind]int64),
		errorLog:         newRing[string](maxErrorLog),
		metrics:          types.StrategyMetrics{StartTime: time.Now()},
	}
}

func (b *BaseStrategy) Name() string { return b.name }

func (b *BaseStrategy) SetCallbacks(cb Callbacks) { b.callbacks = cb }

func (b *BaseStrategy) State() LifecycleState {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

func (b *BaseStrategy) transition(to LifecycleState, from ...LifecycleState) error {
	b.stateMu.Lock()
	cur := b.state
	allowed := false
	for _, f := range from {
		if cur == f {
			allowed = true
			break
		}
	}
	if !allowed {
		b.stateMu.Unlock()
		return fmt.Errorf("%s: %w (from %s to %s)", b.name, ErrInvalidState, cur, to)
	}
	b.state = to
	b.stateMu.Unlock()
	return nil
}

// setConfig stores the validated config (period/threshold validation is
// the concrete strategy's responsibility) and resizes the close-price
// buffer cap to max(period*3, 200).
func (b *BaseStrategy) setConfig(cfg types.StrategyConfig, period int) {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()
	b.config = cfg
	b.closePrices.SetCap(closeBufferCap(period))
}

// Initialize transitions INACTIVE -> INITIALIZING -> ACTIVE.
func (b *BaseStrategy) baseInitialize() error {
	if err := b.transition(StateInitializing, StateInactive); err != nil {
		return err
	}
	if err := b.transition(StateActive, StateInitializing); err != nil {
		b.fail(err)
		return err
	}
	return nil
}

// Start is idempotent when already ACTIVE (spec.md §8 Idempotence).
func (b *BaseStrategy) baseStart() error {
	if b.State() == StateActive {
		return nil
	}
	return b.transition(StateActive, StateInactive, StatePaused)
}

func (b *BaseStrategy) basePause() error {
	return b.transition(StatePaused, StateActive)
}

func (b *BaseStrategy) baseResume() error {
	return b.transition(StateActive, StatePaused)
}

// Stop is idempotent when already INACTIVE.
func (b *BaseStrategy) baseStop() error {
	if b.State() == StateInactive {
		return nil
	}
	return b.transition(StateInactive, StateActive, StatePaused, StateError)
}

func (b *BaseStrategy) baseReset() {
	b.dataMu.Lock()
	b.closePrices.Reset()
	b.volumes.Reset()
	b.indicatorHistory.Reset()
	b.signalHistory.Reset()
	b.lastEmitMs = make(map[types.SignalKind]int64)
	b.inPosition = false
	b.positionID = ""
	b.dataMu.Unlock()
}

func (b *BaseStrategy) baseShutdown() {
	b.stateMu.Lock()
	b.state = StateShutdown
	b.stateMu.Unlock()
}

// fail flips the strategy to ERROR and invokes the error callback without
// holding any lock.
func (b *BaseStrategy) fail(err error) {
	b.stateMu.Lock()
	b.state = StateError
	b.stateMu.Unlock()

	b.metricsMu.Lock()
	b.errorLog.Append(err.Error())
	cb := b.callbacks.OnError
	b.metricsMu.Unlock()

	if cb != nil {
		cb(err)
	}
}

// appendCandle folds a new candle into the close/volume buffers under the
// data mutex, enforcing the configured cap on every append.
func (b *BaseStrategy) appendCandle(c types.Candle) {
	b.dataMu.Lock()
	b.closePrices.Append(mustFloat(c.Close))
	b.volumes.Append(mustFloat(c.Volume))
	b.dataMu.Unlock()
}

func mustFloat(d interface{ Float64() (float64, bool) }) float64 {
	f, _ := d.Float64()
	return f
}

// closesSnapshot returns a copy of the close-price buffer for indicator
// computation.
func (b *BaseStrategy) closesSnapshot() []float64 {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()
	out := make([]float64, len(b.closePrices.Slice()))
	copy(out, b.closePrices.Slice())
	return out
}

func (b *BaseStrategy) volumesSnapshot() []float64 {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()
	out := make([]float64, len(b.volumes.Slice()))
	copy(out, b.volumes.Slice())
	return out
}

// pushIndicatorHistory records the snapshot the strategy just computed,
// trimming to the bounded history length.
func (b *BaseStrategy) pushIndicatorHistory(snap types.IndicatorSnapshot) {
	b.dataMu.Lock()
	b.indicatorHistory.Append(snap)
	b.dataMu.Unlock()
}

// tryEmit applies the common cooldown-throttling contract of spec.md
// §4.2: the same signal kind must not be emitted within the strategy's
// cooldown of its previous emission. Returns false (suppressed) if the
// cooldown has not elapsed; otherwise records the emission, appends to
// the bounded signal history, and invokes the signal callback lock-free.
func (b *BaseStrategy) tryEmit(sig types.Signal) bool {
	if !sig.IsActionable() {
		return false
	}
	b.dataMu.Lock()
	last, ok := b.lastEmitMs[sig.Kind]
	if ok && sig.TimestampMs-last < b.cooldown.Milliseconds() {
		b.dataMu.Unlock()
		return false
	}
	b.lastEmitMs[sig.Kind] = sig.TimestampMs
	b.signalHistory.Append(sig)
	b.dataMu.Unlock()

	if b.callbacks.OnSignal != nil {
		b.callbacks.OnSignal(sig)
	}
	return true
}

func (b *BaseStrategy) recordExecDuration(d time.Duration) {
	b.metricsMu.Lock()
	b.lastExecDur = d
	b.metricsMu.Unlock()
}

// GetMetrics returns a copy of the current metrics.
func (b *BaseStrategy) GetMetrics() types.StrategyMetrics {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	return b.metrics
}

// recordTradeClose folds a closed position's PnL into metrics. Invoked
// after the data mutex has been released (spec.md §9 mutex-split note):
// OnPositionClosed calls this from the metrics path only.
func (b *BaseStrategy) recordTradeClose(pnl float64, dur time.Duration, atMs int64) {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	b.metrics.RecordClose(decimalOf(pnl), dur, atMs)
}

func (b *BaseStrategy) signalHistorySnapshot() []types.Signal {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()
	out := make([]types.Signal, len(b.signalHistory.Slice()))
	copy(out, b.signalHistory.Slice())
	return out
}

func (b *BaseStrategy) indicatorHistorySnapshot() []types.IndicatorSnapshot {
	b.dataMu.Lock()
	defer b.dataMu.Unlock()
	out := make([]types.IndicatorSnapshot, len(b.indicatorHistory.Slice()))
	copy(out, b.indicatorHistory.Slice())
	return out
}
