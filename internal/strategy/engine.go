package strategy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantforge/tradecore/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EngineState mirrors a single strategy's lifecycle but is tracked
// independently by the engine's registry (spec.md §4.6).
type EngineState string

const (
	EngineStateInactive EngineState = "INACTIVE"
	EngineStateActive   EngineState = "ACTIVE"
	EngineStatePaused   EngineState = "PAUSED"
	EngineStateError    EngineState = "ERROR"
	EngineStateStopped  EngineState = "STOPPED"
)

// registration is what the engine keeps per registered strategy.
type registration struct {
	strategy Strategy
	state    EngineState
}

// Engine arbitrates across registered strategies and owns open-position
// state, per spec.md §4.6. The registry mutex and the positions mutex are
// never held at the same time (spec.md §5); strategy callbacks are always
// invoked without holding either.
type Engine struct {
	logger *zap.Logger

	registryMu sync.Mutex
	registry   map[string]*registration

	positionsMu     sync.Mutex
	positions       map[string]*types.Position   // positionID -> position
	byStrategy      map[string][]string          // strategy name -> position IDs
	strategyMetrics map[string]*types.StrategyMetrics

	posCounter int64

	OnSignal func(strategyName string, sig types.Signal)
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		logger:          logger,
		registry:        make(map[string]*registration),
		positions:       make(map[string]*types.Position),
		byStrategy:      make(map[string][]string),
		strategyMetrics: make(map[string]*types.StrategyMetrics),
	}
}

// RegisterStrategy rejects a nil strategy or a duplicate name, calls
// Initialize under the registry lock, and seeds its stats.
func (e *Engine) RegisterStrategy(ctx context.Context, s Strategy) error {
	if s == nil {
		return fmt.Errorf("%w: nil strategy", ErrConfiguration)
	}
	name := s.Name()
	if name == "" {
		return fmt.Errorf("%w: empty strategy name", ErrConfiguration)
	}

	e.registryMu.Lock()
	if _, exists := e.registry[name]; exists {
		e.registryMu.Unlock()
		return fmt.Errorf("%w: strategy %q already registered", ErrDuplicateName, name)
	}
	if err := s.Initialize(ctx); err != nil {
		e.registryMu.Unlock()
		return fmt.Errorf("initializing strategy %q: %w", name, err)
	}
	e.registry[name] = &registration{strategy: s, state: EngineStateActive}
	e.registryMu.Unlock()

	e.positionsMu.Lock()
	e.strategyMetrics[name] = &types.StrategyMetrics{StartTime: time.Now()}
	e.positionsMu.Unlock()
	return nil
}

func (e *Engine) lookup(name string) (*registration, error) {
	e.registryMu.Lock()
	defer e.registryMu.Unlock()
	reg, ok := e.registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: strategy %q not registered", ErrNotFound, name)
	}
	return reg, nil
}

// transitionStrategy runs fn and flips the engine-tracked state to ERROR
// if fn fails, returning the wrapped error, otherwise moves to to. No
// error callback is invoked on failure.
func (e *Engine) transitionStrategy(name string, to EngineState, fn func() error) error {
	reg, err := e.lookup(name)
	if err != nil {
		return err
	}
	if runErr := fn(); runErr != nil {
		e.registryMu.Lock()
		reg.state = EngineStateError
		e.registryMu.Unlock()
		return fmt.Errorf("strategy %q: %w", name, runErr)
	}
	e.registryMu.Lock()
	reg.state = to
	e.registryMu.Unlock()
	return nil
}

func (e *Engine) StartStrategy(name string) error {
	reg, err := e.lookup(name)
	if err != nil {
		return err
	}
	return e.transitionStrategy(name, EngineStateActive, reg.strategy.Start)
}

func (e *Engine) StopStrategy(name string) error {
	reg, err := e.lookup(name)
	if err != nil {
		return err
	}
	return e.transitionStrategy(name, EngineStateStopped, reg.strategy.Stop)
}

func (e *Engine) PauseStrategy(name string) error {
	reg, err := e.lookup(name)
	if err != nil {
		return err
	}
	return e.transitionStrategy(name, EngineStatePaused, reg.strategy.Pause)
}

func (e *Engine) ResumeStrategy(name string) error {
	reg, err := e.lookup(name)
	if err != nil {
		return err
	}
	return e.transitionStrategy(name, EngineStateActive, reg.strategy.Resume)
}

func (e *Engine) ResetStrategy(name string) error {
	reg, err := e.lookup(name)
	if err != nil {
		return err
	}
	reg.strategy.Reset()
	return nil
}

// ValidateSignal enforces the common well-formedness contract of
// spec.md §4.3/§9: a non-hold signal must carry a positive price and a
// strength in [0, 1].
func ValidateSignal(sig types.Signal) error {
	if !sig.IsActionable() {
		return nil
	}
	if sig.Price.IsNegative() || sig.Price.IsZero() {
		return fmt.Errorf("%w: non-positive price on %s signal", ErrInvalidSignal, sig.Kind)
	}
	if sig.Strength < 0 || sig.Strength > 1 {
		return fmt.Errorf("%w: strength %v outside [0,1] on %s signal", ErrInvalidSignal, sig.Strength, sig.Kind)
	}
	return nil
}

// ExecuteStrategy dispatches a single Update call to a named strategy,
// degrading invalid signals to HOLD and isolating panics/errors into an
// ERROR-state transition per spec.md §4.6.
func (e *Engine) ExecuteStrategy(name string, candles []types.Candle, ticker types.Ticker) (sig types.Signal, err error) {
	reg, lookupErr := e.lookup(name)
	if lookupErr != nil {
		return types.Signal{Kind: types.SignalHold, Symbol: ticker.Symbol, StrategyName: name,
			Message: lookupErr.Error(), TimestampMs: ticker.TimestampMs}, lookupErr
	}

	e.registryMu.Lock()
	state := reg.state
	e.registryMu.Unlock()
	if state != EngineStateActive {
		return types.Signal{Kind: types.SignalHold, Symbol: ticker.Symbol, StrategyName: name,
			Message: fmt.Sprintf("strategy %q not active (state=%s)", name, state), TimestampMs: ticker.TimestampMs}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			e.registryMu.Lock()
			reg.state = EngineStateError
			e.registryMu.Unlock()
			err = fmt.Errorf("strategy %q panicked: %v", name, r)
			sig = types.Signal{Kind: types.SignalHold, Symbol: ticker.Symbol, StrategyName: name,
				Message: err.Error(), TimestampMs: ticker.TimestampMs}
		}
	}()

	result, updateErr := reg.strategy.Update(candles, ticker)
	if updateErr != nil {
		e.registryMu.Lock()
		reg.state = EngineStateError
		e.registryMu.Unlock()
		return types.Signal{Kind: types.SignalHold, Symbol: ticker.Symbol, StrategyName: name,
			Message: updateErr.Error(), TimestampMs: ticker.TimestampMs}, fmt.Errorf("strategy %q: %w", name, updateErr)
	}

	if validateErr := ValidateSignal(result); validateErr != nil {
		result = types.Signal{Kind: types.SignalHold, Symbol: ticker.Symbol, StrategyName: name,
			Message: validateErr.Error(), TimestampMs: ticker.TimestampMs}
	}

	if result.IsActionable() && e.OnSignal != nil {
		e.OnSignal(name, result)
	}
	return result, nil
}

// ExecuteAllStrategies runs ExecuteStrategy against every currently
// registered strategy, isolating one strategy's failure from the rest.
func (e *Engine) ExecuteAllStrategies(candles []types.Candle, ticker types.Ticker) map[string]types.Signal {
	e.registryMu.Lock()
	names := make([]string, 0, len(e.registry))
	for name := range e.registry {
		names = append(names, name)
	}
	e.registryMu.Unlock()

	out := make(map[string]types.Signal, len(names))
	for _, name := range names {
		sig, _ := e.ExecuteStrategy(name, candles, ticker)
		out[name] = sig
	}
	return out
}

// GeneratePositionId returns "pos_<ms-epoch>_<monotonic-counter>".
func (e *Engine) GeneratePositionId() string {
	n := atomic.AddInt64(&e.posCounter, 1)
	return fmt.Sprintf("pos_%d_%d", time.Now().UnixMilli(), n)
}

// RegisterPosition requires a non-empty position id and strategy name,
// and that the strategy exists; it appends the position to the engine's
// maps and invokes OnPositionOpened on the owning strategy lock-free.
func (e *Engine) RegisterPosition(pos types.Position) error {
	if pos.ID == "" || pos.StrategyName == "" {
		return fmt.Errorf("%w: position id and strategy name are required", ErrInvalidState)
	}
	reg, err := e.lookup(pos.StrategyName)
	if err != nil {
		return err
	}

	e.positionsMu.Lock()
	cp := pos
	e.positions[pos.ID] = &cp
	e.byStrategy[pos.StrategyName] = append(e.byStrategy[pos.StrategyName], pos.ID)
	e.positionsMu.Unlock()

	reg.strategy.OnPositionOpened(cp)
	return nil
}

// ClosePosition removes the position from the maps, folds its realized
// PnL into per-strategy stats, and notifies the owning strategy.
func (e *Engine) ClosePosition(positionID string, realizedPnL decimal.Decimal) error {
	e.positionsMu.Lock()
	pos, ok := e.positions[positionID]
	if !ok {
		e.positionsMu.Unlock()
		return fmt.Errorf("%w: position %q", ErrNotFound, positionID)
	}
	delete(e.positions, positionID)
	ids := e.byStrategy[pos.StrategyName]
	for i, id := range ids {
		if id == positionID {
			e.byStrategy[pos.StrategyName] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	m := e.strategyMetrics[pos.StrategyName]
	closed := *pos
	if m != nil {
		m.RecordClose(realizedPnL, 0, time.Now().UnixMilli())
	}
	e.positionsMu.Unlock()

	pnlFloat, _ := realizedPnL.Float64()
	reg, err := e.lookup(pos.StrategyName)
	if err == nil {
		reg.strategy.OnPositionClosed(closed, pnlFloat)
	}
	return nil
}

// UpdatePosition updates the current price and recomputes unrealized
// PnL under the positions mutex.
func (e *Engine) UpdatePosition(positionID string, currentPrice decimal.Decimal) error {
	e.positionsMu.Lock()
	defer e.positionsMu.Unlock()
	pos, ok := e.positions[positionID]
	if !ok {
		return fmt.Errorf("%w: position %q", ErrNotFound, positionID)
	}
	pos.CurrentPrice = currentPrice
	pos.UnrealizedPnL = types.UnrealizedPnLFor(pos.Side, pos.EntryPrice, currentPrice, pos.Quantity, pos.CommissionPaid)
	return nil
}

func (e *Engine) Positions() []types.Position {
	e.positionsMu.Lock()
	defer e.positionsMu.Unlock()
	out := make([]types.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out
}

func (e *Engine) PositionsFor(strategyName string) []types.Position {
	e.positionsMu.Lock()
	defer e.positionsMu.Unlock()
	ids := e.byStrategy[strategyName]
	out := make([]types.Position, 0, len(ids))
	for _, id := range ids {
		if p, ok := e.positions[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

func (e *Engine) StrategyMetrics(name string) (types.StrategyMetrics, bool) {
	e.positionsMu.Lock()
	defer e.positionsMu.Unlock()
	m, ok := e.strategyMetrics[name]
	if !ok {
		return types.StrategyMetrics{}, false
	}
	return *m, true
}
