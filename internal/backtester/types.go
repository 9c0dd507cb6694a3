package backtester

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config describes a single deterministic replay, per spec.md §4.8.
type Config struct {
	InitialBalance decimal.Decimal
	Timeframe      string
	Symbol         string
	Start          time.Time
	End            time.Time
	FeeRate        decimal.Decimal // applied to gross trade value
	SlippagePct    decimal.Decimal // multiplicative: BUY at price*(1+slippage), SELL at price/(1+slippage)
	RiskFreeRate   float64         // annualized, used by the Sharpe calculation
}

func (c Config) validate() error {
	if c.Symbol == "" {
		return errConfig("symbol is required")
	}
	if c.InitialBalance.LessThanOrEqual(decimal.Zero) {
		return errConfig("initial balance must be > 0")
	}
	if !c.End.After(c.Start) && !c.End.Equal(c.Start) {
		return errConfig("end must not be before start")
	}
	return nil
}

func errConfig(msg string) error {
	return &configError{msg}
}

type configError struct{ msg string }

func (e *configError) Error() string { return "backtester: invalid configuration: " + e.msg }
func (e *configError) Unwrap() error { return ErrConfiguration }

// Trade is one fill recorded by executeTrade: an opening BUY (no exit
// price, PnL is the negated entry fee) or the closing SELL of a round
// trip (PnL is the realized result net of both fees).
type Trade struct {
	Symbol     string          `json:"symbol"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ExitPrice  decimal.Decimal `json:"exitPrice"`
	Quantity   decimal.Decimal `json:"quantity"`
	PnL        decimal.Decimal `json:"pnl"`
	OpenTimeMs int64           `json:"openTimeMs"`
	CloseTimeMs int64          `json:"closeTimeMs"`
}

// EquityPoint is one sample of the equity curve keyed by candle open-time.
type EquityPoint struct {
	TimestampMs int64           `json:"timestampMs"`
	Equity      decimal.Decimal `json:"equity"`
}

// DrawdownPoint is one sample of the drawdown curve, in percent.
type DrawdownPoint struct {
	TimestampMs int64   `json:"timestampMs"`
	DrawdownPct float64 `json:"drawdownPct"`
}

// Result is the full output of a backtest run, serializable to
// structured key/value form for persistence and charting.
type Result struct {
	Config         Config          `json:"config"`
	FinalBalance   decimal.Decimal `json:"finalBalance"`
	TotalPnL       decimal.Decimal `json:"totalPnl"`
	TotalReturnPct float64         `json:"totalReturnPct"`
	WinRate        float64         `json:"winRate"`
	MaxDrawdownPct float64         `json:"maxDrawdownPct"`
	Sharpe         float64         `json:"sharpe"`
	Trades         []Trade         `json:"trades"`
	EquityCurve    []EquityPoint   `json:"equityCurve"`
	DrawdownCurve  []DrawdownPoint `json:"drawdownCurve"`
}
