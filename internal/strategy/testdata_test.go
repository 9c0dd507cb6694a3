package strategy

import (
	"github.com/quantforge/tradecore/pkg/types"
	"github.com/shopspring/decimal"
)

// dec converts a whole-number fixture value into a decimal.Decimal without
// the boilerplate of decimal.NewFromInt at every call site.
func dec(v int) decimal.Decimal { return decimal.NewFromInt(int64(v)) }

// tickerAt builds a single-field ticker fixture for strategies that only
// read Symbol/Last/TimestampMs from it.
func tickerAt(symbol string, price float64, timestampMs int64) types.Ticker {
	d := decimal.NewFromFloat(price)
	return types.Ticker{Symbol: symbol, Last: d, Bid: d, Ask: d, TimestampMs: timestampMs}
}

// candleSeries builds one closing-price-only candle per element of closes,
// spaced intervalMs apart starting at startMs. Open is the previous bar's
// close (the first bar opens at its own close) and High/Low are the larger
// and smaller of Open and Close; the indicator kernels under test only read
// Close (and occasionally Volume, fixed at 1 here).
func candleSeries(symbol string, closes []float64, intervalMs int64, startMs int64) []types.Candle {
	out := make([]types.Candle, len(closes))
	for i, c := range closes {
		close := decimal.NewFromFloat(c)
		open := close
		if i > 0 {
			open = decimal.NewFromFloat(closes[i-1])
		}
		openMs := startMs + int64(i)*intervalMs
		out[i] = types.Candle{
			Symbol:      symbol,
			OpenTimeMs:  openMs,
			Open:        open,
			High:        decimal.Max(open, close),
			Low:         decimal.Min(open, close),
			Close:       close,
			Volume:      decimal.NewFromInt(1),
			CloseTimeMs: openMs + intervalMs - 1,
		}
	}
	return out
}
