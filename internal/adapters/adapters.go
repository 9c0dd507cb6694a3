// Package adapters implements the exchange adapter contract of
// spec.md §6: lifecycle, REST market data, REST trading, and streaming,
// with symbol/interval normalization owned by each venue-specific
// adapter.
package adapters

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/quantforge/tradecore/pkg/types"
)

// Error kinds per spec.md §6's non-fatal per-call adapter failure surface.
var (
	ErrTransport      = errors.New("adapter: transport error")
	ErrAuthorization  = errors.New("adapter: authorization error")
	ErrInvalidResponse = errors.New("adapter: invalid response")
	ErrRateLimited    = errors.New("adapter: rate limit exceeded")
)

// AdapterError wraps one of the four error kinds above with the venue
// and operation that failed.
type AdapterError struct {
	Venue     string
	Operation string
	Kind      error
	Err       error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s %s: %v", e.Venue, e.Operation, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s %s", e.Venue, e.Operation, e.Kind)
}

func (e *AdapterError) Unwrap() error { return e.Kind }

func newAdapterError(venue, op string, kind error, err error) *AdapterError {
	return &AdapterError{Venue: venue, Operation: op, Kind: kind, Err: err}
}

// OrderRequest is the venue-neutral order placement request.
type OrderRequest struct {
	Symbol   string
	Side     types.Side
	Type     string // "MARKET" or "LIMIT"
	Quantity decimal.Decimal
	Price    decimal.Decimal // ignored for MARKET
}

// OrderResponse is the venue-neutral order placement result.
type OrderResponse struct {
	OrderID   string
	Status    string
	FilledQty decimal.Decimal
}

// StreamKind enumerates the subscribable streaming channels.
type StreamKind string

const (
	StreamOrderBook StreamKind = "ORDER_BOOK"
	StreamTicker    StreamKind = "TICKER"
	StreamTrades    StreamKind = "TRADES"
	StreamKlines    StreamKind = "KLINES"
)

// TickerCallback, OrderBookCallback, TradeCallback, and KlineCallback
// are invoked from the adapter's read loop; they must not block.
type (
	TickerCallback    func(types.Ticker)
	OrderBookCallback func(types.OrderBookSnapshot)
	TradeCallback     func(types.TradeRecord)
	KlineCallback     func(types.Candle)
)

// Exchange is the full adapter contract every venue implements
// (spec.md §6).
type Exchange interface {
	Initialize(ctx context.Context) error
	IsInitialized() bool

	GetTicker(ctx context.Context, symbol string) (types.Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBookSnapshot, error)
	GetRecentTrades(ctx context.Context, symbol string, n int) ([]types.TradeRecord, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int, startMs, endMs int64) ([]types.Candle, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (bool, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderResponse, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderResponse, error)
	GetAccountBalance(ctx context.Context, asset string) (decimal.Decimal, error)

	SubscribeOrderBook(symbol string, cb OrderBookCallback) (bool, error)
	SubscribeTicker(symbol string, cb TickerCallback) (bool, error)
	SubscribeTrades(symbol string, cb TradeCallback) (bool, error)
	SubscribeKlines(symbol, interval string, cb KlineCallback) (bool, error)
	Unsubscribe(symbol string, stream StreamKind) error

	GetExchangeName() string
	GetAvailablePairs(ctx context.Context) ([]string, error)
	IsValidPair(symbol string) bool
}

// pagedCandleSource adapts any Exchange to backtester.PagedCandleSource
// by delegating to GetKlines.
type pagedCandleSource struct {
	ex Exchange
}

// FetchCandlesVia wraps ex so it satisfies backtester.PagedCandleSource.
func FetchCandlesVia(ex Exchange) *pagedCandleSource {
	return &pagedCandleSource{ex: ex}
}

func (p *pagedCandleSource) FetchCandles(ctx context.Context, symbol, timeframe string, startMs, endMs int64, limit int) ([]types.Candle, error) {
	return p.ex.GetKlines(ctx, symbol, timeframe, limit, startMs, endMs)
}

var (
	_ Exchange = (*BinanceAdapter)(nil)
	_ Exchange = (*BybitAdapter)(nil)
)
