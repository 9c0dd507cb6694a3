package adapters

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantforge/tradecore/pkg/types"
)

func TestAdapterErrorUnwrapsToKind(t *testing.T) {
	err := newAdapterError("binance", "GetTicker", ErrTransport, errors.New("dial tcp: timeout"))
	if !errors.Is(err, ErrTransport) {
		t.Errorf("expected errors.Is to match ErrTransport")
	}
	if errors.Is(err, ErrAuthorization) {
		t.Errorf("did not expect errors.Is to match ErrAuthorization")
	}
}

func TestAdapterErrorMessageIncludesVenueAndOperation(t *testing.T) {
	err := newAdapterError("bybit", "PlaceOrder", ErrRateLimited, nil)
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty error message")
	}
	if !strings.Contains(msg, "bybit") || !strings.Contains(msg, "PlaceOrder") {
		t.Errorf("error message %q does not name the venue and the operation", msg)
	}
}

func TestDecOrZeroFallsBackOnUnparsable(t *testing.T) {
	if !decOrZero("not-a-number").IsZero() {
		t.Errorf("expected decOrZero to fall back to zero on unparsable input")
	}
	if !decOrZero("12.5").Equal(decimal.NewFromFloat(12.5)) {
		t.Errorf("expected decOrZero to parse a valid decimal string")
	}
}

func TestToLevelsSkipsMalformedRows(t *testing.T) {
	raw := [][]string{{"100", "2"}, {"bad-row"}, {"101", "3"}}
	levels := toLevels(raw)
	if len(levels) != 2 {
		t.Fatalf("expected 2 valid levels, got %d", len(levels))
	}
	if !levels[0].Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("levels[0].Price = %v, want 100", levels[0].Price)
	}
}

func TestSplitOrderIDRoundTrips(t *testing.T) {
	symbol, id, ok := splitOrderID("BTCUSDT:12345")
	if !ok || symbol != "BTCUSDT" || id != "12345" {
		t.Errorf("splitOrderID = (%q, %q, %v), want (BTCUSDT, 12345, true)", symbol, id, ok)
	}
	if _, _, ok := splitOrderID("no-colon-here"); ok {
		t.Errorf("expected splitOrderID to fail on an id with no colon separator")
	}
}

func TestBybitIntervalMapsCanonicalTimeframes(t *testing.T) {
	cases := map[string]string{"1m": "1", "1h": "60", "1d": "D", "3w": "3w"}
	for in, want := range cases {
		if got := bybitInterval(in); got != want {
			t.Errorf("bybitInterval(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTitleCaseUppercasesFirstLetterOnly(t *testing.T) {
	if got := titleCase("BUY"); got != "Buy" {
		t.Errorf("titleCase(BUY) = %q, want Buy", got)
	}
	if got := titleCase(""); got != "" {
		t.Errorf("titleCase(\"\") = %q, want empty", got)
	}
}

func TestRateLimiterAcquireDoesNotBlockWithinBudget(t *testing.T) {
	rl := newRateLimiter(5, time.Minute)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			rl.acquire(1)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("acquiring within the token budget should not block")
	}
}

func TestRateLimiterAcquireBlocksUntilWindowResets(t *testing.T) {
	rl := newRateLimiter(5, 50*time.Millisecond)
	rl.acquire(5)

	start := time.Now()
	rl.acquire(1)
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("expected acquire to block roughly a window (50ms), took %s", elapsed)
	}
}

func TestRateLimiterAdmitsSingleCallHeavierThanBudgetOnEmptyWindow(t *testing.T) {
	rl := newRateLimiter(3, time.Minute)
	done := make(chan struct{})
	go func() {
		rl.acquire(10) // heavier than the whole budget, but the window is empty
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("a lone call heavier than the budget should be admitted immediately against an empty window")
	}
}

func TestRateLimiterStarvesFollowingCallsAfterOverBudgetAcquire(t *testing.T) {
	rl := newRateLimiter(3, 20*time.Millisecond)
	rl.acquire(10)

	start := time.Now()
	rl.acquire(1)
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("expected the next acquire to wait for a window reset, took %s", elapsed)
	}
}

type fakeExchange struct {
	candles []types.Candle
}

func (f *fakeExchange) Initialize(ctx context.Context) error { return nil }
func (f *fakeExchange) IsInitialized() bool                   { return true }
func (f *fakeExchange) GetTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	return types.Ticker{}, nil
}
func (f *fakeExchange) GetOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBookSnapshot, error) {
	return types.OrderBookSnapshot{}, nil
}
func (f *fakeExchange) GetRecentTrades(ctx context.Context, symbol string, n int) ([]types.TradeRecord, error) {
	return nil, nil
}
func (f *fakeExchange) GetKlines(ctx context.Context, symbol, interval string, limit int, startMs, endMs int64) ([]types.Candle, error) {
	return f.candles, nil
}
func (f *fakeExchange) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	return OrderResponse{}, nil
}
func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	return true, nil
}
func (f *fakeExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderResponse, error) {
	return OrderResponse{}, nil
}
func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]OrderResponse, error) {
	return nil, nil
}
func (f *fakeExchange) GetAccountBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeExchange) SubscribeOrderBook(symbol string, cb OrderBookCallback) (bool, error) {
	return true, nil
}
func (f *fakeExchange) SubscribeTicker(symbol string, cb TickerCallback) (bool, error) { return true, nil }
func (f *fakeExchange) SubscribeTrades(symbol string, cb TradeCallback) (bool, error)  { return true, nil }
func (f *fakeExchange) SubscribeKlines(symbol, interval string, cb KlineCallback) (bool, error) {
	return true, nil
}
func (f *fakeExchange) Unsubscribe(symbol string, stream StreamKind) error { return nil }
func (f *fakeExchange) GetExchangeName() string                           { return "fake" }
func (f *fakeExchange) GetAvailablePairs(ctx context.Context) ([]string, error) {
	return nil, nil
}
func (f *fakeExchange) IsValidPair(symbol string) bool { return true }

func TestFetchCandlesViaDelegatesToGetKlines(t *testing.T) {
	want := []types.Candle{{Symbol: "BTCUSDT", Close: decimal.NewFromInt(100)}}
	src := FetchCandlesVia(&fakeExchange{candles: want})
	got, err := src.FetchCandles(context.Background(), "BTCUSDT", "1h", 0, 1000, 100)
	if err != nil {
		t.Fatalf("FetchCandles: %v", err)
	}
	if len(got) != 1 || !got[0].Close.Equal(want[0].Close) {
		t.Errorf("FetchCandles = %+v, want %+v", got, want)
	}
}
