package adapters

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/tradecore/pkg/types"
	"github.com/quantforge/tradecore/pkg/utils"
)

// BybitConfig configures a BybitAdapter for the V5 unified-account API.
type BybitConfig struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// BybitAdapter implements Exchange for Bybit's V5 spot API. It follows
// the same signed-REST-plus-websocket shape as BinanceAdapter, adapted
// to Bybit's recv-window signing scheme and envelope ({retCode,result}).
type BybitAdapter struct {
	logger      *zap.Logger
	apiKey      string
	apiSecret   string
	baseURL     string
	wsURL       string
	httpClient  *http.Client
	rateLimiter *rateLimiter
	recvWindow  string

	mu          sync.RWMutex
	initialized bool
	wsConns     map[string]*websocket.Conn
}

func NewBybitAdapter(logger *zap.Logger, cfg BybitConfig) *BybitAdapter {
	baseURL := "https://api.bybit.com"
	wsURL := "wss://stream.bybit.com/v5/public/spot"
	if cfg.Testnet {
		baseURL = "https://api-testnet.bybit.com"
		wsURL = "wss://stream-testnet.bybit.com/v5/public/spot"
	}
	return &BybitAdapter{
		logger:      logger.Named("bybit"),
		apiKey:      cfg.APIKey,
		apiSecret:   cfg.APISecret,
		baseURL:     baseURL,
		wsURL:       wsURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		rateLimiter: newRateLimiter(600, 5*time.Second),
		recvWindow:  "5000",
		wsConns:     make(map[string]*websocket.Conn),
	}
}

func (b *BybitAdapter) GetExchangeName() string { return "bybit" }

func (b *BybitAdapter) normalizeSymbol(symbol string) string { return strings.ToUpper(symbol) }

// bybitEnvelope is the {retCode, retMsg, result} shape every V5 response
// shares.
type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (b *BybitAdapter) Initialize(ctx context.Context) error {
	body, err := b.get(ctx, "/v5/market/time", nil, 1)
	if err != nil {
		return newAdapterError("bybit", "Initialize", ErrTransport, err)
	}
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.RetCode != 0 {
		return newAdapterError("bybit", "Initialize", ErrInvalidResponse, fmt.Errorf("retCode=%d retMsg=%s", env.RetCode, env.RetMsg))
	}
	b.mu.Lock()
	b.initialized = true
	b.mu.Unlock()
	return nil
}

func (b *BybitAdapter) IsInitialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized
}

func (b *BybitAdapter) get(ctx context.Context, path string, query url.Values, weight int) ([]byte, error) {
	b.rateLimiter.acquire(weight)
	u := b.baseURL + path
	if query != nil {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, newAdapterError("bybit", path, ErrTransport, err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, newAdapterError("bybit", path, ErrTransport, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newAdapterError("bybit", path, ErrInvalidResponse, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, newAdapterError("bybit", path, ErrRateLimited, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newAdapterError("bybit", path, ErrInvalidResponse, fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}
	return body, nil
}

// signedRequest signs params per Bybit V5's HMAC-SHA256(timestamp + apiKey
// + recvWindow + queryString) scheme.
func (b *BybitAdapter) signedRequest(ctx context.Context, method, path string, params url.Values, weight int) ([]byte, error) {
	if b.apiKey == "" || b.apiSecret == "" {
		return nil, newAdapterError("bybit", path, ErrAuthorization, fmt.Errorf("missing API credentials"))
	}
	b.rateLimiter.acquire(weight)

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	query := params.Encode()
	payload := ts + b.apiKey + b.recvWindow + query
	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	u := b.baseURL + path
	if query != "" {
		u += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, newAdapterError("bybit", path, ErrTransport, err)
	}
	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", b.recvWindow)
	req.Header.Set("X-BAPI-SIGN", signature)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, newAdapterError("bybit", path, ErrTransport, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newAdapterError("bybit", path, ErrInvalidResponse, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, newAdapterError("bybit", path, ErrAuthorization, fmt.Errorf("status %d", resp.StatusCode))
	}
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, newAdapterError("bybit", path, ErrInvalidResponse, err)
	}
	if env.RetCode != 0 {
		return nil, newAdapterError("bybit", path, ErrInvalidResponse, fmt.Errorf("retCode=%d retMsg=%s", env.RetCode, env.RetMsg))
	}
	return env.Result, nil
}

func (b *BybitAdapter) GetTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	q := url.Values{"category": {"spot"}, "symbol": {b.normalizeSymbol(symbol)}}
	body, err := b.get(ctx, "/v5/market/tickers", q, 1)
	if err != nil {
		return types.Ticker{}, err
	}
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.RetCode != 0 {
		return types.Ticker{}, newAdapterError("bybit", "GetTicker", ErrInvalidResponse, fmt.Errorf("retCode=%d", env.RetCode))
	}
	var r struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
			Volume24h string `json:"volume24h"`
			Price24hPcnt string `json:"price24hPcnt"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &r); err != nil || len(r.List) == 0 {
		return types.Ticker{}, newAdapterError("bybit", "GetTicker", ErrInvalidResponse, fmt.Errorf("empty ticker list"))
	}
	t := r.List[0]
	pct := decOrZero(t.Price24hPcnt).Mul(decimal.NewFromInt(100))
	return types.Ticker{Symbol: symbol, Last: decOrZero(t.LastPrice), Bid: decOrZero(t.Bid1Price), Ask: decOrZero(t.Ask1Price),
		Volume24h: decOrZero(t.Volume24h), ChangePct24h: pct, TimestampMs: time.Now().UnixMilli()}, nil
}

func (b *BybitAdapter) GetOrderBook(ctx context.Context, symbol string, depth int) (types.OrderBookSnapshot, error) {
	q := url.Values{"category": {"spot"}, "symbol": {b.normalizeSymbol(symbol)}, "limit": {strconv.Itoa(depth)}}
	body, err := b.get(ctx, "/v5/market/orderbook", q, 1)
	if err != nil {
		return types.OrderBookSnapshot{}, err
	}
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.RetCode != 0 {
		return types.OrderBookSnapshot{}, newAdapterError("bybit", "GetOrderBook", ErrInvalidResponse, fmt.Errorf("retCode=%d", env.RetCode))
	}
	var r struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
		Ts   int64      `json:"ts"`
		U    int64      `json:"u"`
	}
	if err := json.Unmarshal(env.Result, &r); err != nil {
		return types.OrderBookSnapshot{}, newAdapterError("bybit", "GetOrderBook", ErrInvalidResponse, err)
	}
	return types.OrderBookSnapshot{Symbol: symbol, UpdateID: r.U, TimestampMs: r.Ts, Bids: toLevels(r.Bids), Asks: toLevels(r.Asks)}, nil
}

func (b *BybitAdapter) GetRecentTrades(ctx context.Context, symbol string, n int) ([]types.TradeRecord, error) {
	q := url.Values{"category": {"spot"}, "symbol": {b.normalizeSymbol(symbol)}, "limit": {strconv.Itoa(n)}}
	body, err := b.get(ctx, "/v5/market/recent-trade", q, 1)
	if err != nil {
		return nil, err
	}
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.RetCode != 0 {
		return nil, newAdapterError("bybit", "GetRecentTrades", ErrInvalidResponse, fmt.Errorf("retCode=%d", env.RetCode))
	}
	var r struct {
		List []struct {
			ExecID string `json:"execId"`
			Price  string `json:"price"`
			Size   string `json:"size"`
			Time   string `json:"time"`
			IsBuyerMaker bool `json:"isBuyerMaker"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &r); err != nil {
		return nil, newAdapterError("bybit", "GetRecentTrades", ErrInvalidResponse, err)
	}
	out := make([]types.TradeRecord, len(r.List))
	for i, t := range r.List {
		ms, _ := strconv.ParseInt(t.Time, 10, 64)
		out[i] = types.TradeRecord{Symbol: symbol, Price: decOrZero(t.Price), Quantity: decOrZero(t.Size), TimestampMs: ms, BuyerMaker: t.IsBuyerMaker}
	}
	return out, nil
}

func (b *BybitAdapter) GetKlines(ctx context.Context, symbol, interval string, limit int, startMs, endMs int64) ([]types.Candle, error) {
	q := url.Values{"category": {"spot"}, "symbol": {b.normalizeSymbol(symbol)}, "interval": {bybitInterval(interval)}, "limit": {strconv.Itoa(limit)}}
	if startMs > 0 {
		q.Set("start", strconv.FormatInt(startMs, 10))
	}
	if endMs > 0 {
		q.Set("end", strconv.FormatInt(endMs, 10))
	}
	body, err := b.get(ctx, "/v5/market/kline", q, 1)
	if err != nil {
		return nil, err
	}
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.RetCode != 0 {
		return nil, newAdapterError("bybit", "GetKlines", ErrInvalidResponse, fmt.Errorf("retCode=%d", env.RetCode))
	}
	var r struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &r); err != nil {
		return nil, newAdapterError("bybit", "GetKlines", ErrInvalidResponse, err)
	}
	out := make([]types.Candle, 0, len(r.List))
	for _, row := range r.List {
		if len(row) < 6 {
			continue
		}
		openMs, _ := strconv.ParseInt(row[0], 10, 64)
		out = append(out, types.Candle{Symbol: symbol, OpenTimeMs: openMs, Open: decOrZero(row[1]), High: decOrZero(row[2]),
			Low: decOrZero(row[3]), Close: decOrZero(row[4]), Volume: decOrZero(row[5]), CloseTimeMs: openMs})
	}
	// Bybit returns newest-first; reverse to ascending open time.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// bybitInterval maps canonical "1m"/"1h"/"1d" intervals to Bybit's
// numeric-minutes-or-D/W/M vocabulary.
func bybitInterval(interval string) string {
	switch interval {
	case "1m":
		return "1"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "1h":
		return "60"
	case "4h":
		return "240"
	case "1d":
		return "D"
	default:
		return interval
	}
}

func (b *BybitAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", b.normalizeSymbol(req.Symbol))
	params.Set("side", titleCase(string(req.Side)))
	orderType := "Market"
	if req.Type == "LIMIT" {
		orderType = "Limit"
		params.Set("price", req.Price.String())
	}
	params.Set("orderType", orderType)
	params.Set("qty", req.Quantity.String())
	params.Set("orderLinkId", utils.GenerateOrderID())

	body, err := b.signedRequest(ctx, http.MethodPost, "/v5/order/create", params, 1)
	if err != nil {
		return OrderResponse{}, err
	}
	var r struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return OrderResponse{}, newAdapterError("bybit", "PlaceOrder", ErrInvalidResponse, err)
	}
	return OrderResponse{OrderID: fmt.Sprintf("%s:%s", req.Symbol, r.OrderID), Status: "NEW"}, nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func (b *BybitAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	sym, id, ok := splitOrderID(orderID)
	if !ok {
		sym, id = symbol, orderID
	}
	params := url.Values{"category": {"spot"}, "symbol": {b.normalizeSymbol(sym)}, "orderId": {id}}
	_, err := b.signedRequest(ctx, http.MethodPost, "/v5/order/cancel", params, 1)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *BybitAdapter) GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderResponse, error) {
	sym, id, ok := splitOrderID(orderID)
	if !ok {
		sym, id = symbol, orderID
	}
	params := url.Values{"category": {"spot"}, "symbol": {b.normalizeSymbol(sym)}, "orderId": {id}}
	body, err := b.signedRequest(ctx, http.MethodGet, "/v5/order/realtime", params, 1)
	if err != nil {
		return OrderResponse{}, err
	}
	var r struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderStatus string `json:"orderStatus"`
			CumExecQty  string `json:"cumExecQty"`
		} `json:"list"`
	}
	if err := json.Unmarshal(body, &r); err != nil || len(r.List) == 0 {
		return OrderResponse{}, newAdapterError("bybit", "GetOrderStatus", ErrInvalidResponse, fmt.Errorf("no order returned"))
	}
	o := r.List[0]
	return OrderResponse{OrderID: orderID, Status: o.OrderStatus, FilledQty: decOrZero(o.CumExecQty)}, nil
}

func (b *BybitAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]OrderResponse, error) {
	params := url.Values{"category": {"spot"}}
	weight := 5 // no symbol filter means Bybit walks every open order on the account
	if symbol != "" {
		params.Set("symbol", b.normalizeSymbol(symbol))
		weight = 1
	}
	body, err := b.signedRequest(ctx, http.MethodGet, "/v5/order/realtime", params, weight)
	if err != nil {
		return nil, err
	}
	var r struct {
		List []struct {
			Symbol      string `json:"symbol"`
			OrderID     string `json:"orderId"`
			OrderStatus string `json:"orderStatus"`
			CumExecQty  string `json:"cumExecQty"`
		} `json:"list"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, newAdapterError("bybit", "GetOpenOrders", ErrInvalidResponse, err)
	}
	out := make([]OrderResponse, len(r.List))
	for i, o := range r.List {
		out[i] = OrderResponse{OrderID: fmt.Sprintf("%s:%s", o.Symbol, o.OrderID), Status: o.OrderStatus, FilledQty: decOrZero(o.CumExecQty)}
	}
	return out, nil
}

func (b *BybitAdapter) GetAccountBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	params := url.Values{"accountType": {"UNIFIED"}}
	if asset != "" {
		params.Set("coin", asset)
	}
	body, err := b.signedRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, 2)
	if err != nil {
		return decimal.Zero, err
	}
	var r struct {
		List []struct {
			Coin []struct {
				Coin            string `json:"coin"`
				WalletBalance   string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return decimal.Zero, newAdapterError("bybit", "GetAccountBalance", ErrInvalidResponse, err)
	}
	for _, acct := range r.List {
		for _, c := range acct.Coin {
			if c.Coin == asset {
				return decOrZero(c.WalletBalance), nil
			}
		}
	}
	return decimal.Zero, nil
}

func (b *BybitAdapter) streamKey(symbol string, stream StreamKind) string {
	return fmt.Sprintf("%s:%s", symbol, stream)
}

func (b *BybitAdapter) subscribe(symbol string, stream StreamKind, topic string, onMessage func([]byte)) (bool, error) {
	conn, _, err := websocket.DefaultDialer.Dial(b.wsURL, nil)
	if err != nil {
		return false, newAdapterError("bybit", string(stream), ErrTransport, err)
	}
	sub := map[string]any{"op": "subscribe", "args": []string{topic}}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return false, newAdapterError("bybit", string(stream), ErrTransport, err)
	}

	b.mu.Lock()
	b.wsConns[b.streamKey(symbol, stream)] = conn
	b.mu.Unlock()

	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				b.logger.Warn("websocket read failed", zap.String("symbol", symbol), zap.Error(err))
				return
			}
			onMessage(msg)
		}
	}()
	return true, nil
}

type bybitWSEnvelope struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

func (b *BybitAdapter) SubscribeTicker(symbol string, cb TickerCallback) (bool, error) {
	topic := "tickers." + b.normalizeSymbol(symbol)
	return b.subscribe(symbol, StreamTicker, topic, func(msg []byte) {
		var env bybitWSEnvelope
		if json.Unmarshal(msg, &env) != nil || env.Topic == "" {
			return
		}
		var t struct {
			LastPrice string `json:"lastPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
			Volume24h string `json:"volume24h"`
		}
		if json.Unmarshal(env.Data, &t) == nil {
			cb(types.Ticker{Symbol: symbol, Last: decOrZero(t.LastPrice), Bid: decOrZero(t.Bid1Price), Ask: decOrZero(t.Ask1Price),
				Volume24h: decOrZero(t.Volume24h), TimestampMs: time.Now().UnixMilli()})
		}
	})
}

func (b *BybitAdapter) SubscribeOrderBook(symbol string, cb OrderBookCallback) (bool, error) {
	topic := "orderbook.50." + b.normalizeSymbol(symbol)
	return b.subscribe(symbol, StreamOrderBook, topic, func(msg []byte) {
		var env bybitWSEnvelope
		if json.Unmarshal(msg, &env) != nil {
			return
		}
		var d struct {
			Bids [][]string `json:"b"`
			Asks [][]string `json:"a"`
			U    int64      `json:"u"`
		}
		if json.Unmarshal(env.Data, &d) == nil {
			cb(types.OrderBookSnapshot{Symbol: symbol, UpdateID: d.U, TimestampMs: time.Now().UnixMilli(), Bids: toLevels(d.Bids), Asks: toLevels(d.Asks)})
		}
	})
}

func (b *BybitAdapter) SubscribeTrades(symbol string, cb TradeCallback) (bool, error) {
	topic := "publicTrade." + b.normalizeSymbol(symbol)
	return b.subscribe(symbol, StreamTrades, topic, func(msg []byte) {
		var env bybitWSEnvelope
		if json.Unmarshal(msg, &env) != nil {
			return
		}
		var trades []struct {
			Price string `json:"p"`
			Size  string `json:"v"`
			Time  int64  `json:"T"`
			Side  string `json:"S"`
		}
		if json.Unmarshal(env.Data, &trades) == nil {
			for _, t := range trades {
				cb(types.TradeRecord{Symbol: symbol, Price: decOrZero(t.Price), Quantity: decOrZero(t.Size),
					TimestampMs: t.Time, BuyerMaker: t.Side == "Sell"})
			}
		}
	})
}

func (b *BybitAdapter) SubscribeKlines(symbol, interval string, cb KlineCallback) (bool, error) {
	topic := "kline." + bybitInterval(interval) + "." + b.normalizeSymbol(symbol)
	return b.subscribe(symbol, StreamKlines, topic, func(msg []byte) {
		var env bybitWSEnvelope
		if json.Unmarshal(msg, &env) != nil {
			return
		}
		var bars []struct {
			Start int64  `json:"start"`
			End   int64  `json:"end"`
			Open  string `json:"open"`
			High  string `json:"high"`
			Low   string `json:"low"`
			Close string `json:"close"`
			Volume string `json:"volume"`
		}
		if json.Unmarshal(env.Data, &bars) == nil {
			for _, k := range bars {
				cb(types.Candle{Symbol: symbol, OpenTimeMs: k.Start, CloseTimeMs: k.End,
					Open: decOrZero(k.Open), High: decOrZero(k.High), Low: decOrZero(k.Low), Close: decOrZero(k.Close), Volume: decOrZero(k.Volume)})
			}
		}
	})
}

func (b *BybitAdapter) Unsubscribe(symbol string, stream StreamKind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := b.streamKey(symbol, stream)
	if conn, ok := b.wsConns[key]; ok {
		delete(b.wsConns, key)
		return conn.Close()
	}
	return nil
}

func (b *BybitAdapter) GetAvailablePairs(ctx context.Context) ([]string, error) {
	q := url.Values{"category": {"spot"}}
	body, err := b.get(ctx, "/v5/market/instruments-info", q, 5)
	if err != nil {
		return nil, err
	}
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.RetCode != 0 {
		return nil, newAdapterError("bybit", "GetAvailablePairs", ErrInvalidResponse, fmt.Errorf("retCode=%d", env.RetCode))
	}
	var r struct {
		List []struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &r); err != nil {
		return nil, newAdapterError("bybit", "GetAvailablePairs", ErrInvalidResponse, err)
	}
	out := make([]string, 0, len(r.List))
	for _, s := range r.List {
		if s.Status == "Trading" {
			out = append(out, s.Symbol)
		}
	}
	return out, nil
}

func (b *BybitAdapter) IsValidPair(symbol string) bool {
	return len(symbol) >= 5 && strings.ToUpper(symbol) == symbol
}
