// Package api provides the operator-facing HTTP and WebSocket
// monitoring surface: strategy/position/risk status over REST, live
// signal events and backtest-completion events over WebSocket, and
// on-demand backtest runs (spec.md §6 "operator monitoring").
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/tradecore/internal/backtester"
	"github.com/quantforge/tradecore/internal/risk"
	"github.com/quantforge/tradecore/internal/strategy"
	"github.com/quantforge/tradecore/pkg/types"
)

func decimalOf(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// Config configures the HTTP listener and CORS policy.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

func (c Config) addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Server exposes the strategy engine, risk manager, and backtester over
// HTTP/WebSocket for operator monitoring and control.
type Server struct {
	mu     sync.RWMutex
	logger *zap.Logger
	config Config
	router *mux.Router

	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client

	engine      *strategy.Engine
	riskManager *risk.Manager
	backtester  *backtester.Engine
	strategies  map[string]strategy.Strategy

	backtests map[string]*BacktestState
}

// Client is one connected WebSocket subscriber.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Subs map[string]bool
}

// BacktestState tracks one submitted backtest run.
type BacktestState struct {
	ID      string
	Status  string // "running", "completed", "failed"
	Started time.Time
	Result  *backtester.Result
	Err     string
}

// Message is the WebSocket envelope for both requests/responses and
// server-pushed events.
type Message struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // request, response, event
	Method    string `json:"method"`
	Payload   any    `json:"payload,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewServer wires a Server around the already-constructed engine, risk
// manager, and backtester. strategies is the name-keyed registry used
// to resolve a backtest request's "strategy" field; it should be the
// same set already registered with engine.
func NewServer(logger *zap.Logger, cfg Config, engine *strategy.Engine, riskManager *risk.Manager, bt *backtester.Engine, strategies map[string]strategy.Strategy) *Server {
	s := &Server{
		logger:      logger.Named("api"),
		config:      cfg,
		router:      mux.NewRouter(),
		clients:     make(map[string]*Client),
		engine:      engine,
		riskManager: riskManager,
		backtester:  bt,
		strategies:  strategies,
		backtests:   make(map[string]*BacktestState),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRoutes()

	if engine != nil {
		engine.OnSignal = s.onSignal
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)

	s.router.HandleFunc("/api/v1/strategies", s.handleListStrategies).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/strategies/{name}/positions", s.handleStrategyPositions).Methods(http.MethodGet)

	s.router.HandleFunc("/api/v1/risk/alerts", s.handleRiskAlerts).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/risk/exposure", s.handleRiskExposure).Methods(http.MethodGet)

	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods(http.MethodPost)
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetBacktest).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the CORS-wrapped router, for use by an http.Server or
// in-process tests via httptest.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
}

func (s *Server) corsOrigins() []string {
	if len(s.config.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.config.AllowedOrigins
}

// Start runs the HTTP server until Stop is called or it fails.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.addr(),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("starting API server", zap.String("addr", s.config.addr()))
	return s.httpServer.ListenAndServe()
}

// Stop closes all WebSocket clients and shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.clients {
		c.Conn.Close()
	}
	s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "time": time.Now().Unix()})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	out := make([]map[string]any, 0, len(s.strategies))
	for name, st := range s.strategies {
		metrics, _ := s.engine.StrategyMetrics(name)
		out = append(out, map[string]any{
			"name":    name,
			"state":   string(st.State()),
			"metrics": metrics,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": out})
}

func (s *Server) handleStrategyPositions(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "positions": s.engine.PositionsFor(name)})
}

func (s *Server) handleRiskAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.riskManager.Alerts()})
}

func (s *Server) handleRiskExposure(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"totalExposure":      s.riskManager.TotalExposure(),
		"openPositionsCount": s.riskManager.OpenPositionsCount(),
		"todayPnL":           s.riskManager.TodayPnL(),
	})
}

// backtestRequest is the POST body for /api/v1/backtest/run. Candles
// are supplied inline (already parsed OHLCV rows) rather than loaded
// server-side, keeping the API stateless with respect to data storage.
type backtestRequest struct {
	Strategy       string          `json:"strategy"`
	Symbol         string          `json:"symbol"`
	Timeframe      string          `json:"timeframe"`
	Start          string          `json:"start"`
	End            string          `json:"end"`
	InitialBalance float64         `json:"initialBalance"`
	FeeRate        float64         `json:"feeRate"`
	SlippagePct    float64         `json:"slippagePct"`
	RiskFreeRate   float64         `json:"riskFreeRate"`
	Candles        []types.Candle  `json:"candles"`
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req backtestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	strat, ok := s.strategies[req.Strategy]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown strategy %q", req.Strategy), http.StatusBadRequest)
		return
	}
	start, err := backtester.ParseBoundary(req.Start)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	end, err := backtester.ParseBoundary(req.End)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := uuid.New().String()
	state := &BacktestState{ID: id, Status: "running", Started: time.Now()}
	s.mu.Lock()
	s.backtests[id] = state
	s.mu.Unlock()

	go s.runBacktestAsync(id, state, strat, req, start, end)

	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "running"})
}

func (s *Server) runBacktestAsync(id string, state *BacktestState, strat strategy.Strategy, req backtestRequest, start, end time.Time) {
	cfg := backtester.Config{
		InitialBalance: decimalOf(req.InitialBalance),
		Timeframe:      req.Timeframe,
		Symbol:         req.Symbol,
		Start:          start,
		End:            end,
		FeeRate:        decimalOf(req.FeeRate),
		SlippagePct:    decimalOf(req.SlippagePct),
		RiskFreeRate:   req.RiskFreeRate,
	}
	result, err := s.backtester.Run(context.Background(), cfg, strat, req.Candles)

	s.mu.Lock()
	if err != nil {
		state.Status = "failed"
		state.Err = err.Error()
	} else {
		state.Status = "completed"
		state.Result = &result
	}
	s.mu.Unlock()

	s.broadcast(&Message{ID: uuid.New().String(), Type: "event", Method: "backtest:complete",
		Payload: map[string]any{"id": id, "status": state.Status}, Timestamp: time.Now().UnixMilli()})
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.RLock()
	state, ok := s.backtests[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}
	resp := map[string]any{"id": state.ID, "status": state.Status, "started": state.Started.Unix()}
	if state.Result != nil {
		resp["result"] = state.Result
	}
	if state.Err != "" {
		resp["error"] = state.Err
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{ID: uuid.New().String(), Conn: conn, Send: make(chan []byte, 256), Subs: make(map[string]bool)}
	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	go s.readPump(client)
	go s.writePump(client)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.Conn.Close()
	}()
	client.Conn.SetReadLimit(512 * 1024)
	client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, raw, err := client.Conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		s.handleMessage(client, &msg)
	}
}

func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(client *Client, msg *Message) {
	response := &Message{ID: msg.ID, Type: "response", Method: msg.Method, Timestamp: time.Now().UnixMilli()}
	switch msg.Method {
	case "ping":
		response.Payload = map[string]string{"pong": "ok"}
	case "subscribe":
		channel, _ := payloadField(msg.Payload, "channel")
		client.Subs[channel] = true
		response.Payload = map[string]string{"subscribed": channel}
	case "unsubscribe":
		channel, _ := payloadField(msg.Payload, "channel")
		delete(client.Subs, channel)
		response.Payload = map[string]string{"unsubscribed": channel}
	default:
		response.Error = "unknown method"
	}
	raw, err := json.Marshal(response)
	if err != nil {
		return
	}
	select {
	case client.Send <- raw:
	default:
	}
}

func payloadField(payload any, key string) (string, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := m[key].(string)
	return v, ok
}

// onSignal is wired as the strategy engine's OnSignal callback; it
// broadcasts every actionable signal to subscribers of "signals".
func (s *Server) onSignal(strategyName string, sig types.Signal) {
	s.broadcastToSubscribers("signals", &Message{
		ID: uuid.New().String(), Type: "event", Method: "signal",
		Payload:   map[string]any{"strategy": strategyName, "signal": sig},
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) broadcast(msg *Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.Send <- raw:
		default:
		}
	}
}

func (s *Server) broadcastToSubscribers(channel string, msg *Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.Subs[channel] {
			select {
			case c.Send <- raw:
			default:
			}
		}
	}
}
