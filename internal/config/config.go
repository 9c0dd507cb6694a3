// Package config loads the engine's structured config document (YAML,
// JSON, or TOML, resolved by viper) into the per-package config structs
// risk, strategy, backtester, and adapters each already define.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/quantforge/tradecore/internal/adapters"
	"github.com/quantforge/tradecore/internal/risk"
	"github.com/quantforge/tradecore/internal/strategy"
)

// RiskSection mirrors risk.Config, expressed in the document's
// "risk:" top-level section (spec.md §6).
type RiskSection struct {
	MaxCapitalPerTradePct float64       `mapstructure:"max_capital_per_trade_pct"`
	MaxTotalExposurePct   float64       `mapstructure:"max_total_exposure_pct"`
	MaxSymbolExposurePct  float64       `mapstructure:"max_symbol_exposure_pct"`
	MaxOpenPositions      int           `mapstructure:"max_open_positions"`
	MaxDailyLossPct       float64       `mapstructure:"max_daily_loss_pct"`
	DefaultStopLossPct    float64       `mapstructure:"default_stop_loss_pct"`
	DefaultTakeProfitPct  float64       `mapstructure:"default_take_profit_pct"`
	MinTimeBetweenTrades  time.Duration `mapstructure:"min_time_between_trades"`
	EnableVolatilityCheck bool          `mapstructure:"enable_volatility_check"`
	MaxVolatilityPct      float64       `mapstructure:"max_volatility_pct"`
	AlertRetention        time.Duration `mapstructure:"alert_retention"`
}

func (s RiskSection) toRiskConfig() risk.Config {
	return risk.Config{
		MaxCapitalPerTradePct: s.MaxCapitalPerTradePct,
		MaxTotalExposurePct:   s.MaxTotalExposurePct,
		MaxSymbolExposurePct:  s.MaxSymbolExposurePct,
		MaxOpenPositions:      s.MaxOpenPositions,
		MaxDailyLossPct:       s.MaxDailyLossPct,
		DefaultStopLossPct:    s.DefaultStopLossPct,
		DefaultTakeProfitPct:  s.DefaultTakeProfitPct,
		MinTimeBetweenTrades:  s.MinTimeBetweenTrades,
		EnableVolatilityCheck: s.EnableVolatilityCheck,
		MaxVolatilityPct:      s.MaxVolatilityPct,
		AlertRetention:        s.AlertRetention,
	}
}

// StrategySection configures one instance of one strategy kind under
// the document's "strategies:" list.
type StrategySection struct {
	Name   string         `mapstructure:"name"`
	Kind   string         `mapstructure:"kind"` // "rsi", "sma", "macd"
	Params map[string]any `mapstructure:"params"`
}

// AdapterSection configures which venue adapter to construct and with
// what credentials/endpoint mode.
type AdapterSection struct {
	Venue     string `mapstructure:"venue"` // "binance" or "bybit"
	Testnet   bool   `mapstructure:"testnet"`
	APIKeyEnv string `mapstructure:"api_key_env"`
	APISecretEnv string `mapstructure:"api_secret_env"`
}

// APISection configures the operator-facing monitoring server.
type APISection struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MetricsSection configures the Prometheus exposition endpoint.
type MetricsSection struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// BacktestSection configures a backtest run's replay window and cost
// model, mirroring backtester.Config.
type BacktestSection struct {
	InitialBalance float64 `mapstructure:"initial_balance"`
	Symbol         string  `mapstructure:"symbol"`
	Timeframe      string  `mapstructure:"timeframe"`
	Start          string  `mapstructure:"start"`
	End            string  `mapstructure:"end"`
	FeeRate        float64 `mapstructure:"fee_rate"`
	SlippagePct    float64 `mapstructure:"slippage_pct"`
	RiskFreeRate   float64 `mapstructure:"risk_free_rate"`
	DataPath       string  `mapstructure:"data_path"`
}

// Document is the full top-level shape of a config file.
type Document struct {
	Risk       RiskSection       `mapstructure:"risk"`
	Strategies []StrategySection `mapstructure:"strategies"`
	Adapter    AdapterSection    `mapstructure:"adapter"`
	API        APISection        `mapstructure:"api"`
	Metrics    MetricsSection    `mapstructure:"metrics"`
	Backtest   BacktestSection   `mapstructure:"backtest"`
}

// Load reads a config document from path (extension determines format;
// viper supports yaml/json/toml) and env var overrides under the
// TRADECORE_ prefix (e.g. TRADECORE_RISK_MAX_OPEN_POSITIONS).
func Load(path string) (Document, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("tradecore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Document{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	var doc Document
	if err := v.Unmarshal(&doc); err != nil {
		return Document{}, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return doc, nil
}

func setDefaults(v *viper.Viper) {
	d := risk.DefaultConfig()
	v.SetDefault("risk.max_capital_per_trade_pct", d.MaxCapitalPerTradePct)
	v.SetDefault("risk.max_total_exposure_pct", d.MaxTotalExposurePct)
	v.SetDefault("risk.max_symbol_exposure_pct", d.MaxSymbolExposurePct)
	v.SetDefault("risk.max_open_positions", d.MaxOpenPositions)
	v.SetDefault("risk.max_daily_loss_pct", d.MaxDailyLossPct)
	v.SetDefault("risk.default_stop_loss_pct", d.DefaultStopLossPct)
	v.SetDefault("risk.default_take_profit_pct", d.DefaultTakeProfitPct)
	v.SetDefault("risk.min_time_between_trades", d.MinTimeBetweenTrades)
	v.SetDefault("risk.enable_volatility_check", d.EnableVolatilityCheck)
	v.SetDefault("risk.max_volatility_pct", d.MaxVolatilityPct)
	v.SetDefault("risk.alert_retention", d.AlertRetention)

	v.SetDefault("api.host", "localhost")
	v.SetDefault("api.port", 8090)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("adapter.venue", "binance")
}

// RiskConfig converts the document's risk section into risk.Config.
func (d Document) RiskConfig() risk.Config { return d.Risk.toRiskConfig() }

// BuildStrategies instantiates one configured strategy per entry in
// d.Strategies, dispatching on Kind. Unknown kinds are rejected.
func BuildStrategies(sections []StrategySection, logger *zap.Logger) ([]strategy.Strategy, error) {
	out := make([]strategy.Strategy, 0, len(sections))
	for _, sec := range sections {
		var s strategy.Strategy
		switch strings.ToLower(sec.Kind) {
		case "rsi":
			s = strategy.NewRSIStrategy(sec.Name, logger)
		case "sma":
			s = strategy.NewSMAStrategy(sec.Name, logger)
		case "macd":
			s = strategy.NewMACDStrategy(sec.Name, logger)
		default:
			return nil, fmt.Errorf("config: unknown strategy kind %q for %q", sec.Kind, sec.Name)
		}
		if err := s.Configure(sec.Params); err != nil {
			return nil, fmt.Errorf("config: configuring strategy %q: %w", sec.Name, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// BuildAdapter constructs the configured venue's Exchange, reading
// credentials from the environment variables named in the section
// (never from the document itself).
func BuildAdapter(sec AdapterSection, logger *zap.Logger, apiKey, apiSecret string) (adapters.Exchange, error) {
	switch strings.ToLower(sec.Venue) {
	case "binance":
		return adapters.NewBinanceAdapter(logger, adapters.BinanceConfig{APIKey: apiKey, APISecret: apiSecret, Testnet: sec.Testnet}), nil
	case "bybit":
		return adapters.NewBybitAdapter(logger, adapters.BybitConfig{APIKey: apiKey, APISecret: apiSecret, Testnet: sec.Testnet}), nil
	default:
		return nil, fmt.Errorf("config: unknown adapter venue %q", sec.Venue)
	}
}
