// Command trader runs the signal-and-risk trading engine: live mode
// drives registered strategies against a venue adapter's streaming
// market data under the risk manager's pre-trade gate; backtest mode
// replays a historical candle file through one strategy (spec.md §6).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quantforge/tradecore/internal/api"
	"github.com/quantforge/tradecore/internal/backtester"
	"github.com/quantforge/tradecore/internal/config"
	"github.com/quantforge/tradecore/internal/risk"
	"github.com/quantforge/tradecore/internal/strategy"
)

const (
	exitOK            = 0
	exitConfigError   = 1
	exitRuntimeError  = 2
	exitBacktestError = 3
)

func main() {
	os.Exit(run())
}

func decimalOf(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func run() int {
	mode := flag.String("mode", "live", "Run mode: live or backtest")
	configPath := flag.String("config", "config.yaml", "Path to the config document")
	dataPath := flag.String("data", "", "Backtest mode: path to a CSV candle file")
	outputPath := flag.String("output", "", "Backtest mode: path to write the JSON result (stdout if empty)")
	strategyName := flag.String("strategy", "", "Backtest mode: name of the configured strategy to replay")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	doc, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return exitConfigError
	}

	switch *mode {
	case "backtest":
		return runBacktest(logger, doc, *dataPath, *strategyName, *outputPath)
	case "live":
		return runLive(logger, doc)
	default:
		logger.Error("unknown mode", zap.String("mode", *mode))
		return exitConfigError
	}
}

func runBacktest(logger *zap.Logger, doc config.Document, dataPath, strategyName, outputPath string) int {
	if dataPath == "" {
		logger.Error("backtest mode requires -data")
		return exitConfigError
	}
	strategies, err := config.BuildStrategies(doc.Strategies, logger)
	if err != nil {
		logger.Error("failed to build strategies", zap.Error(err))
		return exitConfigError
	}
	var strat strategy.Strategy
	for _, s := range strategies {
		if s.Name() == strategyName {
			strat = s
		}
	}
	if strat == nil {
		logger.Error("strategy not found in config", zap.String("strategy", strategyName))
		return exitConfigError
	}
	if err := strat.Initialize(context.Background()); err != nil {
		logger.Error("failed to initialize strategy", zap.Error(err))
		return exitRuntimeError
	}
	if err := strat.Start(); err != nil {
		logger.Error("failed to start strategy", zap.Error(err))
		return exitRuntimeError
	}

	f, err := os.Open(dataPath)
	if err != nil {
		logger.Error("failed to open candle file", zap.Error(err))
		return exitConfigError
	}
	defer f.Close()

	candles, err := backtester.LoadCSV(f, doc.Backtest.Symbol)
	if err != nil {
		logger.Error("failed to load candles", zap.Error(err))
		return exitConfigError
	}

	start, err := backtester.ParseBoundary(doc.Backtest.Start)
	if err != nil {
		logger.Error("invalid backtest start boundary", zap.Error(err))
		return exitConfigError
	}
	end, err := backtester.ParseBoundary(doc.Backtest.End)
	if err != nil {
		logger.Error("invalid backtest end boundary", zap.Error(err))
		return exitConfigError
	}

	cfg := backtester.Config{
		InitialBalance: decimalOf(doc.Backtest.InitialBalance),
		Timeframe:      doc.Backtest.Timeframe,
		Symbol:         doc.Backtest.Symbol,
		Start:          start,
		End:            end,
		FeeRate:        decimalOf(doc.Backtest.FeeRate),
		SlippagePct:    decimalOf(doc.Backtest.SlippagePct),
		RiskFreeRate:   doc.Backtest.RiskFreeRate,
	}

	engine := backtester.NewEngine(logger)
	result, err := engine.Run(context.Background(), cfg, strat, candles)
	if err != nil {
		logger.Error("backtest run failed", zap.Error(err))
		return exitBacktestError
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logger.Error("failed to marshal backtest result", zap.Error(err))
		return exitRuntimeError
	}

	if outputPath == "" {
		fmt.Println(string(out))
		return exitOK
	}
	if err := os.WriteFile(outputPath, out, 0o644); err != nil {
		logger.Error("failed to write backtest result", zap.Error(err))
		return exitRuntimeError
	}
	logger.Info("backtest complete", zap.String("output", outputPath),
		zap.String("finalBalance", result.FinalBalance.String()), zap.Float64("winRate", result.WinRate))
	return exitOK
}

func runLive(logger *zap.Logger, doc config.Document) int {
	strategies, err := config.BuildStrategies(doc.Strategies, logger)
	if err != nil {
		logger.Error("failed to build strategies", zap.Error(err))
		return exitConfigError
	}

	riskManager, err := risk.NewManager(logger, doc.RiskConfig())
	if err != nil {
		logger.Error("failed to construct risk manager", zap.Error(err))
		return exitConfigError
	}

	apiKey := os.Getenv(doc.Adapter.APIKeyEnv)
	apiSecret := os.Getenv(doc.Adapter.APISecretEnv)
	exchange, err := config.BuildAdapter(doc.Adapter, logger, apiKey, apiSecret)
	if err != nil {
		logger.Error("failed to construct exchange adapter", zap.Error(err))
		return exitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := exchange.Initialize(ctx); err != nil {
		logger.Error("failed to initialize exchange adapter", zap.Error(err))
		return exitRuntimeError
	}

	engine := strategy.NewEngine(logger)
	registry := make(map[string]strategy.Strategy, len(strategies))
	for _, s := range strategies {
		if err := engine.RegisterStrategy(ctx, s); err != nil {
			logger.Error("failed to register strategy", zap.String("name", s.Name()), zap.Error(err))
			return exitRuntimeError
		}
		if err := engine.StartStrategy(s.Name()); err != nil {
			logger.Error("failed to start strategy", zap.String("name", s.Name()), zap.Error(err))
			return exitRuntimeError
		}
		registry[s.Name()] = s
	}

	backtestEngine := backtester.NewEngine(logger)
	server := api.NewServer(logger, api.Config{
		Host: doc.API.Host, Port: doc.API.Port, AllowedOrigins: doc.API.AllowedOrigins,
		ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second,
	}, engine, riskManager, backtestEngine, registry)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	logger.Info("trader started", zap.String("api", fmt.Sprintf("http://%s:%d/api/v1", doc.API.Host, doc.API.Port)),
		zap.String("exchange", exchange.GetExchangeName()), zap.Int("strategies", len(strategies)))

	<-sigChan
	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	for name := range registry {
		if err := engine.StopStrategy(name); err != nil {
			logger.Error("error stopping strategy", zap.String("name", name), zap.Error(err))
		}
	}

	logger.Info("trader stopped")
	return exitOK
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
