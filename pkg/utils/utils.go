// Package utils provides shared identifier generation and return/drawdown
// statistics used by the strategy and backtester packages.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// GenerateID generates a unique ID with optional prefix.
func GenerateID(prefix string) string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	id := hex.EncodeToString(bytes)
	if prefix != "" {
		return fmt.Sprintf("%s_%s", prefix, id)
	}
	return id
}

// GenerateOrderID generates a unique order ID.
func GenerateOrderID() string {
	return GenerateID("ord")
}

// CalculatePercentageChange calculates percentage change between two values.
func CalculatePercentageChange(old, new decimal.Decimal) decimal.Decimal {
	if old.IsZero() {
		return decimal.Zero
	}
	return new.Sub(old).Div(old).Mul(decimal.NewFromInt(100))
}

// CalculateReturns calculates returns from a price or equity series.
func CalculateReturns(prices []decimal.Decimal) []decimal.Decimal {
	if len(prices) < 2 {
		return nil
	}

	returns := make([]decimal.Decimal, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1].IsZero() {
			returns[i-1] = decimal.Zero
		} else {
			returns[i-1] = prices[i].Sub(prices[i-1]).Div(prices[i-1])
		}
	}

	return returns
}

// CalculateMean calculates the mean of decimal values.
func CalculateMean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}

	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}

	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

// CalculateStdDev calculates the sample standard deviation of decimal values.
func CalculateStdDev(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}

	mean := CalculateMean(values)

	sumSquares := decimal.Zero
	for _, v := range values {
		diff := v.Sub(mean)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}

	variance := sumSquares.Div(decimal.NewFromInt(int64(len(values) - 1)))
	return decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))
}

// CalculateSharpeRatio calculates the annualized Sharpe ratio for a period
// return series against an annual risk-free rate, which is divided by
// periodsPerYear to get the per-period rate.
func CalculateSharpeRatio(returns []decimal.Decimal, riskFreeRate decimal.Decimal, periodsPerYear int) decimal.Decimal {
	if len(returns) < 2 {
		return decimal.Zero
	}

	meanReturn := CalculateMean(returns)
	stdDev := CalculateStdDev(returns)

	if stdDev.IsZero() {
		return decimal.Zero
	}

	annualizationFactor := decimal.NewFromFloat(math.Sqrt(float64(periodsPerYear)))
	excessReturn := meanReturn.Sub(riskFreeRate.Div(decimal.NewFromInt(int64(periodsPerYear))))

	return excessReturn.Div(stdDev).Mul(annualizationFactor)
}

// CalculateMaxDrawdown calculates the maximum peak-to-trough drawdown,
// expressed as a fraction, from an equity curve.
func CalculateMaxDrawdown(equity []decimal.Decimal) decimal.Decimal {
	if len(equity) < 2 {
		return decimal.Zero
	}

	maxDrawdown := decimal.Zero
	peak := equity[0]

	for _, value := range equity {
		if value.GreaterThan(peak) {
			peak = value
		}
		drawdown := peak.Sub(value).Div(peak)
		if drawdown.GreaterThan(maxDrawdown) {
			maxDrawdown = drawdown
		}
	}

	return maxDrawdown
}

// CalculateWinRate calculates the win rate, as a fraction, from a PnL series.
func CalculateWinRate(pnls []decimal.Decimal) decimal.Decimal {
	if len(pnls) == 0 {
		return decimal.Zero
	}

	wins := 0
	for _, pnl := range pnls {
		if pnl.GreaterThan(decimal.Zero) {
			wins++
		}
	}

	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(pnls))))
}

// CalculateProfitFactor calculates profit factor (gross profit / gross loss).
func CalculateProfitFactor(pnls []decimal.Decimal) decimal.Decimal {
	grossProfit := decimal.Zero
	grossLoss := decimal.Zero

	for _, pnl := range pnls {
		if pnl.GreaterThan(decimal.Zero) {
			grossProfit = grossProfit.Add(pnl)
		} else {
			grossLoss = grossLoss.Add(pnl.Abs())
		}
	}

	if grossLoss.IsZero() {
		return decimal.NewFromInt(100) // capped: no losses yet to divide by
	}

	return grossProfit.Div(grossLoss)
}
