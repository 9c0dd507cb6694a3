package backtester

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantforge/tradecore/pkg/types"
)

// acceptedTimeLayouts are the three timestamp forms spec.md §4.8 accepts
// for a backtest's inclusive start/end boundaries.
var acceptedTimeLayouts = []string{"2006-01-02", "02/01/2006", "2006-01-02 15:04:05"}

// ParseBoundary parses a start/end timestamp in one of the three
// accepted layouts.
func ParseBoundary(s string) (time.Time, error) {
	for _, layout := range acceptedTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q does not match any accepted timestamp layout", ErrDataFormat, s)
}

// LoadCSV parses ms-open-time, O, H, L, C, V, ms-close-time rows and
// returns the candles sorted by open time.
func LoadCSV(r io.Reader, symbol string) ([]types.Candle, error) {
	scanner := bufio.NewScanner(r)
	var out []types.Candle
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 7 {
			return nil, fmt.Errorf("%w: line %d: expected 7 fields, got %d", ErrDataFormat, lineNo, len(fields))
		}
		c, err := parseCSVRow(fields, symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrDataFormat, lineNo, err)
		}
		out = append(out, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataFormat, err)
	}
	sortCandles(out)
	return out, nil
}

func parseCSVRow(fields []string, symbol string) (types.Candle, error) {
	openMs, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return types.Candle{}, fmt.Errorf("open time: %w", err)
	}
	o, err := decimal.NewFromString(strings.TrimSpace(fields[1]))
	if err != nil {
		return types.Candle{}, fmt.Errorf("open: %w", err)
	}
	h, err := decimal.NewFromString(strings.TrimSpace(fields[2]))
	if err != nil {
		return types.Candle{}, fmt.Errorf("high: %w", err)
	}
	l, err := decimal.NewFromString(strings.TrimSpace(fields[3]))
	if err != nil {
		return types.Candle{}, fmt.Errorf("low: %w", err)
	}
	cl, err := decimal.NewFromString(strings.TrimSpace(fields[4]))
	if err != nil {
		return types.Candle{}, fmt.Errorf("close: %w", err)
	}
	v, err := decimal.NewFromString(strings.TrimSpace(fields[5]))
	if err != nil {
		return types.Candle{}, fmt.Errorf("volume: %w", err)
	}
	closeMs, err := strconv.ParseInt(strings.TrimSpace(fields[6]), 10, 64)
	if err != nil {
		return types.Candle{}, fmt.Errorf("close time: %w", err)
	}
	return types.Candle{Symbol: symbol, OpenTimeMs: openMs, Open: o, High: h, Low: l, Close: cl, Volume: v, CloseTimeMs: closeMs}, nil
}

func sortCandles(c []types.Candle) {
	sort.Slice(c, func(i, j int) bool { return c[i].OpenTimeMs < c[j].OpenTimeMs })
}

// PagedCandleSource pulls historical candles from an exchange adapter in
// pages, per spec.md §4.8's "1000-candle pages until end-time".
type PagedCandleSource interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, startMs, endMs int64, limit int) ([]types.Candle, error)
}

const pageSize = 1000

// LoadPaged pulls candles from src in pageSize-sized pages until endMs is
// reached, then sorts the combined result by open time.
func LoadPaged(ctx context.Context, src PagedCandleSource, symbol, timeframe string, startMs, endMs int64) ([]types.Candle, error) {
	var out []types.Candle
	cursor := startMs
	for cursor <= endMs {
		page, err := src.FetchCandles(ctx, symbol, timeframe, cursor, endMs, pageSize)
		if err != nil {
			return nil, fmt.Errorf("fetching candle page from %d: %w", cursor, err)
		}
		if len(page) == 0 {
			break
		}
		out = append(out, page...)
		last := page[len(page)-1].OpenTimeMs
		if last <= cursor {
			break
		}
		cursor = last + 1
	}
	sortCandles(out)
	return out, nil
}
