// Package indicators provides the pure numerical kernels shared by every
// strategy: SMA, EMA, RSI, linear-regression slope and Wilder smoothing.
// Every kernel operates on an ordered slice and fails silently, returning
// a neutral sentinel, when the input is shorter than the requested period.
package indicators

// neutralRSI is the sentinel RSI returned when there is not enough data.
const neutralRSI = 50.0

// SMA returns the arithmetic mean of the last p elements of x. It returns
// 0 (the undefined sentinel) when len(x) < p or p <= 0.
func SMA(x []float64, p int) float64 {
	if p <= 0 || len(x) < p {
		return 0
	}
	sum := 0.0
	for _, v := range x[len(x)-p:] {
		sum += v
	}
	return sum / float64(p)
}

// EMA returns the exponential moving average of the whole buffer x using
// period p, seeded with x[0] and folded forward with multiplier 2/(p+1).
// It returns 0 when the buffer is empty or p <= 0.
func EMA(x []float64, p int) float64 {
	if p <= 0 || len(x) == 0 {
		return 0
	}
	mult := 2.0 / (float64(p) + 1.0)
	ema := x[0]
	for _, v := range x[1:] {
		ema = (v-ema)*mult + ema
	}
	return ema
}

// EMASeries returns the running EMA value after folding in each element of
// x in order, seeded from seed (used to extend an EMA across buffer
// boundaries without re-folding the whole history).
func EMASeries(seed float64, x []float64, p int) float64 {
	if p <= 0 {
		return seed
	}
	mult := 2.0 / (float64(p) + 1.0)
	ema := seed
	for _, v := range x {
		ema = (v-ema)*mult + ema
	}
	return ema
}

// RSI computes the relative strength index over the last p+1 closes of x.
// Gains/losses are smoothed with WilderSmooth (the simple-average form per
// spec — see DESIGN.md for the open question this preserves rather than
// papers over). avg_loss == 0 returns 100; otherwise 100 - 100/(1+RS).
// Returns the neutral sentinel 50 when there are fewer than p+1 closes.
func RSI(x []float64, p int) float64 {
	if p <= 0 || len(x) < p+1 {
		return neutralRSI
	}
	window := x[len(x)-(p+1):]
	gains := make([]float64, 0, p)
	losses := make([]float64, 0, p)
	for i := 1; i < len(window); i++ {
		delta := window[i] - window[i-1]
		if delta > 0 {
			gains = append(gains, delta)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -delta)
		}
	}
	avgGain := WilderSmooth(gains, p)
	avgLoss := WilderSmooth(losses, p)
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// WilderSmooth approximates Wilder's smoothing as the simple average of
// the first p values of x (per spec.md §4.1 / §9: the textbook recursive
// Wilder average is a documented alternative, not implemented here — see
// DESIGN.md open-question decision).
func WilderSmooth(x []float64, p int) float64 {
	if p <= 0 || len(x) < p {
		return 0
	}
	sum := 0.0
	for _, v := range x[:p] {
		sum += v
	}
	return sum / float64(p)
}

// LinRegSlope returns the least-squares slope of the last p samples of x
// plotted against x-axis 0..p-1. Returns 0 when len(x) < p or p < 2.
func LinRegSlope(x []float64, p int) float64 {
	if p < 2 || len(x) < p {
		return 0
	}
	window := x[len(x)-p:]
	n := float64(p)
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range window {
		xi := float64(i)
		sumX += xi
		sumY += y
		sumXY += xi * y
		sumXX += xi * xi
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Pivot is a local extremum found by a 3-point window scan, used by the
// divergence detectors in the RSI and MACD strategies.
type Pivot struct {
	Index int
	Value float64
	IsLow bool
}

// FindPivots scans the last `lookback` elements of x for local minima and
// maxima using a 3-point window (x[i-1], x[i], x[i+1]), returning them in
// chronological order.
func FindPivots(x []float64, lookback int) []Pivot {
	if lookback < 3 || len(x) < 3 {
		return nil
	}
	start := 0
	if len(x) > lookback {
		start = len(x) - lookback
	}
	var pivots []Pivot
	for i := start + 1; i < len(x)-1; i++ {
		if x[i] < x[i-1] && x[i] < x[i+1] {
			pivots = append(pivots, Pivot{Index: i, Value: x[i], IsLow: true})
		} else if x[i] > x[i-1] && x[i] > x[i+1] {
			pivots = append(pivots, Pivot{Index: i, Value: x[i], IsLow: false})
		}
	}
	return pivots
}

// LastTwoLows returns the values of the last two low pivots, in
// chronological order, and true if there were at least two.
func LastTwoLows(pivots []Pivot) (older, newer float64, ok bool) {
	var lows []float64
	for _, p := range pivots {
		if p.IsLow {
			lows = append(lows, p.Value)
		}
	}
	if len(lows) < 2 {
		return 0, 0, false
	}
	return lows[len(lows)-2], lows[len(lows)-1], true
}

// LastTwoHighs mirrors LastTwoLows for high pivots.
func LastTwoHighs(pivots []Pivot) (older, newer float64, ok bool) {
	var highs []float64
	for _, p := range pivots {
		if !p.IsLow {
			highs = append(highs, p.Value)
		}
	}
	if len(highs) < 2 {
		return 0, 0, false
	}
	return highs[len(highs)-2], highs[len(highs)-1], true
}
