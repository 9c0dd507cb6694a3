package indicators

import "testing"

func TestSMAUndefinedBelowPeriod(t *testing.T) {
	x := []float64{1, 2, 3}
	if got := SMA(x, 5); got != 0 {
		t.Errorf("SMA with insufficient data = %v, want 0", got)
	}
}

func TestSMA(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	if got := SMA(x, 3); got != 4 {
		t.Errorf("SMA(last 3 of [1..5]) = %v, want 4", got)
	}
}

func TestEMASeeded(t *testing.T) {
	x := []float64{10, 10, 10}
	if got := EMA(x, 3); got != 10 {
		t.Errorf("EMA of constant series = %v, want 10", got)
	}
}

func TestRSIAllLossesReturnsZero(t *testing.T) {
	x := []float64{100, 99, 98, 97, 96, 95, 94, 93, 92, 91, 90, 89, 88, 87, 86}
	got := RSI(x, 14)
	if got != 0 {
		t.Errorf("RSI with all losses = %v, want 0", got)
	}
}

func TestRSIAllGainsReturns100(t *testing.T) {
	x := []float64{86, 87, 88, 89, 90, 91, 92, 93, 94, 95, 96, 97, 98, 99, 100}
	got := RSI(x, 14)
	if got != 100 {
		t.Errorf("RSI with all gains (avg_loss=0) = %v, want 100", got)
	}
}

func TestRSIInsufficientDataReturnsSentinel(t *testing.T) {
	x := []float64{100, 99}
	if got := RSI(x, 14); got != neutralRSI {
		t.Errorf("RSI with insufficient data = %v, want %v", got, neutralRSI)
	}
}

func TestRSIMonotoneDecreaseEntersOversold(t *testing.T) {
	// 100, 99, ..., 85: 16 closes, period 14 -> oversold zone.
	x := make([]float64, 16)
	for i := range x {
		x[i] = 100 - float64(i)
	}
	got := RSI(x, 14)
	if got >= 30 {
		t.Errorf("RSI over monotone decline = %v, want < 30 (oversold)", got)
	}
}

func TestLinRegSlopePositiveTrend(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	got := LinRegSlope(x, 5)
	if got <= 0 {
		t.Errorf("LinRegSlope over rising series = %v, want > 0", got)
	}
}

func TestLinRegSlopeFlat(t *testing.T) {
	x := []float64{5, 5, 5, 5, 5}
	if got := LinRegSlope(x, 5); got != 0 {
		t.Errorf("LinRegSlope over flat series = %v, want 0", got)
	}
}

func TestFindPivotsAndLastTwoLows(t *testing.T) {
	x := []float64{10, 8, 10, 6, 10, 9, 10}
	pivots := FindPivots(x, len(x))
	older, newer, ok := LastTwoLows(pivots)
	if !ok {
		t.Fatal("expected at least two low pivots")
	}
	// Low pivots sit at 8, 6 and 9; the last two are 6 and 9.
	if !(older == 6 && newer == 9) {
		t.Errorf("LastTwoLows = (%v, %v), want (6, 9)", older, newer)
	}
}

func TestWilderSmoothSimpleAverage(t *testing.T) {
	x := []float64{2, 4, 6, 8}
	if got := WilderSmooth(x, 4); got != 5 {
		t.Errorf("WilderSmooth = %v, want 5 (simple-mean form)", got)
	}
}
