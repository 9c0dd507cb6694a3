package backtester

import "errors"

// Sentinel error kinds for the backtester, matching the taxonomy pattern of
// internal/strategy/errors.go and internal/risk/errors.go (spec.md §7):
// call sites wrap these with fmt.Errorf("...: %w", ...) so errors.Is works.
var (
	ErrAlreadyRunning = errors.New("backtester: a run is already in progress")
	ErrConfiguration  = errors.New("backtester: invalid configuration")
	ErrDataFormat     = errors.New("backtester: malformed candle data")
)
