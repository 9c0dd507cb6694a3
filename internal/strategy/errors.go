package strategy

import "errors"

// Error taxonomy per spec.md §7. These are sentinel values; call sites
// wrap them with fmt.Errorf("...: %w", ErrX) so errors.Is still matches.
var (
	// ErrConfiguration is raised by Configure for an invalid or
	// out-of-range parameter. The strategy stays INACTIVE.
	ErrConfiguration = errors.New("configuration error")

	// ErrInsufficientData marks an Update called before the required
	// window has accumulated. Never raised as an error return from
	// Update itself — callers observe it via a synthesized HOLD signal.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrInvalidSignal marks a signal that failed its own validator and
	// was degraded to HOLD.
	ErrInvalidSignal = errors.New("invalid signal")

	// ErrNotFound marks an operation against an unknown strategy name.
	ErrNotFound = errors.New("strategy not found")

	// ErrDuplicateName is raised by RegisterStrategy for a name already
	// present in the registry.
	ErrDuplicateName = errors.New("duplicate strategy name")

	// ErrAdapter wraps a bubbled exchange-adapter failure.
	ErrAdapter = errors.New("adapter error")

	// ErrPersistence marks a Serialize/Deserialize or file I/O failure.
	ErrPersistence = errors.New("persistence error")

	// ErrInvalidState marks a lifecycle transition that is not legal
	// from the strategy's current state.
	ErrInvalidState = errors.New("invalid strategy state transition")
)
