package risk

import "errors"

var (
	// ErrConfiguration flags a risk configuration that cannot be applied.
	ErrConfiguration = errors.New("risk: invalid configuration")
	// ErrRejected flags a trade candidate the pre-trade gate declined.
	ErrRejected = errors.New("risk: trade rejected")
	// ErrNotFound flags an operation on an unknown position.
	ErrNotFound = errors.New("risk: position not found")
)
