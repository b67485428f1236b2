// Package mode owns the trading-mode state machine. Exactly one Mode is
// active per process; every transition rebinds the mode-scoped stores so
// live and simulated data never collide.
package mode

import "fmt"

// Mode is the trading mode.
type Mode int

const (
	// SimClosed simulates against synthetic data while the market is closed.
	SimClosed Mode = iota
	// SimOpen simulates against live market data.
	SimOpen
	// Live executes real trades. Never entered automatically.
	Live
)

// Stored label strings. These appear in persisted records and the API.
const (
	LabelSimClosed = "paper_mock"
	LabelSimOpen   = "paper_live"
	LabelLive      = "live"
)

// String returns the stored label.
func (m Mode) String() string {
	switch m {
	case SimOpen:
		return LabelSimOpen
	case Live:
		return LabelLive
	default:
		return LabelSimClosed
	}
}

// Parse maps a label back to its Mode.
func Parse(label string) (Mode, error) {
	switch label {
	case LabelSimClosed:
		return SimClosed, nil
	case LabelSimOpen:
		return SimOpen, nil
	case LabelLive:
		return Live, nil
	default:
		return SimClosed, fmt.Errorf("unknown mode %q", label)
	}
}
