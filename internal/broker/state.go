package broker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned by operations that need a live broker link.
	ErrNotConnected = errors.New("broker not connected")

	// ErrDisabled is recorded as the last error when messaging is switched off.
	ErrDisabled = errors.New("broker disabled by configuration")

	// ErrClosed is returned once Close was called. It matches ErrNotConnected.
	ErrClosed = fmt.Errorf("broker manager closed: %w", ErrNotConnected)

	errReconnectsExhausted = errors.New("reconnect attempts exhausted")
)

// State is the lifecycle state of the broker connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Closed is terminal until the next Connect call.
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Mode decides how a failed initial connect is treated.
type Mode string

const (
	// ModeRequired returns initial connect failures to the caller.
	ModeRequired Mode = "required"
	// ModeOptional logs initial connect failures and continues disconnected.
	ModeOptional Mode = "optional"
	// ModeDisabled never dials the broker.
	ModeDisabled Mode = "disabled"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeRequired, ModeOptional, ModeDisabled:
		return true
	}
	return false
}

// StatusChange describes one state transition.
type StatusChange struct {
	From State
	To   State
	Err  error
	At   time.Time
}

// Health is the connectivity view exposed to health checks.
type Health struct {
	Connected    bool     `json:"connected"`
	State        string   `json:"state"`
	Mode         Mode     `json:"mode"`
	LastError    string   `json:"lastError,omitempty"`
	ConnectedURL string   `json:"connectedUrl,omitempty"`
	Servers      []string `json:"servers,omitempty"`
}
