// Package session owns the device-link lifecycle of the messaging endpoint.
// It consumes the endpoint's event stream, maintains the canonical link
// state machine, and re-links automatically after disconnects.
package session

import (
	"errors"
	"time"
)

// State is the link state of the messaging endpoint.
type State string

const (
	// StateIdle means no link exists and none is being established.
	StateIdle State = "idle"
	// StateAwaitingScan means a link request was issued and the endpoint is
	// waiting for the user to confirm it (scan the code, approve the login).
	StateAwaitingScan State = "awaiting_scan"
	// StateAuthenticating means the endpoint accepted the confirmation and
	// is completing the handshake.
	StateAuthenticating State = "authenticating"
	// StateReady means the link is established and sends are possible.
	StateReady State = "ready"
	// StateDisconnected means an established link dropped; a single re-link
	// attempt is scheduled.
	StateDisconnected State = "disconnected"
	// StateAuthFailed means authentication failed beyond the retry ceiling.
	// The coordinator stops re-linking until an explicit Reset.
	StateAuthFailed State = "auth_failed"
)

var (
	// ErrAuthFailed is returned by RequestLink while the coordinator is in
	// the terminal auth-failed state.
	ErrAuthFailed = errors.New("authentication failed; reset required")
	// ErrNotStarted is returned when the coordinator is used before Start.
	ErrNotStarted = errors.New("session coordinator not started")
)

// Config tunes the coordinator.
type Config struct {
	// RelinkBackoff is the fixed delay before the automatic re-link attempt
	// after a disconnect. Zero selects 5 seconds.
	RelinkBackoff time.Duration

	// AuthRetryMax is the number of consecutive auth failures tolerated
	// before the coordinator parks in StateAuthFailed. Zero selects 3.
	AuthRetryMax int
}

func (c Config) withDefaults() Config {
	if c.RelinkBackoff <= 0 {
		c.RelinkBackoff = 5 * time.Second
	}
	if c.AuthRetryMax <= 0 {
		c.AuthRetryMax = 3
	}
	return c
}

// Snapshot is a point-in-time read of the session.
type Snapshot struct {
	State State `json:"state"`
	// LinkToken carries the pairing token while in StateAwaitingScan and is
	// cleared on StateReady.
	LinkToken    string    `json:"linkToken,omitempty"`
	Since        time.Time `json:"since"`
	AuthFailures int       `json:"authFailures,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}

// StateEvent is published on the session-state topic on every transition.
type StateEvent struct {
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}
