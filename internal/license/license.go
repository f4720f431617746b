// Package license owns license issuance, activation, verification and the
// periodic expiry sweep. Licenses bind to a single machine fingerprint on
// first verification and carry a bounded offline-grace window for callers
// that lose access to the backing store.
package license

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the key does not exist in the ledger.
	ErrNotFound = errors.New("license not found")
	// ErrAlreadyUsed is returned when activating a key that is no longer
	// unused, including when losing a concurrent activation race.
	ErrAlreadyUsed = errors.New("license already used")
	// ErrNotActive is returned when verifying a key that was never activated.
	ErrNotActive = errors.New("license not activated")
	// ErrExpired is returned when the license validity window has passed.
	ErrExpired = errors.New("license expired")
	// ErrMachineMismatch is returned when a license bound to one machine
	// fingerprint is presented from another.
	ErrMachineMismatch = errors.New("license bound to a different machine")
)

// Config tunes the coordinator. Zero values select the defaults below.
type Config struct {
	// KeyPrefix is the leading segment of generated keys ("WA" by default).
	KeyPrefix string

	// OfflineGrace bounds how long a previously verified license stays
	// valid while the store is unreachable. Zero selects 7 days.
	OfflineGrace time.Duration

	// SweepSchedule is a cron expression for the background expiry sweep.
	// Empty selects "@hourly".
	SweepSchedule string

	// Defaults applied when Issue is called with zero-value arguments.
	PlanName     string
	PlanPrice    float64
	DurationDays int
}

const (
	defaultKeyPrefix     = "WA"
	defaultOfflineGrace  = 7 * 24 * time.Hour
	defaultSweepSchedule = "@hourly"
	defaultDurationDays  = 30
)

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.OfflineGrace <= 0 {
		c.OfflineGrace = defaultOfflineGrace
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = defaultSweepSchedule
	}
	if c.DurationDays <= 0 {
		c.DurationDays = defaultDurationDays
	}
	return c
}

// StateEvent is published on the license-state topic whenever a license
// changes status.
type StateEvent struct {
	Key       string     `json:"key"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Swept     int64      `json:"swept,omitempty"`
}
