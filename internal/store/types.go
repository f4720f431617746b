package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned on unique constraint violations
	// (user email, license key).
	ErrDuplicate = errors.New("duplicate record")
	// ErrConflict is returned when a conditional update loses its race
	// (e.g. activating a license that is no longer unused).
	ErrConflict = errors.New("conflicting state")
)

// License status values. Transitions are monotonic:
// unused -> active -> expired, never regressing.
const (
	LicenseUnused  = "unused"
	LicenseActive  = "active"
	LicenseExpired = "expired"
)

// Dispatch outcome status values.
const (
	OutcomeSent   = "sent"
	OutcomeFailed = "failed"
)

type User struct {
	ID             int64
	Email          string
	Name           string
	Phone          string
	CredentialHash string
	IsAdmin        bool

	// LicenseKey/LicenseExpiresAt mirror the most recently activated
	// license. Written only as a side effect of activation.
	LicenseKey       string
	LicenseExpiresAt *time.Time

	CreatedAt time.Time
}

type License struct {
	ID           int64
	Key          string
	UserID       *int64
	PlanName     string
	Price        float64
	DurationDays int

	ActivatedAt *time.Time
	ExpiresAt   *time.Time
	Status      string

	// MachineID binds the license to one device fingerprint after the
	// first successful verification on that device.
	MachineID    string
	LastActiveAt *time.Time

	CreatedAt time.Time
}

// Outcome records one per-recipient delivery result. Exactly one row is
// written per recipient per dispatch job, before the next send begins.
type Outcome struct {
	ID              int64
	JobID           string
	Recipient       string
	TemplateID      *int64
	ResolvedMessage string
	Status          string
	Error           string
	Timestamp       time.Time
}

type OutcomeStats struct {
	Total  int `json:"total"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

type Template struct {
	ID        int64
	Name      string
	Message   string
	CreatedAt time.Time
}
