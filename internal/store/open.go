package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "wasender/pkg/logx"
)

// Config configures the record store.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": volatile in-memory store seeded with one admin account
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Seed credentials for the admin account created by the memory driver
	// (and by sqlite on first run when the users table is empty).
	AdminEmail    string
	AdminPassword string
}

// Store is the persistence API consumed by the coordinators and the
// dispatch engine. Implementations must be safe for concurrent use.
type Store interface {
	// Users
	CreateUser(ctx context.Context, email, name, phone, credentialHash string) (User, error)
	UserByEmail(ctx context.Context, email string) (User, error)
	UserByID(ctx context.Context, id int64) (User, error)
	Users(ctx context.Context) ([]User, error)

	// Licenses
	CreateLicense(ctx context.Context, l License) (License, error)
	LicenseByKey(ctx context.Context, key string) (License, error)
	Licenses(ctx context.Context) ([]License, error)

	// ActivateLicense atomically marks an unused license active, stamps
	// activation/expiry, and mirrors the key onto the user record. It
	// returns ErrNotFound for an unknown key and ErrConflict when the
	// license is not unused (including when losing a concurrent race).
	ActivateLicense(ctx context.Context, key string, userID int64, activatedAt, expiresAt time.Time) error

	// BindMachine sets the machine binding if currently empty. Returns
	// ErrConflict if the license is already bound to a different machine.
	BindMachine(ctx context.Context, key, machineID string) error

	// TouchLicense updates the advisory lastActiveAt heartbeat.
	TouchLicense(ctx context.Context, key string, at time.Time) error

	// ExpireLicenses marks every active license with expiresAt < now as
	// expired and reports how many rows changed. Idempotent.
	ExpireLicenses(ctx context.Context, now time.Time) (int64, error)

	// Dispatch outcomes
	AppendOutcome(ctx context.Context, o Outcome) error
	RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error)
	Stats(ctx context.Context) (OutcomeStats, error)

	// Templates
	CreateTemplate(ctx context.Context, name, message string) (Template, error)
	Templates(ctx context.Context) ([]Template, error)
	UpdateTemplate(ctx context.Context, id int64, name, message string) error
	DeleteTemplate(ctx context.Context, id int64) error

	// Settings
	Setting(ctx context.Context, key string) (string, error)
	Settings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, key, value string) error

	Close() error
}

// Open initializes the configured store. The sqlite driver falls back to
// the in-memory store when the database cannot be opened, so the app stays
// usable (degraded) without its backing file.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			log.Warn("sqlite unavailable; falling back to in-memory store", logx.Err(err))
			return openMemory(cfg, log)
		}
		return st, nil
	case "memory":
		return openMemory(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
