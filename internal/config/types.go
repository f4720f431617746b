package config

type Config struct {
	Endpoint EndpointConfig `json:"endpoint"`
	Logging  LoggingConfig  `json:"logging"`
	Store    StoreConfig    `json:"store,omitempty"`
	Session  SessionConfig  `json:"session,omitempty"`
	License  LicenseConfig  `json:"license,omitempty"`
	Dispatch DispatchConfig `json:"dispatch,omitempty"`
	API      APIConfig      `json:"api,omitempty"`
}

// EndpointConfig selects and configures the messaging endpoint adapter.
//
// Driver values:
//   - "telegram": telebot-backed adapter (the only in-tree driver)
type EndpointConfig struct {
	Driver string `json:"driver"`
	Token  string `json:"token"`

	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig controls the durable record store.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": volatile in-memory store, seeded with one admin account
//
// When the sqlite driver cannot be opened, the app falls back to memory.
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// AdminEmail/AdminPassword seed the administrative account on the
	// memory fallback. Ignored by the sqlite driver once a user exists.
	AdminEmail    string `json:"admin_email,omitempty"`
	AdminPassword string `json:"admin_password,omitempty"`
}

// SessionConfig tunes the device-link state machine.
//
// All durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - relink_backoff: "5s"
//   - auth_retry_max: 3
type SessionConfig struct {
	RelinkBackoff string `json:"relink_backoff,omitempty"`
	AuthRetryMax  int    `json:"auth_retry_max,omitempty"`
}

// LicenseConfig tunes license issuance and verification.
//
// Defaults:
//   - key_prefix: "WA"
//   - offline_grace: "168h" (7 days)
//   - sweep_schedule: "@hourly" (robfig/cron spec)
type LicenseConfig struct {
	KeyPrefix     string `json:"key_prefix,omitempty"`
	OfflineGrace  string `json:"offline_grace,omitempty"`
	SweepSchedule string `json:"sweep_schedule,omitempty"`

	// Default issuance terms used when the caller does not specify a plan.
	PlanName     string  `json:"plan_name,omitempty"`
	PlanPrice    float64 `json:"plan_price,omitempty"`
	DurationDays int     `json:"duration_days,omitempty"`
}

// DispatchConfig tunes the bulk send loop.
//
// Pacing is the delay floor between consecutive sends within a job.
// It is deliberately generous by default to stay clear of endpoint-side
// rate limiting.
type DispatchConfig struct {
	Pacing           string `json:"pacing,omitempty"`            // default "30s"
	CheckReachable   bool   `json:"check_reachable,omitempty"`   // probe before sending
	FallbackName     string `json:"fallback_name,omitempty"`     // default "Friend"
	OutcomeTimeout   string `json:"outcome_timeout,omitempty"`   // per-record store write bound, default "5s"
	ProgressBuffered int    `json:"progress_buffered,omitempty"` // reserved
}

// APIConfig controls the embedded HTTP/WebSocket surface.
type APIConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr,omitempty"`       // default "127.0.0.1:8080"
	JWTSecret string `json:"jwt_secret,omitempty"` // do not log
	TokenTTL  string `json:"token_ttl,omitempty"`  // default "720h" (30 days)
	UploadDir string `json:"upload_dir,omitempty"` // default "./uploads"
}
