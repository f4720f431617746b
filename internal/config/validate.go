package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks a parsed Config for field-level mistakes before it is
// committed. It never mutates the config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config: nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Endpoint.Driver)) {
	case "", "telegram":
	default:
		errs = append(errs, fmt.Errorf("endpoint.driver: unknown driver %q", cfg.Endpoint.Driver))
	}
	if _, err := ParseDurationOrDefault("endpoint.poll_timeout", cfg.Endpoint.PollTimeout, 0); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "", "sqlite", "sqlite3", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", cfg.Store.Driver))
	}
	if _, err := ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 0); err != nil {
		errs = append(errs, err)
	}

	if _, err := ParseDurationOrDefault("session.relink_backoff", cfg.Session.RelinkBackoff, 0); err != nil {
		errs = append(errs, err)
	}
	if cfg.Session.AuthRetryMax < 0 {
		errs = append(errs, errors.New("session.auth_retry_max: must not be negative"))
	}

	if _, err := ParseDurationOrDefault("license.offline_grace", cfg.License.OfflineGrace, 0); err != nil {
		errs = append(errs, err)
	}
	if cfg.License.DurationDays < 0 {
		errs = append(errs, errors.New("license.duration_days: must not be negative"))
	}

	if _, err := ParseDurationOrDefault("dispatch.pacing", cfg.Dispatch.Pacing, 0); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationOrDefault("dispatch.outcome_timeout", cfg.Dispatch.OutcomeTimeout, 0); err != nil {
		errs = append(errs, err)
	}

	if cfg.API.Enabled {
		if strings.TrimSpace(cfg.API.JWTSecret) == "" {
			errs = append(errs, errors.New("api.jwt_secret: required when the api is enabled"))
		}
		if _, err := ParseDurationOrDefault("api.token_ttl", cfg.API.TokenTTL, 0); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
