package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields are carried as strings in the config file ("30s", "5m",
// "168h") so they survive the YAML->JSON round trip unchanged. These helpers
// parse them at wiring time; an empty string means "unset".

// ParseDurationField parses a duration string. The path argument names the
// offending field in error messages (e.g. "dispatch.pacing").
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for unset
// fields, used for knobs that always need a concrete value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
