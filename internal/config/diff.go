package config

import (
	"sort"
	"strings"

	logx "wasender/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Endpoint (never log token)
	if oldCfg.Endpoint.Driver != newCfg.Endpoint.Driver ||
		strings.TrimSpace(oldCfg.Endpoint.PollTimeout) != strings.TrimSpace(newCfg.Endpoint.PollTimeout) ||
		(strings.TrimSpace(oldCfg.Endpoint.Token) != "") != (strings.TrimSpace(newCfg.Endpoint.Token) != "") {
		changed = append(changed, "endpoint")
		attrs = append(attrs,
			logx.String("endpoint.driver", newCfg.Endpoint.Driver),
			logx.String("endpoint.poll_timeout", strings.TrimSpace(newCfg.Endpoint.PollTimeout)),
			logx.Bool("endpoint.token_set", strings.TrimSpace(newCfg.Endpoint.Token) != ""),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Store (never log seed credentials)
	if oldCfg.Store.Driver != newCfg.Store.Driver ||
		strings.TrimSpace(oldCfg.Store.Path) != strings.TrimSpace(newCfg.Store.Path) ||
		strings.TrimSpace(oldCfg.Store.BusyTimeout) != strings.TrimSpace(newCfg.Store.BusyTimeout) {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", newCfg.Store.Driver),
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
		)
	}

	if oldCfg.Session != newCfg.Session {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.relink_backoff", newCfg.Session.RelinkBackoff),
			logx.Int("session.auth_retry_max", newCfg.Session.AuthRetryMax),
		)
	}

	if oldCfg.License != newCfg.License {
		changed = append(changed, "license")
		attrs = append(attrs,
			logx.String("license.key_prefix", newCfg.License.KeyPrefix),
			logx.String("license.offline_grace", newCfg.License.OfflineGrace),
			logx.String("license.sweep_schedule", newCfg.License.SweepSchedule),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.pacing", newCfg.Dispatch.Pacing),
			logx.Bool("dispatch.check_reachable", newCfg.Dispatch.CheckReachable),
		)
	}

	// API (never log the JWT secret)
	if oldCfg.API.Enabled != newCfg.API.Enabled ||
		strings.TrimSpace(oldCfg.API.Addr) != strings.TrimSpace(newCfg.API.Addr) ||
		strings.TrimSpace(oldCfg.API.TokenTTL) != strings.TrimSpace(newCfg.API.TokenTTL) ||
		strings.TrimSpace(oldCfg.API.UploadDir) != strings.TrimSpace(newCfg.API.UploadDir) ||
		(strings.TrimSpace(oldCfg.API.JWTSecret) != "") != (strings.TrimSpace(newCfg.API.JWTSecret) != "") {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.jwt_secret_set", strings.TrimSpace(newCfg.API.JWTSecret) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
