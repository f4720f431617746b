// Package app wires the configuration, store, endpoint, coordinators and
// the HTTP surface into one runnable unit with ordered startup/shutdown
// and hot config reload.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wasender/internal/api"
	"wasender/internal/config"
	"wasender/internal/dispatch"
	"wasender/internal/endpoint"
	"wasender/internal/endpoint/telegram"
	"wasender/internal/eventbus"
	"wasender/internal/license"
	"wasender/internal/runtime/supervisor"
	"wasender/internal/session"
	"wasender/internal/store"
	logx "wasender/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    store.Store
	endpoint endpoint.Endpoint
	sessions *session.Coordinator
	licenses *license.Coordinator
	sweeper  *license.Sweeper
	engine   *dispatch.Engine
	api      *api.Server
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Driver:        cfg.Store.Driver,
		Path:          cfg.Store.Path,
		BusyTimeout:   busyTimeout,
		AdminEmail:    cfg.Store.AdminEmail,
		AdminPassword: cfg.Store.AdminPassword,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	ep, err := buildEndpoint(cfg, log)
	if err != nil {
		return nil, err
	}

	relinkBackoff, err := config.ParseDurationOrDefault("session.relink_backoff", cfg.Session.RelinkBackoff, 0)
	if err != nil {
		return nil, err
	}
	sessions := session.NewCoordinator(session.Config{
		RelinkBackoff: relinkBackoff,
		AuthRetryMax:  cfg.Session.AuthRetryMax,
	}, ep, bus, log)

	offlineGrace, err := config.ParseDurationOrDefault("license.offline_grace", cfg.License.OfflineGrace, 0)
	if err != nil {
		return nil, err
	}
	licenses := license.NewCoordinator(license.Config{
		KeyPrefix:     cfg.License.KeyPrefix,
		OfflineGrace:  offlineGrace,
		SweepSchedule: cfg.License.SweepSchedule,
		PlanName:      cfg.License.PlanName,
		PlanPrice:     cfg.License.PlanPrice,
		DurationDays:  cfg.License.DurationDays,
	}, st, bus, log)
	sweeper := license.NewSweeper(licenses, log)

	engCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	engine := dispatch.NewEngine(engCfg, ep, sessions, st, bus, log)

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    st,
		endpoint: ep,
		sessions: sessions,
		licenses: licenses,
		sweeper:  sweeper,
		engine:   engine,
	}

	if cfg.API.Enabled {
		tokenTTL, err := config.ParseDurationOrDefault("api.token_ttl", cfg.API.TokenTTL, 0)
		if err != nil {
			return nil, err
		}
		a.api = api.NewServer(api.Config{
			Addr:      cfg.API.Addr,
			JWTSecret: cfg.API.JWTSecret,
			TokenTTL:  tokenTTL,
			UploadDir: cfg.API.UploadDir,
		}, st, licenses, sessions, engine, bus, log)
	}
	return a, nil
}

func buildEndpoint(cfg *config.Config, log logx.Logger) (endpoint.Endpoint, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Endpoint.Driver))
	switch driver {
	case "", "telegram":
		pollTimeout, err := config.ParseDurationOrDefault("endpoint.poll_timeout", cfg.Endpoint.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{
			Token:       cfg.Endpoint.Token,
			PollTimeout: pollTimeout,
		}, log.With(logx.String("comp", "telegram")))
	default:
		return nil, fmt.Errorf("endpoint.driver: unknown driver %q", driver)
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	pacing, err := config.ParseDurationOrDefault("dispatch.pacing", cfg.Dispatch.Pacing, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	outcomeTimeout, err := config.ParseDurationOrDefault("dispatch.outcome_timeout", cfg.Dispatch.OutcomeTimeout, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Pacing:         pacing,
		CheckReachable: cfg.Dispatch.CheckReachable,
		FallbackName:   cfg.Dispatch.FallbackName,
		OutcomeTimeout: outcomeTimeout,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	runCtx := a.sup.Context()

	if err := a.sessions.Start(runCtx); err != nil {
		return err
	}
	if err := a.sessions.RequestLink(runCtx); err != nil {
		// Not fatal; the link can be requested again through the API.
		a.log.Warn("initial link request failed", logx.Err(err))
	}
	if err := a.sweeper.Start(runCtx); err != nil {
		return err
	}
	if err := a.engine.Start(runCtx); err != nil {
		return err
	}
	if a.api != nil {
		if err := a.api.Start(runCtx); err != nil {
			return err
		}
	}

	a.sup.Go("config.watch", a.cfgm.Watch)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.log.Info("app started")
	return nil
}

// reloadLoop applies hot config updates: logging always, dispatch tuning
// live, everything else with a restart-required warning.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			if engCfg, err := mapDispatchConfig(newCfg); err != nil {
				a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
			} else {
				a.engine.Apply(engCfg)
			}

			for _, s := range sections {
				switch s {
				case "endpoint", "store", "session", "license", "api":
					a.log.Warn("config section changed; restart required to take effect",
						logx.String("section", s))
				}
			}

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bound each shutdown step so one component cannot stall the stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step failed", logx.String("name", name), logx.Err(err))
		}
	}

	if a.api != nil {
		step("api", 5*time.Second, a.api.Stop)
	}
	step("dispatch", 10*time.Second, a.engine.Stop)
	step("sweeper", 5*time.Second, func(context.Context) error { a.sweeper.Stop(); return nil })
	step("session", 5*time.Second, a.sessions.Stop)
	step("store", 3*time.Second, func(context.Context) error { return a.store.Close() })

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.sup.Wait(waitCtx); err != nil {
		a.log.Warn("supervisor wait", logx.Err(err))
	}

	a.log.Info("stopped")
	return a.logs.Close()
}
