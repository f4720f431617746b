package license

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wasender/internal/eventbus"
	"wasender/internal/store"
	logx "wasender/pkg/logx"
)

// Verification is the result of a successful Verify call.
type Verification struct {
	Valid bool
	// OfflineGrace is true when the store was unreachable and validity was
	// granted from the cached last successful verification instead.
	OfflineGrace bool
	User         store.User
	ExpiresAt    time.Time
}

// Summary is the read-only rollup exposed to status queries.
type Summary struct {
	Total   int `json:"total"`
	Unused  int `json:"unused"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
}

// Coordinator implements the license lifecycle on top of the record store.
// All methods are safe for concurrent use; activation atomicity is delegated
// to the store's conditional update.
type Coordinator struct {
	cfg   Config
	store store.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	// graceMu guards the last-known-good verification cache used for the
	// offline-grace path.
	graceMu sync.Mutex
	grace   map[string]graceRecord
}

type graceRecord struct {
	machineID  string
	user       store.User
	expiresAt  time.Time
	verifiedAt time.Time
}

func NewCoordinator(cfg Config, st store.Store, bus eventbus.Bus, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		cfg:   cfg.withDefaults(),
		store: st,
		bus:   bus,
		log:   log.With(logx.String("component", "license")),
		now:   time.Now,
		grace: map[string]graceRecord{},
	}
}

const issueMaxAttempts = 5

// Issue generates a unique key and persists it with status unused.
// Zero-value arguments fall back to the configured plan defaults.
func (c *Coordinator) Issue(ctx context.Context, planName string, price float64, durationDays int) (store.License, error) {
	if planName == "" {
		planName = c.cfg.PlanName
	}
	if price <= 0 {
		price = c.cfg.PlanPrice
	}
	if durationDays <= 0 {
		durationDays = c.cfg.DurationDays
	}

	var lastErr error
	for attempt := 0; attempt < issueMaxAttempts; attempt++ {
		key, err := generateKey(c.cfg.KeyPrefix)
		if err != nil {
			return store.License{}, fmt.Errorf("generate key: %w", err)
		}
		lic, err := c.store.CreateLicense(ctx, store.License{
			Key:          key,
			PlanName:     planName,
			Price:        price,
			DurationDays: durationDays,
			Status:       store.LicenseUnused,
			CreatedAt:    c.now(),
		})
		if errors.Is(err, store.ErrDuplicate) {
			lastErr = err
			continue
		}
		if err != nil {
			return store.License{}, fmt.Errorf("persist license: %w", err)
		}
		c.log.Info("license issued",
			logx.String("key", key),
			logx.String("plan", planName),
			logx.Int("duration_days", durationDays))
		return lic, nil
	}
	return store.License{}, fmt.Errorf("issue license: key space exhausted after %d attempts: %w", issueMaxAttempts, lastErr)
}

// Activate marks an unused license active for the given user and returns the
// computed expiry. License and user records change as one atomic unit;
// concurrent activations of the same key produce exactly one winner.
func (c *Coordinator) Activate(ctx context.Context, key string, userID int64) (time.Time, error) {
	lic, err := c.store.LicenseByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load license: %w", err)
	}
	if lic.Status != store.LicenseUnused {
		return time.Time{}, ErrAlreadyUsed
	}

	now := c.now()
	expiresAt := now.AddDate(0, 0, lic.DurationDays)
	err = c.store.ActivateLicense(ctx, key, userID, now, expiresAt)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return time.Time{}, ErrNotFound
	case errors.Is(err, store.ErrConflict):
		// Lost the race; the key was consumed between our read and write.
		return time.Time{}, ErrAlreadyUsed
	case err != nil:
		return time.Time{}, fmt.Errorf("activate license: %w", err)
	}

	c.log.Info("license activated",
		logx.String("key", key),
		logx.Int64("user_id", userID),
		logx.Time("expires_at", expiresAt))
	c.publish(StateEvent{Key: key, Status: store.LicenseActive, ExpiresAt: &expiresAt})
	return expiresAt, nil
}

// Verify checks a key for validity from the given machine. The first
// verification binds the license to that machine; later calls must present
// the same fingerprint. When the store is unreachable, a previously verified
// license stays valid within the configured offline-grace window; beyond it
// verification fails closed.
func (c *Coordinator) Verify(ctx context.Context, key, machineID string) (Verification, error) {
	lic, err := c.store.LicenseByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return Verification{}, ErrNotFound
	}
	if err != nil {
		return c.verifyOffline(key, machineID, err)
	}

	switch lic.Status {
	case store.LicenseUnused:
		return Verification{}, ErrNotActive
	case store.LicenseExpired:
		return Verification{}, ErrExpired
	}
	now := c.now()
	if lic.ExpiresAt == nil {
		return Verification{}, ErrNotActive
	}
	if lic.ExpiresAt.Before(now) {
		// Expiry is lazy; fold this license into the next sweep's work now.
		if _, serr := c.store.ExpireLicenses(ctx, now); serr != nil {
			c.log.Warn("lazy expiry sweep failed", logx.Err(serr))
		}
		return Verification{}, ErrExpired
	}

	if err := c.store.BindMachine(ctx, key, machineID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return Verification{}, ErrMachineMismatch
		}
		return Verification{}, fmt.Errorf("bind machine: %w", err)
	}
	if err := c.store.TouchLicense(ctx, key, now); err != nil {
		c.log.Warn("license heartbeat not recorded", logx.String("key", key), logx.Err(err))
	}

	var user store.User
	if lic.UserID != nil {
		if u, uerr := c.store.UserByID(ctx, *lic.UserID); uerr == nil {
			user = u
		}
	}

	c.graceMu.Lock()
	c.grace[key] = graceRecord{
		machineID:  machineID,
		user:       user,
		expiresAt:  *lic.ExpiresAt,
		verifiedAt: now,
	}
	c.graceMu.Unlock()

	return Verification{Valid: true, User: user, ExpiresAt: *lic.ExpiresAt}, nil
}

// verifyOffline grants time-boxed validity from the cached last successful
// verification when the store cannot be reached.
func (c *Coordinator) verifyOffline(key, machineID string, cause error) (Verification, error) {
	c.graceMu.Lock()
	rec, ok := c.grace[key]
	c.graceMu.Unlock()

	now := c.now()
	if !ok || rec.machineID != machineID {
		return Verification{}, fmt.Errorf("store unreachable and no grace record: %w", cause)
	}
	if now.Sub(rec.verifiedAt) > c.cfg.OfflineGrace || rec.expiresAt.Before(now) {
		return Verification{}, fmt.Errorf("offline grace window exceeded: %w", cause)
	}
	c.log.Warn("license verified from offline grace cache",
		logx.String("key", key),
		logx.Time("last_verified", rec.verifiedAt),
		logx.Err(cause))
	return Verification{Valid: true, OfflineGrace: true, User: rec.user, ExpiresAt: rec.expiresAt}, nil
}

// SweepExpirations marks every active license past its expiry as expired.
// Safe to call on every login and from the background schedule; a second
// sweep with no time elapsed is a no-op.
func (c *Coordinator) SweepExpirations(ctx context.Context) (int64, error) {
	n, err := c.store.ExpireLicenses(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("expire licenses: %w", err)
	}
	if n > 0 {
		c.log.Info("expired licenses swept", logx.Int64("count", n))
		c.publish(StateEvent{Status: store.LicenseExpired, Swept: n})
	}
	return n, nil
}

// Summary reports license counts by status.
func (c *Coordinator) Summary(ctx context.Context) (Summary, error) {
	list, err := c.store.Licenses(ctx)
	if err != nil {
		return Summary{}, err
	}
	var s Summary
	s.Total = len(list)
	for _, l := range list {
		switch l.Status {
		case store.LicenseUnused:
			s.Unused++
		case store.LicenseActive:
			s.Active++
		case store.LicenseExpired:
			s.Expired++
		}
	}
	return s, nil
}

func (c *Coordinator) publish(ev StateEvent) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Topic: eventbus.TopicLicenseState, Data: ev})
}
