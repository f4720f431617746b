package session

import (
	"context"
	"sync"
	"time"

	"wasender/internal/endpoint"
	"wasender/internal/eventbus"
	"wasender/internal/runtime/supervisor"
	logx "wasender/pkg/logx"
)

// Coordinator drives the endpoint link state machine. One coordinator owns
// one endpoint; there is a single active session per process.
type Coordinator struct {
	cfg Config
	ep  endpoint.Endpoint
	bus eventbus.Bus
	log logx.Logger
	now func() time.Time

	mu          sync.Mutex
	snap        Snapshot
	started     bool
	linking     bool // endpoint Start has been issued and not yet Stopped
	relinkTimer *time.Timer
	sup         *supervisor.Supervisor
	events      chan endpoint.Event
}

func NewCoordinator(cfg Config, ep endpoint.Endpoint, bus eventbus.Bus, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		cfg:  cfg.withDefaults(),
		ep:   ep,
		bus:  bus,
		log:  log.With(logx.String("component", "session")),
		now:  time.Now,
		snap: Snapshot{State: StateIdle},
	}
}

// Start launches the event loop. It does not link; callers decide when to
// call RequestLink.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	c.started = true
	c.snap.Since = c.now()
	c.events = make(chan endpoint.Event, 32)
	c.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(c.log))
	c.sup.Go0("session.events", c.loop)
	return nil
}

// Stop halts the event loop and disconnects the endpoint. The session
// state is left as-is for inspection.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.cancelRelinkLocked()
	sup := c.sup
	linking := c.linking
	c.linking = false
	c.mu.Unlock()

	var err error
	if linking {
		err = c.ep.Stop(ctx)
	}
	sup.Cancel()
	if werr := sup.Wait(ctx); werr != nil && err == nil {
		err = werr
	}
	return err
}

// State returns the current session snapshot. Pure read.
func (c *Coordinator) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// RequestLink asks the endpoint to establish a link. Idempotent: a no-op
// when a link is already pending or established. While in StateAuthFailed
// it refuses until Reset is called.
func (c *Coordinator) RequestLink(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	switch c.snap.State {
	case StateAwaitingScan, StateAuthenticating, StateReady:
		c.mu.Unlock()
		return nil
	case StateAuthFailed:
		c.mu.Unlock()
		return ErrAuthFailed
	}
	if c.linking {
		c.mu.Unlock()
		return nil
	}
	c.linking = true
	c.cancelRelinkLocked()
	events := c.events
	c.mu.Unlock()

	if err := c.ep.Start(ctx, events); err != nil {
		c.mu.Lock()
		c.linking = false
		c.mu.Unlock()
		return err
	}
	return nil
}

// Reset clears link credentials and the auth-failure counter and forces
// StateIdle. This is the only exit from StateAuthFailed.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.mu.Lock()
	linking := c.linking
	c.linking = false
	c.cancelRelinkLocked()
	c.snap.LinkToken = ""
	c.snap.AuthFailures = 0
	c.snap.LastError = ""
	c.mu.Unlock()

	var err error
	if linking {
		err = c.ep.Stop(ctx)
	}
	c.transition(StateIdle, "reset")
	return err
}

// Logout invalidates the remote link, forces StateIdle, then immediately
// requests a fresh link.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	c.linking = false
	c.cancelRelinkLocked()
	c.snap.LinkToken = ""
	c.mu.Unlock()

	if err := c.ep.Logout(ctx); err != nil {
		return err
	}
	c.transition(StateIdle, "logout")
	return c.RequestLink(ctx)
}

func (c *Coordinator) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev endpoint.Event) {
	switch ev.Kind {
	case endpoint.EventLinkRequest:
		c.mu.Lock()
		c.snap.LinkToken = ev.Token
		c.mu.Unlock()
		c.transition(StateAwaitingScan, "")

	case endpoint.EventAuthenticated:
		c.mu.Lock()
		c.snap.AuthFailures = 0
		c.mu.Unlock()
		c.transition(StateAuthenticating, "")

	case endpoint.EventReady:
		c.mu.Lock()
		c.snap.LinkToken = ""
		c.snap.AuthFailures = 0
		c.mu.Unlock()
		c.transition(StateReady, "")

	case endpoint.EventDisconnected:
		c.mu.Lock()
		c.linking = false
		// A pending pairing token dies with the connection.
		c.snap.LinkToken = ""
		c.mu.Unlock()
		c.transition(StateDisconnected, ev.Reason)
		c.scheduleRelink(ctx)

	case endpoint.EventAuthFailure:
		c.mu.Lock()
		c.linking = false
		c.snap.LinkToken = ""
		c.snap.AuthFailures++
		c.snap.LastError = ev.Reason
		failures := c.snap.AuthFailures
		ceiling := c.cfg.AuthRetryMax
		c.mu.Unlock()

		if failures >= ceiling {
			c.log.Error("authentication failed beyond retry ceiling",
				logx.Int("failures", failures),
				logx.String("reason", ev.Reason))
			c.transition(StateAuthFailed, ev.Reason)
			return
		}
		c.log.Warn("authentication failure; retrying link",
			logx.Int("failures", failures),
			logx.String("reason", ev.Reason))
		c.transition(StateDisconnected, ev.Reason)
		c.scheduleRelink(ctx)
	}
}

// scheduleRelink arms exactly one re-link attempt after the fixed backoff.
// A pending timer is left alone so bursts of disconnect events collapse
// into a single attempt.
func (c *Coordinator) scheduleRelink(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.relinkTimer != nil || c.snap.State == StateAuthFailed {
		return
	}
	c.relinkTimer = time.AfterFunc(c.cfg.RelinkBackoff, func() {
		c.mu.Lock()
		c.relinkTimer = nil
		started := c.started
		c.mu.Unlock()
		if !started || ctx.Err() != nil {
			return
		}
		if err := c.RequestLink(ctx); err != nil {
			c.log.Warn("automatic re-link failed", logx.Err(err))
		}
	})
}

func (c *Coordinator) cancelRelinkLocked() {
	if c.relinkTimer != nil {
		c.relinkTimer.Stop()
		c.relinkTimer = nil
	}
}

func (c *Coordinator) transition(to State, reason string) {
	now := c.now()
	c.mu.Lock()
	from := c.snap.State
	c.snap.State = to
	c.snap.Since = now
	c.mu.Unlock()

	if from != to {
		c.log.Info("session state changed",
			logx.String("from", string(from)),
			logx.String("to", string(to)),
			logx.String("reason", reason))
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{
			Topic: eventbus.TopicSessionState,
			Time:  now,
			Data:  StateEvent{State: to, Timestamp: now, Reason: reason},
		})
	}
}
