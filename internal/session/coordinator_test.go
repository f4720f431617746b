package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"wasender/internal/endpoint"
	"wasender/internal/eventbus"
	logx "wasender/pkg/logx"
)

// fakeEndpoint records lifecycle calls and lets tests inject events.
type fakeEndpoint struct {
	out     atomic.Pointer[chan<- endpoint.Event]
	starts  atomic.Int32
	stops   atomic.Int32
	logouts atomic.Int32
}

func (f *fakeEndpoint) Start(_ context.Context, out chan<- endpoint.Event) error {
	f.out.Store(&out)
	f.starts.Add(1)
	return nil
}

func (f *fakeEndpoint) Stop(context.Context) error   { f.stops.Add(1); return nil }
func (f *fakeEndpoint) Logout(context.Context) error { f.logouts.Add(1); return nil }
func (f *fakeEndpoint) Send(context.Context, string, string, *endpoint.Attachment) error {
	return nil
}
func (f *fakeEndpoint) IsReachable(context.Context, string) (bool, error) { return true, nil }

func (f *fakeEndpoint) emit(t *testing.T, ev endpoint.Event) {
	t.Helper()
	out := f.out.Load()
	if out == nil {
		t.Fatal("endpoint not started")
	}
	*out <- ev
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *fakeEndpoint, eventbus.Bus) {
	t.Helper()
	fe := &fakeEndpoint{}
	bus := eventbus.New()
	c := NewCoordinator(cfg, fe, bus, logx.Nop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { c.Stop(context.Background()) })
	return c, fe, bus
}

func waitForState(t *testing.T, c *Coordinator, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := c.State(); s.State == want {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state never became %q (now %q)", want, c.State().State)
	return Snapshot{}
}

func TestLinkLifecycle(t *testing.T) {
	c, fe, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	if s := c.State(); s.State != StateIdle {
		t.Fatalf("initial state = %q", s.State)
	}
	if err := c.RequestLink(ctx); err != nil {
		t.Fatalf("request link: %v", err)
	}

	fe.emit(t, endpoint.Event{Kind: endpoint.EventLinkRequest, Token: "QR-123"})
	s := waitForState(t, c, StateAwaitingScan)
	if s.LinkToken != "QR-123" {
		t.Fatalf("link token = %q", s.LinkToken)
	}

	fe.emit(t, endpoint.Event{Kind: endpoint.EventAuthenticated})
	waitForState(t, c, StateAuthenticating)

	fe.emit(t, endpoint.Event{Kind: endpoint.EventReady})
	s = waitForState(t, c, StateReady)
	if s.LinkToken != "" {
		t.Fatalf("link token not cleared: %q", s.LinkToken)
	}
}

func TestLinkTokenClearedLeavingAwaitingScan(t *testing.T) {
	c, fe, _ := newTestCoordinator(t, Config{RelinkBackoff: time.Hour})
	ctx := context.Background()

	c.RequestLink(ctx)
	fe.emit(t, endpoint.Event{Kind: endpoint.EventLinkRequest, Token: "QR-OLD"})
	waitForState(t, c, StateAwaitingScan)

	// A dead connection invalidates the pairing token.
	fe.emit(t, endpoint.Event{Kind: endpoint.EventDisconnected, Reason: "gone"})
	if s := waitForState(t, c, StateDisconnected); s.LinkToken != "" {
		t.Fatalf("disconnected snapshot carries link token %q", s.LinkToken)
	}

	if err := c.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s := waitForState(t, c, StateIdle); s.LinkToken != "" {
		t.Fatalf("idle-after-reset snapshot carries link token %q", s.LinkToken)
	}

	// Same for logout: the remote link is gone, so is the token.
	c.RequestLink(ctx)
	fe.emit(t, endpoint.Event{Kind: endpoint.EventLinkRequest, Token: "QR-NEW"})
	waitForState(t, c, StateAwaitingScan)
	if err := c.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if s := c.State(); s.LinkToken != "" {
		t.Fatalf("post-logout snapshot carries link token %q", s.LinkToken)
	}
}

func TestRequestLinkIdempotent(t *testing.T) {
	c, fe, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	c.RequestLink(ctx)
	fe.emit(t, endpoint.Event{Kind: endpoint.EventLinkRequest, Token: "tok"})
	waitForState(t, c, StateAwaitingScan)

	// Further requests while pending or ready must not restart the endpoint.
	c.RequestLink(ctx)
	fe.emit(t, endpoint.Event{Kind: endpoint.EventReady})
	waitForState(t, c, StateReady)
	c.RequestLink(ctx)

	if n := fe.starts.Load(); n != 1 {
		t.Fatalf("endpoint started %d times, want 1", n)
	}
}

func TestDisconnectSchedulesOneRelink(t *testing.T) {
	c, fe, _ := newTestCoordinator(t, Config{RelinkBackoff: 20 * time.Millisecond})
	ctx := context.Background()

	c.RequestLink(ctx)
	fe.emit(t, endpoint.Event{Kind: endpoint.EventReady})
	waitForState(t, c, StateReady)

	// A burst of disconnects collapses into a single re-link attempt.
	fe.emit(t, endpoint.Event{Kind: endpoint.EventDisconnected, Reason: "stream error"})
	fe.emit(t, endpoint.Event{Kind: endpoint.EventDisconnected, Reason: "stream error"})
	waitForState(t, c, StateDisconnected)

	deadline := time.Now().Add(2 * time.Second)
	for fe.starts.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if n := fe.starts.Load(); n != 2 {
		t.Fatalf("endpoint started %d times, want 2 (initial + one relink)", n)
	}
}

func TestAuthFailureCeiling(t *testing.T) {
	c, fe, _ := newTestCoordinator(t, Config{RelinkBackoff: 5 * time.Millisecond, AuthRetryMax: 2})
	ctx := context.Background()

	c.RequestLink(ctx)
	fe.emit(t, endpoint.Event{Kind: endpoint.EventAuthFailure, Reason: "bad credentials"})
	waitForState(t, c, StateDisconnected)

	// Wait for the automatic retry, then fail it too.
	deadline := time.Now().Add(2 * time.Second)
	for fe.starts.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	fe.emit(t, endpoint.Event{Kind: endpoint.EventAuthFailure, Reason: "bad credentials"})
	s := waitForState(t, c, StateAuthFailed)
	if s.AuthFailures != 2 || s.LastError != "bad credentials" {
		t.Fatalf("snapshot = %+v", s)
	}

	// Terminal until reset.
	if err := c.RequestLink(ctx); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("want ErrAuthFailed, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := fe.starts.Load(); n != 2 {
		t.Fatalf("relink attempted while auth-failed (starts=%d)", n)
	}

	if err := c.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	s = waitForState(t, c, StateIdle)
	if s.AuthFailures != 0 || s.LastError != "" {
		t.Fatalf("reset snapshot = %+v", s)
	}
	if err := c.RequestLink(ctx); err != nil {
		t.Fatalf("request link after reset: %v", err)
	}
}

func TestReadyResetsAuthFailures(t *testing.T) {
	c, fe, _ := newTestCoordinator(t, Config{RelinkBackoff: 5 * time.Millisecond, AuthRetryMax: 3})
	ctx := context.Background()

	c.RequestLink(ctx)
	fe.emit(t, endpoint.Event{Kind: endpoint.EventAuthFailure, Reason: "flake"})
	waitForState(t, c, StateDisconnected)

	deadline := time.Now().Add(2 * time.Second)
	for fe.starts.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	fe.emit(t, endpoint.Event{Kind: endpoint.EventReady})
	s := waitForState(t, c, StateReady)
	if s.AuthFailures != 0 {
		t.Fatalf("auth failures not reset: %+v", s)
	}
}

func TestLogoutRelinks(t *testing.T) {
	c, fe, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	c.RequestLink(ctx)
	fe.emit(t, endpoint.Event{Kind: endpoint.EventReady})
	waitForState(t, c, StateReady)

	if err := c.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if n := fe.logouts.Load(); n != 1 {
		t.Fatalf("logouts = %d", n)
	}
	// Logout immediately requests a fresh link.
	if n := fe.starts.Load(); n != 2 {
		t.Fatalf("starts = %d, want 2", n)
	}
}

func TestTransitionsPublished(t *testing.T) {
	c, fe, bus := newTestCoordinator(t, Config{})
	ctx := context.Background()

	ch, unsub := bus.Subscribe(16, eventbus.TopicSessionState)
	defer unsub()

	c.RequestLink(ctx)
	fe.emit(t, endpoint.Event{Kind: endpoint.EventLinkRequest, Token: "tok"})
	fe.emit(t, endpoint.Event{Kind: endpoint.EventReady})
	waitForState(t, c, StateReady)

	var states []State
	timeout := time.After(time.Second)
	for len(states) < 2 {
		select {
		case ev := <-ch:
			se, ok := ev.Data.(StateEvent)
			if !ok {
				t.Fatalf("unexpected payload %T", ev.Data)
			}
			if se.Timestamp.IsZero() {
				t.Fatal("event missing timestamp")
			}
			states = append(states, se.State)
		case <-timeout:
			t.Fatalf("only %d events received: %v", len(states), states)
		}
	}
	if states[0] != StateAwaitingScan || states[1] != StateReady {
		t.Fatalf("states = %v", states)
	}
}
