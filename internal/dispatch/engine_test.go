package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wasender/internal/endpoint"
	"wasender/internal/eventbus"
	"wasender/internal/session"
	"wasender/internal/store"
	logx "wasender/pkg/logx"
)

type stubSession struct{ state session.State }

func (s stubSession) State() session.Snapshot { return session.Snapshot{State: s.state} }

// scriptedEndpoint fails specific addresses and records delivered messages.
type scriptedEndpoint struct {
	mu          sync.Mutex
	sent        map[string]string // address -> resolved message
	failWith    map[string]error
	unreachable map[string]bool
	block       chan struct{} // if set, Send waits until closed
}

func newScriptedEndpoint() *scriptedEndpoint {
	return &scriptedEndpoint{
		sent:        map[string]string{},
		failWith:    map[string]error{},
		unreachable: map[string]bool{},
	}
}

func (s *scriptedEndpoint) Start(context.Context, chan<- endpoint.Event) error { return nil }
func (s *scriptedEndpoint) Stop(context.Context) error                         { return nil }
func (s *scriptedEndpoint) Logout(context.Context) error                       { return nil }

func (s *scriptedEndpoint) Send(_ context.Context, address, message string, _ *endpoint.Attachment) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failWith[address]; err != nil {
		return err
	}
	s.sent[address] = message
	return nil
}

func (s *scriptedEndpoint) IsReachable(_ context.Context, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unreachable[address], nil
}

func (s *scriptedEndpoint) message(address string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[address]
}

type fixture struct {
	engine *Engine
	ep     *scriptedEndpoint
	store  store.Store
	bus    eventbus.Bus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.Pacing == 0 {
		cfg.Pacing = -1 // no pacing in tests unless asked for
	}
	st, err := store.Open(store.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ep := newScriptedEndpoint()
	bus := eventbus.New()
	e := NewEngine(cfg, ep, stubSession{state: session.StateReady}, st, bus, logx.Nop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return &fixture{engine: e, ep: ep, store: st, bus: bus}
}

func (f *fixture) runJob(t *testing.T, job Job) Completion {
	t.Helper()
	ch, unsub := f.bus.Subscribe(4, eventbus.TopicDispatchComplete)
	defer unsub()
	if err := f.engine.Submit(job); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case ev := <-ch:
		return ev.Data.(Completion)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not complete")
		return Completion{}
	}
}

func TestCountersAddUp(t *testing.T) {
	f := newFixture(t, Config{})
	f.ep.failWith["2"] = errors.New("recipient blocked the sender")

	done := f.runJob(t, Job{
		ID:              "job-1",
		MessageTemplate: "hello",
		Recipients:      []Recipient{{Address: "1"}, {Address: "2"}, {Address: "3"}},
	})
	if done.Total != 3 || done.Sent != 2 || done.Failed != 1 {
		t.Fatalf("completion = %+v", done)
	}
	if done.Sent+done.Failed != done.Total {
		t.Fatalf("sent+failed != total: %+v", done)
	}

	// One persisted outcome per recipient, failure reason verbatim.
	outcomes, err := f.store.RecentOutcomes(context.Background(), 10)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("persisted %d outcomes, want 3", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Recipient == "2" {
			if o.Status != store.OutcomeFailed || o.Error != "recipient blocked the sender" {
				t.Fatalf("failed outcome = %+v", o)
			}
		} else if o.Status != store.OutcomeSent {
			t.Fatalf("outcome = %+v", o)
		}
	}
}

func TestPersonalization(t *testing.T) {
	f := newFixture(t, Config{FallbackName: "Friend"})

	f.runJob(t, Job{
		ID:              "job-1",
		MessageTemplate: "Hi {name}",
		Recipients: []Recipient{
			{Address: "1", DisplayName: "Ana"},
			{Address: "2"},
		},
	})
	if got := f.ep.message("1"); got != "Hi Ana" {
		t.Fatalf("personalized = %q", got)
	}
	if got := f.ep.message("2"); got != "Hi Friend" {
		t.Fatalf("fallback = %q", got)
	}
}

func TestProgressPerRecipient(t *testing.T) {
	f := newFixture(t, Config{})
	ch, unsub := f.bus.Subscribe(16, eventbus.TopicDispatchProgress)
	defer unsub()

	f.runJob(t, Job{
		ID:              "job-1",
		MessageTemplate: "hello",
		Recipients:      []Recipient{{Address: "1"}, {Address: "2"}},
	})

	var events []Progress
	timeout := time.After(time.Second)
	for len(events) < 2 {
		select {
		case ev := <-ch:
			events = append(events, ev.Data.(Progress))
		case <-timeout:
			t.Fatalf("got %d progress events, want 2", len(events))
		}
	}
	if events[0].Current != 1 || events[1].Current != 2 || events[1].Total != 2 {
		t.Fatalf("progress = %+v", events)
	}
}

func TestSecondJobRejectedBusy(t *testing.T) {
	f := newFixture(t, Config{})
	f.ep.block = make(chan struct{})

	ch, unsub := f.bus.Subscribe(4, eventbus.TopicDispatchComplete)
	defer unsub()

	first := Job{
		ID:              "job-1",
		MessageTemplate: "hello",
		Recipients:      []Recipient{{Address: "1"}, {Address: "2"}},
	}
	if err := f.engine.Submit(first); err != nil {
		t.Fatalf("submit: %v", err)
	}
	err := f.engine.Submit(Job{
		ID:              "job-2",
		MessageTemplate: "hello",
		Recipients:      []Recipient{{Address: "9"}},
	})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("want ErrBusy, got %v", err)
	}

	close(f.ep.block)
	select {
	case ev := <-ch:
		done := ev.Data.(Completion)
		// The rejected job did not disturb the first job's counters.
		if done.JobID != "job-1" || done.Total != 2 || done.Sent != 2 {
			t.Fatalf("completion = %+v", done)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first job did not complete")
	}
}

func TestValidation(t *testing.T) {
	f := newFixture(t, Config{})

	err := f.engine.Submit(Job{ID: "j", MessageTemplate: "hello"})
	if !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("want ErrNoRecipients, got %v", err)
	}
	err = f.engine.Submit(Job{ID: "j", MessageTemplate: "  ", Recipients: []Recipient{{Address: "1"}}})
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("want ErrEmptyMessage, got %v", err)
	}
}

func TestRejectedWhenSessionNotReady(t *testing.T) {
	f := newFixture(t, Config{})
	f.engine.session = stubSession{state: session.StateDisconnected}

	err := f.engine.Submit(Job{
		ID:              "j",
		MessageTemplate: "hello",
		Recipients:      []Recipient{{Address: "1"}},
	})
	if !errors.Is(err, ErrSessionNotReady) {
		t.Fatalf("want ErrSessionNotReady, got %v", err)
	}
}

func TestUnreachableRecordedWithoutSend(t *testing.T) {
	f := newFixture(t, Config{CheckReachable: true})
	f.ep.unreachable["2"] = true

	done := f.runJob(t, Job{
		ID:              "job-1",
		MessageTemplate: "hello",
		Recipients:      []Recipient{{Address: "1"}, {Address: "2"}},
	})
	if done.Sent != 1 || done.Failed != 1 {
		t.Fatalf("completion = %+v", done)
	}
	if got := f.ep.message("2"); got != "" {
		t.Fatal("unreachable recipient was sent to")
	}

	outcomes, _ := f.store.RecentOutcomes(context.Background(), 10)
	for _, o := range outcomes {
		if o.Recipient == "2" && o.Error != "NotReachable" {
			t.Fatalf("unreachable outcome = %+v", o)
		}
	}
}

func TestAttachmentReleased(t *testing.T) {
	f := newFixture(t, Config{})
	path := filepath.Join(t.TempDir(), "flyer.pdf")
	if err := os.WriteFile(path, []byte("pdf"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	f.runJob(t, Job{
		ID:               "job-1",
		MessageTemplate:  "hello",
		Recipients:       []Recipient{{Address: "1"}},
		Attachment:       &endpoint.Attachment{Path: path, FileName: "flyer.pdf"},
		RemoveAttachment: true,
	})
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("attachment not released: %v", err)
	}
}

func TestPacingBetweenSends(t *testing.T) {
	f := newFixture(t, Config{Pacing: 40 * time.Millisecond})

	start := time.Now()
	f.runJob(t, Job{
		ID:              "job-1",
		MessageTemplate: "hello",
		Recipients:      []Recipient{{Address: "1"}, {Address: "2"}, {Address: "3"}},
	})
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("job finished in %v; pacing not applied", elapsed)
	}
}
