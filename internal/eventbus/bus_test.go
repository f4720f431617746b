package eventbus

import (
	"testing"
	"time"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func TestFanoutAllTopics(t *testing.T) {
	t.Parallel()
	b := New()

	ch1, un1 := b.Subscribe(4)
	ch2, un2 := b.Subscribe(4)
	defer un1()
	defer un2()

	b.Publish(Event{Topic: TopicSessionState, Data: "ready"})
	b.Publish(Event{Topic: TopicDispatchProgress, Data: 1})

	for i, ch := range []<-chan Event{ch1, ch2} {
		got := drain(ch)
		if len(got) != 2 {
			t.Fatalf("subscriber %d: got %d events, want 2", i, len(got))
		}
		if got[0].Topic != TopicSessionState || got[1].Topic != TopicDispatchProgress {
			t.Fatalf("subscriber %d: wrong topics: %v %v", i, got[0].Topic, got[1].Topic)
		}
		if got[0].Time.IsZero() {
			t.Fatalf("subscriber %d: missing timestamp", i)
		}
	}
}

func TestTopicFilter(t *testing.T) {
	t.Parallel()
	b := New()

	ch, un := b.Subscribe(4, TopicDispatchComplete)
	defer un()

	b.Publish(Event{Topic: TopicSessionState, Data: "idle"})
	b.Publish(Event{Topic: TopicDispatchComplete, Data: "done"})

	got := drain(ch)
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Topic != TopicDispatchComplete {
		t.Fatalf("got topic %q, want %q", got[0].Topic, TopicDispatchComplete)
	}
}

func TestNoReplayBeforeSubscribe(t *testing.T) {
	t.Parallel()
	b := New()

	b.Publish(Event{Topic: TopicSessionState, Data: "missed"})

	ch, un := b.Subscribe(4)
	defer un()

	if got := drain(ch); len(got) != 0 {
		t.Fatalf("got %d replayed events, want 0", len(got))
	}
}

func TestUnsubscribeIsSilent(t *testing.T) {
	t.Parallel()
	b := New()

	ch, un := b.Subscribe(1)
	un()
	un() // double unsubscribe must be a no-op

	// Publishing after unsubscribe must not panic even though ch is closed.
	b.Publish(Event{Topic: TopicSessionState})

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()
	b := New()

	_, un := b.Subscribe(1)
	defer un()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Topic: TopicDispatchProgress, Data: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
