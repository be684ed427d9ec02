package feed

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	f := New()
	a := f.Subscribe(4)
	b := f.Subscribe(4)
	defer a.Cancel()
	defer b.Cancel()

	f.Publish(Event{Kind: StudentJoined, StudentID: "S01", Detail: "S01 joined"})

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.Events():
			if ev.Kind != StudentJoined || ev.StudentID != "S01" {
				t.Errorf("event = %+v", ev)
			}
			if ev.At.IsZero() {
				t.Error("event timestamp not stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestSlowSubscriberLosesEventsWithoutBlocking(t *testing.T) {
	f := New()
	slow := f.Subscribe(1)
	defer slow.Cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			f.Publish(Event{Kind: BroadcastChanged})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	// The buffered event is still there; the rest were dropped.
	select {
	case <-slow.Events():
	default:
		t.Error("expected at least one buffered event")
	}
}

func TestCancelIsIdempotentAndDetaches(t *testing.T) {
	f := New()
	sub := f.Subscribe(1)
	sub.Cancel()
	sub.Cancel()

	// Publishing after cancel must not panic on the closed channel.
	f.Publish(Event{Kind: StudentLeft})

	if _, ok := <-sub.Events(); ok {
		t.Error("cancelled subscription still delivering events")
	}
}
