// Package feed publishes engine state changes (session joins and leaves,
// broadcast transitions, transfer job progress) to any number of
// subscribers. The console, the panel bridge, and the history recorder all
// render the same feed, which is what keeps the issuers from diverging.
package feed

import (
	"sync"
	"time"
)

// EventKind tags what changed.
type EventKind string

const (
	StudentJoined    EventKind = "student_joined"
	StudentLeft      EventKind = "student_left"
	BroadcastChanged EventKind = "broadcast_changed"
	AudioChanged     EventKind = "audio_changed"
	TransferUpdated  EventKind = "transfer_updated"
)

// Event is one state change. Fields beyond Kind and At are populated per
// kind; Detail is always a human-readable status line.
type Event struct {
	Kind EventKind `json:"kind"`
	At   time.Time `json:"at"`

	StudentID   string `json:"student_id,omitempty"`
	StudentName string `json:"student_name,omitempty"`
	Detail      string `json:"detail"`

	// Transfer fields, set for TransferUpdated.
	JobID        string `json:"job_id,omitempty"`
	Direction    string `json:"direction,omitempty"`
	RelativePath string `json:"relative_path,omitempty"`
	TotalSize    int64  `json:"total_size,omitempty"`
	Transferred  int64  `json:"transferred,omitempty"`
	Status       string `json:"status,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Subscription is one subscriber's view of the feed. Events arrive on
// Events(); a subscriber that stops draining loses events rather than
// blocking the publisher.
type Subscription struct {
	ch   chan Event
	feed *Feed
	once sync.Once
}

// Events returns the subscription's receive channel. It is closed by
// Cancel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Cancel detaches the subscription and closes its channel. Idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.feed.remove(s)
		close(s.ch)
	})
}

// Feed fans events out to subscribers. The zero value is not usable; call
// New.
type Feed struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New returns an empty feed.
func New() *Feed {
	return &Feed{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber with the given channel buffer.
func (f *Feed) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &Subscription{ch: make(chan Event, buffer), feed: f}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

// Publish delivers ev to every subscriber without blocking. The feed
// carries UI state, not correctness, so a full subscriber simply misses
// the event. A zero At is stamped with the current time.
func (f *Feed) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for sub := range f.subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (f *Feed) remove(sub *Subscription) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
}
