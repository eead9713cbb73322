// Copyright 2025 James Ross
package eventhub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/flyingrobots/dubcast-job-server/internal/obs"
)

// subscriber is one bounded ring buffer plus the coalescing state for
// progress events. The channel itself is the ring buffer, with one slot
// beyond bufferSize kept free for the terminal drop_notice: once
// bufferSize events are queued, the next event is dropped (drop-newest),
// the drop_notice takes the spare slot, and the subscriber is
// disconnected.
type subscriber struct {
	id     string
	ch     chan Event
	closed atomic.Bool

	mu        sync.Mutex
	lastSent  map[string]time.Time
	pending   map[string]*Event
	timerSet  map[string]bool
}

func newSubscriber(bufferSize int) *subscriber {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &subscriber{
		id:       nextSubscriberID(),
		ch:       make(chan Event, bufferSize+1),
		lastSent: make(map[string]time.Time),
		pending:  make(map[string]*Event),
		timerSet: make(map[string]bool),
	}
}

func (s *subscriber) deliver(ev Event) {
	if s.closed.Load() {
		return
	}
	if len(s.ch) < cap(s.ch)-1 {
		select {
		case s.ch <- ev:
			return
		default:
		}
	}
	obs.EventHubDropped.Inc()
	if s.closed.CompareAndSwap(false, true) {
		notice := Event{Kind: KindDropNotice, Topic: ev.Topic, JobID: ev.JobID, Timestamp: time.Now().UTC()}
		select {
		case s.ch <- notice:
		default:
		}
		close(s.ch)
	}
}

// deliverCoalesced enforces at most one progress delivery per window
// per topic: an event inside the window replaces any already-pending
// one and is flushed by a single scheduled timer, so a burst of
// progress updates collapses to their latest value.
func (s *subscriber) deliverCoalesced(ev Event, window time.Duration) {
	if window <= 0 {
		s.deliver(ev)
		return
	}
	s.mu.Lock()
	last, ok := s.lastSent[ev.Topic]
	if !ok || time.Since(last) >= window {
		s.lastSent[ev.Topic] = ev.Timestamp
		s.mu.Unlock()
		s.deliver(ev)
		return
	}
	s.pending[ev.Topic] = &ev
	alreadyScheduled := s.timerSet[ev.Topic]
	s.timerSet[ev.Topic] = true
	s.mu.Unlock()

	if alreadyScheduled {
		return
	}
	delay := window - time.Since(last)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() { s.flushPending(ev.Topic) })
}

func (s *subscriber) flushPending(topic string) {
	s.mu.Lock()
	ev := s.pending[topic]
	delete(s.pending, topic)
	s.timerSet[topic] = false
	if ev != nil {
		s.lastSent[topic] = time.Now().UTC()
	}
	s.mu.Unlock()
	if ev != nil {
		s.deliver(*ev)
	}
}

func (s *subscriber) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
