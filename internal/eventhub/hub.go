// Copyright 2025 James Ross
package eventhub

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/config"
	"github.com/flyingrobots/dubcast-job-server/internal/obs"
)

// Hub is the in-process event plane: callers Publish onto a topic
// (a job id, or GlobalTopic), and subscribers receive a per-topic FIFO
// stream through a bounded ring buffer. Publish never blocks on a slow
// subscriber — grounded on the teacher's event-hooks.EventBus channel
// fan-out, collapsed here from a worker-pool-plus-retry-queue shape
// into direct, synchronous, non-blocking delivery, since this hub has
// no external transport of its own to retry against (SSE/WS adapters
// own their own retry semantics).
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topicState

	bufferSize     int
	coalesceWindow time.Duration
	replayWindow   time.Duration

	log *zap.Logger
}

type topicState struct {
	mu          sync.Mutex
	seq         int64
	subscribers map[string]*subscriber
	replay      []Event
}

func New(cfg config.EventHub, log *zap.Logger) *Hub {
	return &Hub{
		topics:         make(map[string]*topicState),
		bufferSize:     cfg.SubscriberBufferSize,
		coalesceWindow: cfg.ProgressCoalesceWindow,
		replayWindow:   cfg.ReplayWindow,
		log:            log,
	}
}

func (h *Hub) topicStateFor(topic string) *topicState {
	h.mu.Lock()
	defer h.mu.Unlock()
	ts, ok := h.topics[topic]
	if !ok {
		ts = &topicState{subscribers: make(map[string]*subscriber)}
		h.topics[topic] = ts
	}
	return ts
}

// PublishJobEvent implements worker.EventPublisher: job-scoped state,
// progress and log events also mirror onto the global topic, except
// progress (coalesced per-subscriber and too chatty to be useful
// globally) and raw log lines (per-job only, per spec).
func (h *Hub) PublishJobEvent(jobID string, kind string, fields map[string]any) {
	k := Kind(kind)
	h.publish(jobID, jobID, k, fields)
	if k == KindState || k == KindDegrade {
		h.publish(GlobalTopic, jobID, k, fields)
	}
}

// PublishDispatchStatus implements dispatch.StatusPublisher: backend
// selection transitions are surfaced on the global topic as degrade
// events so operators watching the global feed see backend flaps.
func (h *Hub) PublishDispatchStatus(selected string, reason string) {
	h.publish(GlobalTopic, "", KindDegrade, map[string]any{"selected": selected, "reason": reason})
}

func (h *Hub) publish(topic, jobID string, kind Kind, fields map[string]any) {
	ts := h.topicStateFor(topic)

	ts.mu.Lock()
	ts.seq++
	ev := Event{ID: ts.seq, Topic: topic, Kind: kind, JobID: jobID, Fields: fields, Timestamp: time.Now().UTC()}
	ts.replay = append(ts.replay, ev)
	ts.replay = trimReplay(ts.replay, h.replayWindow)
	subs := make([]*subscriber, 0, len(ts.subscribers))
	for _, s := range ts.subscribers {
		subs = append(subs, s)
	}
	ts.mu.Unlock()

	for _, s := range subs {
		if kind == KindProgress {
			s.deliverCoalesced(ev, h.coalesceWindow)
		} else {
			s.deliver(ev)
		}
	}
	obs.EventsPublished.WithLabelValues(string(kind)).Inc()
}

func trimReplay(events []Event, window time.Duration) []Event {
	if window <= 0 || len(events) == 0 {
		return events
	}
	cutoff := time.Now().UTC().Add(-window)
	i := 0
	for i < len(events) && events[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append([]Event(nil), events[i:]...)
}

// Subscription is a live handle on a topic's event stream.
type Subscription struct {
	C      <-chan Event
	hub    *Hub
	topic  string
	sub    *subscriber
}

// Subscribe opens a subscription on topic, replaying any buffered
// events with ID > lastEventID (SSE reconnect support) before the
// channel starts receiving live events.
func (h *Hub) Subscribe(topic string, lastEventID int64) *Subscription {
	ts := h.topicStateFor(topic)
	sub := newSubscriber(h.bufferSize)

	ts.mu.Lock()
	ts.subscribers[sub.id] = sub
	for _, ev := range ts.replay {
		if ev.ID > lastEventID {
			sub.deliver(ev)
		}
	}
	ts.mu.Unlock()
	obs.EventHubSubscribers.Inc()

	return &Subscription{C: sub.ch, hub: h, topic: topic, sub: sub}
}

// Close unregisters the subscription; safe to call more than once.
func (s *Subscription) Close() {
	ts := s.hub.topicStateFor(s.topic)
	ts.mu.Lock()
	_, existed := ts.subscribers[s.sub.id]
	delete(ts.subscribers, s.sub.id)
	ts.mu.Unlock()
	if existed {
		obs.EventHubSubscribers.Dec()
	}
	s.sub.close()
}

// CloseAll disconnects every subscriber on every topic with a terminal
// event, for use during LifecycleManager shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ts := range h.topics {
		ts.mu.Lock()
		for _, s := range ts.subscribers {
			s.deliver(Event{Kind: KindDropNotice, Timestamp: time.Now().UTC()})
			s.close()
			obs.EventHubSubscribers.Dec()
		}
		ts.subscribers = make(map[string]*subscriber)
		ts.mu.Unlock()
	}
}

var subscriberSeq int64

func nextSubscriberID() string {
	n := atomic.AddInt64(&subscriberSeq, 1)
	return "sub-" + strconv.FormatInt(n, 10)
}
