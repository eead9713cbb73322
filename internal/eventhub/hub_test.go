// Copyright 2025 James Ross
package eventhub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/dubcast-job-server/internal/config"
)

func newTestHub(bufferSize int, coalesce time.Duration) *Hub {
	return New(config.EventHub{
		SubscriberBufferSize:   bufferSize,
		ProgressCoalesceWindow: coalesce,
		ReplayWindow:           time.Minute,
	}, zap.NewNop())
}

func TestPublishAndSubscribeDeliversEvent(t *testing.T) {
	h := newTestHub(8, 0)
	sub := h.Subscribe("job-1", 0)
	defer sub.Close()

	h.PublishJobEvent("job-1", string(KindState), map[string]any{"state": "RUNNING"})

	select {
	case ev := <-sub.C:
		assert.Equal(t, KindState, ev.Kind)
		assert.Equal(t, "job-1", ev.JobID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestStateEventsMirrorToGlobalTopic(t *testing.T) {
	h := newTestHub(8, 0)
	global := h.Subscribe(GlobalTopic, 0)
	defer global.Close()

	h.PublishJobEvent("job-1", string(KindState), map[string]any{"state": "DONE"})

	select {
	case ev := <-global.C:
		assert.Equal(t, "job-1", ev.JobID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for global mirrored event")
	}
}

func TestProgressEventsDoNotMirrorToGlobal(t *testing.T) {
	h := newTestHub(8, 0)
	global := h.Subscribe(GlobalTopic, 0)
	defer global.Close()

	h.PublishJobEvent("job-1", string(KindProgress), map[string]any{"progress": 0.5})

	select {
	case <-global.C:
		t.Fatal("progress event should not mirror to global topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProgressCoalescesWithinWindow(t *testing.T) {
	h := newTestHub(8, 100*time.Millisecond)
	sub := h.Subscribe("job-1", 0)
	defer sub.Close()

	h.PublishJobEvent("job-1", string(KindProgress), map[string]any{"progress": 0.1})
	h.PublishJobEvent("job-1", string(KindProgress), map[string]any{"progress": 0.2})
	h.PublishJobEvent("job-1", string(KindProgress), map[string]any{"progress": 0.3})

	first := <-sub.C
	assert.InDelta(t, 0.1, first.Fields["progress"], 0.001)

	select {
	case second := <-sub.C:
		assert.InDelta(t, 0.3, second.Fields["progress"], 0.001)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected coalesced progress event to flush")
	}

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected third event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOverflowDropsNewestAndDisconnects(t *testing.T) {
	h := newTestHub(1, 0)
	sub := h.Subscribe("job-1", 0)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		h.PublishJobEvent("job-1", string(KindLog), map[string]any{"line": "x"})
	}

	var sawDropNotice bool
	for ev := range sub.C {
		if ev.Kind == KindDropNotice {
			sawDropNotice = true
		}
	}
	assert.True(t, sawDropNotice, "expected a drop_notice before disconnect")
}

func TestReplayOnReconnectUsesLastEventID(t *testing.T) {
	h := newTestHub(8, 0)
	h.PublishJobEvent("job-1", string(KindState), map[string]any{"state": "QUEUED"})
	h.PublishJobEvent("job-1", string(KindState), map[string]any{"state": "RUNNING"})
	h.PublishJobEvent("job-1", string(KindState), map[string]any{"state": "DONE"})

	sub := h.Subscribe("job-1", 1)
	defer sub.Close()

	ev := <-sub.C
	assert.Equal(t, int64(2), ev.ID)
	ev = <-sub.C
	assert.Equal(t, int64(3), ev.ID)
}

func TestCloseAllDisconnectsWithTerminalEvent(t *testing.T) {
	h := newTestHub(8, 0)
	sub := h.Subscribe("job-1", 0)
	defer sub.Close()

	h.CloseAll()

	ev, ok := <-sub.C
	require.True(t, ok)
	assert.Equal(t, KindDropNotice, ev.Kind)

	_, ok = <-sub.C
	assert.False(t, ok, "channel should be closed after CloseAll")
}

func TestDispatchStatusPublishesToGlobal(t *testing.T) {
	h := newTestHub(8, 0)
	global := h.Subscribe(GlobalTopic, 0)
	defer global.Close()

	h.PublishDispatchStatus("local", "redis degraded")

	select {
	case ev := <-global.C:
		assert.Equal(t, KindDegrade, ev.Kind)
		assert.Equal(t, "local", ev.Fields["selected"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch status event")
	}
}
