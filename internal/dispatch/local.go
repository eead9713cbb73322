// Copyright 2025 James Ross
package dispatch

import (
	"container/heap"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
	"github.com/flyingrobots/dubcast-job-server/internal/metastore"
)

var priorityRank = map[metastore.Priority]int{
	metastore.PriorityHigh:   2,
	metastore.PriorityMedium: 1,
	metastore.PriorityLow:    0,
}

type localEntry struct {
	jobID       string
	priority    metastore.Priority
	availableAt time.Time
	submittedAt time.Time
	index       int
}

// localHeap orders strict priority desc, then available_at asc, then
// submitted_at asc, then job_id lex — the exact tie-break chain the
// scheduler requires for deterministic ordering under test.
type localHeap []*localEntry

func (h localHeap) Len() int { return len(h) }
func (h localHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if priorityRank[a.priority] != priorityRank[b.priority] {
		return priorityRank[a.priority] > priorityRank[b.priority]
	}
	if !a.availableAt.Equal(b.availableAt) {
		return a.availableAt.Before(b.availableAt)
	}
	if !a.submittedAt.Equal(b.submittedAt) {
		return a.submittedAt.Before(b.submittedAt)
	}
	return a.jobID < b.jobID
}
func (h localHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *localHeap) Push(x interface{}) {
	e := x.(*localEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *localHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// LocalDispatch is the in-process bounded priority queue used when
// Redis is unavailable or not configured. Submission is non-blocking;
// callers enforce the overflow/backpressure policy before calling
// Submit. Claim blocks (with a deadline) for a ready entry.
type LocalDispatch struct {
	mu       sync.Mutex
	notify   chan struct{} // closed and replaced on every state change that might unblock a Claim
	heap     localHeap
	capacity int
	closed   bool

	claimed map[string]claimedEntry // claimToken -> the entry it was popped from
}

type claimedEntry struct {
	jobID    string
	priority metastore.Priority
}

func NewLocalDispatch(capacity int) *LocalDispatch {
	return &LocalDispatch{capacity: capacity, claimed: map[string]claimedEntry{}, notify: make(chan struct{})}
}

// wake closes the current notify channel (waking every blocked Claim)
// and installs a fresh one. Must be called with mu held.
func (l *LocalDispatch) wake() {
	close(l.notify)
	l.notify = make(chan struct{})
}

func (l *LocalDispatch) Submit(ctx context.Context, jobID string, priority metastore.Priority, availableAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errs.New("LocalDispatch.Submit", errs.Draining, fmt.Errorf("dispatch backend closed"))
	}
	if l.capacity > 0 && len(l.heap) >= l.capacity {
		return errs.New("LocalDispatch.Submit", errs.Transient, fmt.Errorf("local queue at capacity %d", l.capacity))
	}
	heap.Push(&l.heap, &localEntry{jobID: jobID, priority: priority, availableAt: availableAt, submittedAt: time.Now().UTC()})
	l.wake()
	return nil
}

// Claim blocks until at least one ready entry is available or the
// context is done, returning up to n claims. Entries whose available_at
// is still in the future are skipped, not claimed. A waiting Claim
// re-checks the queue only when it changes (Submit, Nack, Close); an
// entry that merely becomes due while it waits is seen on the next
// change or the next Claim call.
func (l *LocalDispatch) Claim(ctx context.Context, consumer string, n int, visibilityTTL time.Duration) ([]Claim, error) {
	l.mu.Lock()
	for {
		now := time.Now().UTC()
		var claims []Claim
		var notReady []*localEntry
		for len(l.heap) > 0 && len(claims) < n {
			top := heap.Pop(&l.heap).(*localEntry)
			if top.availableAt.After(now) {
				notReady = append(notReady, top)
				continue
			}
			token := randomToken()
			l.claimed[token] = claimedEntry{jobID: top.jobID, priority: top.priority}
			claims = append(claims, Claim{JobID: top.jobID, ClaimToken: token})
		}
		for _, e := range notReady {
			heap.Push(&l.heap, e)
		}
		if len(claims) > 0 {
			l.mu.Unlock()
			return claims, nil
		}
		if l.closed {
			l.mu.Unlock()
			return nil, errs.New("LocalDispatch.Claim", errs.Draining, fmt.Errorf("dispatch backend closed"))
		}

		wait := l.notify
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
			l.mu.Lock()
		}
	}
}

func (l *LocalDispatch) Ack(ctx context.Context, jobID, claimToken string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.claimed[claimToken]; !ok {
		return errs.New("LocalDispatch.Ack", errs.Validation, fmt.Errorf("unknown claim token for job %s", jobID))
	}
	delete(l.claimed, claimToken)
	return nil
}

// Nack re-submits the job after delay; availability is in-memory only,
// matching the local backend's non-durable nature.
func (l *LocalDispatch) Nack(ctx context.Context, jobID, claimToken string, delay time.Duration) error {
	l.mu.Lock()
	entry, ok := l.claimed[claimToken]
	if !ok {
		l.mu.Unlock()
		return errs.New("LocalDispatch.Nack", errs.Validation, fmt.Errorf("unknown claim token for job %s", jobID))
	}
	delete(l.claimed, claimToken)
	l.mu.Unlock()
	return l.Submit(ctx, jobID, entry.priority, time.Now().Add(delay))
}

func (l *LocalDispatch) Health(ctx context.Context) HealthStatus { return HealthOK }

func (l *LocalDispatch) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.wake()
	return nil
}

func (l *LocalDispatch) QueueDepths(ctx context.Context) (map[string]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	depths := map[string]int64{"low": 0, "medium": 0, "high": 0}
	for _, e := range l.heap {
		depths[string(e.priority)]++
	}
	return depths, nil
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
