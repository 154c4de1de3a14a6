// Package telemetry fans engine events out to live observers: websocket
// clients and an MQTT broker.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event kinds
const (
	KindState  = "state"
	KindCycle  = "cycle"
	KindReport = "report"
	KindError  = "error"
)

// Event is one engine event
type Event struct {
	Kind  string    `json:"kind"`
	Time  time.Time `json:"time"`
	RunID string    `json:"runId,omitempty"`

	// State is the engine state after a transition
	State string `json:"state,omitempty"`

	Algorithm string `json:"algorithm,omitempty"`

	// Cycle is the number of completed cycles in the run
	Cycle uint64 `json:"cycle,omitempty"`

	// CycleSeconds is the duration of the last cycle, or the average over a report window
	CycleSeconds float64 `json:"cycleSeconds,omitempty"`

	// Gaps is the number of sequence gaps seen so far in the run
	Gaps uint64 `json:"gaps,omitempty"`

	Err string `json:"err,omitempty"`
}

// Publisher accepts events
type Publisher interface {
	Publish(Event)
}

// Nop discards events
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(Event) {}

// subscriberDepth is the queue length of one subscriber
const subscriberDepth = 64

// Hub is a Publisher that copies every event to its subscribers.  Publish
// never blocks; a subscriber that falls behind loses events.
type Hub struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	next    int
	dropped atomic.Uint64
}

// NewHub returns an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Publish implements Publisher
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a new subscriber.  cancel must be called to release
// it; the channel is closed by cancel.
func (h *Hub) Subscribe() (events <-chan Event, cancel func()) {
	ch := make(chan Event, subscriberDepth)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers is the number of live subscribers
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped is the number of events lost to slow subscribers
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
