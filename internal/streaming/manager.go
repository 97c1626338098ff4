package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/webrunner-ai/webrunner/internal/metrics"
)

// Event kinds published by the orchestration core.
const (
	EventLog          = "log"
	EventStepComplete = "step_complete"
	EventResult       = "result"
	EventStatus       = "status"
)

// Event is a single streamed record for one task.
type Event struct {
	TaskID    string                 `json:"task_id"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns the event as JSON for NDJSON/SSE payloads.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager provides in-memory per-task pub/sub with a bounded replay ring.
// Events published with no subscriber attached are retained only in the ring;
// durable task state lives in the task store, not here.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates a manager whose per-task replay rings hold capacity events.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a task id; the caller must drain it
// and call Unsubscribe when done. The channel is never closed: readers stop on
// their own signal (context, terminal status event) rather than channel close.
func (m *Manager) Subscribe(taskID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[taskID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[taskID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel. The channel is left open:
// Publish snapshots the subscriber set before sending, so a concurrent
// publish may still deliver into the buffer of a channel removed here, and
// closing it would turn that delivery into a panic.
func (m *Manager) Unsubscribe(taskID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[taskID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		metrics.StreamSubscribers.Dec()
		if len(subs) == 0 {
			delete(m.subscribers, taskID)
		}
	}
}

// Publish assigns a sequence number, records the event in the replay ring, and
// delivers it to all current subscribers without blocking. Slow subscribers
// lose events rather than stall the publisher.
func (m *Manager) Publish(taskID string, evt Event) {
	evt.TaskID = taskID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	m.mu.Lock()
	rg := m.history[taskID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[taskID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	subs := m.subscribers[taskID]
	m.mu.Unlock()

	metrics.StreamEventsPublished.WithLabelValues(evt.Type).Inc()

	for ch := range subs {
		select {
		case ch <- evt:
		default:
			metrics.StreamEventsDropped.Inc()
		}
	}
}

// ReplaySince returns retained events with Seq > since, best effort within the
// ring capacity.
func (m *Manager) ReplaySince(taskID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[taskID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay ring for a task. Called when the task record itself
// is evicted from the store.
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	delete(m.history, taskID)
	m.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
