// Package events is an in-memory pub/sub hub for execution lifecycle events,
// feeding the SSE endpoint and the watch TUI. A bounded replay buffer lets
// late subscribers catch up.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Lifecycle event types published by the gateway.
const (
	TypeExecutionCreated    = "execution.created"
	TypeExecutionDispatched = "execution.dispatched"
	TypeExecutionCompleted  = "execution.completed"
	TypeExecutionFailed     = "execution.failed"
	TypeExecutionCancelled  = "execution.cancelled"
)

type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind than this starts losing events.
const subscriberBuffer = 128

// Hub fans events out to subscribers without letting slow consumers block
// publishers, and keeps the last `capacity` events for replay.
type Hub struct {
	mu       sync.Mutex
	lastID   int64
	buffer   []Event
	capacity int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		capacity: capacity,
		buffer:   make([]Event, 0, capacity),
		subs:     make(map[int]chan Event),
	}
}

// Publish assigns the event id, buffers the event, and offers it to every
// subscriber. Data that fails to marshal degrades to an empty object rather
// than dropping the lifecycle signal.
func (h *Hub) Publish(eventType string, data any) {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{
		ID:   h.lastID,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.buffer = append(h.buffer, ev)
	if len(h.buffer) > h.capacity {
		h.buffer = h.buffer[len(h.buffer)-h.capacity:]
	}

	for _, ch := range h.subs {
		// Drop rather than block on a slow subscriber.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a live event channel. The returned cancel func closes
// the channel and must be called exactly once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// A lastID of 0 returns everything still buffered.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	// IDs are contiguous, so the first qualifying index can be found by
	// offset instead of scanning.
	if len(h.buffer) == 0 {
		return nil
	}
	first := h.buffer[0].ID
	skip := 0
	if lastID >= first {
		skip = int(lastID - first + 1)
	}
	if skip >= len(h.buffer) {
		return nil
	}

	out := make([]Event, len(h.buffer)-skip)
	copy(out, h.buffer[skip:])
	return out
}
