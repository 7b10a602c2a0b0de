// Package events fans server activity out to SSE clients and the TUI.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the server.
const (
	TypeServerState       = "server.state"
	TypeRequestReceived   = "request.received"
	TypeRequestDispatched = "request.dispatched"
	TypeResponse          = "response"
	TypeConnectorError    = "connector.error"
	TypeRequestSubmitted  = "request.submitted"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

const subscriberBuffer = 128

// Hub is an in-memory pub/sub that keeps the last events for late clients.
// A nil *Hub discards everything.
type Hub struct {
	nextID atomic.Int64

	mu       sync.Mutex
	capacity int
	recent   []Event
	subs     map[int]chan Event
	nextSub  int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		capacity: capacity,
		recent:   make([]Event, 0, capacity),
		subs:     make(map[int]chan Event),
	}
}

// Publish records an event and offers it to every subscriber without blocking.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	ev := Event{ID: h.nextID.Add(1), Type: eventType, At: time.Now().UTC(), Data: payload}
	if len(h.recent) == h.capacity {
		copy(h.recent, h.recent[1:])
		h.recent = h.recent[:h.capacity-1]
	}
	h.recent = append(h.recent, ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// slow subscriber; it can catch up with SnapshotSince
		}
	}
}

// Subscribe returns a channel of new events and a function that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
}

// SnapshotSince returns kept events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, len(h.recent))
	for _, ev := range h.recent {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}
