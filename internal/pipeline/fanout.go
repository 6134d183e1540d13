// Package pipeline wires the submission flow and the per-room fan-out
// hub described in spec.md §4.E.
package pipeline

import (
	"sync"

	"github.com/Curious-r/cumments/internal/domain"
)

// EventKind names the three SSE event kinds spec.md §4.E defines.
type EventKind string

const (
	EventNewComment    EventKind = "new_comment"
	EventUpdateComment EventKind = "update_comment"
	EventDeleteComment EventKind = "delete_comment"
)

// Event is one fan-out message delivered to subscribers of a room.
type Event struct {
	Kind    EventKind
	Comment domain.PublicView
}

// subscriberQueueDepth bounds each subscriber's channel per spec.md
// §4.E ("bounded queue, default 64").
const subscriberQueueDepth = 64

// Hub is a per-room broadcast fan-out. Grounded on
// other_examples/nugget-thane-ai-agent's event bus (non-blocking
// publish, Subscribe/Unsubscribe), extended with per-room keying and a
// terminal error event on subscriber overflow instead of a silent drop.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[chan Event]struct{})}
}

// Subscribe attaches a new subscriber to roomID and returns its event
// channel plus an unsubscribe function.
func (h *Hub) Subscribe(roomID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberQueueDepth)

	h.mu.Lock()
	subs, ok := h.rooms[roomID]
	if !ok {
		subs = make(map[chan Event]struct{})
		h.rooms[roomID] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.rooms[roomID]; ok {
			if _, present := subs[ch]; present {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	return ch, unsubscribe
}

// Publish offers ev to every live subscriber of roomID, in the order
// Publish is called (per-room FIFO, per spec.md §4.E). A subscriber
// whose queue is full is dropped: overflow closes its channel, which
// its HTTP handler turns into a terminal error event before ending the
// stream so the client reconnects.
func (h *Hub) Publish(roomID string, ev Event) {
	h.mu.Lock()
	subs := h.rooms[roomID]
	channels := make([]chan Event, 0, len(subs))
	for ch := range subs {
		channels = append(channels, ch)
	}
	h.mu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- ev:
		default:
			h.overflow(roomID, ch)
		}
	}
}

// overflow removes an overflowing subscriber's channel from the room
// and closes it, signaling end-of-stream to its handler.
func (h *Hub) overflow(roomID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.rooms[roomID]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// SubscriberCount reports how many live subscribers roomID currently
// has, mainly for tests and operator diagnostics.
func (h *Hub) SubscriberCount(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}
