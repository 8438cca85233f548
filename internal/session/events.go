package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/moldmap/internal/timeutil"
)

// EventType discriminates what a session event describes.
type EventType string

const (
	// EventState marks a state-machine transition.
	EventState EventType = "state"

	// EventWaypoint marks a waypoint confirmed visited.
	EventWaypoint EventType = "waypoint"

	// EventProgress relays a controller progress report.
	EventProgress EventType = "progress"
)

// Event is one observable session occurrence. Waypoint is the sequence
// index just visited, or -1 when the event is not waypoint-related.
type Event struct {
	Seq      int       `json:"seq"`
	Time     time.Time `json:"time"`
	Type     EventType `json:"type"`
	JobID    string    `json:"job_id,omitempty"`
	State    State     `json:"state"`
	Reason   string    `json:"reason,omitempty"`
	Visited  int       `json:"visited"`
	Total    int       `json:"total"`
	Waypoint int       `json:"waypoint"`
}

// maxBusEvents bounds the replay buffer; older events are discarded.
const maxBusEvents = 256

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls further behind than this loses events rather than ever
// blocking the publisher.
const subscriberBuffer = 16

// EventBus fans session events out to subscribers and keeps a bounded
// replay buffer so late consumers can catch up via Since.
type EventBus struct {
	clock timeutil.Clock

	mu      sync.Mutex
	nextSeq int
	events  []Event
	subs    map[string]chan Event
}

// NewEventBus creates an event bus stamping events with the given clock.
func NewEventBus(clock timeutil.Clock) *EventBus {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &EventBus{
		clock: clock,
		subs:  make(map[string]chan Event),
	}
}

// Publish stamps ev with a sequence number and timestamp, stores it in
// the replay buffer and offers it to every subscriber without blocking.
// The stamped event is returned.
func (b *EventBus) Publish(ev Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev.Seq = b.nextSeq
	b.nextSeq++
	ev.Time = b.clock.Now()

	b.events = append(b.events, ev)
	if len(b.events) > maxBusEvents {
		b.events = b.events[len(b.events)-maxBusEvents:]
	}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is not keeping up; drop rather than stall
			// the session.
		}
	}

	return ev
}

// Subscribe registers a new subscriber and returns its id and channel.
func (b *EventBus) Subscribe() (string, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Since returns buffered events with Seq > seq, oldest first. Pass -1
// for everything still buffered.
func (b *EventBus) Since(seq int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, ev := range b.events {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
