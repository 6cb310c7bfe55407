package outbox

import (
	"context"
	"sync"
	"time"

	"gestloc.io/internal/ids"
)

// Event is one appended domain event. Payload keys follow the emitting
// operation; lease_id is promoted to its own field when present.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	LeaseID    string         `json:"lease_id,omitempty"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Log is an append-only in-process event log with fan-out to subscribers
// (notification workers, audit tooling, SSE clients). Emit never blocks: slow
// subscribers drop events, the log itself keeps everything.
type Log struct {
	mu     sync.RWMutex
	events []Event
	subs   map[int]chan Event
	next   int
}

// New initialises an empty log.
func New() *Log {
	return &Log{subs: make(map[int]chan Event)}
}

// Emit appends a domain event and fans it out. Implements lease.EventSink.
func (l *Log) Emit(eventType string, payload map[string]any) {
	evt := Event{
		ID:         ids.NewEvent(),
		Type:       eventType,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
	if id, ok := payload["lease_id"].(string); ok {
		evt.LeaseID = id
	}

	l.mu.Lock()
	l.events = append(l.events, evt)
	l.mu.Unlock()

	// Send while holding the read lock: unsubscribe closes its channel under
	// the write lock, so a send can never hit a closed channel.
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ch := range l.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Events returns a copy of the appended events, oldest first.
func (l *Log) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// ByType returns the appended events of one type, oldest first.
func (l *Log) ByType(eventType string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, evt := range l.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (l *Log) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	l.mu.Lock()
	id := l.next
	l.next++
	l.subs[id] = ch
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, id)
		close(ch)
		l.mu.Unlock()
	}()

	return ch
}
