// Package stream fan-outs record mutation events to SSE subscribers.
package stream

import (
	"context"
	"sync"
	"time"
)

// RecordEvent describes an accepted mutation of a clinical record. Events
// carry identifiers only, never clinical payloads.
type RecordEvent struct {
	Kind      string    `json:"kind"`      // diagnostic, appointment, report, doctor, feedback
	Operation string    `json:"operation"` // insert or update
	RecordID  string    `json:"record_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fan-outs record events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan RecordEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan RecordEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan RecordEvent {
	ch := make(chan RecordEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt RecordEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
