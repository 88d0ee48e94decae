package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-mirror/pkg/schema"
)

// Buffer is the append-only event sequence of one recording. Offsets are
// measured from the buffer's start and never go backwards: a sample observed
// earlier than its predecessor is clamped to the predecessor's offset.
type Buffer struct {
	mu     sync.Mutex
	start  time.Time
	events []schema.Event
	last   float64
}

// NewBuffer returns an empty buffer whose offsets count from start.
func NewBuffer(start time.Time) *Buffer {
	return &Buffer{start: start}
}

// Start returns the instant offsets are measured from.
func (b *Buffer) Start() time.Time {
	return b.start
}

// Append converts s to an event and appends it.
func (b *Buffer) Append(s Sample) (schema.Event, error) {
	if !s.Kind.Valid() {
		return schema.Event{}, fmt.Errorf("unknown sample kind %q", s.Kind)
	}
	if s.Kind.IsClick() && s.Button != "" && !s.Button.Valid() {
		return schema.Event{}, fmt.Errorf("unknown button %q", s.Button)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	offset := s.At.Sub(b.start).Seconds()
	if offset < b.last {
		offset = b.last
	}
	b.last = offset

	event := s.event(offset)
	b.events = append(b.events, event)
	return event, nil
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Events returns a copy of the buffered events.
func (b *Buffer) Events() []schema.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]schema.Event, len(b.events))
	copy(out, b.events)
	return out
}
