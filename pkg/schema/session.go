package schema

import (
	"fmt"
	"time"
)

// Session is one recording run: the ordered events plus metadata.
// It is owned by the run that created it and is not modified after it is
// handed to the codec.
type Session struct {
	Username  string
	StartedAt time.Time
	// Duration is the wall-clock length of the recording in seconds.
	Duration   float64
	Events     []Event
	EventCount int
}

// NewSession builds a session whose EventCount matches its events.
func NewSession(username string, startedAt time.Time, duration float64, events []Event) Session {
	return Session{
		Username:   username,
		StartedAt:  startedAt,
		Duration:   duration,
		Events:     events,
		EventCount: len(events),
	}
}

// WithEvents returns a copy of s carrying events, with EventCount updated.
func (s Session) WithEvents(events []Event) Session {
	s.Events = events
	s.EventCount = len(events)
	return s
}

// Validate checks the structural invariants of a session: the count matches,
// each event is well formed and offsets never go backwards.
func (s Session) Validate() error {
	if s.EventCount != len(s.Events) {
		return fmt.Errorf("event_count %d does not match %d events", s.EventCount, len(s.Events))
	}
	if s.Duration < 0 {
		return fmt.Errorf("negative duration %v", s.Duration)
	}
	last := 0.0
	for i, event := range s.Events {
		if err := event.Validate(); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		if event.Offset < last {
			return fmt.Errorf("event %d: offset %v precedes %v", i, event.Offset, last)
		}
		last = event.Offset
	}
	return nil
}
