package compact

import (
	"testing"

	"github.com/celerix-dev/celerix-mirror/pkg/schema"
)

func TestEventsEmptyAndSingle(t *testing.T) {
	if got := Events(nil); len(got) != 0 {
		t.Fatalf("expected empty output, got %d events", len(got))
	}

	single := []schema.Event{schema.Move(4, 4, 0)}
	got := Events(single)
	if len(got) != 1 || got[0].Position != single[0].Position {
		t.Fatalf("expected the single event to be kept, got %v", got)
	}
}

func TestEventsSmallStepsCollapseToEndpoints(t *testing.T) {
	var events []schema.Event
	for i := 0; i <= 5; i++ {
		events = append(events, schema.Move(int32(100+i), int32(200+i), float64(i)*0.01))
	}

	got := Events(events)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Position != events[0].Position {
		t.Errorf("first event not retained: %v", got[0].Position)
	}
	if got[1].Position != events[len(events)-1].Position {
		t.Errorf("last event not retained: %v", got[1].Position)
	}
}

func TestEventsLargeStepsKeepEverything(t *testing.T) {
	var events []schema.Event
	for i := 0; i < 20; i++ {
		events = append(events, schema.Move(int32(i*6), 0, float64(i)*0.01))
	}
	if got := Events(events); len(got) != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), len(got))
	}
}

func TestEventsYAxisAloneIsEnough(t *testing.T) {
	events := []schema.Event{
		schema.Move(0, 0, 0),
		schema.Move(0, 6, 0.1),
		schema.Move(1, 7, 0.2),
		schema.Move(1, 20, 0.3),
	}
	got := Events(events)
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d: %v", len(got), got)
	}
}

func TestEventsKeepsDiscreteActionsVerbatim(t *testing.T) {
	events := []schema.Event{
		schema.Move(10, 10, 0),
		schema.Move(11, 11, 0.01),
		schema.Click(11, 11, 0.02, schema.ButtonLeft, true),
		schema.Move(12, 11, 0.03),
		schema.Move(13, 11, 0.04),
		schema.Click(13, 11, 0.05, schema.ButtonLeft, false),
		schema.Scroll(13, 11, 0.06, 0, 1),
		schema.Scroll(13, 11, 0.07, 0, -1),
		schema.Move(14, 11, 0.08),
	}

	got := Events(events)
	if len(got) > len(events) {
		t.Fatalf("compaction grew the stream: %d > %d", len(got), len(events))
	}

	var discrete []schema.Event
	for _, e := range got {
		if e.Kind != schema.KindMove {
			discrete = append(discrete, e)
		}
	}
	if len(discrete) != 4 {
		t.Fatalf("expected 4 discrete events, got %d", len(discrete))
	}
	for i, want := range []schema.Kind{schema.KindButtonDown, schema.KindButtonUp, schema.KindScrollUp, schema.KindScrollDown} {
		if discrete[i].Kind != want {
			t.Errorf("discrete event %d: expected %s, got %s", i, want, discrete[i].Kind)
		}
	}

	// A move right after a click is kept because the last kept event is not a move.
	if got[2].Kind != schema.KindButtonDown || got[3].Kind != schema.KindMove || got[3].Offset != 0.03 {
		t.Errorf("expected the move following a click to be kept, got %v", got[2:4])
	}
	if got[len(got)-1].Offset != 0.08 {
		t.Errorf("last event not retained, got offset %v", got[len(got)-1].Offset)
	}
}

func TestEventsPreservesOrderAndOffsets(t *testing.T) {
	events := []schema.Event{
		schema.Move(0, 0, 0),
		schema.Move(50, 0, 0.5),
		schema.Move(51, 0, 0.6),
		schema.Move(100, 0, 1.0),
	}
	got := Events(events)
	last := -1.0
	for _, e := range got {
		if e.Offset < last {
			t.Fatalf("offsets out of order: %v", got)
		}
		last = e.Offset
	}
}

func TestRatio(t *testing.T) {
	if Ratio(0, 0) != 0 {
		t.Error("expected zero ratio for empty input")
	}
	if r := Ratio(10, 4); r < 0.599 || r > 0.601 {
		t.Errorf("expected 0.6, got %v", r)
	}
}
