// Package compact reduces a recorded event stream by dropping move samples
// that add little to the replayed trajectory.
package compact

import "github.com/celerix-dev/celerix-mirror/pkg/schema"

// Threshold is the per-axis distance, in device units, a move must cover
// from the last kept event to be retained.
const Threshold = 5

// Events returns the compacted form of events. Non-move events are always
// kept, as are the first and the last event. A move is kept when the last
// kept event is not a move or when it lies more than Threshold units away
// from it on either axis. The input slice is not modified.
func Events(events []schema.Event) []schema.Event {
	if len(events) == 0 {
		return []schema.Event{}
	}

	optimized := make([]schema.Event, 0, len(events))
	var last *schema.Event
	lastIndex := -1

	for i := range events {
		event := events[i]
		if event.Kind == schema.KindMove && last != nil && last.Kind == schema.KindMove && !beyond(last.Position, event.Position) {
			continue
		}
		optimized = append(optimized, event)
		last = &events[i]
		lastIndex = i
	}

	if lastIndex != len(events)-1 {
		optimized = append(optimized, events[len(events)-1])
	}
	return optimized
}

// Ratio reports the fraction of events removed by compaction, in [0, 1].
func Ratio(before, after int) float64 {
	if before == 0 {
		return 0
	}
	return 1 - float64(after)/float64(before)
}

func beyond(from, to schema.Point) bool {
	return abs(to.X-from.X) > Threshold || abs(to.Y-from.Y) > Threshold
}

func abs(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
