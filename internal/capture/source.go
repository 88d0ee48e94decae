// Package capture turns a live stream of raw pointer samples into a recorded
// session. The OS hook that produces samples is outside this package; it is
// reached through the Source interface or fed sample by sample through a
// Recording.
package capture

import (
	"context"
	"time"

	"github.com/celerix-dev/celerix-mirror/pkg/schema"
)

// Sample is one raw observation from the pointer hook.
type Sample struct {
	Kind     schema.Kind
	Position schema.Point
	// At is when the sample was observed. The zero value means "now".
	At     time.Time
	Button schema.Button
	DX, DY int
}

// Source emits raw samples until ctx ends, the stream is exhausted or emit
// returns an error. Stream returns emit's error unchanged.
type Source interface {
	Stream(ctx context.Context, emit func(Sample) error) error
}

// SourceFunc adapts a function literal to the Source interface.
type SourceFunc func(ctx context.Context, emit func(Sample) error) error

// Stream calls the underlying function.
func (f SourceFunc) Stream(ctx context.Context, emit func(Sample) error) error {
	return f(ctx, emit)
}

// StopFunc reports whether a sample ends the recording.
type StopFunc func(Sample) bool

// StopOnRightPress ends a recording when the right button is pressed.
func StopOnRightPress(s Sample) bool {
	return s.Kind == schema.KindButtonDown && s.Button == schema.ButtonRight
}

// Scripted returns a Source that replays samples in order, as fast as emit
// accepts them. It stands in for the OS hook in tests and dry runs.
func Scripted(samples ...Sample) Source {
	return SourceFunc(func(ctx context.Context, emit func(Sample) error) error {
		for _, s := range samples {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := emit(s); err != nil {
				return err
			}
		}
		return nil
	})
}

// event converts a sample to a pipeline event at the given offset.
func (s Sample) event(offset float64) schema.Event {
	switch s.Kind {
	case schema.KindButtonDown, schema.KindButtonUp:
		button := s.Button
		if button == "" {
			button = schema.ButtonLeft
		}
		return schema.Click(s.Position.X, s.Position.Y, offset, button, s.Kind == schema.KindButtonDown)
	case schema.KindScrollUp, schema.KindScrollDown:
		dy := s.DY
		if dy == 0 {
			dy = 1
			if s.Kind == schema.KindScrollDown {
				dy = -1
			}
		}
		return schema.Event{
			Kind:     s.Kind,
			Position: s.Position,
			Offset:   offset,
			Params:   schema.ScrollParams{DX: s.DX, DY: dy},
		}
	default:
		return schema.Move(s.Position.X, s.Position.Y, offset)
	}
}
