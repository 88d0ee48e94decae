// Package schema defines the data structures shared by the mirroring pipeline:
// pointer events, recorded sessions and the container error taxonomy.
package schema

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the type of a pointer event. The string values are the
// names written to the serialized session.
type Kind string

const (
	KindMove       Kind = "move"
	KindButtonDown Kind = "click_press"
	KindButtonUp   Kind = "click_release"
	KindScrollUp   Kind = "scroll_up"
	KindScrollDown Kind = "scroll_down"
)

// Valid reports whether k is one of the known event kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindMove, KindButtonDown, KindButtonUp, KindScrollUp, KindScrollDown:
		return true
	}
	return false
}

// IsScroll reports whether k is a wheel event.
func (k Kind) IsScroll() bool {
	return k == KindScrollUp || k == KindScrollDown
}

// IsClick reports whether k is a button transition.
func (k Kind) IsClick() bool {
	return k == KindButtonDown || k == KindButtonUp
}

// Button names a pointer button.
type Button string

const (
	ButtonLeft   Button = "left"
	ButtonRight  Button = "right"
	ButtonMiddle Button = "middle"
)

// Valid reports whether b is a known button.
func (b Button) Valid() bool {
	return b == ButtonLeft || b == ButtonRight || b == ButtonMiddle
}

// Point is a screen position in device units. It serializes as [x, y].
type Point struct {
	X int32
	Y int32
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int32{p.X, p.Y})
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var pair [2]int32
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("position: %w", err)
	}
	p.X, p.Y = pair[0], pair[1]
	return nil
}

// Params is the closed set of per-kind event parameters.
// Only MoveParams, ClickParams and ScrollParams implement it.
type Params interface {
	params()
}

// MoveParams carries no data; a move is fully described by its position.
type MoveParams struct{}

// ClickParams describes a button transition.
type ClickParams struct {
	Button Button `json:"button"`
}

// ScrollParams describes a wheel step.
type ScrollParams struct {
	DX int `json:"dx"`
	DY int `json:"dy"`
}

func (MoveParams) params()   {}
func (ClickParams) params()  {}
func (ScrollParams) params() {}

// Event is a single captured pointer action.
type Event struct {
	Kind     Kind
	Position Point
	// Offset is the time since session start, in seconds.
	Offset float64
	Params Params
}

// Move builds a move event.
func Move(x, y int32, offset float64) Event {
	return Event{Kind: KindMove, Position: Point{X: x, Y: y}, Offset: offset, Params: MoveParams{}}
}

// Click builds a button press or release event.
func Click(x, y int32, offset float64, button Button, pressed bool) Event {
	kind := KindButtonUp
	if pressed {
		kind = KindButtonDown
	}
	return Event{Kind: kind, Position: Point{X: x, Y: y}, Offset: offset, Params: ClickParams{Button: button}}
}

// Scroll builds a wheel event. The direction is taken from the sign of dy.
func Scroll(x, y int32, offset float64, dx, dy int) Event {
	kind := KindScrollDown
	if dy > 0 {
		kind = KindScrollUp
	}
	return Event{Kind: kind, Position: Point{X: x, Y: y}, Offset: offset, Params: ScrollParams{DX: dx, DY: dy}}
}

// Validate checks that the params type matches the kind and the offset is
// not negative.
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Offset < 0 {
		return fmt.Errorf("negative offset %v", e.Offset)
	}
	switch p := e.Params.(type) {
	case MoveParams:
		if e.Kind != KindMove {
			return fmt.Errorf("%s event carries move params", e.Kind)
		}
	case ClickParams:
		if !e.Kind.IsClick() {
			return fmt.Errorf("%s event carries click params", e.Kind)
		}
		if !p.Button.Valid() {
			return fmt.Errorf("unknown button %q", p.Button)
		}
	case ScrollParams:
		if !e.Kind.IsScroll() {
			return fmt.Errorf("%s event carries scroll params", e.Kind)
		}
	case nil:
		return fmt.Errorf("%s event has no params", e.Kind)
	default:
		return fmt.Errorf("unsupported params type %T", p)
	}
	return nil
}

type eventJSON struct {
	Type      Kind            `json:"type"`
	Position  Point           `json:"position"`
	Timestamp float64         `json:"timestamp"`
	Params    json.RawMessage `json:"params"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	params := e.Params
	if params == nil {
		params = defaultParams(e.Kind)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{
		Type:      e.Kind,
		Position:  e.Position,
		Timestamp: e.Offset,
		Params:    raw,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var wire eventJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if !wire.Type.Valid() {
		return fmt.Errorf("unknown event kind %q", wire.Type)
	}

	params := defaultParams(wire.Type)
	if len(wire.Params) > 0 && string(wire.Params) != "null" {
		switch p := params.(type) {
		case MoveParams:
			// Older recordings may attach arbitrary keys to moves; they carry no meaning.
		case ClickParams:
			if err := json.Unmarshal(wire.Params, &p); err != nil {
				return fmt.Errorf("click params: %w", err)
			}
			if p.Button == "" {
				p.Button = ButtonLeft
			}
			params = p
		case ScrollParams:
			if err := json.Unmarshal(wire.Params, &p); err != nil {
				return fmt.Errorf("scroll params: %w", err)
			}
			params = p
		}
	}

	*e = Event{
		Kind:     wire.Type,
		Position: wire.Position,
		Offset:   wire.Timestamp,
		Params:   params,
	}
	return nil
}

// defaultParams returns the params used when a recording omits them.
// Wheel events default to a single notch in the kind's direction.
func defaultParams(kind Kind) Params {
	switch kind {
	case KindButtonDown, KindButtonUp:
		return ClickParams{Button: ButtonLeft}
	case KindScrollUp:
		return ScrollParams{DY: 1}
	case KindScrollDown:
		return ScrollParams{DY: -1}
	default:
		return MoveParams{}
	}
}
