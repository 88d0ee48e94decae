package codec

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/celerix-dev/celerix-mirror/pkg/schema"
)

func sampleSession() schema.Session {
	started := time.Date(2024, 3, 14, 9, 26, 53, 589793000, time.UTC)
	return schema.NewSession("alice", started, 3.25, []schema.Event{
		schema.Move(100, 200, 0),
		schema.Move(140, 260, 0.125),
		schema.Click(140, 260, 0.5, schema.ButtonLeft, true),
		schema.Click(140, 260, 0.61, schema.ButtonLeft, false),
		schema.Scroll(140, 260, 1.2, 0, 2),
		schema.Scroll(140, 260, 1.3, 1, -1),
		schema.Click(-20, 5, 3.1, schema.ButtonMiddle, true),
	})
}

func assertSessionsEqual(t *testing.T, want, got schema.Session) {
	t.Helper()
	if got.Username != want.Username {
		t.Errorf("username: expected %q, got %q", want.Username, got.Username)
	}
	if !got.StartedAt.Equal(want.StartedAt) {
		t.Errorf("started_at: expected %v, got %v", want.StartedAt, got.StartedAt)
	}
	if got.Duration != want.Duration {
		t.Errorf("duration: expected %v, got %v", want.Duration, got.Duration)
	}
	if got.EventCount != want.EventCount {
		t.Errorf("event_count: expected %d, got %d", want.EventCount, got.EventCount)
	}
	if !reflect.DeepEqual(got.Events, want.Events) {
		t.Errorf("events differ:\n got %#v\nwant %#v", got.Events, want.Events)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := sampleSession()
	data, err := Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	assertSessionsEqual(t, want, got)
}

func TestEncodeFieldOrderIsStable(t *testing.T) {
	data, err := Encode(sampleSession())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	text := string(data)
	order := []string{`"username"`, `"timestamp"`, `"duration"`, `"events"`, `"event_count"`}
	last := -1
	for _, key := range order {
		idx := strings.Index(text, key)
		if idx <= last {
			t.Fatalf("field %s out of order in %s", key, text)
		}
		last = idx
	}

	again, _ := Encode(sampleSession())
	if string(again) != text {
		t.Fatal("encoding is not deterministic")
	}
}

func TestEncodeEmptyEvents(t *testing.T) {
	s := schema.NewSession("bob", time.Unix(0, 0).UTC(), 0, nil)
	data, err := Encode(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"events":[]`) {
		t.Fatalf("expected empty events array, got %s", data)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EventCount != 0 || len(got.Events) != 0 {
		t.Fatalf("expected no events, got %d", len(got.Events))
	}
}

func TestEncodeRejectsDecreasingOffsets(t *testing.T) {
	s := schema.NewSession("bob", time.Unix(0, 0).UTC(), 1, []schema.Event{
		schema.Click(1, 1, 1.0, schema.ButtonLeft, true),
		schema.Click(1, 1, 0.5, schema.ButtonLeft, false),
	})
	data, err := Encode(s)
	if !errors.Is(err, schema.ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if data != nil {
		t.Fatalf("expected no bytes, got %s", data)
	}
}

func TestDecodeAcceptsNaiveTimestamp(t *testing.T) {
	doc := `{"username": "u", "timestamp": "2024-03-14T09:26:53.589793", "duration": 1.5,
		"events": [{"type": "move", "position": [1, 2], "timestamp": 0.0, "params": {}},
		           {"type": "click_press", "position": [1, 2], "timestamp": 0.4, "params": {}}],
		"event_count": 2}`
	got, err := Decode([]byte(doc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.StartedAt.Year() != 2024 || got.StartedAt.Nanosecond() != 589793000 {
		t.Errorf("unexpected timestamp %v", got.StartedAt)
	}
	if got.Events[1].Params != (schema.ClickParams{Button: schema.ButtonLeft}) {
		t.Errorf("expected default click params, got %#v", got.Events[1].Params)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `\x1f\x8b garbage`,
		"missing field":   `{"username":"u","timestamp":"2024-03-14T09:26:53Z","duration":1,"events":[]}`,
		"wrong type":      `{"username":7,"timestamp":"2024-03-14T09:26:53Z","duration":1,"events":[],"event_count":0}`,
		"count mismatch":  `{"username":"u","timestamp":"2024-03-14T09:26:53Z","duration":1,"events":[],"event_count":2}`,
		"bad timestamp":   `{"username":"u","timestamp":"yesterday","duration":1,"events":[],"event_count":0}`,
		"unknown kind":    `{"username":"u","timestamp":"2024-03-14T09:26:53Z","duration":1,"events":[{"type":"jump","position":[0,0],"timestamp":0}],"event_count":1}`,
		"short position":  `{"username":"u","timestamp":"2024-03-14T09:26:53Z","duration":1,"events":[{"type":"move","position":[0],"timestamp":0}],"event_count":1}`,
		"negative offset": `{"username":"u","timestamp":"2024-03-14T09:26:53Z","duration":1,"events":[{"type":"move","position":[0,0],"timestamp":-1}],"event_count":1}`,
		"decreasing offsets": `{"username":"u","timestamp":"2024-03-14T09:26:53Z","duration":1,"events":[` +
			`{"type":"move","position":[0,0],"timestamp":2},{"type":"move","position":[9,9],"timestamp":1}],"event_count":2}`,
	}
	for name, doc := range cases {
		got, err := Decode([]byte(doc))
		if !errors.Is(err, schema.ErrMalformedContainer) {
			t.Errorf("%s: expected ErrMalformedContainer, got %v", name, err)
		}
		if got.Username != "" || got.Events != nil {
			t.Errorf("%s: expected zero session on failure, got %#v", name, got)
		}
	}
}

func TestDigestIsStable(t *testing.T) {
	data, err := Encode(sampleSession())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	first, err := Digest(data)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	second, _ := Digest(data)
	if first != second || len(first) != 64 {
		t.Fatalf("unexpected digests %q %q", first, second)
	}

	other := sampleSession()
	other.Username = "mallory"
	otherData, _ := Encode(other)
	otherDigest, _ := Digest(otherData)
	if otherDigest == first {
		t.Fatal("different sessions share a digest")
	}
}
