// Package codec converts sessions to and from their JSON interchange form.
//
// The encoded document has a fixed field order (username, timestamp,
// duration, events, event_count) so that two encodings of the same session
// are byte-identical and diff cleanly.
package codec

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"

	"github.com/celerix-dev/celerix-mirror/pkg/schema"
)

//go:embed session.schema.json
var sessionSchema []byte

// naiveLayout is the timezone-less ISO-8601 form written by older recorders.
const naiveLayout = "2006-01-02T15:04:05.999999999"

type sessionJSON struct {
	Username   string         `json:"username"`
	Timestamp  string         `json:"timestamp"`
	Duration   float64        `json:"duration"`
	Events     []schema.Event `json:"events"`
	EventCount int            `json:"event_count"`
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiled, compileErr = compiler.Compile(sessionSchema)
		if compileErr != nil {
			compileErr = fmt.Errorf("compile session schema: %w", compileErr)
		}
	})
	return compiled, compileErr
}

// Encode serializes s. The event count written is always len(s.Events).
// A session Decode would reject returns an error wrapping
// schema.ErrInvalidSession instead of bytes.
func Encode(s schema.Session) ([]byte, error) {
	events := s.Events
	if events == nil {
		events = []schema.Event{}
	}
	if err := s.WithEvents(events).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrInvalidSession, err)
	}
	doc := sessionJSON{
		Username:   s.Username,
		Timestamp:  s.StartedAt.Format(time.RFC3339Nano),
		Duration:   s.Duration,
		Events:     events,
		EventCount: len(events),
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode parses data produced by Encode. Any structural problem yields an
// error wrapping schema.ErrMalformedContainer and a zero Session.
func Decode(data []byte) (schema.Session, error) {
	if !json.Valid(data) {
		return schema.Session{}, fmt.Errorf("%w: payload is not JSON", schema.ErrMalformedContainer)
	}

	validator, err := loadSchema()
	if err != nil {
		return schema.Session{}, err
	}
	if result := validator.ValidateJSON(data); !result.IsValid() {
		return schema.Session{}, fmt.Errorf("%w: schema validation failed: %v", schema.ErrMalformedContainer, result.Errors)
	}

	var doc sessionJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return schema.Session{}, fmt.Errorf("%w: %v", schema.ErrMalformedContainer, err)
	}

	startedAt, err := parseTimestamp(doc.Timestamp)
	if err != nil {
		return schema.Session{}, fmt.Errorf("%w: %v", schema.ErrMalformedContainer, err)
	}

	session := schema.Session{
		Username:   doc.Username,
		StartedAt:  startedAt,
		Duration:   doc.Duration,
		Events:     doc.Events,
		EventCount: doc.EventCount,
	}
	if err := session.Validate(); err != nil {
		return schema.Session{}, fmt.Errorf("%w: %v", schema.ErrMalformedContainer, err)
	}
	return session, nil
}

// Digest returns the hex SHA-256 of the RFC 8785 canonical form of an
// encoded session. Equal sessions always have equal digests.
func Digest(encoded []byte) (string, error) {
	canonical, err := jcs.Transform(encoded)
	if err != nil {
		return "", fmt.Errorf("canonicalize session: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func parseTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	ts, err := time.ParseInLocation(naiveLayout, value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q is not ISO-8601", value)
	}
	return ts, nil
}
