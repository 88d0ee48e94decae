package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/celerix-dev/celerix-mirror/pkg/schema"
)

var errStopped = errors.New("recording stopped")

// Recorder owns the single recording slot of a process.
type Recorder struct {
	mu     sync.Mutex
	active *Recording
	clock  func() time.Time
	stop   StopFunc
	logger *slog.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Recorder) { r.clock = clock }
}

// WithStop replaces the stop predicate (default StopOnRightPress).
func WithStop(stop StopFunc) Option {
	return func(r *Recorder) { r.stop = stop }
}

// WithLogger sets the recorder's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRecorder builds a Recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		clock:  time.Now,
		stop:   StopOnRightPress,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Begin opens a recording for username. Only one recording may be open at a
// time; a second Begin returns schema.ErrRecordingActive.
func (r *Recorder) Begin(username string) (*Recording, error) {
	if username == "" {
		return nil, errors.New("username is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil, schema.ErrRecordingActive
	}
	rec := &Recording{
		ID:       uuid.NewString(),
		Username: username,
		buffer:   NewBuffer(r.clock()),
		owner:    r,
	}
	r.active = rec
	r.logger.Info("recording started", "recording_id", rec.ID, "user", username)
	return rec, nil
}

// Active reports whether a recording is open.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

func (r *Recorder) release(rec *Recording) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == rec {
		r.active = nil
	}
}

// Record captures samples from src into a new session until the stop
// predicate fires, the source ends or ctx is cancelled. A cancelled context
// still yields the session captured so far alongside ctx.Err().
func (r *Recorder) Record(ctx context.Context, username string, src Source) (schema.Session, error) {
	rec, err := r.Begin(username)
	if err != nil {
		return schema.Session{}, err
	}
	streamErr := src.Stream(ctx, func(s Sample) error {
		stopped, err := rec.Add(s)
		if err != nil {
			return err
		}
		if stopped {
			return errStopped
		}
		return nil
	})
	session := rec.Finish()
	if streamErr != nil && !errors.Is(streamErr, errStopped) {
		if errors.Is(streamErr, context.Canceled) || errors.Is(streamErr, context.DeadlineExceeded) {
			return session, streamErr
		}
		return session, fmt.Errorf("stream samples: %w", streamErr)
	}
	return session, nil
}

// Recording is one open capture run.
type Recording struct {
	ID       string
	Username string

	mu     sync.Mutex
	buffer *Buffer
	owner  *Recorder
	done   bool
}

// Add appends a sample. It reports true once the stop predicate matches; the
// stop sample itself is not recorded and later samples are ignored.
func (rec *Recording) Add(s Sample) (bool, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.done {
		return true, nil
	}
	if s.At.IsZero() {
		s.At = rec.owner.clock()
	}
	if rec.owner.stop != nil && rec.owner.stop(s) {
		rec.done = true
		return true, nil
	}
	if _, err := rec.buffer.Append(s); err != nil {
		return false, err
	}
	return false, nil
}

// Len returns the number of events captured so far.
func (rec *Recording) Len() int {
	return rec.buffer.Len()
}

// Finish closes the recording, frees the recorder slot and returns the
// session. Calling Finish again returns the same events.
func (rec *Recording) Finish() schema.Session {
	rec.mu.Lock()
	rec.done = true
	rec.mu.Unlock()
	rec.owner.release(rec)

	start := rec.buffer.Start()
	events := rec.buffer.Events()
	duration := rec.owner.clock().Sub(start).Seconds()
	if n := len(events); n > 0 && events[n-1].Offset > duration {
		duration = events[n-1].Offset
	}
	if duration < 0 {
		duration = 0
	}
	rec.owner.logger.Info("recording finished",
		"recording_id", rec.ID,
		"user", rec.Username,
		"events", len(events),
		"duration", duration,
	)
	return schema.NewSession(rec.Username, start, duration, events)
}
