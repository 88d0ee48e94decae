// Package replay dispatches recorded events to a sink on the original
// timeline. Each event is due at its offset from the start of the run; late
// events are dispatched immediately and never skipped.
package replay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/celerix-dev/celerix-mirror/pkg/schema"
)

// Sink applies one event to the pointer device.
type Sink interface {
	Apply(pos schema.Point, kind schema.Kind, params schema.Params) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(pos schema.Point, kind schema.Kind, params schema.Params) error

// Apply calls f.
func (f SinkFunc) Apply(pos schema.Point, kind schema.Kind, params schema.Params) error {
	return f(pos, kind, params)
}

// LogSink returns a sink that only logs events. It backs dry runs.
func LogSink(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return SinkFunc(func(pos schema.Point, kind schema.Kind, params schema.Params) error {
		logger.Info("event", "kind", string(kind), "x", pos.X, "y", pos.Y, "params", params)
		return nil
	})
}

// Clock is the time source of a scheduler.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Observer receives per-event dispatch outcomes.
type Observer interface {
	ObserveDispatch(lag time.Duration, failed bool)
}

// Result summarises a replay run.
type Result struct {
	RunID      string
	Dispatched int
	SinkErrors int
	Elapsed    time.Duration
	// MaxLag is the largest delay between an event's due time and its dispatch.
	MaxLag time.Duration
}

// Scheduler replays event sequences.
type Scheduler struct {
	Clock    Clock
	Logger   *slog.Logger
	Observer Observer
}

// New returns a scheduler on the wall clock.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{Clock: realClock{}, Logger: logger}
}

func (s *Scheduler) clock() Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return realClock{}
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Replay dispatches events in order, blocking until the last one is applied
// or ctx ends. Sink errors are logged and counted; replay continues. On
// cancellation the events already dispatched stay dispatched and ctx.Err()
// is returned with the partial result.
func (s *Scheduler) Replay(ctx context.Context, events []schema.Event, sink Sink) (Result, error) {
	return s.replay(ctx, uuid.NewString(), events, sink)
}

func (s *Scheduler) replay(ctx context.Context, runID string, events []schema.Event, sink Sink) (Result, error) {
	clock := s.clock()
	log := s.logger().With("run_id", runID)
	res := Result{RunID: runID}
	start := clock.Now()
	log.Info("replay started", "events", len(events))

	for i, event := range events {
		if err := ctx.Err(); err != nil {
			return s.finish(log, res, start, err)
		}
		due := time.Duration(event.Offset * float64(time.Second))
		if wait := due - clock.Now().Sub(start); wait > 0 {
			if err := clock.Sleep(ctx, wait); err != nil {
				return s.finish(log, res, start, err)
			}
		}

		lag := clock.Now().Sub(start) - due
		if lag < 0 {
			lag = 0
		}
		if lag > res.MaxLag {
			res.MaxLag = lag
		}

		err := sink.Apply(event.Position, event.Kind, event.Params)
		res.Dispatched++
		if err != nil {
			res.SinkErrors++
			log.Warn("sink failed", "index", i, "kind", string(event.Kind), "error", err)
		}
		if s.Observer != nil {
			s.Observer.ObserveDispatch(lag, err != nil)
		}
	}
	return s.finish(log, res, start, nil)
}

func (s *Scheduler) finish(log *slog.Logger, res Result, start time.Time, err error) (Result, error) {
	res.Elapsed = s.clock().Now().Sub(start)
	if err != nil {
		log.Info("replay cancelled", "dispatched", res.Dispatched, "error", err)
		return res, err
	}
	log.Info("replay finished",
		"dispatched", res.Dispatched,
		"sink_errors", res.SinkErrors,
		"elapsed", res.Elapsed,
		"max_lag", res.MaxLag,
	)
	return res, nil
}

// Run is a replay executing on its own goroutine.
type Run struct {
	ID string

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	result Result
	err    error
}

// Start launches Replay on a dedicated goroutine and returns immediately.
func (s *Scheduler) Start(ctx context.Context, events []schema.Event, sink Sink) *Run {
	ctx, cancel := context.WithCancel(ctx)
	run := &Run{
		ID:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(run.done)
		defer cancel()
		run.result, run.err = s.replay(ctx, run.ID, events, sink)
	}()
	return run
}

// Cancel stops the run. Events already dispatched are not undone.
func (r *Run) Cancel() {
	r.once.Do(r.cancel)
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes and returns its outcome.
func (r *Run) Wait() (Result, error) {
	<-r.done
	return r.result, r.err
}
