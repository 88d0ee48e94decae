// Package server accepts pointer samples from an external hook process over a
// line-oriented TCP (optionally TLS) protocol and saves finished recordings.
//
//	REC <user> [password [strength]]   start recording; a password enables encryption
//	MOVE <x> <y>
//	DOWN <x> <y> [button]
//	UP <x> <y> [button]
//	SCROLL <x> <y> <dx> <dy>
//	STOP                               finish and save, replies SAVED <path>
//	ABORT                              discard the open recording
//	PING                               replies PONG
//	QUIT
//
// A sample that matches the recorder's stop predicate finishes and saves the
// recording like STOP. A connection that drops mid-recording saves what it has.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-mirror/internal/capture"
	"github.com/celerix-dev/celerix-mirror/internal/container"
	"github.com/celerix-dev/celerix-mirror/internal/vault"
	"github.com/celerix-dev/celerix-mirror/pkg/schema"
)

const (
	maxConnections = 100
	idleTimeout    = 30 * time.Second
	saveTimeout    = time.Minute
)

// Saver persists a finished recording.
type Saver interface {
	Write(ctx context.Context, session schema.Session, opts container.WriteOptions) (container.Report, error)
}

// Observer receives connection and sample counts.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	ObserveSample(kind string)
}

// Router serves the ingest protocol.
type Router struct {
	recorder *capture.Recorder
	saver    Saver
	cert     *tls.Certificate
	logger   *slog.Logger
	observer Observer

	// Strength is used for encrypted saves that name no strength.
	Strength vault.Strength
	// RequireEncryption refuses REC without a password.
	RequireEncryption bool

	mu       sync.Mutex
	listener net.Listener
	active   map[net.Conn]struct{}
	conns    sync.WaitGroup
}

// NewRouter builds a router recording through rec and saving through saver.
func NewRouter(rec *capture.Recorder, saver Saver, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{recorder: rec, saver: saver, logger: logger, Strength: vault.StrengthBasic}
}

// SetCertificate enables TLS with cert.
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// SetObserver attaches connection and sample metrics.
func (r *Router) SetObserver(o Observer) {
	r.observer = o
}

// Addr returns the listening address, or nil before Listen.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Listen serves on addr until ctx is cancelled or Stop is called.
func (r *Router) Listen(ctx context.Context, addr string) error {
	var listener net.Listener
	var err error
	if r.cert != nil {
		listener, err = tls.Listen("tcp", addr, &tls.Config{
			Certificates: []tls.Certificate{*r.cert},
			MinVersion:   tls.VersionTLS12,
		})
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return err
	}
	return r.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled or Stop is
// called. It waits for open connections to finish before returning.
func (r *Router) Serve(ctx context.Context, listener net.Listener) error {
	r.mu.Lock()
	r.listener = listener
	r.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	semaphore := make(chan struct{}, maxConnections)
	r.logger.Info("ingest listening", "addr", listener.Addr().String(), "tls", r.cert != nil)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				r.closeActive()
				r.conns.Wait()
				return nil
			}
			r.logger.Warn("accept failed", "error", err)
			continue
		}

		r.track(conn, true)
		r.conns.Add(1)
		go func(c net.Conn) {
			defer r.conns.Done()
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				r.track(c, false)
				_ = c.Close()
			}()
			r.HandleConnection(c)
		}(conn)
	}
}

func (r *Router) track(c net.Conn, open bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		r.active = make(map[net.Conn]struct{})
	}
	if open {
		r.active[c] = struct{}{}
	} else {
		delete(r.active, c)
	}
}

// closeActive closes every open connection; their handlers save any
// recording in progress.
func (r *Router) closeActive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.active {
		_ = c.Close()
	}
}

// Stop closes the listener.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}

// session is the per-connection protocol state.
type session struct {
	rec  *capture.Recording
	opts container.WriteOptions
}

// HandleConnection runs the protocol on conn until QUIT, EOF or idle timeout.
func (r *Router) HandleConnection(conn net.Conn) {
	if r.observer != nil {
		r.observer.ConnectionOpened()
		defer r.observer.ConnectionClosed()
	}
	log := r.logger.With("remote", conn.RemoteAddr().String())
	reader := bufio.NewReader(conn)
	state := &session{}
	defer func() {
		if state.rec == nil {
			return
		}
		if state.rec.Len() == 0 {
			state.rec.Finish()
			return
		}
		log.Warn("connection closed mid-recording, saving", "recording_id", state.rec.ID)
		if _, err := r.finish(state); err != nil {
			log.Error("save after disconnect failed", "error", err)
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("connection ended", "error", err)
			}
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		command := strings.ToUpper(parts[0])
		switch command {
		case "PING":
			fmt.Fprintln(conn, "PONG")

		case "QUIT":
			if state.rec != nil {
				state.rec.Finish()
				state.rec = nil
			}
			return

		case "REC":
			id, err := r.begin(state, parts[1:])
			reply(conn, err, "OK "+id)

		case "MOVE", "DOWN", "UP", "SCROLL":
			if state.rec == nil {
				fmt.Fprintln(conn, "ERR no recording in progress")
				continue
			}
			sample, err := parseSample(command, parts[1:])
			if err != nil {
				fmt.Fprintln(conn, "ERR", err)
				continue
			}
			if r.observer != nil {
				r.observer.ObserveSample(string(sample.Kind))
			}
			stopped, err := state.rec.Add(sample)
			if err != nil {
				fmt.Fprintln(conn, "ERR", err)
				continue
			}
			if !stopped {
				fmt.Fprintln(conn, "OK")
				continue
			}
			path, err := r.finish(state)
			reply(conn, err, "SAVED "+path)

		case "STOP":
			if state.rec == nil {
				fmt.Fprintln(conn, "ERR no recording in progress")
				continue
			}
			path, err := r.finish(state)
			reply(conn, err, "SAVED "+path)

		case "ABORT":
			if state.rec != nil {
				state.rec.Finish()
				state.rec = nil
			}
			fmt.Fprintln(conn, "OK")

		default:
			fmt.Fprintln(conn, "ERR unknown command", command)
		}
	}
}

func reply(w io.Writer, err error, ok string) {
	if err != nil {
		fmt.Fprintln(w, "ERR", schema.Describe(err))
		return
	}
	fmt.Fprintln(w, ok)
}

func (r *Router) begin(state *session, args []string) (string, error) {
	if state.rec != nil {
		return "", schema.ErrRecordingActive
	}
	if len(args) < 1 {
		return "", errors.New("usage: REC <user> [password [strength]]")
	}
	if err := container.ValidUsername(args[0]); err != nil {
		return "", err
	}
	if r.RequireEncryption && len(args) < 2 {
		return "", errors.New("encryption is required: REC <user> <password> [strength]")
	}
	opts := container.WriteOptions{}
	if len(args) >= 2 {
		opts.Encrypt = true
		opts.Password = args[1]
		opts.Strength = r.Strength
	}
	if len(args) >= 3 {
		n, err := strconv.Atoi(args[2])
		if err != nil || !vault.Strength(n).Valid() {
			return "", fmt.Errorf("invalid strength %q", args[2])
		}
		opts.Strength = vault.Strength(n)
	}

	rec, err := r.recorder.Begin(args[0])
	if err != nil {
		return "", err
	}
	state.rec = rec
	state.opts = opts
	return rec.ID, nil
}

// finish closes the connection's recording and saves it.
func (r *Router) finish(state *session) (string, error) {
	session := state.rec.Finish()
	opts := state.opts
	state.rec = nil
	state.opts = container.WriteOptions{}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	report, err := r.saver.Write(ctx, session, opts)
	if err != nil {
		return "", err
	}
	return report.Path, nil
}

func parseSample(command string, args []string) (capture.Sample, error) {
	var s capture.Sample
	need := 2
	if command == "SCROLL" {
		need = 4
	}
	if len(args) < need {
		return s, fmt.Errorf("%s needs %d arguments", command, need)
	}
	// Positions and wheel deltas are 32-bit; out of range values are rejected.
	nums := make([]int32, need)
	for i := 0; i < need; i++ {
		n, err := strconv.ParseInt(args[i], 10, 32)
		if err != nil {
			return s, fmt.Errorf("argument %d of %s: %w", i+1, command, err)
		}
		nums[i] = int32(n)
	}
	s.Position = schema.Point{X: nums[0], Y: nums[1]}

	switch command {
	case "MOVE":
		s.Kind = schema.KindMove
	case "DOWN", "UP":
		s.Kind = schema.KindButtonDown
		if command == "UP" {
			s.Kind = schema.KindButtonUp
		}
		s.Button = schema.ButtonLeft
		if len(args) > 2 {
			s.Button = schema.Button(strings.ToLower(args[2]))
			if !s.Button.Valid() {
				return s, fmt.Errorf("unknown button %q", args[2])
			}
		}
	case "SCROLL":
		s.DX, s.DY = int(nums[2]), int(nums[3])
		s.Kind = schema.KindScrollDown
		if s.DY > 0 {
			s.Kind = schema.KindScrollUp
		}
	}
	return s, nil
}
