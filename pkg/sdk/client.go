// Package sdk is the client library for the mirror daemon. An OS hook process
// uses Client to stream samples; binaries use OpenStore to reach the escrow
// backend selected by configuration.
package sdk

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-mirror/internal/capture"
	"github.com/celerix-dev/celerix-mirror/pkg/schema"
)

// ErrNotSaved is returned by Forward when the source ended without the
// daemon confirming a saved container.
var ErrNotSaved = errors.New("recording was not saved")

// Options configure a Client.
type Options struct {
	// DisableTLS dials plain TCP. It defaults to MIRROR_DISABLE_TLS=true.
	DisableTLS bool
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client is a connection to the daemon's ingest port. It implements Ingest.
type Client struct {
	addr   string
	opts   Options
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex // Protects concurrent access to the connection
}

// Connect establishes a TLS-encrypted connection to a mirror daemon.
func Connect(addr string) (*Client, error) {
	return ConnectWithOptions(addr, Options{DisableTLS: os.Getenv("MIRROR_DISABLE_TLS") == "true"})
}

// ConnectWithOptions establishes a connection with explicit options.
func ConnectWithOptions(addr string, opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{addr: addr, opts: opts}
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) reconnect() error {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	dialer := &net.Dialer{
		Timeout:   c.opts.Timeout,
		KeepAlive: 60 * time.Second,
	}
	var conn net.Conn
	var err error
	if c.opts.DisableTLS {
		conn, err = dialer.Dial("tcp", c.addr)
	} else {
		conn, err = tls.DialWithDialer(dialer, "tcp", c.addr, &tls.Config{
			InsecureSkipVerify: true, // The daemon uses a self-signed certificate.
		})
	}
	if err != nil {
		return err
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// roundTrip sends one command and reads one reply. Only idempotent commands
// are retried: recording state lives on the connection, so a reconnect in the
// middle of a recording cannot resume it.
func (c *Client) roundTrip(cmd string, retry bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	attempts := 1
	if retry {
		attempts = 3
	}
	var err error
	for i := 0; i < attempts; i++ {
		if c.conn == nil {
			if err = c.reconnect(); err != nil {
				err = fmt.Errorf("reconnect failed: %w", err)
				time.Sleep(time.Duration((i+1)*200) * time.Millisecond)
				continue
			}
		}

		_ = c.conn.SetDeadline(time.Now().Add(30 * time.Second))
		var resp string
		if _, err = fmt.Fprint(c.conn, cmd+"\n"); err == nil {
			if resp, err = c.reader.ReadString('\n'); err == nil {
				resp = strings.TrimSpace(resp)
				if msg, ok := strings.CutPrefix(resp, "ERR"); ok {
					return "", errors.New(strings.TrimSpace(msg))
				}
				return resp, nil
			}
		}

		c.opts.Logger.Warn("ingest round trip failed", "attempt", i+1, "error", err)
		_ = c.conn.Close()
		c.conn = nil
		if i+1 < attempts {
			time.Sleep(time.Duration((i+1)*200) * time.Millisecond)
		}
	}
	return "", fmt.Errorf("failed after %d attempts: %w", attempts, err)
}

// Ping checks the connection.
func (c *Client) Ping() error {
	resp, err := c.roundTrip("PING", true)
	if err != nil {
		return err
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected reply %q", resp)
	}
	return nil
}

func (c *Client) Begin(username, password string, strength int) (string, error) {
	if username == "" || strings.ContainsAny(username, " \t\n") {
		return "", fmt.Errorf("invalid username %q", username)
	}
	cmd := "REC " + username
	if password != "" {
		if strings.ContainsAny(password, " \t\n") {
			return "", errors.New("password must not contain whitespace")
		}
		cmd += " " + password
		if strength != 0 {
			cmd += fmt.Sprintf(" %d", strength)
		}
	}
	resp, err := c.roundTrip(cmd, false)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(resp, "OK "), nil
}

func (c *Client) sample(cmd string) (string, error) {
	resp, err := c.roundTrip(cmd, false)
	if err != nil {
		return "", err
	}
	if path, ok := strings.CutPrefix(resp, "SAVED "); ok {
		return path, nil
	}
	return "", nil
}

func (c *Client) Move(x, y int32) (string, error) {
	return c.sample(fmt.Sprintf("MOVE %d %d", x, y))
}

func (c *Client) Press(x, y int32, button schema.Button) (string, error) {
	return c.sample(fmt.Sprintf("DOWN %d %d %s", x, y, button))
}

func (c *Client) Release(x, y int32, button schema.Button) (string, error) {
	return c.sample(fmt.Sprintf("UP %d %d %s", x, y, button))
}

func (c *Client) Scroll(x, y int32, dx, dy int) (string, error) {
	return c.sample(fmt.Sprintf("SCROLL %d %d %d %d", x, y, dx, dy))
}

func (c *Client) Stop() (string, error) {
	resp, err := c.roundTrip("STOP", false)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(resp, "SAVED "), nil
}

func (c *Client) Abort() error {
	_, err := c.roundTrip("ABORT", false)
	return err
}

// Close says goodbye and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprintln(c.conn, "QUIT")
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Forward opens a recording on ing and streams src into it. It returns the
// container path once the daemon saves the recording, either because a
// sample hit the stop predicate or because src ended (or ctx was cancelled)
// and Forward sent STOP. Any other source error aborts the recording.
func Forward(ctx context.Context, ing Ingest, username, password string, strength int, src capture.Source) (string, error) {
	if _, err := ing.Begin(username, password, strength); err != nil {
		return "", err
	}
	var saved string
	streamErr := src.Stream(ctx, func(s capture.Sample) error {
		path, err := send(ing, s)
		if err != nil {
			return err
		}
		if path != "" {
			saved = path
			return errStreamDone
		}
		return nil
	})
	if saved != "" {
		return saved, nil
	}
	// Cancellation ends the stream like exhaustion does: what was sent is saved.
	if streamErr != nil && !errors.Is(streamErr, errStreamDone) && !errors.Is(streamErr, context.Canceled) {
		_ = ing.Abort()
		return "", streamErr
	}
	path, err := ing.Stop()
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", ErrNotSaved
	}
	return path, nil
}

var errStreamDone = errors.New("stream done")

func send(ing SampleWriter, s capture.Sample) (string, error) {
	x, y := s.Position.X, s.Position.Y
	button := s.Button
	if button == "" {
		button = schema.ButtonLeft
	}
	switch s.Kind {
	case schema.KindMove:
		return ing.Move(x, y)
	case schema.KindButtonDown:
		return ing.Press(x, y, button)
	case schema.KindButtonUp:
		return ing.Release(x, y, button)
	case schema.KindScrollUp, schema.KindScrollDown:
		dy := s.DY
		if dy == 0 {
			dy = 1
			if s.Kind == schema.KindScrollDown {
				dy = -1
			}
		}
		return ing.Scroll(x, y, s.DX, dy)
	default:
		return "", fmt.Errorf("unknown sample kind %q", s.Kind)
	}
}
