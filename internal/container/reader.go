package container

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/celerix-dev/celerix-mirror/internal/codec"
	"github.com/celerix-dev/celerix-mirror/internal/compress"
	"github.com/celerix-dev/celerix-mirror/internal/vault"
	"github.com/celerix-dev/celerix-mirror/pkg/schema"
)

// ReadOptions carries the credentials for an encrypted container.
type ReadOptions struct {
	// Username defaults to the owner encoded in the file name.
	Username string
	Password string
	// Strength selects the key derivation tier. Zero tries every tier from
	// the lowest up and keeps the first that authenticates.
	Strength vault.Strength
}

// Reader loads container files.
type Reader struct {
	Gate     AccessGate
	Observer Observer
	Logger   *slog.Logger
}

// NewReader returns a reader consulting gate for encrypted containers.
func NewReader(gate AccessGate, logger *slog.Logger) *Reader {
	return &Reader{Gate: gate, Logger: logger}
}

func (r *Reader) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Read loads and decodes the container at path. Nothing is decoded unless
// every earlier stage succeeded.
func (r *Reader) Read(ctx context.Context, path string, opts ReadOptions) (Container, error) {
	start := time.Now()
	c, err := r.read(ctx, path, opts)
	if r.Observer != nil {
		r.Observer.ObserveLoad(c.Header.Encrypted, time.Since(start), ErrorKind(err))
	}
	if err != nil {
		r.logger().Warn("load failed", "path", path, "error", err)
		return Container{}, err
	}
	r.logger().Info("recording loaded",
		"path", path,
		"file_id", c.FileID(),
		"encrypted", c.Header.Encrypted,
		"strength", int(c.Header.Strength),
		"events", c.Session.EventCount,
	)
	return c, nil
}

func (r *Reader) read(ctx context.Context, path string, opts ReadOptions) (Container, error) {
	name, err := ParseName(filepath.Base(path))
	if err != nil {
		return Container{}, fmt.Errorf("%w: %v", schema.ErrMalformedContainer, err)
	}
	c := Container{Path: path, Name: name, Header: Header{Encrypted: name.Encrypted}}

	payload, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read container: %w", err)
	}

	if name.Encrypted {
		plain, strength, err := r.open(ctx, name, payload, opts)
		if err != nil {
			return c, err
		}
		payload = plain
		c.Header.Strength = strength
	}

	encoded, err := compress.Decompress(payload)
	if err != nil {
		return c, err
	}
	session, err := codec.Decode(encoded)
	if err != nil {
		return c, err
	}
	c.Session = session
	return c, nil
}

func (r *Reader) open(ctx context.Context, name Name, token []byte, opts ReadOptions) ([]byte, vault.Strength, error) {
	if r.Gate == nil {
		return nil, 0, fmt.Errorf("%w: no access gate configured", schema.ErrAccessDenied)
	}
	user := opts.Username
	if user == "" {
		user = name.Username
	}
	if opts.Password == "" || !r.Gate.Authorize(user, opts.Password) {
		return nil, 0, fmt.Errorf("%w: %s is not an authorized encryption user", schema.ErrAccessDenied, user)
	}
	if !r.Gate.HasAccess(user, name.FileID()) {
		return nil, 0, fmt.Errorf("%w: %s has no access to %s", schema.ErrAccessDenied, user, name.FileID())
	}

	tiers := vault.Strengths
	if opts.Strength != 0 {
		if !opts.Strength.Valid() {
			return nil, 0, fmt.Errorf("invalid strength level %d", opts.Strength)
		}
		tiers = []vault.Strength{opts.Strength}
	}
	for _, strength := range tiers {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		key, err := vault.DeriveKey(opts.Password, strength)
		if err != nil {
			return nil, 0, err
		}
		plain, err := vault.Open(token, key)
		if err == nil {
			return plain, strength, nil
		}
		r.logger().Debug("strength tier did not authenticate", "file_id", name.FileID(), "strength", int(strength))
	}
	return nil, 0, fmt.Errorf("%w: %s", schema.ErrAuthenticationFailed, name.FileID())
}
