package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/celerix-dev/celerix-mirror/internal/codec"
	"github.com/celerix-dev/celerix-mirror/internal/compact"
	"github.com/celerix-dev/celerix-mirror/internal/compress"
	"github.com/celerix-dev/celerix-mirror/internal/engine"
	"github.com/celerix-dev/celerix-mirror/internal/vault"
	"github.com/celerix-dev/celerix-mirror/pkg/schema"
)

// maxNameProbes bounds the search for an unused timestamp when several
// containers are saved for one user within the same second.
const maxNameProbes = 60

// WriteOptions selects encryption for one save.
type WriteOptions struct {
	Encrypt  bool
	Password string
	// Strength is the key derivation tier; zero means the writer's default.
	Strength vault.Strength
}

// Report summarises a save. It is diagnostic only.
type Report struct {
	Path           string
	FileID         string
	Header         Header
	EventsIn       int
	EventsOut      int
	OriginalSize   int
	CompressedSize int
	StoredSize     int
	// Reduction is the compression saving in percent of the encoded size.
	Reduction float64
	// Digest is the canonical JSON digest of the encoded session.
	Digest string
}

// Writer saves sessions into Dir.
type Writer struct {
	Dir      string
	Level    int
	Strength vault.Strength
	Gate     AccessGate
	Observer Observer
	Logger   *slog.Logger
	Clock    func() time.Time
}

// NewWriter returns a writer using the standard compression level and the
// basic key derivation tier.
func NewWriter(dir string, gate AccessGate, logger *slog.Logger) *Writer {
	return &Writer{
		Dir:      dir,
		Level:    compress.LevelStandard,
		Strength: vault.StrengthBasic,
		Gate:     gate,
		Logger:   logger,
	}
}

func (w *Writer) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *Writer) now() time.Time {
	if w.Clock != nil {
		return w.Clock()
	}
	return time.Now()
}

// Write compacts, encodes, compresses and optionally encrypts session, then
// writes it atomically. An empty session returns schema.ErrEmptySession and
// writes nothing; so does any denial from the access gate.
func (w *Writer) Write(ctx context.Context, session schema.Session, opts WriteOptions) (Report, error) {
	start := time.Now()
	report, err := w.write(ctx, session, opts)
	if w.Observer != nil {
		w.Observer.ObserveSave(opts.Encrypt, report.StoredSize, time.Since(start), ErrorKind(err))
	}
	if err != nil {
		w.logger().Warn("save failed", "user", session.Username, "encrypted", opts.Encrypt, "error", err)
		return Report{}, err
	}
	w.logger().Info("recording saved",
		"path", report.Path,
		"file_id", report.FileID,
		"encrypted", report.Header.Encrypted,
		"events_in", report.EventsIn,
		"events_out", report.EventsOut,
		"original_bytes", report.OriginalSize,
		"stored_bytes", report.StoredSize,
		"reduction_pct", fmt.Sprintf("%.2f", report.Reduction),
	)
	return report, nil
}

func (w *Writer) write(ctx context.Context, session schema.Session, opts WriteOptions) (Report, error) {
	var report Report
	if len(session.Events) == 0 {
		return report, schema.ErrEmptySession
	}
	if err := ValidUsername(session.Username); err != nil {
		return report, err
	}
	if err := session.WithEvents(session.Events).Validate(); err != nil {
		return report, fmt.Errorf("%w: %v", schema.ErrInvalidSession, err)
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	compacted := compact.Events(session.Events)
	out := session.WithEvents(compacted)
	report.EventsIn = len(session.Events)
	report.EventsOut = len(compacted)
	w.logger().Debug("compacted events", "in", report.EventsIn, "out", report.EventsOut)

	encoded, err := codec.Encode(out)
	if err != nil {
		return report, err
	}
	report.OriginalSize = len(encoded)
	if report.Digest, err = codec.Digest(encoded); err != nil {
		return report, err
	}

	payload, err := compress.Compress(encoded, w.Level)
	if err != nil {
		return report, err
	}
	report.CompressedSize = len(payload)
	if report.OriginalSize > 0 {
		report.Reduction = (1 - float64(report.CompressedSize)/float64(report.OriginalSize)) * 100
	}

	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return report, fmt.Errorf("create container dir: %w", err)
	}
	name, err := w.allocateName(session.Username, opts.Encrypt)
	if err != nil {
		return report, err
	}
	report.FileID = name.FileID()

	if opts.Encrypt {
		strength := opts.Strength
		if strength == 0 {
			strength = w.Strength
		}
		if payload, err = w.seal(ctx, name, payload, opts.Password, strength); err != nil {
			return report, err
		}
		report.Header = Header{Encrypted: true, Strength: strength}
	}

	path := filepath.Join(w.Dir, name.String())
	if err := store(ctx, path, payload); err != nil {
		if opts.Encrypt {
			w.revoke(name)
		}
		return report, err
	}
	report.Path = path
	report.StoredSize = len(payload)
	return report, nil
}

// seal authorizes the user, escrows the derived key under the file id and
// encrypts payload. The file id is fixed before the escrow call.
func (w *Writer) seal(ctx context.Context, name Name, payload []byte, password string, strength vault.Strength) ([]byte, error) {
	if !strength.Valid() {
		return nil, fmt.Errorf("invalid strength level %d", strength)
	}
	if w.Gate == nil {
		return nil, fmt.Errorf("%w: no access gate configured", schema.ErrAccessDenied)
	}
	if password == "" || !w.Gate.Authorize(name.Username, password) {
		return nil, fmt.Errorf("%w: %s is not an authorized encryption user", schema.ErrAccessDenied, name.Username)
	}

	key, err := vault.DeriveKey(password, strength)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !w.Gate.Escrow(name.Username, name.FileID(), key.Encode()) {
		return nil, fmt.Errorf("%w: key escrow refused for %s", schema.ErrAccessDenied, name.FileID())
	}
	token, err := vault.Seal(payload, key)
	if err != nil {
		return nil, err
	}
	w.logger().Debug("payload encrypted", "file_id", name.FileID(), "strength", int(strength))
	return token, nil
}

func store(ctx context.Context, path string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := engine.WriteFileAtomic(path, payload, 0o600); err != nil {
		return fmt.Errorf("write container: %w", err)
	}
	return nil
}

// revoke takes back the key escrowed for a container that was not written,
// so the escrow store never lists a file that does not exist.
func (w *Writer) revoke(name Name) {
	if !w.Gate.Revoke(name.Username, name.FileID()) {
		w.logger().Warn("escrow left for unwritten container", "file_id", name.FileID())
	}
}

// allocateName picks the first unused name at or after now.
func (w *Writer) allocateName(username string, encrypted bool) (Name, error) {
	created := w.now().Local().Truncate(time.Second)
	for i := 0; i < maxNameProbes; i++ {
		name := Name{Username: username, Created: created, Encrypted: encrypted}
		if !w.taken(name) {
			return name, nil
		}
		created = created.Add(time.Second)
	}
	return Name{}, errors.New("no free container name for " + username)
}

// taken reports whether either variant of name exists, so a plain and an
// encrypted container never share a file id.
func (w *Writer) taken(name Name) bool {
	for _, enc := range []bool{false, true} {
		name.Encrypted = enc
		if _, err := os.Stat(filepath.Join(w.Dir, name.String())); err == nil {
			return true
		}
	}
	return false
}
