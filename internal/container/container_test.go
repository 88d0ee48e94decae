package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/celerix-dev/celerix-mirror/internal/vault"
	"github.com/celerix-dev/celerix-mirror/pkg/schema"
)

// stubGate is an in-memory AccessGate.
type stubGate struct {
	users    map[string]string
	escrow   map[string]string
	noEscrow bool
	calls    []string
	// afterEscrow runs once a key is escrowed.
	afterEscrow func()
}

func newStubGate() *stubGate {
	return &stubGate{
		users:  map[string]string{"alice": "pw", "bob": "bobpw"},
		escrow: map[string]string{},
	}
}

func (g *stubGate) Authorize(username, password string) bool {
	g.calls = append(g.calls, "authorize")
	pw, ok := g.users[username]
	return ok && pw == password
}

func (g *stubGate) Escrow(username, fileID, secret string) bool {
	g.calls = append(g.calls, "escrow:"+fileID)
	if g.noEscrow {
		return false
	}
	g.escrow[username+"/"+fileID] = secret
	if g.afterEscrow != nil {
		g.afterEscrow()
	}
	return true
}

func (g *stubGate) Revoke(username, fileID string) bool {
	g.calls = append(g.calls, "revoke:"+fileID)
	delete(g.escrow, username+"/"+fileID)
	return true
}

func (g *stubGate) HasAccess(username, fileID string) bool {
	_, ok := g.escrow[username+"/"+fileID]
	return ok
}

var saveTime = time.Date(2024, 3, 14, 9, 26, 53, 0, time.Local)

func sampleSession() schema.Session {
	events := []schema.Event{
		schema.Move(100, 100, 0),
		schema.Move(101, 101, 0.01),
		schema.Move(102, 102, 0.02),
		schema.Move(150, 160, 0.1),
		schema.Click(150, 160, 0.2, schema.ButtonLeft, true),
		schema.Click(150, 160, 0.3, schema.ButtonLeft, false),
		schema.Scroll(150, 160, 0.4, 0, -1),
		schema.Move(151, 160, 0.5),
	}
	return schema.NewSession("alice", time.Date(2024, 3, 14, 9, 26, 0, 0, time.UTC), 0.6, events)
}

func newWriter(t *testing.T, gate AccessGate) *Writer {
	t.Helper()
	w := NewWriter(t.TempDir(), gate, nil)
	w.Clock = func() time.Time { return saveTime }
	return w
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestPlainRoundTrip(t *testing.T) {
	w := newWriter(t, nil)
	report, err := w.Write(context.Background(), sampleSession(), WriteOptions{})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if filepath.Base(report.Path) != "mirror_alice_20240314_092653.gz" {
		t.Fatalf("unexpected path %s", report.Path)
	}
	if report.EventsIn != 8 || report.EventsOut >= report.EventsIn {
		t.Errorf("expected compaction, got %d -> %d", report.EventsIn, report.EventsOut)
	}
	if report.Header.Encrypted || report.Header.Strength != 0 {
		t.Errorf("plain container has header %+v", report.Header)
	}
	if report.Digest == "" || report.StoredSize != report.CompressedSize {
		t.Errorf("unexpected report %+v", report)
	}

	c, err := NewReader(nil, nil).Read(context.Background(), report.Path, ReadOptions{})
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if c.Session.Username != "alice" || c.Session.EventCount != report.EventsOut {
		t.Fatalf("unexpected session %+v", c.Session)
	}
	if c.FileID() != "alice_20240314_092653" {
		t.Errorf("unexpected file id %s", c.FileID())
	}
	last := c.Session.Events[len(c.Session.Events)-1]
	if last.Position != (schema.Point{X: 151, Y: 160}) {
		t.Errorf("last event not retained: %+v", last)
	}
}

func TestEncryptedRoundTripAllStrengths(t *testing.T) {
	for _, strength := range vault.Strengths {
		gate := newStubGate()
		w := newWriter(t, gate)
		report, err := w.Write(context.Background(), sampleSession(), WriteOptions{Encrypt: true, Password: "pw", Strength: strength})
		if err != nil {
			t.Fatalf("strength %d: Write failed: %v", strength, err)
		}
		if !strings.HasSuffix(report.Path, ".enc.gz") {
			t.Fatalf("strength %d: expected .enc.gz, got %s", strength, report.Path)
		}
		if report.Header != (Header{Encrypted: true, Strength: strength}) {
			t.Fatalf("strength %d: unexpected header %+v", strength, report.Header)
		}

		c, err := NewReader(gate, nil).Read(context.Background(), report.Path, ReadOptions{Password: "pw"})
		if err != nil {
			t.Fatalf("strength %d: Read failed: %v", strength, err)
		}
		if c.Header.Strength != strength {
			t.Errorf("strength %d: detected %d", strength, c.Header.Strength)
		}
		if c.Session.EventCount != report.EventsOut {
			t.Errorf("strength %d: expected %d events, got %d", strength, report.EventsOut, c.Session.EventCount)
		}
	}
}

func TestEscrowUsesFileIDAndDerivedKey(t *testing.T) {
	gate := newStubGate()
	w := newWriter(t, gate)
	if _, err := w.Write(context.Background(), sampleSession(), WriteOptions{Encrypt: true, Password: "pw"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	secret, ok := gate.escrow["alice/alice_20240314_092653"]
	if !ok {
		t.Fatalf("no escrow under the file id, calls: %v", gate.calls)
	}
	key, _ := vault.DeriveKey("pw", vault.StrengthBasic)
	if secret != key.Encode() {
		t.Error("escrowed secret should be the derived key")
	}
	if secret == "pw" {
		t.Error("raw password must not be escrowed")
	}
	if gate.calls[0] != "authorize" {
		t.Errorf("authorize must precede escrow, calls: %v", gate.calls)
	}
}

func TestAccessDeniedLeavesNoFile(t *testing.T) {
	gate := newStubGate()
	w := newWriter(t, gate)
	_, err := w.Write(context.Background(), sampleSession(), WriteOptions{Encrypt: true, Password: "wrong"})
	if !errors.Is(err, schema.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if names := dirEntries(t, w.Dir); len(names) != 0 {
		t.Fatalf("denied save left files: %v", names)
	}
	if len(gate.escrow) != 0 {
		t.Fatal("denied save must not escrow")
	}

	gate.noEscrow = true
	_, err = w.Write(context.Background(), sampleSession(), WriteOptions{Encrypt: true, Password: "pw"})
	if !errors.Is(err, schema.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied on escrow refusal, got %v", err)
	}
	if names := dirEntries(t, w.Dir); len(names) != 0 {
		t.Fatalf("refused escrow left files: %v", names)
	}

	nogate := newWriter(t, nil)
	if _, err := nogate.Write(context.Background(), sampleSession(), WriteOptions{Encrypt: true, Password: "pw"}); !errors.Is(err, schema.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied without gate, got %v", err)
	}
}

func TestEmptySessionWritesNothing(t *testing.T) {
	w := newWriter(t, nil)
	session := schema.NewSession("alice", saveTime, 0, nil)
	if _, err := w.Write(context.Background(), session, WriteOptions{}); !errors.Is(err, schema.ErrEmptySession) {
		t.Fatalf("expected ErrEmptySession, got %v", err)
	}
	if names := dirEntries(t, w.Dir); len(names) != 0 {
		t.Fatalf("empty session left files: %v", names)
	}
}

func TestOutOfOrderOffsetsWriteNothing(t *testing.T) {
	w := newWriter(t, nil)
	session := schema.NewSession("bob", saveTime, 1, []schema.Event{
		schema.Click(10, 10, 1.0, schema.ButtonLeft, true),
		schema.Click(10, 10, 0.5, schema.ButtonLeft, false),
	})
	_, err := w.Write(context.Background(), session, WriteOptions{})
	if !errors.Is(err, schema.ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if names := dirEntries(t, w.Dir); len(names) != 0 {
		t.Fatalf("invalid session left files: %v", names)
	}
}

func TestFailedWriteRevokesEscrow(t *testing.T) {
	gate := newStubGate()
	w := newWriter(t, gate)
	// Replace the container directory with a file once the key is escrowed,
	// so the atomic write cannot create its temp file.
	gate.afterEscrow = func() {
		if err := os.RemoveAll(w.Dir); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(w.Dir, []byte("not a dir"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	_, err := w.Write(context.Background(), sampleSession(), WriteOptions{Encrypt: true, Password: "pw"})
	if err == nil {
		t.Fatal("expected write error")
	}
	if len(gate.escrow) != 0 {
		t.Fatalf("escrow left for unwritten container: %v", gate.escrow)
	}
	if last := gate.calls[len(gate.calls)-1]; !strings.HasPrefix(last, "revoke:") {
		t.Fatalf("expected revoke after failed write, calls: %v", gate.calls)
	}
}

func TestCancelAfterEscrowRevokes(t *testing.T) {
	gate := newStubGate()
	w := newWriter(t, gate)
	ctx, cancel := context.WithCancel(context.Background())
	gate.afterEscrow = cancel

	_, err := w.Write(ctx, sampleSession(), WriteOptions{Encrypt: true, Password: "pw"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(gate.escrow) != 0 {
		t.Fatalf("escrow left after cancelled save: %v", gate.escrow)
	}
	if names := dirEntries(t, w.Dir); len(names) != 0 {
		t.Fatalf("cancelled save left files: %v", names)
	}
}

func TestTamperedEncryptedContainer(t *testing.T) {
	gate := newStubGate()
	w := newWriter(t, gate)
	report, err := w.Write(context.Background(), sampleSession(), WriteOptions{Encrypt: true, Password: "pw"})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, _ := os.ReadFile(report.Path)
	data[len(data)/2] ^= 0x01
	if err := os.WriteFile(report.Path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	_, err = NewReader(gate, nil).Read(context.Background(), report.Path, ReadOptions{Password: "pw", Strength: vault.StrengthBasic})
	if !errors.Is(err, schema.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestReadWrongStrength(t *testing.T) {
	gate := newStubGate()
	w := newWriter(t, gate)
	report, err := w.Write(context.Background(), sampleSession(), WriteOptions{Encrypt: true, Password: "pw", Strength: vault.StrengthMedium})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	_, err = NewReader(gate, nil).Read(context.Background(), report.Path, ReadOptions{Password: "pw", Strength: vault.StrengthBasic})
	if !errors.Is(err, schema.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestReadDeniedWithoutAccess(t *testing.T) {
	gate := newStubGate()
	w := newWriter(t, gate)
	report, err := w.Write(context.Background(), sampleSession(), WriteOptions{Encrypt: true, Password: "pw"})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	r := NewReader(gate, nil)

	if _, err := r.Read(context.Background(), report.Path, ReadOptions{Password: "nope"}); !errors.Is(err, schema.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for bad password, got %v", err)
	}
	if _, err := r.Read(context.Background(), report.Path, ReadOptions{Username: "bob", Password: "bobpw"}); !errors.Is(err, schema.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for user without escrow, got %v", err)
	}
}

func TestCorruptPlainContainer(t *testing.T) {
	w := newWriter(t, nil)
	report, err := w.Write(context.Background(), sampleSession(), WriteOptions{})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, _ := os.ReadFile(report.Path)
	if err := os.WriteFile(report.Path, data[:len(data)-6], 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewReader(nil, nil).Read(context.Background(), report.Path, ReadOptions{}); !errors.Is(err, schema.ErrDecompressionFailed) {
		t.Fatalf("expected ErrDecompressionFailed, got %v", err)
	}
}

func TestSameSecondSavesGetDistinctNames(t *testing.T) {
	w := newWriter(t, nil)
	first, err := w.Write(context.Background(), sampleSession(), WriteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := w.Write(context.Background(), sampleSession(), WriteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if first.FileID == second.FileID {
		t.Fatalf("both saves used file id %s", first.FileID)
	}
	if second.FileID != "alice_20240314_092654" {
		t.Errorf("expected next second, got %s", second.FileID)
	}
}

func TestWriteRejectsUnsafeUsername(t *testing.T) {
	w := newWriter(t, nil)
	session := sampleSession()
	session.Username = "../escape"
	if _, err := w.Write(context.Background(), session, WriteOptions{}); err == nil {
		t.Fatal("expected error for path-like username")
	}
}

func TestWriteHonoursCancelledContext(t *testing.T) {
	w := newWriter(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Write(ctx, sampleSession(), WriteOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParseName(t *testing.T) {
	n, err := ParseName("mirror_first_last_20240314_092653.enc.gz")
	if err != nil {
		t.Fatalf("ParseName failed: %v", err)
	}
	if n.Username != "first_last" || !n.Encrypted {
		t.Fatalf("unexpected name %+v", n)
	}
	if n.FileID() != "first_last_20240314_092653" {
		t.Errorf("unexpected file id %s", n.FileID())
	}
	if n.String() != "mirror_first_last_20240314_092653.enc.gz" {
		t.Errorf("String did not round trip: %s", n.String())
	}

	for _, bad := range []string{
		"record_alice_20240314_092653.gz",
		"mirror_alice_20240314_092653.zip",
		"mirror_alice.gz",
		"mirror__20240314_092653.gz",
		"mirror_alice_2024031x_092653.gz",
	} {
		if _, err := ParseName(bad); err == nil {
			t.Errorf("%s: expected error", bad)
		}
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"mirror_bob_20240315_000000.gz",
		"mirror_alice_20240314_000000.enc.gz",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := List(dir)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 containers, got %d", len(entries))
	}
	if entries[0].Name.Username != "alice" || !entries[0].Name.Encrypted {
		t.Errorf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Size != 1 {
		t.Errorf("unexpected size %d", entries[1].Size)
	}

	missing, err := List(filepath.Join(dir, "missing"))
	if err != nil || len(missing) != 0 {
		t.Fatalf("missing dir: %v %v", missing, err)
	}
}

func TestErrorKind(t *testing.T) {
	if ErrorKind(nil) != "" {
		t.Error("nil error should have no kind")
	}
	if ErrorKind(schema.ErrAccessDenied) != "access_denied" {
		t.Error("unexpected kind for access denied")
	}
	if ErrorKind(fmt.Errorf("encode: %w", schema.ErrInvalidSession)) != "invalid_session" {
		t.Error("unexpected kind for invalid session")
	}
	if ErrorKind(errors.New("disk")) != "io" {
		t.Error("unknown errors should be io")
	}
}
