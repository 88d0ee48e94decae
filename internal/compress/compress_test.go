package compress

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/celerix-dev/celerix-mirror/pkg/schema"
)

func payload() []byte {
	return []byte(strings.Repeat(`{"type":"move","position":[120,340],"timestamp":0.25,"params":{}},`, 200))
}

func TestRoundTripAllLevels(t *testing.T) {
	data := payload()
	for level := LevelStore; level <= LevelBest; level++ {
		compressed, err := Compress(data, level)
		if err != nil {
			t.Fatalf("level %d: compress: %v", level, err)
		}
		out, err := Decompress(compressed)
		if err != nil {
			t.Fatalf("level %d: decompress: %v", level, err)
		}
		if !bytes.Equal(out, data) {
			t.Fatalf("level %d: round trip mismatch", level)
		}
	}
}

func TestHigherLevelsShrinkMore(t *testing.T) {
	data := payload()
	stored, err := Compress(data, LevelStore)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	best, err := Compress(data, LevelBest)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if len(stored) <= len(data) {
		t.Errorf("store level should not shrink: %d <= %d", len(stored), len(data))
	}
	if len(best) >= len(data)/4 {
		t.Errorf("expected best level to shrink repetitive data, got %d of %d", len(best), len(data))
	}
}

func TestEmptyPayload(t *testing.T) {
	compressed, err := Compress(nil, LevelStandard)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	out, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty output, got %d bytes", len(out))
	}
}

func TestInvalidLevel(t *testing.T) {
	for _, level := range []int{-1, 10} {
		if _, err := Compress(payload(), level); !errors.Is(err, schema.ErrCompressionFailed) {
			t.Errorf("level %d: expected ErrCompressionFailed, got %v", level, err)
		}
	}
}

func TestDecompressRejectsCorruptInput(t *testing.T) {
	compressed, err := Compress(payload(), LevelBest)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	truncated := compressed[:len(compressed)-6]
	if _, err := Decompress(truncated); !errors.Is(err, schema.ErrDecompressionFailed) {
		t.Errorf("truncated: expected ErrDecompressionFailed, got %v", err)
	}

	flipped := append([]byte(nil), compressed...)
	flipped[len(flipped)-5] ^= 0xff
	if _, err := Decompress(flipped); !errors.Is(err, schema.ErrDecompressionFailed) {
		t.Errorf("bad trailer: expected ErrDecompressionFailed, got %v", err)
	}

	if _, err := Decompress([]byte("plain text")); !errors.Is(err, schema.ErrDecompressionFailed) {
		t.Errorf("foreign bytes: expected ErrDecompressionFailed, got %v", err)
	}
}
