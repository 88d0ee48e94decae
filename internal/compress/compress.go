// Package compress implements the reversible byte-level compression stage.
// Payloads are gzip streams; the level only changes how hard the encoder
// works, so decompression never needs to know it.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/celerix-dev/celerix-mirror/pkg/schema"
)

// Named compression levels.
const (
	LevelStore    = 0
	LevelFast     = 1
	LevelStandard = 6
	LevelBest     = 9
)

// ValidLevel reports whether level is in 0..9.
func ValidLevel(level int) bool {
	return level >= LevelStore && level <= LevelBest
}

// Compress gzips data at the given level.
func Compress(data []byte, level int) ([]byte, error) {
	if !ValidLevel(level) {
		return nil, fmt.Errorf("%w: level %d outside 0..9", schema.ErrCompressionFailed, level)
	}

	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrCompressionFailed, err)
	}
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("%w: %v", schema.ErrCompressionFailed, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrCompressionFailed, err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress. The gzip trailer (CRC-32 and length) is
// verified, so truncated or corrupted input fails instead of returning a prefix.
func Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrDecompressionFailed, err)
	}
	defer reader.Close()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrDecompressionFailed, err)
	}
	if err := reader.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrDecompressionFailed, err)
	}
	return out, nil
}
