package container

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	filePrefix   = "mirror_"
	extPlain     = ".gz"
	extEncrypted = ".enc.gz"
	stampLayout  = "20060102_150405"
)

// Name is the parsed identity of a container file:
// mirror_<username>_<YYYYMMDD_HHMMSS>.gz or .enc.gz.
type Name struct {
	Username  string
	Created   time.Time
	Encrypted bool
}

// FileID returns "<username>_<YYYYMMDD_HHMMSS>", the key under which the
// container's encryption key is escrowed.
func (n Name) FileID() string {
	return n.Username + "_" + n.Created.Format(stampLayout)
}

// String returns the file name.
func (n Name) String() string {
	ext := extPlain
	if n.Encrypted {
		ext = extEncrypted
	}
	return filePrefix + n.FileID() + ext
}

// ValidUsername reports whether username can be embedded in a file name.
func ValidUsername(username string) error {
	switch {
	case username == "":
		return errors.New("username is required")
	case strings.ContainsAny(username, `/\:*?"<>|`) || strings.ContainsRune(username, 0):
		return fmt.Errorf("username %q contains characters not allowed in file names", username)
	case username == "." || username == "..":
		return fmt.Errorf("username %q is reserved", username)
	}
	return nil
}

// ParseName parses a container file name (without directory). Timestamps are
// interpreted in the local zone, matching how they were written.
func ParseName(base string) (Name, error) {
	var n Name
	rest, ok := strings.CutPrefix(base, filePrefix)
	if !ok {
		return n, fmt.Errorf("%q: missing %q prefix", base, filePrefix)
	}
	switch {
	case strings.HasSuffix(rest, extEncrypted):
		rest = strings.TrimSuffix(rest, extEncrypted)
		n.Encrypted = true
	case strings.HasSuffix(rest, extPlain):
		rest = strings.TrimSuffix(rest, extPlain)
	default:
		return n, fmt.Errorf("%q: unknown extension", base)
	}

	// The stamp is the last 15 characters, preceded by an underscore.
	if len(rest) < len(stampLayout)+2 || rest[len(rest)-len(stampLayout)-1] != '_' {
		return n, fmt.Errorf("%q: missing timestamp", base)
	}
	stamp := rest[len(rest)-len(stampLayout):]
	created, err := time.ParseInLocation(stampLayout, stamp, time.Local)
	if err != nil {
		return n, fmt.Errorf("%q: bad timestamp: %w", base, err)
	}
	n.Username = rest[:len(rest)-len(stampLayout)-1]
	n.Created = created
	if err := ValidUsername(n.Username); err != nil {
		return n, fmt.Errorf("%q: %w", base, err)
	}
	return n, nil
}

// Entry describes a container found on disk.
type Entry struct {
	Name    Name
	Path    string
	Size    int64
	ModTime time.Time
}

// List enumerates the containers in dir, oldest first. Files that do not
// follow the naming scheme are skipped. A missing directory yields no entries.
func List(dir string) ([]Entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Entry
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		name, err := ParseName(f.Name())
		if err != nil {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:    name,
			Path:    filepath.Join(dir, f.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Name.Created.Equal(out[j].Name.Created) {
			return out[i].Name.Created.Before(out[j].Name.Created)
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}
