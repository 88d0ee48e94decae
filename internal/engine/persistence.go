package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Persistence handles the disk I/O for the MemStore: one JSON file per owner.
type Persistence struct {
	DataDir string
	mu      sync.Mutex // Protects concurrent writes to the filesystem
	logger  *slog.Logger
	// written holds the newest snapshot version saved per owner.
	written map[string]uint64
}

// NewPersistence initializes a persistence handler, creating dir if needed.
func NewPersistence(dir string, logger *slog.Logger) (*Persistence, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persistence{DataDir: dir, logger: logger, written: make(map[string]uint64)}, nil
}

// SaveOwner writes a single owner's data to a JSON file atomically.
func (p *Persistence) SaveOwner(owner string, data map[string]map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(owner, data)
}

// SaveOwnerVersion writes data unless a snapshot of owner with a version at
// or above version was already written. It reports whether it wrote.
// Background saves may finish out of order; the version keeps an older
// snapshot from replacing a newer file.
func (p *Persistence) SaveOwnerVersion(owner string, version uint64, data map[string]map[string]any) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if version <= p.written[owner] {
		return false, nil
	}
	if err := p.write(owner, data); err != nil {
		return false, err
	}
	p.written[owner] = version
	return true, nil
}

func (p *Persistence) write(owner string, data map[string]map[string]any) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(filepath.Join(p.DataDir, owner+".json"), content, 0o600)
}

// LoadAll returns all owner data found in the data directory.
// Unreadable or corrupt files are skipped with a warning.
func (p *Persistence) LoadAll() (map[string]map[string]map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all := make(map[string]map[string]map[string]any)

	files, err := os.ReadDir(p.DataDir)
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || filepath.Ext(name) != ".json" || strings.HasPrefix(name, ".") {
			continue
		}
		owner := strings.TrimSuffix(name, ".json")

		content, err := os.ReadFile(filepath.Join(p.DataDir, name))
		if err != nil {
			p.logger.Warn("could not read owner file", "file", name, "error", err)
			continue
		}
		var buckets map[string]map[string]any
		if err := json.Unmarshal(content, &buckets); err != nil {
			p.logger.Warn("could not decode owner file", "file", name, "error", err)
			continue
		}
		all[owner] = buckets
	}
	return all, nil
}

// WriteFileAtomic writes content to a temp file in the destination directory,
// syncs it and renames it over path. Readers see either the old file or the
// complete new one; the temp file is removed on every failure path.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(parent, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("remove destination before rename: %w", rmErr)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			return fmt.Errorf("rename temp file after remove: %w", err)
		}
	}
	cleanup = false

	if dir, err := os.Open(parent); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}
