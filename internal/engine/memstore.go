package engine

import (
	"log/slog"
	"sort"
	"sync"
)

// MemStore is the embedded engine: an in-memory owner/bucket/key map whose
// owners are written to disk in the background after every change.
type MemStore struct {
	mu sync.RWMutex
	// Structure: [owner][bucket][key]value
	data      map[string]map[string]map[string]any
	persister *Persistence
	logger    *slog.Logger
	// versions counts changes per owner; snapshots carry the count.
	versions map[string]uint64
	wg       sync.WaitGroup
	closed   bool
}

// NewMemStore initializes a store from existing data (from LoadAll) and an
// optional persister. A nil persister keeps everything in memory.
func NewMemStore(initialData map[string]map[string]map[string]any, p *Persistence, logger *slog.Logger) *MemStore {
	if initialData == nil {
		initialData = make(map[string]map[string]map[string]any)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemStore{
		data:      initialData,
		persister: p,
		logger:    logger,
		versions:  make(map[string]uint64),
	}
}

// OpenMemStore loads every owner file from dir and returns a store that
// persists into it.
func OpenMemStore(dir string, logger *slog.Logger) (*MemStore, error) {
	p, err := NewPersistence(dir, logger)
	if err != nil {
		return nil, err
	}
	data, err := p.LoadAll()
	if err != nil {
		return nil, err
	}
	return NewMemStore(data, p, logger), nil
}

// Wait waits for all background persistence tasks to complete.
func (m *MemStore) Wait() {
	m.wg.Wait()
}

// Close waits for pending writes. Further writes fail with ErrStoreClosed.
func (m *MemStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

func (m *MemStore) Get(owner, bucket, key string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	buckets, ok := m.data[owner]
	if !ok {
		return nil, ErrOwnerNotFound
	}
	kv, ok := buckets[bucket]
	if !ok {
		return nil, ErrBucketNotFound
	}
	val, ok := kv[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return val, nil
}

func (m *MemStore) Set(owner, bucket, key string, val any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStoreClosed
	}
	if m.data[owner] == nil {
		m.data[owner] = make(map[string]map[string]any)
	}
	if m.data[owner][bucket] == nil {
		m.data[owner][bucket] = make(map[string]any)
	}
	m.data[owner][bucket][key] = val

	snapshot := m.copyOwner(owner)
	m.persist(owner, snapshot)
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Delete(owner, bucket, key string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStoreClosed
	}
	if buckets, ok := m.data[owner]; ok {
		if kv, ok := buckets[bucket]; ok {
			delete(kv, key)
		}
	}
	snapshot := m.copyOwner(owner)
	m.persist(owner, snapshot)
	m.mu.Unlock()
	return nil
}

// persist schedules a background save of an owner snapshot.
// It MUST be called while holding m.mu.Lock so Close cannot race the Add.
func (m *MemStore) persist(owner string, snapshot map[string]map[string]any) {
	if m.persister == nil || snapshot == nil {
		return
	}
	m.versions[owner]++
	version := m.versions[owner]
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		written, err := m.persister.SaveOwnerVersion(owner, version, snapshot)
		if err != nil {
			m.logger.Error("persist owner", "owner", owner, "error", err)
			return
		}
		if !written {
			m.logger.Debug("stale snapshot skipped", "owner", owner, "version", version)
		}
	}()
}

// copyOwner creates a deep copy of an owner's buckets.
// It MUST be called while holding m.mu.Lock or m.mu.RLock.
func (m *MemStore) copyOwner(owner string) map[string]map[string]any {
	original, ok := m.data[owner]
	if !ok {
		return nil
	}
	out := make(map[string]map[string]any, len(original))
	for bucket, kv := range original {
		cp := make(map[string]any, len(kv))
		for k, v := range kv {
			cp[k] = v
		}
		out[bucket] = cp
	}
	return out
}

func (m *MemStore) Owners() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]string, 0, len(m.data))
	for id := range m.data {
		list = append(list, id)
	}
	sort.Strings(list)
	return list, nil
}

func (m *MemStore) Buckets(owner string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var list []string
	for bucket := range m.data[owner] {
		list = append(list, bucket)
	}
	sort.Strings(list)
	return list, nil
}

func (m *MemStore) Bucket(owner, bucket string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if buckets, ok := m.data[owner]; ok {
		if kv, ok := buckets[bucket]; ok {
			out := make(map[string]any, len(kv))
			for k, v := range kv {
				out[k] = v
			}
			return out, nil
		}
	}
	return nil, ErrBucketNotFound
}
