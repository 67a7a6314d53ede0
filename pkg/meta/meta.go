package meta

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry is a cached digest for one object. It is only valid while the object
// still has Size bytes.
type Entry struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	Algorithm string    `json:"algorithm"`
	Digest    []byte    `json:"digest"`
	StoredAt  time.Time `json:"stored_at"`
}

// Store persists object digests so repeated hash requests skip the full read.
type Store interface {
	// Lookup returns the entry for key when its size and algorithm match.
	Lookup(ctx context.Context, key string, size int64, algorithm string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key string) error
	// List returns up to limit entries with keys greater than after, in key
	// order.
	List(ctx context.Context, after string, limit int) ([]Entry, error)
	// Prune deletes entries stored before cutoff and reports how many.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// MemoryStore is a simple in-memory implementation for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (m *MemoryStore) Lookup(ctx context.Context, key string, size int64, algorithm string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || e.Size != size || e.Algorithm != algorithm {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (m *MemoryStore) Put(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Digest = append([]byte(nil), e.Digest...)
	m.entries[e.Key] = e
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, after string, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		if k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.entries[k])
	}
	return out, nil
}

func (m *MemoryStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for k, e := range m.entries {
		if e.StoredAt.Before(cutoff) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }
