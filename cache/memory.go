package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStorage keeps buckets in process memory
type MemoryStorage struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	now     Clock
}

// NewMemoryStorage creates an empty in-memory store. A nil clock uses time.Now.
func NewMemoryStorage(now Clock) *MemoryStorage {
	if now == nil {
		now = time.Now
	}
	return &MemoryStorage{buckets: make(map[string]*memoryBucket), now: now}
}

// Open implements Storage
func (ms *MemoryStorage) Open(_ context.Context, name string) (Bucket, error) {
	if !ValidName(name) {
		return nil, ErrInvalidName
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	b, ok := ms.buckets[name]
	if !ok {
		b = &memoryBucket{name: name, entries: make(map[string]*Entry), now: ms.now}
		ms.buckets[name] = b
	}
	return b, nil
}

// Has implements Storage
func (ms *MemoryStorage) Has(_ context.Context, name string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	_, ok := ms.buckets[name]
	return ok, nil
}

// Delete implements Storage
func (ms *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	_, ok := ms.buckets[name]
	delete(ms.buckets, name)
	return ok, nil
}

// Keys implements Storage
func (ms *MemoryStorage) Keys(_ context.Context) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	names := make([]string, 0, len(ms.buckets))
	for name := range ms.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close implements Storage
func (ms *MemoryStorage) Close() error { return nil }

type memoryBucket struct {
	name    string
	now     Clock
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string
}

func (b *memoryBucket) Name() string { return b.name }

func (b *memoryBucket) Match(_ context.Context, key string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return nil, ErrCacheNotFound
	}
	return e.Clone(), nil
}

func (b *memoryBucket) Put(_ context.Context, entry *Entry) error {
	stored := entry.Clone()
	stored.FetchedAt = b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[stored.Key]; ok {
		b.removeFromOrder(stored.Key)
	}
	b.entries[stored.Key] = stored
	b.order = append(b.order, stored.Key)
	return nil
}

func (b *memoryBucket) Delete(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[key]; !ok {
		return false, nil
	}
	delete(b.entries, key)
	b.removeFromOrder(key)
	return true, nil
}

func (b *memoryBucket) Keys(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...), nil
}

func (b *memoryBucket) removeFromOrder(key string) {
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}
