package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileStorage implements Storage using one directory per bucket and one
// JSON file per entry
type FileStorage struct {
	dir string
	now Clock
	mu  sync.Mutex
}

// NewFileStorage creates a file-based store in dir.
// If dir is empty, uses ~/.voice101_cache
func NewFileStorage(dir string, now Clock) (*FileStorage, error) {
	if dir == "" {
		usr, err := user.Current()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(usr.HomeDir, ".voice101_cache")
	}
	if now == nil {
		now = time.Now
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	return &FileStorage{dir: dir, now: now}, nil
}

// Open implements Storage
func (fs *FileStorage) Open(_ context.Context, name string) (Bucket, error) {
	if !ValidName(name) {
		return nil, ErrInvalidName
	}
	dir := filepath.Join(fs.dir, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &fileBucket{name: name, dir: dir, now: fs.now}, nil
}

// Has implements Storage
func (fs *FileStorage) Has(_ context.Context, name string) (bool, error) {
	if !ValidName(name) {
		return false, nil
	}
	info, err := os.Stat(filepath.Join(fs.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// Delete implements Storage
func (fs *FileStorage) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := fs.Has(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := os.RemoveAll(filepath.Join(fs.dir, name)); err != nil {
		return false, err
	}
	return true, nil
}

// Keys implements Storage
func (fs *FileStorage) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close implements Storage
func (fs *FileStorage) Close() error { return nil }

type fileBucket struct {
	name string
	dir  string
	now  Clock
}

func (b *fileBucket) Name() string { return b.name }

// path generates the full filesystem path for a cache key
func (b *fileBucket) path(key string) string {
	return filepath.Join(b.dir, fileName(key))
}

func (b *fileBucket) Match(_ context.Context, key string) (*Entry, error) {
	entry, err := readEntry(b.path(key))
	if err != nil {
		return nil, err
	}
	if entry.Key != key {
		return nil, ErrCacheNotFound
	}
	return entry, nil
}

func (b *fileBucket) Put(_ context.Context, entry *Entry) error {
	stored := entry.Clone()
	stored.FetchedAt = b.now()

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}

	// Write to temporary file first, then rename (atomic operation)
	path := b.path(stored.Key)
	tmpPath := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

func (b *fileBucket) Delete(_ context.Context, key string) (bool, error) {
	err := os.Remove(b.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *fileBucket) Keys(_ context.Context) ([]string, error) {
	files, err := os.ReadDir(b.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []*Entry
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		entry, err := readEntry(filepath.Join(b.dir, f.Name()))
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].FetchedAt.Equal(entries[j].FetchedAt) {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].FetchedAt.Before(entries[j].FetchedAt)
	})

	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

func readEntry(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrCacheNotFound
	}
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, ErrCacheNotFound
	}
	return &entry, nil
}
