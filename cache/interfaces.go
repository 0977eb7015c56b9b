// Package cache provides named buckets of request/response snapshots with
// per-bucket expiration. It is the durable state of the offline runtime:
// strategies read and write buckets, the lifecycle creates and deletes them.
package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrCacheNotFound is returned when a cache entry is not found or expired
	ErrCacheNotFound = errors.New("cache entry not found or expired")

	// ErrBucketNotFound is returned when a named bucket does not exist
	ErrBucketNotFound = errors.New("cache bucket not found")

	// ErrInvalidName is returned for bucket names that cannot be stored safely
	ErrInvalidName = errors.New("invalid cache name")
)

// Entry represents a cached response with metadata
type Entry struct {
	Key       string      `json:"key"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	Body      []byte      `json:"body"`
	FetchedAt time.Time   `json:"fetched_at"`
}

// Clone returns a deep copy so callers never share header maps or bodies
// with the stored snapshot.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Header = e.Header.Clone()
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	return &c
}

// Bucket is one named partition of the store. At most one entry exists per
// key; Put replaces it and refreshes its insertion time.
type Bucket interface {
	// Name returns the bucket's CacheName
	Name() string

	// Match returns the entry for key, or ErrCacheNotFound
	Match(ctx context.Context, key string) (*Entry, error)

	// Put stores entry under entry.Key, stamping FetchedAt with the store clock
	Put(ctx context.Context, entry *Entry) error

	// Delete removes key and reports whether it existed
	Delete(ctx context.Context, key string) (bool, error)

	// Keys lists stored keys, oldest insertion first
	Keys(ctx context.Context) ([]string, error)
}

// Storage enumerates, opens and deletes buckets
type Storage interface {
	// Open returns the named bucket, creating it when missing
	Open(ctx context.Context, name string) (Bucket, error)

	// Has reports whether the named bucket exists
	Has(ctx context.Context, name string) (bool, error)

	// Delete removes the bucket and all its entries
	Delete(ctx context.Context, name string) (bool, error)

	// Keys lists bucket names in lexical order
	Keys(ctx context.Context) ([]string, error)

	// Close releases any underlying handles
	Close() error
}

// Clock returns the current time; stores take one so tests can order inserts
type Clock func() time.Time
