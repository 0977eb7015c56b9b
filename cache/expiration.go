package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Expiration is a bucket's eviction policy. Zero values disable a limit.
type Expiration struct {
	MaxEntries int
	MaxAge     time.Duration
}

// Enabled reports whether any limit is set
func (x Expiration) Enabled() bool {
	return x.MaxEntries > 0 || x.MaxAge > 0
}

// Fresh reports whether entry is still within MaxAge at now
func (x Expiration) Fresh(entry *Entry, now time.Time) bool {
	if entry == nil {
		return false
	}
	if x.MaxAge <= 0 {
		return true
	}
	return now.Sub(entry.FetchedAt) <= x.MaxAge
}

// Enforce deletes expired entries, then the oldest entries beyond
// MaxEntries. It returns the number of entries removed.
func (x Expiration) Enforce(ctx context.Context, b Bucket, now time.Time) (int, error) {
	if !x.Enabled() {
		return 0, nil
	}

	keys, err := b.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", b.Name(), err)
	}

	removed := 0
	if x.MaxAge > 0 {
		// keys are oldest first; stop at the first fresh one
		for len(keys) > 0 {
			entry, err := b.Match(ctx, keys[0])
			if err != nil && !errors.Is(err, ErrCacheNotFound) {
				return removed, err
			}
			if err == nil && x.Fresh(entry, now) {
				break
			}
			if _, err := b.Delete(ctx, keys[0]); err != nil {
				return removed, err
			}
			removed++
			keys = keys[1:]
		}
	}

	if x.MaxEntries > 0 && len(keys) > x.MaxEntries {
		for _, key := range keys[:len(keys)-x.MaxEntries] {
			if _, err := b.Delete(ctx, key); err != nil {
				return removed, err
			}
			removed++
		}
	}

	return removed, nil
}
