package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/voice101/strategy"
)

// Source loads the bytes of a worker script
type Source interface {
	Load(ctx context.Context) ([]byte, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context) ([]byte, error)

// Load implements Source
func (f SourceFunc) Load(ctx context.Context) ([]byte, error) { return f(ctx) }

// Bytes is a fixed in-memory script
type Bytes []byte

// Load implements Source
func (b Bytes) Load(context.Context) ([]byte, error) { return append([]byte(nil), b...), nil }

// HTTPSource fetches the script through the network, bypassing any cache
type HTTPSource struct {
	Fetcher strategy.Fetcher
	URL     string
}

// Load implements Source
func (s HTTPSource) Load(ctx context.Context) ([]byte, error) {
	if s.Fetcher == nil {
		return nil, fmt.Errorf("fetch %s: no fetcher", s.URL)
	}
	req, err := strategy.NewRequest(http.MethodGet, s.URL)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Service-Worker", "script")
	resp, err := s.Fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", s.URL, resp.Status)
	}
	return resp.Body, nil
}

// FileSource reads the script from disk
type FileSource struct {
	Path string
	// Debounce collapses bursts of writes, 250ms when zero
	Debounce time.Duration
}

// Load implements Source
func (s FileSource) Load(context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read worker script: %w", err)
	}
	return data, nil
}

// Watch calls reg.Update whenever the script file changes, until ctx is
// done. The parent directory is watched so editors that replace the file by
// rename are seen too.
func (s FileSource) Watch(ctx context.Context, reg *Registration, logger zerolog.Logger) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	target, err := filepath.Abs(s.Path)
	if err != nil {
		_ = fsw.Close()
		return err
	}
	if err := fsw.Add(filepath.Dir(target)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	delay := s.Debounce
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}

	go func() {
		defer fsw.Close() //nolint:errcheck
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(delay)
				} else {
					timer.Reset(delay)
				}
				fire = timer.C
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Str("path", target).Msg("script watch error")
			case <-fire:
				fire = nil
				v, err := reg.Update(ctx)
				switch {
				case err != nil:
					logger.Warn().Err(err).Str("path", target).Msg("script update failed")
				case v != nil:
					logger.Info().Str("version", v.ID()).Str("state", v.State().String()).Msg("script change installed")
				}
			}
		}
	}()
	return nil
}
