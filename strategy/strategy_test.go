package strategy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/voice101/cache"
)

const origin = "https://voice101.dev"

// fakeNetwork answers from a per-URL table and counts calls
type fakeNetwork struct {
	mu      sync.Mutex
	calls   atomic.Int32
	offline bool
	delay   time.Duration
	answers map[string]*Response
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{answers: make(map[string]*Response)}
}

func (n *fakeNetwork) set(url string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.answers[url] = &Response{Status: status, Header: http.Header{}, Body: []byte(body)}
}

func (n *fakeNetwork) goOffline() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = true
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	n.calls.Add(1)
	n.mu.Lock()
	offline, delay := n.offline, n.delay
	answer, ok := n.answers[req.URL.String()]
	n.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if offline {
		return nil, ErrOffline
	}
	if !ok {
		return &Response{Status: http.StatusNotFound, Header: http.Header{}}, nil
	}
	return answer.Clone(), nil
}

// testLifetime collects background work like a fetch event does
type testLifetime struct {
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

func (l *testLifetime) WaitUntil(fn func(ctx context.Context) error) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := fn(context.Background()); err != nil {
			l.mu.Lock()
			l.errs = append(l.errs, err)
			l.mu.Unlock()
		}
	}()
}

func (l *testLifetime) Wait() error {
	l.wg.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.Join(l.errs...)
}

func newDeps(net Fetcher) (Deps, cache.Storage) {
	store := cache.NewMemoryStorage(nil)
	return Deps{Storage: store, Fetcher: net, Logger: zerolog.Nop()}, store
}

func get(t *testing.T, path string) *Request {
	t.Helper()
	req, err := NewRequest(http.MethodGet, origin+path)
	require.NoError(t, err)
	return req
}

func navigate(t *testing.T, path string) *Request {
	req := get(t, path)
	req.Mode = ModeNavigate
	req.Destination = "document"
	req.Header.Set("Accept", "text/html")
	return req
}

func seed(t *testing.T, store cache.Storage, bucket string, req *Request, status int, body string) {
	t.Helper()
	b, err := store.Open(context.Background(), bucket)
	require.NoError(t, err)
	require.NoError(t, b.Put(context.Background(), &cache.Entry{Key: req.Key(), Status: status, Body: []byte(body)}))
}

func countEntries(t *testing.T, store cache.Storage, bucket string) int {
	t.Helper()
	b, err := store.Open(context.Background(), bucket)
	require.NoError(t, err)
	keys, err := b.Keys(context.Background())
	require.NoError(t, err)
	return len(keys)
}

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	net := newFakeNetwork()
	net.set(origin+"/img/mic.png", 200, "fresh")
	deps, store := newDeps(net)
	req := get(t, "/img/mic.png")
	seed(t, store, "voice101-images", req, 200, "cached")

	h := NewCacheFirst(deps, Options{CacheName: "voice101-images", Expiration: cache.Expiration{MaxAge: time.Hour}})
	resp, err := h.Handle(context.Background(), &testLifetime{}, req)
	require.NoError(t, err)

	assert.Equal(t, "cached", string(resp.Body))
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, int32(0), net.calls.Load())
}

func TestCacheFirstMissStoresOnce(t *testing.T) {
	net := newFakeNetwork()
	net.set(origin+"/img/mic.png", 200, "png")
	deps, store := newDeps(net)
	req := get(t, "/img/mic.png")

	h := NewCacheFirst(deps, Options{CacheName: "voice101-images"})
	resp, err := h.Handle(context.Background(), &testLifetime{}, req)
	require.NoError(t, err)

	assert.Equal(t, SourceNetwork, resp.Source)
	assert.Equal(t, int32(1), net.calls.Load())
	assert.Equal(t, 1, countEntries(t, store, "voice101-images"))

	// second request is served from cache
	resp, err = h.Handle(context.Background(), &testLifetime{}, req)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, int32(1), net.calls.Load())
}

func TestCacheFirstExpiredIsMiss(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	current := now
	clock := func() time.Time { return current }

	net := newFakeNetwork()
	net.set(origin+"/fonts/inter.woff2", 200, "new")
	store := cache.NewMemoryStorage(clock)
	deps := Deps{Storage: store, Fetcher: net, Logger: zerolog.Nop(), Clock: clock}
	req := get(t, "/fonts/inter.woff2")
	seed(t, store, "voice101-google-fonts-webfonts", req, 200, "old")

	current = now.Add(48 * time.Hour)
	h := NewCacheFirst(deps, Options{
		CacheName:  "voice101-google-fonts-webfonts",
		Expiration: cache.Expiration{MaxAge: 24 * time.Hour},
	})
	resp, err := h.Handle(context.Background(), &testLifetime{}, req)
	require.NoError(t, err)
	assert.Equal(t, "new", string(resp.Body))
	assert.Equal(t, int32(1), net.calls.Load())
}

func TestCacheFirstEvictsOldest(t *testing.T) {
	net := newFakeNetwork()
	deps, store := newDeps(net)
	h := NewCacheFirst(deps, Options{CacheName: "voice101-images", Expiration: cache.Expiration{MaxEntries: 2}})

	var reqs []*Request
	for _, p := range []string{"/a.png", "/b.png", "/c.png"} {
		net.set(origin+p, 200, p)
		req := get(t, p)
		reqs = append(reqs, req)
		_, err := h.Handle(context.Background(), &testLifetime{}, req)
		require.NoError(t, err)
	}

	b, err := store.Open(context.Background(), "voice101-images")
	require.NoError(t, err)
	keys, err := b.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{reqs[1].Key(), reqs[2].Key()}, keys)
}

func TestCacheFirstOpaqueReplay(t *testing.T) {
	net := newFakeNetwork()
	net.set("https://fonts.gstatic.com/s/inter.woff2", StatusOpaque, "opaque-bytes")
	deps, _ := newDeps(net)
	req, err := NewRequest(http.MethodGet, "https://fonts.gstatic.com/s/inter.woff2")
	require.NoError(t, err)
	req.Mode = ModeNoCORS

	h := NewCacheFirst(deps, Options{CacheName: "voice101-google-fonts-webfonts"})
	first, err := h.Handle(context.Background(), &testLifetime{}, req)
	require.NoError(t, err)
	second, err := h.Handle(context.Background(), &testLifetime{}, req)
	require.NoError(t, err)

	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, StatusOpaque, second.Status)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, int32(1), net.calls.Load())
}

func TestNetworkFirstStoresFreshResponse(t *testing.T) {
	net := newFakeNetwork()
	net.set(origin+"/api/terms.json", 200, `{"v":2}`)
	deps, store := newDeps(net)
	req := get(t, "/api/terms.json")
	seed(t, store, "voice101-api-responses", req, 200, `{"v":1}`)

	h := NewNetworkFirst(deps, Options{CacheName: "voice101-api-responses", Timeout: time.Second})
	resp, err := h.Handle(context.Background(), &testLifetime{}, req)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(resp.Body))
	assert.Equal(t, SourceNetwork, resp.Source)

	b, _ := store.Open(context.Background(), "voice101-api-responses")
	entry, err := b.Match(context.Background(), req.Key())
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(entry.Body))
}

func TestNetworkFirstTimeoutServesCache(t *testing.T) {
	net := newFakeNetwork()
	net.set(origin+"/api/terms.json", 200, "late")
	net.delay = 200 * time.Millisecond
	deps, store := newDeps(net)
	req := get(t, "/api/terms.json")
	seed(t, store, "voice101-api-responses", req, 200, "cached")

	lt := &testLifetime{}
	h := NewNetworkFirst(deps, Options{CacheName: "voice101-api-responses", Timeout: 20 * time.Millisecond})
	resp, err := h.Handle(context.Background(), lt, req)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(resp.Body))
	assert.Equal(t, SourceCache, resp.Source)

	// the late network answer neither changes the response nor the entry
	require.NoError(t, lt.Wait())
	assert.Equal(t, "cached", string(resp.Body))
	b, _ := store.Open(context.Background(), "voice101-api-responses")
	entry, err := b.Match(context.Background(), req.Key())
	require.NoError(t, err)
	assert.Equal(t, "cached", string(entry.Body))
}

func TestNetworkFirstTimeoutWithoutCacheWaits(t *testing.T) {
	net := newFakeNetwork()
	net.set(origin+"/api/terms.json", 200, "slow")
	net.delay = 50 * time.Millisecond
	deps, _ := newDeps(net)

	h := NewNetworkFirst(deps, Options{CacheName: "voice101-api-responses", Timeout: 5 * time.Millisecond})
	resp, err := h.Handle(context.Background(), &testLifetime{}, get(t, "/api/terms.json"))
	require.NoError(t, err)
	assert.Equal(t, "slow", string(resp.Body))
}

func TestNetworkFirstOfflineFallsBackToCache(t *testing.T) {
	net := newFakeNetwork()
	net.goOffline()
	deps, store := newDeps(net)
	req := get(t, "/api/terms.json")
	seed(t, store, "voice101-api-responses", req, 200, "cached")

	h := NewNetworkFirst(deps, Options{CacheName: "voice101-api-responses", Timeout: time.Second})
	resp, err := h.Handle(context.Background(), &testLifetime{}, req)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(resp.Body))
}

func TestNetworkFirstServerErrorNotCached(t *testing.T) {
	net := newFakeNetwork()
	net.set(origin+"/api/terms.json", http.StatusInternalServerError, "boom")
	deps, store := newDeps(net)

	h := NewNetworkFirst(deps, Options{CacheName: "voice101-api-responses", Timeout: time.Second})
	resp, err := h.Handle(context.Background(), &testLifetime{}, get(t, "/api/terms.json"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, "boom", string(resp.Body))
	assert.Equal(t, 0, countEntries(t, store, "voice101-api-responses"))
}

func TestStaleWhileRevalidate(t *testing.T) {
	net := newFakeNetwork()
	net.set(origin+"/css/site.css", 200, "v2")
	deps, store := newDeps(net)
	req := get(t, "/css/site.css")
	seed(t, store, "voice101-runtime", req, 200, "v1")

	h := NewStaleWhileRevalidate(deps, Options{CacheName: "voice101-runtime"})

	lt := &testLifetime{}
	resp, err := h.Handle(context.Background(), lt, req)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(resp.Body))
	require.NoError(t, lt.Wait())

	resp, err = h.Handle(context.Background(), &testLifetime{}, req)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(resp.Body))
}

func TestStaleWhileRevalidateMissWaitsForNetwork(t *testing.T) {
	net := newFakeNetwork()
	net.set(origin+"/js/app.js", 200, "js")
	deps, store := newDeps(net)

	h := NewStaleWhileRevalidate(deps, Options{CacheName: "voice101-runtime"})
	resp, err := h.Handle(context.Background(), &testLifetime{}, get(t, "/js/app.js"))
	require.NoError(t, err)
	assert.Equal(t, "js", string(resp.Body))
	assert.Equal(t, 1, countEntries(t, store, "voice101-runtime"))
}

func TestCacheOnlyMiss(t *testing.T) {
	deps, _ := newDeps(newFakeNetwork())
	h := NewCacheOnly(deps, Options{CacheName: "voice101-runtime"})
	_, err := h.Handle(context.Background(), &testLifetime{}, get(t, "/nothing"))
	assert.ErrorIs(t, err, cache.ErrCacheNotFound)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("stale-while-revalidate")
	require.NoError(t, err)
	assert.Equal(t, StaleWhileRevalidate, k)

	_, err = ParseKind("sometimes")
	assert.Error(t, err)
}

func TestPrecacheServesInstalledAssetsWithoutWriting(t *testing.T) {
	net := newFakeNetwork()
	net.set(origin+"/app.js", 200, "network")
	deps, store := newDeps(net)
	h := NewPrecache(deps, "voice101-precache-abc")

	shell := get(t, "/app.js")
	seed(t, store, "voice101-precache-abc", shell, 200, "installed")
	resp, err := h.Handle(context.Background(), &testLifetime{}, shell)
	require.NoError(t, err)
	assert.Equal(t, "installed", string(resp.Body))
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, int32(0), net.calls.Load())

	// a listed asset missing from the bucket goes to the network only
	b, err := store.Open(context.Background(), "voice101-precache-abc")
	require.NoError(t, err)
	_, err = b.Delete(context.Background(), shell.Key())
	require.NoError(t, err)
	resp, err = h.Handle(context.Background(), &testLifetime{}, shell)
	require.NoError(t, err)
	assert.Equal(t, "network", string(resp.Body))
	assert.Equal(t, 0, countEntries(t, store, "voice101-precache-abc"))
}

func TestPrecachedMatcher(t *testing.T) {
	m := Precached(get(t, "/").Key(), get(t, "/app.js").Key())
	assert.True(t, m.Match(navigate(t, "/")))
	assert.True(t, m.Match(get(t, "/app.js")))
	assert.False(t, m.Match(get(t, "/app.js?v=2")))
	assert.False(t, m.Match(get(t, "/other.js")))
}
