package worker

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/voice101/cache"
	"github.com/briangreenhill/voice101/internal/notify"
	"github.com/briangreenhill/voice101/strategy"
)

const origin = "https://voice101.dev"

const manifestV1 = `prefix: voice101
precache:
  - /
  - /app.js
routes:
  - name: images
    match:
      destination: [image]
    strategy: CacheFirst
    cache: images
    max_entries: 60
`

const manifestV2 = `prefix: voice101
precache:
  - /
  - /app.2.js
routes:
  - name: images
    match:
      destination: [image]
    strategy: CacheFirst
    cache: images
    max_entries: 60
`

// site is a fake origin keyed by absolute URL
type site struct {
	mu      sync.Mutex
	pages   map[string]string
	offline bool
	calls   atomic.Int32
}

func newSite() *site {
	return &site{pages: map[string]string{
		origin + "/":             "<h1>home</h1>",
		origin + "/app.js":       "console.log(1)",
		origin + "/app.2.js":     "console.log(2)",
		origin + "/offline.html": "<h1>offline</h1>",
	}}
}

func (s *site) setOffline(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = v
}

func (s *site) Fetch(_ context.Context, req *strategy.Request) (*strategy.Response, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, strategy.ErrOffline
	}
	body, ok := s.pages[req.URL.String()]
	if !ok {
		return &strategy.Response{Status: http.StatusNotFound, Header: http.Header{}}, nil
	}
	return &strategy.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(body)}, nil
}

// script is a mutable worker source
type script struct {
	mu   sync.Mutex
	data string
}

func (s *script) set(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
}

func (s *script) Load(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []byte(s.data), nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	shown []notify.Notification
}

func (r *recordingNotifier) Show(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, n)
	return nil
}

type fixture struct {
	site      *site
	store     *cache.MemoryStorage
	container *Container
	script    *script
	notifier  *recordingNotifier
	opened    []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		site:     newSite(),
		store:    cache.NewMemoryStorage(nil),
		script:   &script{data: manifestV1},
		notifier: &recordingNotifier{},
	}
	f.container = NewContainer(Env{
		Storage:  f.store,
		Fetcher:  f.site,
		Notifier: f.notifier,
		Opener: WindowOpenerFunc(func(_ context.Context, url string) error {
			f.opened = append(f.opened, url)
			return nil
		}),
		Logger:       zerolog.Nop(),
		Origin:       origin,
		EventTimeout: 5 * time.Second,
	})
	return f
}

func (f *fixture) register(t *testing.T) *Registration {
	t.Helper()
	reg, err := f.container.Register(context.Background(), RegisterOptions{
		ScriptURL: "/sw.yaml",
		Scope:     "/",
		Source:    f.script,
	})
	require.NoError(t, err)
	return reg
}

func (f *fixture) buckets(t *testing.T) []string {
	t.Helper()
	names, err := f.store.Keys(context.Background())
	require.NoError(t, err)
	return names
}

func navigation(t *testing.T, path string) *strategy.Request {
	t.Helper()
	req, err := strategy.NewRequest(http.MethodGet, origin+path)
	require.NoError(t, err)
	req.Mode = strategy.ModeNavigate
	req.Destination = "document"
	return req
}

func TestFirstRegistrationInstallsAndActivates(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)

	active := reg.Active()
	require.NotNil(t, active)
	assert.Equal(t, StateActivated, active.State())
	assert.Nil(t, reg.Waiting())
	assert.Nil(t, reg.Installing())

	bucket, err := f.store.Open(context.Background(), active.Worker().PrecacheName())
	require.NoError(t, err)
	keys, err := bucket.Keys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 3)
	assert.Contains(t, active.Worker().CacheNames(), "voice101-images")
	assert.Contains(t, active.Worker().CacheNames(), "voice101-runtime")
	assert.Contains(t, active.Worker().CacheNames(), "voice101-pages")
}

func TestRegisterUnchangedScriptIsNoop(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	first := reg.Active()

	again := f.register(t)
	assert.Same(t, reg, again)
	assert.Same(t, first, again.Active())

	v, err := reg.Update(context.Background())
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestActivateDeletesCachesOutsideWhitelist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"voice101-legacy", "voice101-images", "workbox-precache-v2"} {
		_, err := f.store.Open(ctx, name)
		require.NoError(t, err)
	}

	reg := f.register(t)
	names := f.buckets(t)
	assert.Contains(t, names, "voice101-images")
	assert.Contains(t, names, reg.Active().Worker().PrecacheName())
	assert.NotContains(t, names, "voice101-legacy")
	assert.NotContains(t, names, "workbox-precache-v2")
}

func TestInstallFailureIsAtomic(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	v1 := reg.Active()
	before := f.buckets(t)

	f.script.set("prefix: voice101\nprecache:\n  - /\n  - /missing.js\n")

	v2, err := reg.Update(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInstallFailed))
	require.NotNil(t, v2)
	assert.Equal(t, StateRedundant, v2.State())

	assert.Same(t, v1, reg.Active())
	assert.Equal(t, StateActivated, v1.State())
	assert.Nil(t, reg.Waiting())

	has, err := f.store.Has(context.Background(), v2.Worker().PrecacheName())
	require.NoError(t, err)
	assert.False(t, has, "partial precache must be removed")
	assert.Equal(t, before, f.buckets(t), "install never touches existing caches")
}

func TestInstallFailureDuringRegisterKeepsRegistration(t *testing.T) {
	f := newFixture(t)
	f.script.set("precache: [/missing.js]\n")

	reg := f.register(t)
	assert.Nil(t, reg.Active())
	assert.Same(t, reg, f.container.Registration())
}

func TestWaitingVersionWaitsForClients(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	v1 := reg.Active()
	client := f.container.Connect("tab-1")
	require.Same(t, v1, client.Controller())

	f.script.set(manifestV2)
	v2, err := reg.Update(context.Background())
	require.NoError(t, err)
	require.NotNil(t, v2)

	assert.Equal(t, StateInstalled, v2.State())
	assert.Same(t, v2, reg.Waiting())
	assert.Same(t, v1, reg.Active())
	assert.Same(t, v1, client.Controller())

	// both precaches coexist while v2 waits
	names := f.buckets(t)
	assert.Contains(t, names, v1.Worker().PrecacheName())
	assert.Contains(t, names, v2.Worker().PrecacheName())

	client.Close(context.Background())
	assert.Same(t, v2, reg.Active())
	assert.Equal(t, StateActivated, v2.State())
	assert.Equal(t, StateRedundant, v1.State())
	assert.NotContains(t, f.buckets(t), v1.Worker().PrecacheName())
}

func TestReloadPromotesWaitingVersion(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	client := f.container.Connect("tab-1")

	f.script.set(manifestV2)
	v2, err := reg.Update(context.Background())
	require.NoError(t, err)

	client.Reload(context.Background())
	assert.Same(t, v2, reg.Active())
	assert.Same(t, v2, client.Controller())
}

func TestSkipWaitingMessageActivatesAndClaims(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	tab1 := f.container.Connect("tab-1")
	tab2 := f.container.Connect("tab-2")

	var changes atomic.Int32
	tab1.OnControllerChange(func(*Version) { changes.Add(1) })

	f.script.set(manifestV2)
	v2, err := reg.Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateInstalled, v2.State())

	require.NoError(t, v2.PostMessage(context.Background(), Message{Type: MessageSkipWaiting}))
	assert.Equal(t, StateActivated, v2.State())
	assert.Same(t, v2, tab1.Controller())
	assert.Same(t, v2, tab2.Controller())
	assert.Equal(t, int32(1), changes.Load())
}

func TestUnknownMessageIsIgnored(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	f.container.Connect("tab-1")

	f.script.set(manifestV2)
	v2, err := reg.Update(context.Background())
	require.NoError(t, err)

	require.NoError(t, v2.PostMessage(context.Background(), Message{Type: "CLEAR_EVERYTHING"}))
	assert.Equal(t, StateInstalled, v2.State())
}

func TestPostMessageToRedundantVersion(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	v1 := reg.Active()

	f.script.set(manifestV2)
	_, err := reg.Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateRedundant, v1.State())

	err = v1.PostMessage(context.Background(), Message{Type: MessageSkipWaiting})
	assert.True(t, errors.Is(err, ErrRedundant))
}

func TestForcePolicySkipsWaiting(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	client := f.container.Connect("tab-1")

	f.script.set("policy: force\n" + manifestV2)
	v2, err := reg.Update(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateActivated, v2.State())
	assert.Same(t, v2, client.Controller())
}

func TestStateChangeListeners(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	f.container.Connect("tab-1")

	var seen []State
	var mu sync.Mutex
	reg.OnUpdateFound(func(v *Version) {
		v.OnStateChange(func(s State) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, s)
		})
	})

	f.script.set(manifestV2)
	v2, err := reg.Update(context.Background())
	require.NoError(t, err)
	require.NoError(t, v2.SkipWaiting(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateInstalled, StateActivating, StateActivated}, seen)
}

func TestFetchOfflineNavigationServesOfflinePage(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	f.container.Connect("tab-1")
	f.site.setOffline(true)

	resp, ev := f.container.Dispatch(context.Background(), "tab-1", navigation(t, "/some/page"))
	require.NotNil(t, ev)
	require.NoError(t, ev.Wait())
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "<h1>offline</h1>", string(resp.Body))
	assert.Equal(t, strategy.SourceFallback, resp.Source)
}

func TestFetchOfflineServesPrecachedAppShell(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	f.container.Connect("tab-1")
	f.site.setOffline(true)

	js, err := strategy.NewRequest(http.MethodGet, origin+"/app.js")
	require.NoError(t, err)
	js.Destination = "script"
	resp, ev := f.container.Dispatch(context.Background(), "tab-1", js)
	require.NotNil(t, ev)
	require.NoError(t, ev.Wait())
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "console.log(1)", string(resp.Body))
	assert.Equal(t, strategy.SourceCache, resp.Source)

	resp, ev = f.container.Dispatch(context.Background(), "tab-1", navigation(t, "/"))
	require.NoError(t, ev.Wait())
	assert.Equal(t, "<h1>home</h1>", string(resp.Body))
	assert.Equal(t, strategy.SourceCache, resp.Source)

	name, _ := reg.Active().Worker().Router().Select(navigation(t, "/"))
	assert.Equal(t, "precache", name)

	// only install writes the precache bucket
	names := f.buckets(t)
	assert.Equal(t, []string{reg.Active().Worker().PrecacheName()}, names)
}

func TestFetchUncontrolledClientGoesToNetwork(t *testing.T) {
	f := newFixture(t)
	resp, ev := f.container.Dispatch(context.Background(), "stranger", navigation(t, "/"))
	assert.Nil(t, ev)
	assert.Equal(t, "<h1>home</h1>", string(resp.Body))

	f.site.setOffline(true)
	resp, _ = f.container.Dispatch(context.Background(), "stranger", navigation(t, "/"))
	assert.Equal(t, http.StatusBadGateway, resp.Status)
}

type panicHandler struct{}

func (panicHandler) Kind() strategy.Kind { return strategy.CacheFirst }
func (panicHandler) CacheName() string   { return "voice101-images" }
func (panicHandler) Handle(context.Context, strategy.Lifetime, *strategy.Request) (*strategy.Response, error) {
	panic("boom")
}

func TestFetchPanicIsRecovered(t *testing.T) {
	f := newFixture(t)
	registry := strategy.DefaultRegistry()
	registry.Register(strategy.CacheFirst, func(strategy.Deps, strategy.Options) strategy.Handler { return panicHandler{} })
	f.container = NewContainer(Env{
		Storage:  f.store,
		Fetcher:  f.site,
		Registry: registry,
		Logger:   zerolog.Nop(),
		Origin:   origin,
	})
	f.register(t)
	f.container.Connect("tab-1")

	req, err := strategy.NewRequest(http.MethodGet, origin+"/logo.png")
	require.NoError(t, err)
	req.Destination = "image"

	resp := f.container.Fetch(context.Background(), "tab-1", req)
	assert.Equal(t, http.StatusRequestTimeout, resp.Status)
	assert.Empty(t, resp.Body)
}

func TestPushShowsNotification(t *testing.T) {
	f := newFixture(t)
	f.register(t)

	require.NoError(t, f.container.Push(context.Background(),
		[]byte(`{"title":"New lesson","body":"Breathing basics","icon":"/icon.png","data":{"url":"/lessons/7"}}`)))
	require.NoError(t, f.container.Push(context.Background(), []byte("plain text ping")))

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	require.Len(t, f.notifier.shown, 2)
	assert.Equal(t, "New lesson", f.notifier.shown[0].Title)
	assert.Equal(t, "/lessons/7", f.notifier.shown[0].URL())
	assert.Equal(t, "plain text ping", f.notifier.shown[1].Body)
}

func TestPushWithoutActiveWorker(t *testing.T) {
	f := newFixture(t)
	err := f.container.Push(context.Background(), []byte(`{}`))
	assert.True(t, errors.Is(err, ErrNoActiveWorker))
}

func TestNotificationClickOpensURL(t *testing.T) {
	f := newFixture(t)
	f.register(t)

	ctx := context.Background()
	require.NoError(t, f.container.NotificationClick(ctx, notify.Notification{Data: map[string]any{"url": "/lessons/7"}}))
	require.NoError(t, f.container.NotificationClick(ctx, notify.Notification{}))
	assert.Equal(t, []string{"/lessons/7", "/"}, f.opened)
}

func TestSyncRunsTagHandler(t *testing.T) {
	f := newFixture(t)
	var ran atomic.Bool
	f.container = NewContainer(Env{
		Storage: f.store,
		Fetcher: f.site,
		SyncHandlers: map[string]SyncHandler{
			"outbox": func(context.Context) error { ran.Store(true); return nil },
		},
		Logger: zerolog.Nop(),
		Origin: origin,
	})
	f.register(t)

	require.NoError(t, f.container.Sync(context.Background(), "outbox"))
	require.NoError(t, f.container.Sync(context.Background(), "unknown"))
	assert.True(t, ran.Load())
}

func TestRegisterRejectsBadScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.container.Register(ctx, RegisterOptions{ScriptURL: "/static/sw.yaml", Scope: "/", Source: f.script})
	assert.True(t, errors.Is(err, ErrInvalidScope))

	_, err = f.container.Register(ctx, RegisterOptions{ScriptURL: "/static/sw.yaml", Scope: "/", AllowedScope: "/", Source: f.script})
	assert.NoError(t, err)

	_, err = f.container.Register(ctx, RegisterOptions{ScriptURL: "https://cdn.example.com/sw.yaml", Scope: "/", Source: f.script})
	assert.True(t, errors.Is(err, ErrInvalidScope))

	_, err = f.container.Register(ctx, RegisterOptions{ScriptURL: "/sw.yaml", Scope: "app", Source: f.script})
	assert.True(t, errors.Is(err, ErrInvalidScope))
}

func TestRegisterInvalidManifest(t *testing.T) {
	f := newFixture(t)
	f.script.set("policy: sometimes\n")
	_, err := f.container.Register(context.Background(), RegisterOptions{ScriptURL: "/sw.yaml", Source: f.script})
	assert.True(t, errors.Is(err, ErrInvalidManifest))
	assert.Nil(t, f.container.Registration())
}

func TestHTTPSourceLoadsScript(t *testing.T) {
	s := newSite()
	s.pages[origin+"/sw.yaml"] = manifestV1
	data, err := HTTPSource{Fetcher: s, URL: origin + "/sw.yaml"}.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, manifestV1, string(data))

	_, err = HTTPSource{Fetcher: s, URL: origin + "/nope.yaml"}.Load(context.Background())
	assert.Error(t, err)
}

func TestFileSourceWatchInstallsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sw.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifestV1), 0o644))

	f := newFixture(t)
	src := FileSource{Path: path, Debounce: 20 * time.Millisecond}
	reg, err := f.container.Register(context.Background(), RegisterOptions{ScriptURL: "/sw.yaml", Source: src})
	require.NoError(t, err)
	v1 := reg.Active()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Watch(ctx, reg, zerolog.Nop()))

	require.NoError(t, os.WriteFile(path, []byte(manifestV2), 0o644))
	require.Eventually(t, func() bool {
		a := reg.Active()
		return a != nil && a != v1
	}, 5*time.Second, 20*time.Millisecond)
}
