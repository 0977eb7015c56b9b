package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/voice101/bridge"
	"github.com/briangreenhill/voice101/cache"
	"github.com/briangreenhill/voice101/internal/config"
	appmw "github.com/briangreenhill/voice101/internal/http/middleware"
	"github.com/briangreenhill/voice101/internal/jobs"
	"github.com/briangreenhill/voice101/strategy"
	"github.com/briangreenhill/voice101/worker"
)

const maxRequestBody = 10 << 20

// hop-by-hop headers are never copied between the edge and the origin
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length",
}

type Server struct {
	Router    *chi.Mux
	Sess      *scs.SessionManager
	Container *worker.Container
	Storage   cache.Storage
	Script    worker.Source // served at ScriptURL
	Queue     jobs.Enqueuer
	Offline   config.OfflineConfig
	Logger    zerolog.Logger

	origin *url.URL
	idle   time.Duration
	now    func() time.Time
	reaper *cron.Cron

	mu       sync.Mutex
	bridges  map[string]*bridge.Bridge
	lastSeen map[string]time.Time
}

type ServerOptions struct {
	Sess      *scs.SessionManager
	Container *worker.Container
	Storage   cache.Storage
	Script    worker.Source
	Queue     jobs.Enqueuer
	Cfg       config.Config
	Logger    zerolog.Logger
	Metrics   http.Handler
	// Clock stamps session activity, time.Now when nil
	Clock func() time.Time
}

func New(opts ServerOptions) (*Server, error) {
	origin, err := url.Parse(opts.Cfg.Offline.OriginURL)
	if err != nil {
		return nil, err
	}
	sess := opts.Sess
	if sess == nil {
		sess = scs.New()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{
		Router:    r,
		Sess:      sess,
		Container: opts.Container,
		Storage:   opts.Storage,
		Script:    opts.Script,
		Queue:     opts.Queue,
		Offline:   opts.Cfg.Offline,
		Logger:    opts.Logger,
		origin:    origin,
		idle:      opts.Cfg.Session.IdleTimeout,
		now:       opts.Clock,
		bridges:   make(map[string]*bridge.Bridge),
		lastSeen:  make(map[string]time.Time),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.idle > 0 {
		if err := s.startReaper(); err != nil {
			return nil, err
		}
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("write health check response")
		}
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	r.Get(s.Offline.ScriptURL, s.handleScript)

	r.Group(func(pr chi.Router) {
		pr.Use(s.Sess.LoadAndSave)
		pr.Use(s.sessionToContext)
		pr.Use(appmw.RequireClient)

		pr.Route("/__offline", func(or chi.Router) {
			or.Get("/update", s.handleUpdateSignal)
			or.Post("/update/reload", s.handleReloadToUpdate)
			or.Post("/update/dismiss", s.handleDismissUpdate)
			or.Post("/update/check", s.handleCheckForUpdate)
			or.Post("/message", s.handleMessage)
			or.Get("/caches", s.handleListCaches)
			or.Post("/caches/purge", s.handlePurgeCaches)
		})
		pr.HandleFunc("/*", s.handleFetch)
	})

	return s, nil
}

// sessionToContext binds the browser session to a worker client and starts
// its update bridge on first sight
func (s *Server) sessionToContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := s.Sess.GetString(r.Context(), "client_id")
		if id == "" {
			id = uuid.NewString()
			s.Sess.Put(r.Context(), "client_id", id)
		}
		s.bridgeFor(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(appmw.WithClientID(r.Context(), id)))
	})
}

func (s *Server) bridgeFor(ctx context.Context, id string) *bridge.Bridge {
	s.mu.Lock()
	s.lastSeen[id] = s.now()
	b, ok := s.bridges[id]
	s.mu.Unlock()
	if ok {
		return b
	}

	client := s.Container.Connect(id)
	b = bridge.New(s.Container, client, nil, bridge.Options{
		ScriptURL: s.Offline.ScriptURL,
		Scope:     s.Offline.Scope,
		Source:    s.Script,
		Logger:    s.Logger,
	})

	s.mu.Lock()
	if existing, ok := s.bridges[id]; ok {
		s.mu.Unlock()
		return existing
	}
	s.bridges[id] = b
	s.mu.Unlock()

	b.Start(context.WithoutCancel(ctx))
	return b
}

// Close stops the idle sweep and every session bridge
func (s *Server) Close() {
	if s.reaper != nil {
		<-s.reaper.Stop().Done()
	}
	s.mu.Lock()
	bridges := s.bridges
	s.bridges = make(map[string]*bridge.Bridge)
	s.mu.Unlock()
	for _, b := range bridges {
		b.Stop()
	}
}

func (s *Server) startReaper() error {
	every := s.idle / 4
	if every < time.Second {
		every = time.Second
	}
	s.reaper = cron.New()
	if _, err := s.reaper.AddFunc(fmt.Sprintf("@every %s", every), func() {
		s.CloseIdle(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule idle sweep: %w", err)
	}
	s.reaper.Start()
	return nil
}

// CloseIdle closes the worker client of every session without a request in
// the idle timeout and drops its bridge. The session's next request loads a
// fresh page under whatever version is active by then.
func (s *Server) CloseIdle(ctx context.Context) int {
	if s.idle <= 0 {
		return 0
	}
	return s.closeIdleBefore(ctx, s.now().Add(-s.idle))
}

// closeIdleBefore runs under s.mu so a request cannot reconnect a client
// that is being closed
func (s *Server) closeIdleBefore(ctx context.Context, cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	closed := 0
	for id, seen := range s.lastSeen {
		if !seen.Before(cutoff) {
			continue
		}
		delete(s.lastSeen, id)
		if b, ok := s.bridges[id]; ok {
			delete(s.bridges, id)
			b.Stop()
		}
		if cl, ok := s.Container.Client(id); ok {
			cl.Close(ctx)
		}
		closed++
	}
	if closed > 0 {
		s.Logger.Debug().Int("clients", closed).Msg("closed idle clients")
	}
	return closed
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("encode response")
	}
}

func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	if s.Script == nil {
		http.NotFound(w, r)
		return
	}
	data, err := s.Script.Load(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("load worker script")
		http.Error(w, "worker script unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Service-Worker-Allowed", s.Offline.Scope)
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(data); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("write worker script")
	}
}

func (s *Server) sessionBridge(r *http.Request) *bridge.Bridge {
	return s.bridgeFor(r.Context(), appmw.ClientID(r.Context()))
}

type updateResponse struct {
	bridge.Signal
	Enabled    bool   `json:"enabled"`
	Controller string `json:"controller,omitempty"`
	Reload     bool   `json:"reload,omitempty"`
}

func (s *Server) updateState(r *http.Request, b *bridge.Bridge) updateResponse {
	resp := updateResponse{Signal: b.Signal(), Enabled: b.Enabled()}
	if cl, ok := s.Container.Client(appmw.ClientID(r.Context())); ok {
		if v := cl.Controller(); v != nil {
			resp.Controller = v.ID()
		}
	}
	return resp
}

func (s *Server) handleUpdateSignal(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.updateState(r, s.sessionBridge(r)))
}

func (s *Server) handleReloadToUpdate(w http.ResponseWriter, r *http.Request) {
	b := s.sessionBridge(r)
	before := s.updateState(r, b).Controller
	if err := b.ReloadToUpdate(r.Context()); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("reload to update")
		http.Error(w, "update failed", http.StatusConflict)
		return
	}
	resp := s.updateState(r, b)
	resp.Reload = resp.Controller != before
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleDismissUpdate(w http.ResponseWriter, r *http.Request) {
	b := s.sessionBridge(r)
	b.DismissUpdate()
	s.writeJSON(w, r, http.StatusOK, s.updateState(r, b))
}

func (s *Server) handleCheckForUpdate(w http.ResponseWriter, r *http.Request) {
	b := s.sessionBridge(r)
	if err := b.CheckForUpdate(r.Context()); err != nil && !errors.Is(err, worker.ErrInstallFailed) {
		hlog.FromRequest(r).Warn().Err(err).Msg("update check")
		http.Error(w, "update check failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, r, http.StatusOK, s.updateState(r, b))
}

// handleMessage posts a control message to the waiting worker, or to the
// page's controller when nothing is waiting
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg worker.Message
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&msg); err != nil {
		http.Error(w, "bad message", http.StatusBadRequest)
		return
	}

	var target *worker.Version
	if reg := s.Container.Registration(); reg != nil {
		target = reg.Waiting()
	}
	if target == nil {
		if cl, ok := s.Container.Client(appmw.ClientID(r.Context())); ok {
			target = cl.Controller()
		}
	}
	if target == nil {
		http.Error(w, "no worker", http.StatusConflict)
		return
	}
	if err := target.PostMessage(r.Context(), msg); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("type", msg.Type).Msg("post message")
		http.Error(w, "message failed", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListCaches(w http.ResponseWriter, r *http.Request) {
	names, err := s.Storage.Keys(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list caches")
		http.Error(w, "could not list caches", http.StatusInternalServerError)
		return
	}
	var whitelist []string
	if reg := s.Container.Registration(); reg != nil {
		if v := reg.Active(); v != nil {
			whitelist = v.Worker().CacheNames()
		}
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{"caches": names, "whitelist": whitelist})
}

func (s *Server) purgePrefix(r *http.Request) string {
	if p := strings.TrimSpace(r.URL.Query().Get("prefix")); p != "" {
		return p
	}
	if reg := s.Container.Registration(); reg != nil {
		if v := reg.Active(); v != nil {
			return v.Worker().Manifest().Prefix + "-"
		}
	}
	return "voice101-"
}

func (s *Server) handlePurgeCaches(w http.ResponseWriter, r *http.Request) {
	if s.Queue == nil {
		http.Error(w, "job queue unavailable", http.StatusServiceUnavailable)
		return
	}
	prefix := s.purgePrefix(r)
	task, err := jobs.NewPurgeCachesTask(prefix)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	info, err := s.Queue.Enqueue(task)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("enqueue purge")
		http.Error(w, "failed to queue purge job", http.StatusInternalServerError)
		return
	}
	hlog.FromRequest(r).Info().Str("task", info.ID).Str("prefix", prefix).Msg("purge queued")
	s.writeJSON(w, r, http.StatusAccepted, map[string]string{"task_id": info.ID, "prefix": prefix})
}

// toRequest describes an incoming HTTP request as an intercepted fetch.
// Origin-form targets resolve against the origin; an absolute-form target
// from a client using the edge as its proxy is kept, so cross-origin routes
// see the host the page asked for.
func (s *Server) toRequest(r *http.Request) (*strategy.Request, error) {
	target := s.origin.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
	if r.URL.IsAbs() {
		if r.URL.Scheme != "http" && r.URL.Scheme != "https" {
			return nil, fmt.Errorf("unsupported scheme %q", r.URL.Scheme)
		}
		target = &url.URL{Scheme: r.URL.Scheme, Host: r.URL.Host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	}
	req := &strategy.Request{
		Method:      r.Method,
		URL:         target,
		Header:      r.Header.Clone(),
		Mode:        strategy.ModeCORS,
		Destination: r.Header.Get("Sec-Fetch-Dest"),
	}
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	req.Header.Del("Cookie")

	switch mode := strategy.Mode(r.Header.Get("Sec-Fetch-Mode")); {
	case mode != "":
		req.Mode = mode
	case r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html"):
		req.Mode = strategy.ModeNavigate
	}
	if req.Mode == strategy.ModeNavigate && req.Destination == "" {
		req.Destination = "document"
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			return nil, err
		}
		req.Body = body
	}
	return req, nil
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	req, err := s.toRequest(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	resp := s.Container.Fetch(r.Context(), appmw.ClientID(r.Context()), req)

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	w.Header().Set("X-Offline-Source", string(resp.Source))

	status := resp.Status
	if status == strategy.StatusOpaque {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(resp.Body); err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("write response")
	}
}
