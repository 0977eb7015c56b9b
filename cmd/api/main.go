// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/voice101/bridge"
	"github.com/briangreenhill/voice101/cache"
	"github.com/briangreenhill/voice101/internal/config"
	"github.com/briangreenhill/voice101/internal/http/routes"
	"github.com/briangreenhill/voice101/internal/jobs"
	"github.com/briangreenhill/voice101/internal/metrics"
	"github.com/briangreenhill/voice101/internal/notify"
	"github.com/briangreenhill/voice101/strategy"
	"github.com/briangreenhill/voice101/worker"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	logger = logger.Level(cfg.Level())
	logger.Info().Str("port", cfg.Port).Str("origin", cfg.Offline.OriginURL).Msg("starting edge server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Cache storage
	storage, err := cache.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, nil)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("open cache storage")
	}
	defer func() {
		if err := storage.Close(); err != nil {
			logger.Warn().Err(err).Msg("close cache storage")
		}
	}()

	// Origin
	fetcher, err := strategy.NewHTTPFetcher(cfg.Offline.OriginURL,
		strategy.WithHTTPClient(&http.Client{Timeout: cfg.Offline.FetchTimeout}))
	if err != nil {
		logger.Fatal().Err(err).Msg("origin fetcher")
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Job queue
	queue := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn().Err(err).Msg("close job queue")
		}
	}()

	// Notifications
	notifiers := notify.Multi{notify.LogNotifier{Logger: logger}}
	if cfg.HasSMTP() {
		notifiers = append(notifiers, notify.EmailNotifier{
			Sender: notify.NewSMTPSender(cfg.SMTP.Addr, cfg.SMTP.From),
			To:     cfg.SMTP.To,
		})
	}

	var container *worker.Container
	purgePrefix := func() string {
		if r := container.Registration(); r != nil {
			if v := r.Active(); v != nil {
				return v.Worker().Manifest().Prefix + "-"
			}
		}
		return "voice101-"
	}

	container = worker.NewContainer(worker.Env{
		Storage:  storage,
		Fetcher:  fetcher,
		Notifier: notifiers,
		Opener: worker.WindowOpenerFunc(func(_ context.Context, url string) error {
			logger.Info().Str("url", url).Msg("open window")
			return nil
		}),
		SyncHandlers: map[string]worker.SyncHandler{
			"purge-caches": func(ctx context.Context) error {
				task, err := jobs.NewPurgeCachesTask(purgePrefix())
				if err != nil {
					return err
				}
				_, err = queue.EnqueueContext(ctx, task)
				return err
			},
		},
		Logger:       logger,
		Metrics:      m,
		Origin:       cfg.Offline.OriginURL,
		EventTimeout: cfg.Offline.EventTimeout,
	})

	// Register at startup so the first page load is already controlled
	script := worker.FileSource{Path: cfg.Offline.ManifestPath}
	registration, err := container.Register(ctx, worker.RegisterOptions{
		ScriptURL: cfg.Offline.ScriptURL,
		Scope:     cfg.Offline.Scope,
		Source:    script,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("manifest", cfg.Offline.ManifestPath).Msg("register worker")
	}
	if cfg.Offline.WatchManifest {
		if err := script.Watch(ctx, registration, logger); err != nil {
			logger.Warn().Err(err).Msg("manifest watch disabled")
		}
	}
	checker := bridge.NewChecker(registration, cfg.Offline.UpdateInterval, logger)
	if err := checker.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("periodic update checks disabled")
	}
	defer checker.Stop()

	// Sessions
	sess := scs.New()
	sess.Lifetime = cfg.Session.Lifetime
	sess.Cookie.HttpOnly = true
	sess.Cookie.SameSite = http.SameSiteLaxMode
	sess.Cookie.Secure = cfg.Session.SecureCookie

	// Router / server
	s, err := routes.New(routes.ServerOptions{
		Sess:      sess,
		Container: container,
		Storage:   storage,
		Script:    script,
		Queue:     queue,
		Cfg:       *cfg,
		Logger:    logger,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build router")
	}
	defer s.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("serve")
	}
	logger.Info().Msg("edge server stopped")
}
