package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"m3u8-remux/internal/auth"
	"m3u8-remux/internal/channel"
	"m3u8-remux/internal/ffmpeg"
	"m3u8-remux/internal/orchestrator"
	"m3u8-remux/internal/platform/config"
	"m3u8-remux/internal/platform/logger"
	"m3u8-remux/internal/platform/metrics"
	"m3u8-remux/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.FromEnv()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET_KEY is not set, job submissions will be refused")
	}

	met := metrics.New()
	registry := channel.NewRegistry(log)

	if cfg.RedisURL != "" {
		relay, err := channel.NewRedisRelay(ctx, cfg.RedisURL, log)
		if err != nil {
			log.Error("redis relay unavailable", "error", err)
			os.Exit(1)
		}
		defer relay.Close()
		registry.SetRelay(relay)
		go func() {
			if err := relay.Run(ctx, registry); err != nil {
				log.Error("redis relay stopped", "error", err)
			}
		}()
	}

	converter := ffmpeg.NewConverter(cfg.FFmpegBinary)
	if v, err := converter.Version(ctx); err != nil {
		log.Warn("ffmpeg not usable, jobs will fail at the transcode stage", "binary", cfg.FFmpegBinary, "error", err)
	} else {
		log.Debug("ffmpeg found", "version", v)
	}

	svc := orchestrator.NewService(orchestrator.Dependencies{
		Fetcher: orchestrator.NewFetcher(orchestrator.FetcherOptions{
			Concurrency: cfg.FetchConcurrency,
			Retries:     cfg.FetchRetries,
			Timeout:     cfg.FetchTimeout,
			Logger:      log,
		}),
		Converter:   converter,
		OpenStore:   storeOpener(cfg.S3Endpoint),
		OpenChannel: channelOpener(cfg.ProgressWSURL, registry),
		Metrics:     met,
		Logger:      log,
	}, orchestrator.Options{
		WorkDir:           cfg.WorkDir,
		PresignTTL:        cfg.PresignTTL,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
	})
	h := orchestrator.NewHandler(svc, auth.NewVerifier(cfg.JWTSecret), log, met).
		WithJobContext(ctx, cfg.JobTimeout)
	ws := channel.NewHandler(registry, log, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveChannels(registry.ChannelCount()) }).ServeHTTP(w, r)
	})
	r.Get("/healthz", h.Healthz)
	r.Get("/", h.Home)
	r.Post("/", h.SubmitJob)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.SubmitJob)
		r.Get("/", h.ListJobs)
		r.Get("/{job_id}", h.GetJob)
	})
	r.Get("/ws/{channel}", ws.ServeChannel)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", cfg.Port,
		"work_dir", cfg.WorkDir,
		"fetch_concurrency", cfg.FetchConcurrency,
		"max_concurrent_jobs", cfg.MaxConcurrentJobs,
		"progress_ws_url", cfg.ProgressWSURL,
		"redis_relay", cfg.RedisURL != "",
		"log_level", cfg.LogLevel,
	)

	<-ctx.Done()
	stop()

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

// storeOpener builds one S3 client per job from the token's credentials.
func storeOpener(endpoint string) orchestrator.StoreOpener {
	return func(t orchestrator.StoreTarget) (orchestrator.ObjectStore, error) {
		return storage.NewS3Store(storage.Credentials{
			AccessKeyID:     t.AccessKeyID,
			SecretAccessKey: t.SecretAccessKey,
			Region:          t.Region,
		}, storage.Options{Endpoint: endpoint})
	}
}

// channelOpener attaches jobs to the local registry, or dials a remote relay
// when baseURL is set.
func channelOpener(baseURL string, registry *channel.Registry) orchestrator.ChannelOpener {
	if baseURL == "" {
		return func(_ context.Context, name string) (orchestrator.ProgressChannel, error) {
			return registry.Attach(name), nil
		}
	}
	return func(ctx context.Context, name string) (orchestrator.ProgressChannel, error) {
		c, err := channel.Dial(ctx, baseURL, name)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
