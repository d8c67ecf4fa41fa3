package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/awarelab/awarelab/internal/catalog"
	"github.com/awarelab/awarelab/internal/certificate"
	"github.com/awarelab/awarelab/internal/config"
	"github.com/awarelab/awarelab/internal/database"
	"github.com/awarelab/awarelab/internal/geoip"
	"github.com/awarelab/awarelab/internal/notify"
	"github.com/awarelab/awarelab/internal/player"
	"github.com/awarelab/awarelab/internal/progress"
	"github.com/awarelab/awarelab/internal/ratelimit"
	"github.com/awarelab/awarelab/internal/server"
	"github.com/awarelab/awarelab/internal/storage"
	"github.com/awarelab/awarelab/internal/watch"
	"github.com/awarelab/awarelab/internal/webhook"
)

const reaperInterval = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("awarelab: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(os.Stdout, cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	slog.Info("database migrations applied")

	store, err := storage.New(ctx, storage.Config{
		Endpoint:       cfg.S3Endpoint,
		PublicEndpoint: cfg.S3PublicEndpoint,
		Bucket:         cfg.S3Bucket,
		AccessKey:      cfg.S3AccessKey,
		SecretKey:      cfg.S3SecretKey,
		Region:         cfg.S3Region,
	})
	if err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("storage bucket check failed: %w", err)
	}
	if err := store.SetCORS(ctx, []string{cfg.BaseURL}); err != nil {
		slog.Warn("storage: could not set bucket CORS", "error", err)
	}
	slog.Info("storage bucket ready", "bucket", cfg.S3Bucket)

	cat, err := catalog.Default()
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	clock := clockwork.NewRealClock()

	workers, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	adapter := player.NewAdapter(player.NewRemoteHost(cat, cfg.OEmbedURL, cfg.OEmbedCacheTTL, clock), clock)
	adapter.StartReaper(workers, reaperInterval, cfg.PlayerIdleTimeout)

	inbox := notify.NewInbox(notify.DefaultInboxSize, clock)
	hooks := webhook.New(db.Pool, cfg.WebhookURL, cfg.WebhookSecret)
	if hooks.Enabled() {
		slog.Info("webhook delivery enabled", "url", cfg.WebhookURL)
	}

	manager := progress.NewManager(progress.NewPGStore(db.Pool, cat, clock), cat, inbox)
	manager.SetEventSender(hooks)

	certs := certificate.NewService(db.Pool, store, manager, cfg.BaseURL)
	certs.SetEventSender(hooks)

	progressHandler := progress.NewHandler(manager, cat)
	progressHandler.SetCertificateLister(certs)

	geo, err := geoip.New(cfg.GeoIPDatabasePath)
	if err != nil {
		return fmt.Errorf("geoip: %w", err)
	}
	defer func() { _ = geo.Close() }()

	audit := watch.NewAuditLog(db.Pool)
	players := watch.NewHandler(adapter, cat, inbox, clock)
	players.SetNotifierSources(manager, hooks)
	players.SetAuditLog(audit)
	players.SetLocator(geo)
	players.SetOrigin(cfg.BaseURL)

	authLimiter := ratelimit.NewLimiter(0.5, 5)
	authLimiter.StartCleanup(workers)
	apiLimiter := ratelimit.NewLimiter(5, 30, ratelimit.WithKeyFunc(ratelimit.UserOrIP))
	apiLimiter.StartCleanup(workers)

	srv := server.New(server.Config{
		DB:              db.Pool,
		Pinger:          db,
		WebFS:           loadWebFS(cfg.WebDir),
		JWTSecret:       cfg.JWTSecret,
		BaseURL:         cfg.BaseURL,
		StorageEndpoint: publicStorageEndpoint(cfg),
		EnableDocs:      cfg.EnableDocs,
		Progress:        progressHandler,
		Certificates:    certificate.NewHandler(certs),
		Players:         players,
		Inbox:           inbox,
		AuthLimiter:     authLimiter,
		APILimiter:      apiLimiter,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("awarelab listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-shutdownCh:
	}
	slog.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	stopWorkers()
	adapter.DestroyAll()

	manager.Wait()
	hooks.Wait()
	audit.Wait()
	slog.Info("shutdown complete")
	return nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// loadWebFS returns nil when dir holds no built frontend.
func loadWebFS(dir string) fs.FS {
	if dir == "" {
		return nil
	}
	fsys := os.DirFS(dir)
	if _, err := fs.Stat(fsys, "index.html"); err != nil {
		slog.Info("no frontend build found, SPA serving disabled", "dir", dir)
		return nil
	}
	return fsys
}

func publicStorageEndpoint(cfg config.Config) string {
	if cfg.S3PublicEndpoint != "" {
		return cfg.S3PublicEndpoint
	}
	return cfg.S3Endpoint
}
