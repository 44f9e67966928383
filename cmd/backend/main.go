package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lan-file-drop/internal/artifact"
	"lan-file-drop/internal/bundle"
	"lan-file-drop/internal/config"
	"lan-file-drop/internal/ledger"
	"lan-file-drop/internal/logging"
	"lan-file-drop/internal/metrics"
	"lan-file-drop/internal/server"
	"lan-file-drop/internal/upload"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := run(); err != nil {
		logging.Error("fatal", map[string]any{"service": "backend"}, err)
		os.Exit(1)
	}
}

// app is the wired service.
type app struct {
	srv     *server.Server
	janitor *upload.Janitor
	ledger  *ledger.Store
}

func (a *app) close() {
	if a.ledger != nil {
		_ = a.ledger.Close()
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Configure(cfg.LogLevel, cfg.LogFormat)
	for _, w := range cfg.Warnings() {
		logging.Warn(w, map[string]any{"service": "backend"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	janitorDone := make(chan error, 1)
	go func() { janitorDone <- a.janitor.Start(ctx) }()

	// Start the HTTP server in a background goroutine so we can listen for
	// OS signals while it runs.
	errCh := make(chan error, 1)
	go func() {
		logging.Info("starting", map[string]any{
			"service": "backend",
			"addr":    cfg.Addr,
			"version": version,
			"commit":  commit,
			"chunks":  cfg.ChunkBackend,
		})
		errCh <- a.srv.Start()
	}()

	secret := cfg.SharedSecret
	if config.IsBcryptHash(secret) {
		secret = ""
	}
	printBanner(os.Stdout, shareURL(cfg.Addr, lanIP(), secret), cfg.ShowQR)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info("shutting down", map[string]any{"service": "backend", "signal": sig.String()})
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	}

	// Stop accepting work first; in-flight reassemblies finish under the
	// shutdown deadline, then the janitor stops.
	sctx, scancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer scancel()
	if err := a.srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	cancel()
	if err := <-janitorDone; err != nil {
		logging.Warn("janitor stopped with error", map[string]any{"service": "backend", "error": err.Error()})
	}
	logging.Info("shutdown complete", map[string]any{"service": "backend"})
	return nil
}

// build wires every component from cfg.
func build(ctx context.Context, cfg config.Config) (*app, error) {
	m := metrics.New()
	m.SetBuildInfo(version, commit)

	repo, err := artifact.NewRepository(cfg.UploadDir, cfg.Policy())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.TempDir, 0o750); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	checks := map[string]server.HealthCheck{
		"uploads": server.DirCheck(repo.Root()),
		"temp":    server.DirCheck(cfg.TempDir),
	}

	store, err := fragmentStore(ctx, cfg, checks)
	if err != nil {
		return nil, err
	}

	a := &app{}
	var observer upload.Observer
	if cfg.DatabaseURL != "" {
		db, err := ledger.OpenDB(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		logging.Info("running migrations", map[string]any{"service": "backend"})
		if err := ledger.Migrate(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ledger migrations: %w", err)
		}
		a.ledger = ledger.New(db)
		observer = a.ledger
		checks["ledger"] = a.ledger.Ping
	}

	engine := upload.NewEngine(store, repo, upload.Options{
		Observer:         observer,
		Metrics:          m,
		MaxFragmentBytes: cfg.MaxChunkBytes,
	})
	a.janitor = upload.NewJanitor(engine, upload.JanitorConfig{
		MaxAge:   cfg.SessionRetention,
		Schedule: cfg.JanitorSchedule,
		Workers:  cfg.JanitorWorkers,
	}, m)
	bundler := bundle.New(repo, bundle.Options{
		TempDir:   cfg.TempDir,
		Threshold: cfg.BundleThreshold,
		Metrics:   m,
	})

	a.srv = server.New(server.Config{
		Addr:            cfg.Addr,
		SharedSecret:    cfg.SharedSecret,
		RateLimit:       cfg.RateLimit,
		RateBurst:       cfg.RateBurst,
		AuthMaxFailures: cfg.AuthMaxFailures,
		AuthLockout:     cfg.AuthLockout,
		Version:         version,
	}, server.Deps{
		Engine:  engine,
		Repo:    repo,
		Bundler: bundler,
		Metrics: m,
		Checks:  checks,
	})
	return a, nil
}

// fragmentStore opens the configured chunk backend and registers its
// health check.
func fragmentStore(ctx context.Context, cfg config.Config, checks map[string]server.HealthCheck) (upload.Backend, error) {
	switch cfg.ChunkBackend {
	case "minio":
		octx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		mb, err := upload.NewMinioBackend(octx, cfg.MinioConfig())
		if err != nil {
			return nil, fmt.Errorf("chunk store: %w", err)
		}
		logging.Info("chunk store ready", map[string]any{
			"service": "backend",
			"backend": "minio",
			"bucket":  mb.Bucket(),
		})
		guarded := upload.WithBreaker(mb, upload.NewBreaker(5, 30*time.Second))
		checks["chunks"] = func(ctx context.Context) error {
			if err := guarded.Breaker().Check(ctx); err != nil {
				return err
			}
			return mb.Ping(ctx)
		}
		return guarded, nil
	default:
		fs, err := upload.NewFSBackend(cfg.TempDir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
}
