package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"client-file-vault/internal/audit"
	"client-file-vault/internal/blob"
	"client-file-vault/internal/config"
	"client-file-vault/internal/db"
	"client-file-vault/internal/ingest"
	"client-file-vault/internal/logging"
	"client-file-vault/internal/metrics"
	"client-file-vault/internal/server"
	"client-file-vault/internal/service"
	"client-file-vault/internal/store"
	"client-file-vault/internal/store/postgres"
	"client-file-vault/internal/store/sqlite"
)

// bootstrap loads the configuration and builds the process logger.
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	format := cfg.LogFormat
	if cfg.IsProduction() {
		format = "json"
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: format})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openStore opens the configured database. Postgres is migrated first.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		logger.Info("running migrations")
		if err := db.RunMigrations(cfg.DatabaseURL, logger); err != nil {
			return nil, err
		}
		st, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DBDriver)
	}
}

// openBlobs opens the configured blob backend.
func openBlobs(ctx context.Context, cfg *config.Config) (blob.Backend, error) {
	switch cfg.StorageBackend {
	case config.StorageLocal:
		b, err := blob.NewLocal(cfg.StorageRoot)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.StorageMinio:
		b, err := blob.NewMinio(ctx, blob.MinioConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.Bucket,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// app is the wired serve process.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  store.Store
	writer *audit.Writer
	logs   *service.LogService
	server *server.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open blob storage: %w", err)
	}

	cache := service.NewFileCache(cfg.FileCacheSize, cfg.FileCacheTTL)
	engine := ingest.New(ingest.Config{
		Store:       st,
		Blobs:       blobs,
		Scratch:     afero.NewOsFs(),
		ScratchRoot: cfg.ScratchDir,
		Limits: ingest.Limits{
			MaxUploadBytes:    cfg.MaxUploadBytes,
			MaxFiles:          cfg.MaxArchiveFiles,
			MaxExtractedBytes: cfg.MaxExtractedBytes,
			Timeout:           cfg.IngestTimeout,
		},
		Logger: logger.Named("ingest"),
	})

	logs := service.NewLogService(st, logger.Named("logs"))
	writer := audit.NewWriter(st, cfg.AuditQueueSize, logger.Named("audit"))

	srv := server.New(server.Config{
		Addr:           cfg.Addr,
		Version:        cfg.Version,
		MaxUploadBytes: cfg.MaxUploadBytes,
		RateLimit:      cfg.RateLimit,
		TrustProxy:     cfg.TrustProxy,
		AuditBodyLimit: cfg.AuditBodyLimit,
		AuditSkipPaths: cfg.AuditSkipPaths,
	}, server.Deps{
		Clients: service.NewClientService(st, blobs, cache, logger.Named("clients")),
		Files:   service.NewFileService(st, blobs, engine, cache, logger.Named("files")),
		Logs:    logs,
		Audit:   writer,
		Checks:  map[string]server.Pinger{"database": st, "storage": blobs},
		Logger:  logger,
	})

	metrics.SetBuildInfo(cfg.Version, cfg.Commit)
	return &app{cfg: cfg, logger: logger, store: st, writer: writer, logs: logs, server: srv}, nil
}

// run serves until ctx is cancelled or the server fails, then shuts down:
// HTTP first, then the audit queue, then the store.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Start()
	})
	g.Go(func() error {
		a.logs.RunRetention(gctx, service.RetentionConfig{
			Days:     a.cfg.RetentionDays,
			Interval: a.cfg.RetentionInterval,
		})
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown", zap.Error(err))
		}
		if err := a.writer.Close(shutdownCtx); err != nil {
			a.logger.Warn("audit queue drain", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	if cerr := a.store.Close(); cerr != nil {
		a.logger.Error("close store", zap.Error(cerr))
	}
	return err
}

func runServe(ctx context.Context) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	start := time.Now()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("backend starting",
		zap.String("addr", cfg.Addr),
		zap.String("version", cfg.Version),
		zap.String("commit", cfg.Commit),
		zap.String("db", cfg.DBDriver),
		zap.String("storage", cfg.StorageBackend),
		zap.Duration("startup", time.Since(start)))
	return a.run(ctx)
}
