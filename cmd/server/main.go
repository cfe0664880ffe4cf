// Web Vault Server
//
// Features:
// - Multi-tenant vault trees over local or S3 object storage
// - Upload, folder, move, copy and delete endpoints
// - Grace-delayed physical deletion
// - SSE change events per vault
// - Per-vault rate limiting
// - Tree snapshots to a file, Badger or PostgreSQL
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kevinMEH/web-vault/internal/api"
	"github.com/kevinMEH/web-vault/internal/auth"
	"github.com/kevinMEH/web-vault/internal/backup"
	"github.com/kevinMEH/web-vault/internal/config"
	"github.com/kevinMEH/web-vault/internal/events"
	"github.com/kevinMEH/web-vault/internal/logging"
	"github.com/kevinMEH/web-vault/internal/metrics"
	"github.com/kevinMEH/web-vault/internal/ops"
	"github.com/kevinMEH/web-vault/internal/quota"
	"github.com/kevinMEH/web-vault/internal/scheduler"
	"github.com/kevinMEH/web-vault/internal/storage"
	"github.com/kevinMEH/web-vault/internal/storage/local"
	s3storage "github.com/kevinMEH/web-vault/internal/storage/s3"
	"github.com/kevinMEH/web-vault/internal/vfs"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Web Vault server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("storage", cfg.StorageBackend),
		zap.String("backup", cfg.BackupBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		logging.Fatal("storage init failed", zap.Error(err))
	}

	// Restore the registry before anything can touch it
	reg := vfs.NewRegistry()
	var runner *backup.Runner
	snapshots, err := openBackupStore(ctx, cfg)
	if err != nil {
		logging.Fatal("backup store init failed", zap.Error(err))
	}
	if snapshots != nil {
		runner = backup.NewRunner(reg, snapshots)
		if _, err := runner.Restore(ctx); err != nil {
			logging.Fatal("restore failed", zap.Error(err))
		}
	}

	broadcaster := events.NewBroadcaster()
	sched := scheduler.New(nil)
	engine := ops.New(reg, store, sched, ops.Options{
		DeleteGrace: cfg.DeleteGrace,
		Notifier:    broadcaster,
	})

	swept, err := engine.Sweep(ctx)
	if err != nil {
		logging.Error("startup sweep failed", zap.Error(err))
	} else {
		logging.Info("startup sweep completed",
			zap.Int("staging", swept.Staging),
			zap.Int("orphans", swept.Orphans),
			zap.Int("relocated", swept.Relocated),
			zap.Int("stranded", swept.Stranded))
	}

	rateLimiter := quota.NewRateLimiter(cfg.VaultRequestsPerMin)
	go rateLimiter.Start()

	if cfg.AdminKeyHash == "" {
		logging.Warn("ADMIN_KEY_HASH not set, admin endpoints are disabled")
	}
	authz := auth.New(cfg.JWTSecret, reg, cfg.AdminKeyHash)

	srv := api.NewServer(engine, authz, rateLimiter, broadcaster, cfg.MaxUploadSize)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Start periodic tree metrics update
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetTreeSize(reg.NodeCount(), len(reg.Names()))
			}
		}
	}()

	if runner != nil {
		go runner.Run(ctx, cfg.BackupInterval)
	}

	serveErr := make(chan error, 1)
	go func() {
		if useTLS {
			logging.Info("server listening (TLS 1.3)",
				zap.String("addr", cfg.ListenAddr),
				zap.String("cert", cfg.TLSCertFile))
			serveErr <- httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
			return
		}
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		serveErr <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logging.Info("shutting down...", zap.String("signal", sig.String()))
	case err := <-engine.Fatal():
		logging.Error("fatal engine error, shutting down", zap.Error(err))
		exitCode = 1
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logging.Error("server error", zap.Error(err))
			exitCode = 1
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("http shutdown incomplete", zap.Error(err))
		httpServer.Close()
	}
	metricsServer.Close()
	rateLimiter.Stop()

	// Deletions still in their grace delay run now
	sched.Flush()

	if runner != nil {
		if err := runner.Backup(shutdownCtx); err != nil {
			logging.Error("final backup failed", zap.Error(err))
			exitCode = 1
		}
		snapshots.Close()
	}
	if err := store.Close(); err != nil {
		logging.Warn("storage close failed", zap.Error(err))
	}

	logging.Info("server stopped")
	if exitCode != 0 {
		logging.Sync()
		os.Exit(exitCode)
	}
}

// openStorage creates the configured object storage backend.
func openStorage(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case "s3":
		return s3storage.NewBackend(ctx, s3storage.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	case "local":
		return local.New(local.Config{
			RootPath:   cfg.LocalStoragePath,
			CreateDirs: true,
		})
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}

// openBackupStore creates the configured snapshot store, or nil when
// backups are disabled.
func openBackupStore(ctx context.Context, cfg *config.Config) (backup.Store, error) {
	switch cfg.BackupBackend {
	case "file":
		return backup.NewFileStore(cfg.BackupPath)
	case "badger":
		return backup.NewBadgerStore(cfg.BackupPath)
	case "postgres":
		return backup.NewPostgresStore(ctx, cfg.DatabaseURL)
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown backup backend %q", cfg.BackupBackend)
}
