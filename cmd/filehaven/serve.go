package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/filehaven/filehaven/internal/auth"
	"github.com/filehaven/filehaven/internal/config"
	"github.com/filehaven/filehaven/internal/server"
	"github.com/filehaven/filehaven/internal/storage"
	"github.com/filehaven/filehaven/internal/tenant"
	badgerstore "github.com/filehaven/filehaven/internal/tenant/badger"
	sqlitestore "github.com/filehaven/filehaven/internal/tenant/sqlite"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the storage API server",
		RunE:  runServe,
	}
}

// openStore opens the tenant store named by the config and seeds its plans.
func openStore(ctx context.Context, cfg *config.Config) (tenant.Store, error) {
	var store tenant.Store
	switch cfg.Tenants.Driver {
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Tenants.DSN), 0o700); err != nil {
			return nil, fmt.Errorf("create tenant db dir: %w", err)
		}
		s, err := sqlitestore.Open(cfg.Tenants.DSN)
		if err != nil {
			return nil, err
		}
		store = s
	case config.DriverBadger:
		s, err := badgerstore.Open(cfg.Tenants.DSN)
		if err != nil {
			return nil, err
		}
		store = s
	case config.DriverMemory:
		store = tenant.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown tenant driver %q", cfg.Tenants.Driver)
	}

	if err := tenant.EnsurePlans(ctx, store, cfg.TenantPlans()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("seed plans: %w", err)
	}
	return store, nil
}

// newGateway builds the storage gateway over the configured root.
func newGateway(cfg *config.Config, store tenant.Store, metrics *storage.Metrics) (*storage.Gateway, error) {
	if err := os.MkdirAll(cfg.Storage.Root, 0o700); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	cipher, err := storage.NewCipher(cfg.Storage.Secret, cfg.Storage.LegacyDecrypt)
	if err != nil {
		return nil, err
	}
	fs := osfs.New(cfg.Storage.Root, osfs.WithBoundOS())
	return storage.NewGateway(fs, cipher, storage.NewLedger(store), storage.Options{
		MaxUpload: cfg.Storage.MaxUpload.Bytes(),
		Metrics:   metrics,
	}), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	stopLogs := setupLogging(cfg)
	defer stopLogs()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open tenant store: %w", err)
	}
	defer func() { _ = store.Close() }()

	var metrics *storage.Metrics
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metrics = storage.InitMetrics(nil)
		metricsHandler = promhttp.Handler()
	}

	gw, err := newGateway(cfg, store, metrics)
	if err != nil {
		return err
	}
	tokens, err := auth.NewIssuer(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	srv := server.New(gw, store, tokens, server.Options{
		Version:   Version,
		MaxUpload: cfg.Storage.MaxUpload.Bytes(),
		Metrics:   metricsHandler,
	})

	log.Info().
		Str("version", Version).
		Str("root", cfg.Storage.Root).
		Str("tenants", cfg.Tenants.Driver).
		Bool("legacy_decrypt", cfg.Storage.LegacyDecrypt).
		Msg("filehaven starting")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(cfg.Listen) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
