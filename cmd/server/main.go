// Package main is the entry point for the certmux demo server: a
// TLS-terminating HTTPS listener that loads all its TLS materials
// through the object cache and survives configuration reloads without
// re-parsing unchanged materials.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	certmux "github.com/blueberrycongee/certmux"
	"github.com/blueberrycongee/certmux/internal/config"
	"github.com/blueberrycongee/certmux/internal/metrics"
	"github.com/blueberrycongee/certmux/internal/observability"
	"github.com/blueberrycongee/certmux/internal/secret"
	"github.com/blueberrycongee/certmux/internal/secret/env"
	"github.com/blueberrycongee/certmux/internal/secret/vault"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		JSONFormat: cfg.Logging.Format == "json",
	}, observability.NewRedactor())
	slog.SetDefault(logger.Slog())

	logger.Info("starting certmux server", "version", certmux.Version)

	secrets := secret.NewManager()
	defer func() {
		if err := secrets.Close(); err != nil {
			logger.Error("failed to close secret manager", "error", err)
		}
	}()

	secrets.Register("env", env.New())

	// Vault passphrase lookups sit on the handshake path, so they run
	// behind a short-lived cache; a reload flushes it below.
	var passphraseCache *secret.CachedProvider
	if cfg.Vault.Enabled {
		vp, err := vault.New(vault.Config{
			Address:    cfg.Vault.Address,
			AuthMethod: cfg.Vault.AuthMethod,
			RoleID:     cfg.Vault.RoleID,
			SecretID:   cfg.Vault.SecretID,
			CACert:     cfg.Vault.CACert,
			ClientCert: cfg.Vault.ClientCert,
			ClientKey:  cfg.Vault.ClientKey,
		})
		if err != nil {
			return fmt.Errorf("vault provider: %w", err)
		}
		passphraseCache = secret.NewCachedProvider(vp, time.Minute)
		secrets.Register("vault", passphraseCache)
	}

	cfgManager, err := config.NewManager(*configPath, logger.Slog())
	if err != nil {
		return fmt.Errorf("config manager: %w", err)
	}
	defer func() { _ = cfgManager.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	term, err := newTerminator(ctx, cfgManager.Current(), secrets, logger)
	if err != nil {
		return err
	}
	defer term.Close()

	cfgManager.OnReload(func(next, prev *config.Generation) {
		metrics.GenerationReloads.Inc()
		if passphraseCache != nil {
			passphraseCache.Flush()
		}
		if err := term.Reload(ctx, next); err != nil {
			logger.Error("reload failed, serving previous generation",
				"generation", next.ID, "error", err)
		}
	})

	if err := cfgManager.Watch(ctx); err != nil {
		return fmt.Errorf("watch configuration: %w", err)
	}

	// SIGHUP triggers a reload (skipped when the file's content is
	// unchanged); the fsnotify watch covers editor saves.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := cfgManager.Reload(); err != nil {
				logger.Error("reload failed", "error", err)
			}
		}
	}()

	prometheus.MustRegister(
		metrics.NewCacheCollector("connection", term),
		metrics.NewCacheCollector("config", term.loaderStats()),
	)

	errCh := make(chan error, 2)

	if cfg.Metrics.Enabled {
		go func() {
			errCh <- serveMetrics(ctx, cfg.Metrics.Listen, term, logger)
		}()
	}

	go func() {
		errCh <- term.Serve(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func serveMetrics(ctx context.Context, listen string, term *terminator,
	logger *observability.Logger) error {

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/cachez", term.handleCachez)

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", listen)
	return srv.ListenAndServe()
}
