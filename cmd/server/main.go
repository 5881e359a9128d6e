package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keyrelay/internal/admin"
	"keyrelay/internal/auth"
	"keyrelay/internal/config"
	"keyrelay/internal/httputil"
	"keyrelay/internal/keypool"
	"keyrelay/internal/logger"
	"keyrelay/internal/monitoring"
	"keyrelay/internal/relay"
	"keyrelay/internal/router"
	"keyrelay/internal/security"
	"keyrelay/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.LoggingLevel)

	log.Info("Starting keyrelay",
		"logging_level", cfg.Server.LoggingLevel,
		"port", cfg.Server.Port,
		"upstream", cfg.Upstream.BaseURL,
		"pool_prefix", cfg.Pool.Prefix,
	)

	ctx := context.Background()

	var kv store.Store
	var pgStore *store.Postgres
	if cfg.Store.DatabaseURL != "" {
		pgStore, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, log)
		if err != nil {
			log.Error("Failed to initialize PostgreSQL store", "error", err)
			os.Exit(1)
		}
		kv = pgStore
		log.Info("Using PostgreSQL store", "database", security.MaskDatabaseURL(cfg.Store.DatabaseURL))
	} else {
		kv = store.NewMemory()
		log.Warn("Using in-memory store; credentials are lost on restart")
	}

	pool := keypool.New(kv, log, cfg.Pool.Prefix, cfg.Pool.DefaultAlgorithm, cfg.Pool.DefaultRPM)
	if err := pool.Init(ctx); err != nil {
		log.Error("Failed to initialize key pool", "error", err)
		os.Exit(1)
	}

	metrics := monitoring.New(cfg.Monitoring.PrometheusEnabled)

	client := httputil.NewClient(&httputil.ClientConfig{
		HeaderTimeout: cfg.Upstream.HeaderTimeout,
	})

	rly := relay.New(
		pool,
		log,
		metrics,
		client,
		cfg.Upstream.BaseURL,
		cfg.Upstream.ThinkingModels,
		cfg.Server.MaxBodySizeMB,
	)

	authn, err := auth.New(cfg.Server.MasterKey, cfg.Server.AllowPassthroughKeys, log)
	if err != nil {
		log.Error("Failed to initialize authenticator", "error", err)
		os.Exit(1)
	}

	adminAPI := admin.New(pool, log)
	rtr := router.New(rly, adminAPI, authn, pool, &cfg.Monitoring)

	// Background updater for per-credential window gauges
	var updaterCancel context.CancelFunc
	if cfg.Monitoring.PrometheusEnabled {
		var updaterCtx context.Context
		updaterCtx, updaterCancel = context.WithCancel(ctx)
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-updaterCtx.Done():
					return
				case <-ticker.C:
					creds, err := pool.ListCredentials(updaterCtx)
					if err != nil {
						continue
					}
					for _, cred := range creds {
						metrics.UpdateCredentialWindowCount(
							security.MaskAPIKey(cred.Key),
							cred.RateLimit.CurrentCount,
						)
					}
				}
			}
		}()
		log.Info("Metrics updater started (updates every 10 seconds)")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: rtr,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	if updaterCancel != nil {
		updaterCancel()
	}
	pool.Stop()
	if pgStore != nil {
		pgStore.Close()
	}

	log.Info("Server shutdown complete")
}
