package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AnatolyTseytsey/forward-webhook/internal/api"
	"github.com/AnatolyTseytsey/forward-webhook/internal/config"
	"github.com/AnatolyTseytsey/forward-webhook/internal/forwarder"
	"github.com/AnatolyTseytsey/forward-webhook/internal/ingest"
	"github.com/AnatolyTseytsey/forward-webhook/internal/registry"
	"github.com/AnatolyTseytsey/forward-webhook/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides PORT env and config)")
	cfgPath := flag.String("config", "configs/forwarder.yaml", "Path to YAML config")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		slog.Error("config validation failed", "err", err)
		os.Exit(1)
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		slog.Error("failed to open storage", "err", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		slog.Error("failed to initialize storage schema", "err", err)
		os.Exit(1)
	}
	dedup := storage.NewDedup(store, time.Duration(cfg.Ingest.DedupTTLMinutes)*time.Minute)
	queue := storage.NewQueue(store)

	// ── Registry + forwarder + ingestor ──────────────────────────────────────
	reg := registry.New(cfg.Destinations)
	slog.Info("destinations loaded", "total", len(cfg.Destinations), "enabled", len(reg.Enabled()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fwd := forwarder.New(queue, cfg.Delivery)
	fwd.Start(ctx)
	fwd.Apply(reg.Enabled())

	ing := ingest.New(store, dedup, queue, reg, cfg.Server.SecretToken)
	go ing.Run(ctx, time.Duration(cfg.Ingest.ReconcileIntervalS)*time.Second)

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		if err := config.Validate(newCfg); err != nil {
			slog.Warn("hot-reload skipped: config invalid", "err", err)
			return
		}
		reg.Swap(newCfg.Destinations)
		fwd.Apply(reg.Enabled())
		slog.Info("destinations hot-reloaded", "total", len(newCfg.Destinations), "enabled", len(reg.Enabled()))
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.New(ing, loader, reg, store, queue)
	srv := &http.Server{
		Addr:         listenAddr(*addr, cfg),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", srv.Addr, "webhook_path", cfg.Server.WebhookPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	cancel() // stop ingest sweep and worker polling
	if err := fwd.Shutdown(shutCtx); err != nil {
		slog.Warn("forwarder drain timed out; leased jobs will be reclaimed on restart", "err", err)
	}
	slog.Info("goodbye")
}

// listenAddr resolves the listen address: -addr flag, then the PORT
// environment variable (hosting platforms inject it), then config, which
// defaults to :10000.
func listenAddr(flagAddr string, cfg *config.Config) string {
	if flagAddr != "" {
		return flagAddr
	}
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return cfg.Server.Addr
}
