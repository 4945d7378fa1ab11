package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/openlumo/lumo-proxy/internal/auth"
	"github.com/openlumo/lumo-proxy/internal/commands"
	"github.com/openlumo/lumo-proxy/internal/config"
	"github.com/openlumo/lumo-proxy/internal/logger"
	"github.com/openlumo/lumo-proxy/internal/metrics"
	"github.com/openlumo/lumo-proxy/internal/proxy"
	"github.com/openlumo/lumo-proxy/internal/queue"
	"github.com/openlumo/lumo-proxy/internal/store"
	"github.com/openlumo/lumo-proxy/internal/syncengine"
	"github.com/openlumo/lumo-proxy/internal/upstream"
)

const (
	exitConfig = 1
	exitAuth   = 2
	exitBind   = 3
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "server" {
		fmt.Fprintf(os.Stderr, "usage: %s server\n", os.Args[0])
		os.Exit(exitConfig)
	}

	cfg, err := config.Load("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(exitConfig)
	}

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	provider, err := buildAuthProvider(cfg)
	if err != nil {
		log.Error("auth setup failed", slog.String("error", err.Error()))
		os.Exit(exitAuth)
	}
	// Fail fast on missing credentials instead of on the first request.
	if _, err := provider.Credentials(context.Background()); err != nil {
		log.Error("no usable upstream credentials", slog.String("error", err.Error()))
		os.Exit(exitAuth)
	}

	m := metrics.New()
	st := store.New(cfg.MaxConversations, log, m)
	q := queue.New(cfg.RequestQueueSize, m)
	up := upstream.NewClient(cfg, provider, log)

	var engine *syncengine.Engine
	if cfg.SyncEnabled {
		keys, err := syncengine.LoadKeyManager(cfg.SyncMasterKeyFile)
		if err != nil {
			log.Error("sync master key unavailable", slog.String("error", err.Error()))
			os.Exit(exitConfig)
		}
		client := syncengine.NewHTTPServerClient(cfg.SyncBaseURL, cfg.UpstreamAppVersion, provider)
		engine = syncengine.New(cfg, st, keys, client, log, m)
		if err := engine.Start(context.Background(), cfg.SyncPullOnStartup, cfg.SyncReconcileSpec); err != nil {
			log.Error("sync engine failed to start", slog.String("error", err.Error()))
			os.Exit(exitConfig)
		}
	}

	cmds := commands.NewHandler(st, engine, log)
	handler := proxy.NewHandler(cfg, st, q, up, cmds, log, m)

	corsWrapper := cors.New(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Handler:           corsWrapper.Handler(handler.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Error("failed to bind", slog.String("addr", cfg.Addr), slog.String("error", err.Error()))
		os.Exit(exitBind)
	}

	go func() {
		log.Info("listening", slog.String("addr", cfg.Addr), slog.String("model", cfg.Model))
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("server stopped", slog.String("error", err.Error()))
			os.Exit(exitBind)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", slog.String("error", err.Error()))
	}
	if engine != nil {
		engine.Stop()
	}
	q.Close()
	log.Info("bye")
}

// buildAuthProvider prefers the encrypted vault; static credentials
// from config or env are the fallback.
func buildAuthProvider(cfg *config.Config) (auth.Provider, error) {
	if cfg.VaultPath != "" && cfg.VaultKeyFile != "" {
		vault, err := auth.OpenVault(cfg.VaultPath, cfg.VaultKeyFile)
		if err != nil {
			return nil, err
		}
		return auth.NewVaultProvider(vault), nil
	}
	return auth.NewStaticProvider(cfg.AuthUID, cfg.AuthToken), nil
}
