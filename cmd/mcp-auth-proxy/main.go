// Command mcp-auth-proxy runs the multi-tenant authentication proxy.
//
// Configuration comes from the environment (see authproxy.LoadFromEnv) and
// the tenant JSON file at CONFIG_PATH.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	authproxy "github.com/giantswarm/mcp-auth-proxy"
	"github.com/giantswarm/mcp-auth-proxy/instrumentation"
	"github.com/giantswarm/mcp-auth-proxy/security"
	"github.com/giantswarm/mcp-auth-proxy/storage/memory"
	"github.com/giantswarm/mcp-auth-proxy/tenant"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := run(logger); err != nil {
		logger.Error("proxy exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := authproxy.LoadFromEnv()
	cfg.Logger = logger

	tenants, err := tenant.Load(cfg.TenantConfigPath)
	if err != nil {
		return err
	}
	logger.Info("tenant configuration loaded",
		"path", cfg.TenantConfigPath, "tenants", tenants.IDs())

	store := memory.New()
	defer store.Stop()

	server, err := authproxy.NewServer(cfg, tenants, store, logger)
	if err != nil {
		return err
	}
	defer server.Stop()

	if os.Getenv("OTEL_ENABLED") == "true" {
		inst, err := instrumentation.New(instrumentation.Config{
			ServiceName: "mcp-auth-proxy",
			Enabled:     true,
		})
		if err != nil {
			return err
		}
		defer func() { _ = inst.Shutdown(context.Background()) }()
		server.SetInstrumentation(inst)
	}

	mux := http.NewServeMux()
	authproxy.NewHandler(server, logger).RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGHUP reloads the tenant file without dropping in-flight flows
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := tenants.Reload(); err != nil {
				logger.Error("tenant reload failed; keeping previous configuration", "error", err)
				continue
			}
			logger.Info("tenant configuration reloaded", "tenants", tenants.IDs())
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy listening", "addr", httpServer.Addr, "base_url", cfg.BaseURL)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
