package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/hapo/internal/account"
	"github.com/dukerupert/hapo/internal/backend"
	"github.com/dukerupert/hapo/internal/config"
	"github.com/dukerupert/hapo/internal/email"
	"github.com/dukerupert/hapo/internal/logging"
	"github.com/dukerupert/hapo/internal/server"
)

const cleanupInterval = time.Hour

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	b, err := backend.Open(cfg, logger)
	if err != nil {
		slog.Error("failed to open backend", "backend", cfg.Backend, "error", err)
		os.Exit(1)
	}
	defer b.Close()

	var deliverer account.Deliverer
	if cfg.EmailConfigured() {
		deliverer = email.NewClient(cfg.PostmarkToken, cfg.EmailFrom)
	} else {
		slog.Warn("HAPO_POSTMARK_TOKEN not set, verification codes will be logged")
		deliverer = email.NewLogDeliverer(logger)
	}

	srv := server.New(b, cfg, deliverer, logger, server.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Start(ctx)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Hijacked WebSocket connections end when ctx is cancelled.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// Background cleanup goroutine
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sessions, codes, err := srv.Backend().Cleanup(ctx, time.Now())
				if err != nil {
					slog.Error("cleanup expired credentials", "error", err)
				} else if sessions > 0 || codes > 0 {
					slog.Info("cleaned up expired credentials", "sessions", sessions, "codes", codes)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("hapo starting", "addr", httpServer.Addr, "backend", b.Name)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
