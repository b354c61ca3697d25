package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/vouch/internal/auth"
	"github.com/dukerupert/vouch/internal/config"
	"github.com/dukerupert/vouch/internal/database"
	"github.com/dukerupert/vouch/internal/logging"
	"github.com/dukerupert/vouch/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// `vouch token <account-id>` prints a development bearer token.
	if len(os.Args) == 3 && os.Args[1] == "token" {
		if err := printToken(cfg, os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(db, cfg, logger)
	if err != nil {
		db.Close()
		slog.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	if err := srv.Start(bgCtx); err != nil {
		srv.Close()
		slog.Error("failed to start background jobs", "error", err)
		os.Exit(1)
	}

	// WriteTimeout is left unset so WebSocket connections are not cut off.
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("vouch starting",
			"addr", ":"+cfg.Port,
			"base_url", cfg.BaseURL,
			"free_quota", cfg.FreeQuota,
			"stripe", cfg.Stripe.Enabled())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	bgCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	if err := srv.Close(); err != nil {
		slog.Error("close error", "error", err)
		os.Exit(1)
	}
}

func printToken(cfg config.Config, accountID string) error {
	v, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return err
	}
	tok, err := v.Sign(accountID, 24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
