package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/blackmichael/following-feed/internal/admin"
	"github.com/blackmichael/following-feed/internal/auth"
	"github.com/blackmichael/following-feed/internal/backfill"
	"github.com/blackmichael/following-feed/internal/config"
	"github.com/blackmichael/following-feed/internal/domain"
	"github.com/blackmichael/following-feed/internal/firehose"
	"github.com/blackmichael/following-feed/internal/httpserver"
	"github.com/blackmichael/following-feed/internal/identity"
	"github.com/blackmichael/following-feed/internal/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := sqlite.NewStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	logger.Info("store opened", "path", cfg.DatabasePath)

	feedService := domain.NewFeedService(store, store, store, cfg.DefaultPageSize, cfg.MaxPageSize, logger)

	resolver := identity.NewResolver(cfg.PLCDirectoryURL)
	verifier := auth.NewVerifier(cfg.ServiceDID(), resolver, logger)
	backfiller := backfill.NewClient("", store, store, store, logger)

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start the firehose subscriber in the background
	subscriber := firehose.NewSubscriber(cfg.JetstreamURL, feedService, store, logger)
	subscriberDone := make(chan struct{})
	go func() {
		defer close(subscriberDone)
		if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("firehose subscriber exited with error", "error", err)
		}
	}()

	// Start background post eviction
	go feedService.StartEvictionJob(ctx, cfg.EvictionInterval, cfg.Retention)

	// Start the operator console
	adminSocket := admin.NewSocket(cfg.AdminSocketPath, store, feedService, backfiller, cfg.Retention, logger)
	go func() {
		if err := adminSocket.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("admin socket exited with error", "error", err)
		}
	}()

	// Start the HTTP server
	server := httpserver.NewServer(cfg, feedService, verifier, backfiller, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port, "hostname", cfg.Hostname, "feed", cfg.FeedURI())

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	// The subscriber flushes its resume cursor on the way out; wait for it so
	// the next start resumes from the right position.
	<-subscriberDone

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}
