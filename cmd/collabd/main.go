// Command collabd runs the live-coding collaboration server: it wires
// config, the room repository, and the HTTP/WebSocket surface together,
// then runs the background flush/GC and TTL-purge loops alongside the
// HTTP server under a shared errgroup (spec.md §4.5).
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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/collabcrdt/server/internal/config"
	"github.com/collabcrdt/server/internal/httpapi"
	"github.com/collabcrdt/server/internal/repository"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collabd",
		Short: "Collaborative live-coding CRDT server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	repo, err := repository.New(repository.Config{
		Root:                cfg.DataRoot,
		RoomEventsLimit:     cfg.RoomEventsLimit,
		RoomSitesLimit:      cfg.RoomSitesLimit,
		DocumentLengthLimit: cfg.DocumentLengthLimit,
		CompactionThreshold: cfg.CompactionThreshold,
		RoomNameLength:      cfg.RoomNameLength,
		TTLDays:             cfg.RoomTTLDays,
		FlushInterval:       cfg.FlushInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}

	startedAt := time.Now()
	srv := httpapi.NewServer(repo, cfg, logger, startedAt)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		runFlushGCLoop(groupCtx, repo, cfg.FlushInterval, logger)
		return nil
	})

	group.Go(func() error {
		runTTLPurgeLoop(groupCtx, repo, logger)
		return nil
	})

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}

	// Final flush once the loops have been cancelled and have exited, per
	// spec.md §4.5.
	waitErr := group.Wait()
	repo.FlushAll(context.Background())

	return waitErr
}

func runFlushGCLoop(ctx context.Context, repo *repository.Repository, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			repo.FlushAll(ctx)
			repo.GC(ctx)
		}
	}
}

func runTTLPurgeLoop(ctx context.Context, repo *repository.Repository, logger *slog.Logger) {
	repo.PurgeStaleRooms()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			repo.PurgeStaleRooms()
		}
	}
}
