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

	"github.com/atrium3d/atrium/internal/config"
	"github.com/atrium3d/atrium/internal/logging"
	"github.com/atrium3d/atrium/internal/server"
	"github.com/atrium3d/atrium/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "YAML config file path (optional; env vars override)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	slog.Info("starting atrium server", "addr", cfg.Addr())

	accounts := store.LoadAccounts(cfg.AccountsPath)
	poses := store.LoadPoses(cfg.PosesPath)

	hub := server.NewHub(cfg, accounts, poses)
	go hub.Run()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	autosaveDone := make(chan struct{})
	go func() {
		defer close(autosaveDone)
		poses.Autosave(ctx, cfg.AutosaveInterval)
	}()

	httpServer := server.CreateServer(cfg.Addr(), server.SetupRoutes(hub))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	_ = server.ShutdownServer(httpServer, shutdownTimeout)
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		slog.Warn("hub did not drain cleanly", "err", err)
	}

	stop()
	<-autosaveDone // Autosave performs the final pose flush on its way out.

	slog.Info("shutdown complete")
}
