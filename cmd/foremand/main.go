// Command foremand is the Foreman coordinator daemon. It opens the
// record store, wires the services, work-queue engine, and event bus
// together, and serves the REST API plus the SSE event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/forgecrew/foreman/config"
	"github.com/forgecrew/foreman/events"
	"github.com/forgecrew/foreman/internal/version"
	"github.com/forgecrew/foreman/server"
	"github.com/forgecrew/foreman/service"
	"github.com/forgecrew/foreman/store"
	"github.com/forgecrew/foreman/workqueue"
)

var (
	configPath  = flag.String("config", "", "path to YAML config file (defaults apply when empty)")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("foremand %s (%s, %s)\n", version.Version, version.Commit, version.BuildDate)
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		cfg = loaded
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	logger.Info("starting foremand",
		"version", version.Version,
		"commit", version.Commit,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir %s: %v", cfg.DataDir, err)
	}
	st, err := store.Open(filepath.Join(cfg.DataDir, "foreman.db"))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	bus := events.NewBus(logger)
	svcs := service.New(st, bus, logger)
	engine := workqueue.New(st, svcs.Sessions, bus, logger)

	srv := server.New(*cfg, version.Version, svcs, engine, st, bus, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("server stop error", "error", err)
	}
	engine.Close()
	if err := st.Close(); err != nil {
		logger.Error("store close error", "error", err)
	}
	logger.Info("shutdown complete")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
