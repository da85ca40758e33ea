package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pipehost/pipehost/internal/config"
	"github.com/pipehost/pipehost/internal/dispatch"
	"github.com/pipehost/pipehost/internal/engine"
	"github.com/pipehost/pipehost/internal/fetch"
	"github.com/pipehost/pipehost/internal/lifecycle"
	"github.com/pipehost/pipehost/internal/registry"
	"github.com/pipehost/pipehost/internal/scanner"
	"github.com/pipehost/pipehost/internal/server"
	"github.com/pipehost/pipehost/internal/storage"
	"github.com/pipehost/pipehost/internal/storage/memory"
	"github.com/pipehost/pipehost/internal/storage/sqlite"
	"github.com/pipehost/pipehost/internal/telemetry"
	"github.com/pipehost/pipehost/internal/tokens"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer("pipehost", logger)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	if err := os.MkdirAll(cfg.Pipelines.Dir, 0o755); err != nil {
		log.Fatalf("Failed to create pipeline directory: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	sc := scanner.New(cfg.Pipelines.Dir, logger)
	eng := engine.New(logger)
	reg := registry.New()
	manager := lifecycle.New(sc, eng, reg, store, logger)
	dispatcher := dispatch.New(manager, store, logger)
	fetcher := fetch.New(cfg.Pipelines.Dir)
	counter := tokens.NewCounter()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Initialize(ctx); err != nil {
		log.Fatalf("Failed to scan pipeline directory: %v", err)
	}

	if cfg.Pipelines.Watch {
		watcher, err := lifecycle.NewWatcher(manager, logger)
		if err != nil {
			logger.Error("failed to start pipeline watcher", slog.String("error", err.Error()))
		} else {
			go watcher.Run(ctx)
		}
	}

	srv := server.New(cfg.Server.Port,
		time.Duration(cfg.Server.TimeoutSeconds)*time.Second,
		cfg.Server.APIKey, logger)
	server.NewHandlers(manager, dispatcher, fetcher, counter).RegisterRoutes(srv.Router)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-sigChan:
		logger.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return memory.New(), nil
	default:
		return sqlite.New(cfg.Storage.Path)
	}
}
