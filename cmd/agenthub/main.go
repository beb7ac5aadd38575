// Package main is the entry point for the agenthub server. The single
// binary runs the fleet scheduler, event pipeline and query API together.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agenthub/agenthub/internal/api"
	"github.com/agenthub/agenthub/internal/common/config"
	"github.com/agenthub/agenthub/internal/common/logger"
	"github.com/agenthub/agenthub/internal/db"
	"github.com/agenthub/agenthub/internal/events/bus"
	"github.com/agenthub/agenthub/internal/events/store"
	"github.com/agenthub/agenthub/internal/fleet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agenthub")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.Bus
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSBus(bus.NATSOptions{
			URL:           cfg.NATS.URL,
			ClientID:      cfg.NATS.ClientID,
			MaxReconnects: cfg.NATS.MaxReconnects,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryBus(log)
	}
	defer eventBus.Close()

	// Event store and persistence sink.
	eventsPath, err := db.NormalizePath(cfg.Events.DBPath)
	if err != nil {
		log.Fatal("invalid events.dbPath", zap.Error(err))
	}
	eventStore, err := store.New(eventsPath, log)
	if err != nil {
		log.Fatal("failed to open event store", zap.Error(err))
	}
	defer eventStore.Close()

	sink, err := store.NewSink(eventBus, eventStore, log)
	if err != nil {
		log.Fatal("failed to attach event sink", zap.Error(err))
	}
	defer sink.Detach()

	// Fleet scheduler over its registry.
	registryPath, err := db.NormalizePath(cfg.Fleet.RegistryPath)
	if err != nil {
		log.Fatal("invalid fleet.registryPath", zap.Error(err))
	}
	registry, err := fleet.OpenRegistry(registryPath, log)
	if err != nil {
		log.Fatal("failed to open fleet registry", zap.Error(err))
	}
	defer registry.Close()
	scheduler := fleet.NewScheduler(cfg.Fleet, registry, eventBus, log)

	// Websocket hub fed by the bus.
	hub := api.NewHub(log)
	if err := hub.AttachBus(eventBus); err != nil {
		log.Fatal("failed to attach websocket hub", zap.Error(err))
	}

	server := api.NewServer(eventStore, hub, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := scheduler.ShutdownAll(shutdownCtx); err != nil {
			log.Warn("fleet shutdown reported errors", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("agenthub stopped")
}
