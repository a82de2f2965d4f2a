// ABOUTME: Main entry point for the station input buffer service
// ABOUTME: Loads config, starts stations, serves readers over HTTP
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harper/station-input-buffer/internal/application/config"
	"github.com/harper/station-input-buffer/internal/application/manager"
	"github.com/harper/station-input-buffer/internal/infrastructure/http"
	"github.com/harper/station-input-buffer/internal/logging"
)

var log = logging.Log("stationbufd")

func main() {
	if err := run(); err != nil {
		log.Fatal("fatal: %v", err)
	}
}

func loadConfig() (*config.Config, error) {
	if len(os.Args) > 1 {
		return config.Load(os.Args[1])
	}
	return config.Discover()
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	logging.Configure(os.Stdout, level, cfg.Logging.JSON)

	// Create station manager
	mgr, err := manager.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	// Start stations
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("start stations: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Host, cfg.Listen.Port)
	srv := &nethttp.Server{
		Addr:         addr,
		Handler:      http.NewMux(mgr),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Streaming
		IdleTimeout:  0, // Streaming
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	// Graceful shutdown
	shutdown := make(chan error, 1)
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Info("shutting down...")

		// Stations go first: closing their buffers ends the websocket
		// streams still attached to the server.
		stationsErr := mgr.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		shutdown <- errors.Join(srv.Shutdown(ctx), stationsErr)
	}()

	log.Info("listening on http://%s (try /stations)", addr)
	if err := srv.ListenAndServe(); err != nil && err != nethttp.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}

	if err := <-shutdown; err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("shutdown complete")
	return nil
}
