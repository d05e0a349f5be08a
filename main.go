package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		slog.Error("Could not load configuration", "error", err)
		os.Exit(1)
	}
	InitLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize services
	reg := NewMetricsRegistry()
	metrics := NewMetrics(reg)
	server := NewServer(cfg.ServerOptions(), metrics)

	templates, err := NewTemplateRegistry(cfg.DataFolder, cfg.WatchDebounce)
	if err != nil {
		return err
	}
	if err := templates.Load(); err != nil {
		return err
	}
	if err := templates.Watch(ctx); err != nil {
		slog.Warn("Template watcher unavailable, only uploads will reload clients", "error", err)
	}

	controller := NewController(templates.Events(), server, metrics)
	go controller.Run(ctx)

	handlers := NewHandlers(server, templates, cfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewRouter(handlers, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr, "version", Version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	slog.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}

	// Websocket connections are hijacked, Shutdown does not track them.
	server.Close()
	templates.Close()
	<-controller.Done()

	slog.Info("Goodbye!")
	return nil
}
