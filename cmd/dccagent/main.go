// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/dccagent/internal/config"
	"github.com/nishisan-dev/dccagent/internal/events"
	"github.com/nishisan-dev/dccagent/internal/logging"
	"github.com/nishisan-dev/dccagent/internal/manager"
	"github.com/nishisan-dev/dccagent/internal/web"
)

// shutdownGrace limita quanto tempo o listener HTTP espera por requests em
// andamento no desligamento.
const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "/etc/dccagent/config.yaml", "path to agent config file")
	listen := flag.String("listen", "", "override the HTTP listen address from the config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}

	logger, broadcaster, logCloser := logging.NewBroadcastLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if err := os.MkdirAll(cfg.DownloadPath, 0755); err != nil {
		logger.Error("failed to create download directory", "path", cfg.DownloadPath, "error", err)
		os.Exit(1)
	}

	store, err := events.NewStore(cfg.Events.File, cfg.Events.RingSize, cfg.Events.MaxLines)
	if err != nil {
		logger.Error("failed to open event store", "file", cfg.Events.File, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	m := manager.New(cfg, logger, store)
	m.Start()

	api := web.New(m, broadcaster, logger, cancel)
	srv := &http.Server{
		Addr:         cfg.HTTP.Listen,
		Handler:      api.Router(web.NewACL(cfg.HTTP.ParsedCIDRs)),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control API listening", "addr", cfg.HTTP.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("HTTP server error", "error", err)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}

	m.Shutdown()
	logger.Info("agent stopped")
}
