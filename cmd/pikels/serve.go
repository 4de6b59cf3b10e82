// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/pikels/pkg/logging"
	"github.com/AleutianAI/pikels/services/pikels"
	"github.com/AleutianAI/pikels/services/pikels/bridge"
	"github.com/AleutianAI/pikels/services/pikels/config"
	"github.com/AleutianAI/pikels/services/pikels/lspserver"
	"github.com/AleutianAI/pikels/services/pikels/telemetry"
	"github.com/AleutianAI/pikels/services/pikels/watcher"
)

const cleanupTimeout = 5 * time.Second

// stdio joins stdin and stdout into the LSP stream.
type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error {
	return errors.Join(os.Stdin.Close(), os.Stdout.Close())
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debugAddr != "" {
		cfg.Debug.Addr = debugAddr
	}
	if noWatch {
		cfg.Watcher.Enabled = false
	}

	logCfg, err := cfg.LoggingConfig()
	if err != nil {
		return err
	}
	logger := logging.New(logCfg)
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := shutdownTelemetry(cleanupCtx); err != nil {
			slog.Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	svcCfg, err := cfg.ServiceConfig()
	if err != nil {
		return err
	}
	worker := bridge.New(cfg.BridgeConfig())
	svc := pikels.NewService(svcCfg, worker)

	if cfg.Debug.Addr != "" {
		srv := startDebugServer(cfg.Debug.Addr, svc)
		defer func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			defer cancel()
			_ = srv.Shutdown(cleanupCtx)
		}()
	}

	ws := &workspaceWatch{enabled: cfg.Watcher.Enabled, svc: svc, opts: cfg.WatcherOptions()}
	defer ws.stop()

	server := lspserver.New(svc,
		lspserver.WithWorkspaceHook(func(root string) { ws.start(ctx, root) }),
		lspserver.WithShutdownTimeout(cfg.Worker.ShutdownTimeout),
	)

	slog.Info("pikels starting",
		slog.String("version", pikels.ServiceVersion),
		slog.String("worker", cfg.Worker.Command))

	if err := server.Serve(ctx, stdio{Reader: os.Stdin, Writer: os.Stdout}); err != nil {
		slog.Error("Language server stopped", slog.String("error", err.Error()))
		return err
	}
	slog.Info("pikels stopped")
	return nil
}

func startDebugServer(addr string, svc *pikels.Service) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           pikels.NewDebugRouter(svc, telemetry.MetricsHandler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Debug server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Debug server failed", slog.String("error", err.Error()))
		}
	}()
	return srv
}

// workspaceWatch starts at most one file watcher, for the first workspace
// root the client reports.
type workspaceWatch struct {
	enabled bool
	svc     *pikels.Service
	opts    watcher.Options

	mu sync.Mutex
	w  *watcher.Watcher
}

func (ws *workspaceWatch) start(ctx context.Context, root string) {
	if !ws.enabled || root == "" {
		return
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.w != nil {
		return
	}

	w, err := watcher.New(root, watcher.Forward(ws.svc), ws.opts)
	if err != nil {
		slog.Warn("File watcher disabled", slog.String("root", root), slog.String("error", err.Error()))
		return
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		slog.Warn("File watcher disabled", slog.String("root", root), slog.String("error", err.Error()))
		return
	}
	ws.w = w
}

func (ws *workspaceWatch) stop() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.w != nil {
		ws.w.Stop()
		ws.w = nil
	}
}
