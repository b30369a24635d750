// Copyright (C) 2025 Venkatesh Narayan
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
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/venkatesh-narayan/idea-exploration/services/engine/observability"
	"github.com/venkatesh-narayan/idea-exploration/services/engine/server"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	defer logger.Close()
	slogger := logger.Slog()

	if cfg.Tracing {
		shutdown, err := initTracer()
		if err != nil {
			return fmt.Errorf("setting up tracing: %w", err)
		}
		defer shutdown(context.Background())
	}

	deps, err := buildDeps(cfg, slogger)
	if err != nil {
		return err
	}
	defer deps.close()

	gin.SetMode(gin.ReleaseMode)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	srv, err := server.NewServer(server.Config{
		Retriever: deps.retriever,
		Refiner:   deps.refiner,
		Estimator: deps.estimator,
		Sandbox:   deps.sandbox,
		Generator: deps.generator,
		Workers:   cfg.Engine.Workers,
		MaxDepth:  cfg.Engine.MaxDepth,
		MaxNodes:  cfg.Engine.MaxNodes,
		Metrics:   metrics,
		Gatherer:  registry,
		Logger:    slogger,
	})
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slogger.Info("server listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-quit:
		slogger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slogger.Error("http shutdown failed", "error", err)
	}
	srv.Shutdown()

	return nil
}
