// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sentrymesh/sentryd/core"
	"github.com/sentrymesh/sentryd/delegation"
	"github.com/sentrymesh/sentryd/discovery"
	"github.com/sentrymesh/sentryd/export"
	"github.com/sentrymesh/sentryd/lib/clock"
	"github.com/sentrymesh/sentryd/lib/config"
	"github.com/sentrymesh/sentryd/lib/process"
	"github.com/sentrymesh/sentryd/lib/version"
	"github.com/sentrymesh/sentryd/mesh"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the sentryd config file (required unless SENTRYD_CONFIG is set)")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sentryd %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	graph := core.NewGraph()
	graph.Program().StartTime = clk.Now()
	graph.Program().PID = os.Getpid()

	manager := mesh.New(mesh.Identity(cfg.Identity), logger, clk)

	if err := manager.Listen(ctx, cfg.Listen); err != nil {
		return fmt.Errorf("starting peer mesh listener: %w", err)
	}

	discoveryEngine := discovery.New(manager, cfg, clk, logger)
	delegationEngine := delegation.New(manager, graph, cfg, clk, logger)
	exporter := export.New(graph, cfg.Export, clk, logger)

	discoveryEngine.Start(ctx)
	delegationEngine.Start(ctx)

	exporterDone := make(chan struct{})
	go func() {
		exporter.Run(ctx)
		close(exporterDone)
	}()

	logger.Info("sentryd running",
		"identity", cfg.Identity,
		"listen", cfg.Listen,
		"peers", len(cfg.Peers),
	)

	err = manager.Run(ctx)
	<-exporterDone

	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// loadConfig resolves the config file from --config if given,
// otherwise from the SENTRYD_CONFIG environment variable.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
