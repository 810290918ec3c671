// Copyright (c) 2025 Cocaine Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Command cocained runs the Dealer as a standalone daemon: it loads a
// single JSON config file (spec §6), starts a Dealer for every
// declared service, and serves the in-process stats collector over
// HTTP until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cocaine/cocaine-core/internal/config"
	"github.com/cocaine/cocaine-core/internal/dealer"
	"github.com/cocaine/cocaine-core/internal/logging"
	"github.com/cocaine/cocaine-core/internal/stats"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/cocained/cocained.json", "path to the Dealer's JSON config file")
	statsAddr := flag.String("stats-addr", "", "address to serve the stats endpoint on (e.g. :8080); empty disables it")
	diagSchedule := flag.String("diagnostics-schedule", "@every 1m", "cron schedule for the periodic cache diagnostics log line")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cocained: loading config: %v\n", err)
		return 1
	}

	logger, logCloser, err := logging.NewDealerLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cocained: building logger: %v\n", err)
		return 1
	}
	defer logCloser.Close()

	d, err := dealer.New(buildDealerConfig(cfg), logger)
	if err != nil {
		logger.Error("cocained: constructing dealer", "error", err)
		return 1
	}
	if cfg.MessageCache.Type == "PERSISTENT" {
		logger.Info("cocained: persistent message cache enabled", "eblob_path", cfg.PersistentStorage.EblobPath)
	}

	cronJob, err := startDiagnostics(d.Stats(), logger, *diagSchedule)
	if err != nil {
		logger.Error("cocained: starting diagnostics", "error", err)
		return 1
	}
	defer func() { <-cronJob.Stop().Done() }()

	var httpServer *http.Server
	if *statsAddr != "" {
		httpServer = &http.Server{Addr: *statsAddr, Handler: stats.Handler(d.Stats())}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("cocained: stats server stopped", "error", err)
			}
		}()
		logger.Info("cocained: stats endpoint listening", "addr", *statsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("cocained: received signal, shutting down", "signal", sig.String())

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("cocained: stats server shutdown", "error", err)
		}
	}

	d.Shutdown()
	logger.Info("cocained: shutdown complete")
	return 0
}

// buildDealerConfig translates the on-disk config schema into the
// dealer package's runtime Config, flattening the services map into a
// slice with its alias attached (spec §6 "services.<alias>").
func buildDealerConfig(cfg *config.Config) dealer.Config {
	dc := dealer.Config{
		DefaultMessageDeadline: cfg.DeadlineDuration(),
		ServiceLogDir:          cfg.ServiceLogDir,
		Services:               make([]dealer.ServiceConfig, 0, len(cfg.Services)),
	}
	if cfg.MessageCache.Type == "PERSISTENT" {
		dc.PersistentCacheDir = cfg.PersistentStorage.EblobPath
		dc.PersistentCacheBlobSize = cfg.BlobSizeBytes()
	}
	if cfg.TLS.Enabled {
		dc.TLS = dealer.TLSConfig{
			Enabled:    true,
			CACert:     cfg.TLS.CACert,
			ClientCert: cfg.TLS.ClientCert,
			ClientKey:  cfg.TLS.ClientKey,
		}
	}
	for alias, svc := range cfg.Services {
		dc.Services = append(dc.Services, dealer.ServiceConfig{
			Alias:       alias,
			Description: svc.Description,
			App:         svc.App,
			Autodiscovery: dealer.AutodiscoveryConfig{
				Source: svc.Autodiscovery.Source,
				Type:   svc.Autodiscovery.Type,
			},
			MaxRequestsPerSecond: svc.MaxRequestsPerSecond,
		})
	}
	return dc
}
