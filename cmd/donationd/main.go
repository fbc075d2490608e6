// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/donations/acl"
	"github.com/luxfi/donations/api"
	"github.com/luxfi/donations/config"
	"github.com/luxfi/donations/coprocessor"
	"github.com/luxfi/donations/eventlog"
	"github.com/luxfi/donations/ledger"
	"github.com/luxfi/donations/metrics"
	"github.com/luxfi/donations/precompile"
	"github.com/luxfi/donations/verifier"
)

var version = "v0.0.0-dev"

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

func main() {
	cfg := buildConfig()

	logger := log.NewLogger(
		"donationd",
		*log.NewWrappedCore(cfg.GetLogLevel(), os.Stdout, log.JSON.ConsoleEncoder()),
	)

	logger.Info("Initializing donationd",
		log.String("version", version),
		log.Stringer("owner", cfg.Owner()),
		log.Stringer("contract", cfg.Contract()),
		log.Stringer("aggregateMode", cfg.GetAggregateMode()),
	)
	if cfg.GetAggregateMode() == ledger.AggregateLatest {
		logger.Warn("aggregate mode is latest: the total tracks the most recent donation only and is readable by that donor")
	}

	registry := prometheus.NewRegistry()
	ledgerMetrics := metrics.NewLedgerMetrics(registry)
	apiMetrics := metrics.NewAPIMetrics(registry)
	metricsServer := metrics.StartMetricsServer(logger, cfg.MetricsPort, registry)

	accessList := acl.New(cfg.Contract())
	memory, err := coprocessor.NewMemory(logger, accessList, coprocessor.Keys{
		Network:       cfg.GetNetworkKey(),
		InputVerifier: cfg.GetInputVerifierKey(),
	})
	if err != nil {
		logger.Error("Failed to create coprocessor", log.Err(err))
		os.Exit(1)
	}
	logger.Info("Coprocessor ready", log.Stringer("inputVerifier", memory.InputVerifierAddress()))

	events := eventlog.New(logger, cfg.Contract())
	donationLedger := ledger.New(
		logger,
		ledger.Config{
			Owner:         cfg.Owner(),
			Contract:      cfg.Contract(),
			AggregateMode: cfg.GetAggregateMode(),
		},
		memory,
		memory,
		accessList,
		events,
		ledgerMetrics,
	)
	verifierService := verifier.New(logger, donationLedger, memory, memory, accessList, memory.KMSPublicKey(), ledgerMetrics)
	contract := precompile.New(logger, donationLedger, verifierService)

	server := api.NewServer(
		logger,
		contract,
		memory,
		events,
		apiMetrics,
		api.DefaultCallGasLimit,
		int(cfg.ReceiptCacheSize),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errGroup, ctx := errgroup.WithContext(ctx)

	logger.Info("Initialization complete", log.Int("apiPort", int(cfg.APIPort)))
	errGroup.Go(func() error {
		httpServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.APIPort),
			Handler:           server.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		// Handle graceful shutdown
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
			_ = metricsServer.Shutdown(shutdownCtx)
		}()

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start api server: %w", err)
		}
		return nil
	})

	if err := errGroup.Wait(); err != nil {
		logger.Error("Exited with error", log.Err(err))
		os.Exit(1)
	}
	logger.Info("Shut down")
}

// buildConfig parses the flags and builds the config
// Errors here should call log.Fatalf to exit the program
// since these errors are prior to building the logger struct
func buildConfig() config.Config {
	fs := config.BuildFlagSet()
	if err := fs.Parse(os.Args[1:]); err != nil {
		config.DisplayUsageText()
		stdlog.Fatalf("Failed to parse flags: %s", err)
	}

	displayVersion, err := fs.GetBool(config.VersionKey)
	if err != nil {
		stdlog.Fatalf("error reading %s flag: %s", config.VersionKey, err)
	}
	if displayVersion {
		fmt.Printf("%s\n", version)
		os.Exit(0)
	}

	help, err := fs.GetBool(config.HelpKey)
	if err != nil {
		stdlog.Fatalf("error reading %s flag value: %s", config.HelpKey, err)
	}
	if help {
		config.DisplayUsageText()
		os.Exit(0)
	}
	v, err := config.BuildViper(fs)
	if err != nil {
		stdlog.Fatalf("couldn't configure flags: %s", err)
	}

	cfg, err := config.NewConfig(v)
	if err != nil {
		stdlog.Fatalf("couldn't build config: %s", err)
	}
	return cfg
}
