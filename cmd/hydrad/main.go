// Package main implements hydrad, the decentralized mining-pool node.
// It wires configuration, the coinbase signature, logging, and the node
// lifecycle; everything else lives in the internal packages.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hydrapool/hydrad/internal/coinbase"
	"github.com/hydrapool/hydrad/internal/config"
	"github.com/hydrapool/hydrad/internal/node"
	"github.com/hydrapool/hydrad/pkg/errors"
	"github.com/hydrapool/hydrad/pkg/log"
)

const (
	serviceName = "hydrad"
	version     = "0.1.0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the hydrad configuration file (required)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "hydrad - decentralized mining pool node\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n  hydrad -config <path>\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if configPath == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// The signature stays raw bytes end to end; only log lines and the API
	// render a display-safe form.
	signature := coinbase.ComposeSignature(coinbase.TagConfig{
		Pool:     cfg.CoinbaseTag.Pool,
		Miner:    cfg.CoinbaseTag.Miner,
		Software: cfg.CoinbaseTag.Software,
		Website:  cfg.CoinbaseTag.Website,
		Custom:   cfg.CoinbaseTag.Custom,
	})

	logger, closeLog, err := setupLogging(&cfg.Logging)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "setup_logging",
			"failed to set up logging")
	}
	defer closeLog()

	logger.Info("starting hydrad",
		"version", version,
		"config", configPath,
		"network", cfg.Stratum.Network,
	)
	if len(signature) > 0 {
		logger.Info("coinbase signature configured",
			"display", coinbase.DisplayString(signature),
			"bytes", len(signature),
		)
	}

	n, err := node.New(cfg, signature, logger)
	if err != nil {
		logger.WithError(err).Error("startup failed")
		return err
	}
	defer n.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Run(ctx); err != nil {
		logger.WithError(err).Error("pool terminated")
		return err
	}
	return nil
}

// setupLogging builds the process logger from the [logging] section. An
// empty file destination means stderr; otherwise the file is opened for
// append and the returned closer owns it for the life of the process.
func setupLogging(cfg *config.LoggingConfig) (*log.Logger, func(), error) {
	if cfg.File == "" {
		return log.New(serviceName, version, cfg.Level, cfg.Format), func() {}, nil
	}

	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file %s: %w", cfg.File, err)
	}
	return log.NewWithOutput(serviceName, version, cfg.Level, cfg.Format, f), func() { _ = f.Close() }, nil
}
