package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/nebulafs/internal/config"
	"github.com/piwi3910/nebulafs/internal/server"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		peers       []string
		listenAddr  string
		metricsPort int
		logLevel    string
		debug       bool
	)

	rootCmd := &cobra.Command{
		Use:   "nebulafs",
		Short: "NebulaFS client - RDMA connection layer for NebulaIO storage",
		Long: `NebulaFS maintains RDMA connections from a client node to a set of
NebulaIO storage servers. It resolves, establishes and monitors the
connections, exposes them to the data path, and serves Prometheus
metrics about the connection layer.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true

			return run(configPath, config.Options{
				Peers:       peers,
				ListenAddr:  listenAddr,
				MetricsPort: metricsPort,
				LogLevel:    logLevel,
			}, debug)
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.Flags().StringSliceVar(&peers, "peer", nil, "Storage server address (host:port), repeatable")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "Accept incoming RDMA connections on this address")
	rootCmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "Prometheus metrics port")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging with console output")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string, opts config.Options, debug bool) error {
	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load(configPath, opts)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if !debug {
		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			level = zerolog.InfoLevel
		}

		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("node", cfg.NodeName).
		Strs("peers", cfg.Peers).
		Msg("Starting NebulaFS")

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info().Msg("NebulaFS shutdown complete")

	return nil
}
