package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/terrpan/octane/internal/buildinfo"
	"github.com/terrpan/octane/internal/config"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "octane",
	Short: "Queue-driven VM benchmark pipeline",
	Long: `octane provisions ephemeral virtual machines, runs a benchmark on each
and tears them down again.  The three phases (create, benchmark, delete)
are coordinated through broker queues so every step survives restarts
and is retried on transient failures.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
	},
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Backend overrides
	f.StringVar(&flagOverrides.Engine.Type, "engine", "", "Compute engine (azure, gcp, docker)")
	f.StringVar(&flagOverrides.Broker.Type, "broker", "", "Message broker (nats, pulsar)")
	f.StringVar(&flagOverrides.Broker.NATS.URL, "nats-url", "", "NATS server URL")
	f.StringVar(&flagOverrides.Broker.Pulsar.URL, "pulsar-url", "", "Pulsar service URL")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(serveCmd, scheduleCmd, reconcileCmd, versionCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.HTTP.Addr != "" {
		cfg.HTTP.Addr = flagOverrides.HTTP.Addr
	}
	if flagOverrides.Engine.Type != "" {
		cfg.Engine.Type = flagOverrides.Engine.Type
	}
	if flagOverrides.Broker.Type != "" {
		cfg.Broker.Type = flagOverrides.Broker.Type
	}
	if flagOverrides.Broker.NATS.URL != "" {
		cfg.Broker.NATS.URL = flagOverrides.Broker.NATS.URL
	}
	if flagOverrides.Broker.Pulsar.URL != "" {
		cfg.Broker.Pulsar.URL = flagOverrides.Broker.Pulsar.URL
	}
	if flagOverrides.Broker.Concurrency != 0 {
		cfg.Broker.Concurrency = flagOverrides.Broker.Concurrency
	}
	if flagOverrides.Schedule.Window != 0 {
		cfg.Schedule.Window = flagOverrides.Schedule.Window
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

// loadConfig reads, overrides and validates the configuration, and
// builds the logger every command uses.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("engine", cfg.Engine.Type),
		slog.String("broker", cfg.Broker.Type),
		slog.String("ledger", cfg.Ledger.Type),
	)
	return cfg, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
