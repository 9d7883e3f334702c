package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hypertcp/hypertcp/internal/broker"
	"github.com/hypertcp/hypertcp/internal/config"
	"github.com/hypertcp/hypertcp/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	flagHost        string
	flagPort        int
	flagToken       string
	flagAdminToken  string
	flagMetricsAddr string
	flagLogLevel    string
	flagLogFormat   string
)

var rootCmd = &cobra.Command{
	Use:     "hypertcpd",
	Short:   "HyperTCP broker - framed TCP message routing",
	Long:    `hypertcpd is the HyperTCP message-routing broker: authenticated devices exchange JSON-carrying frames routed by device id, broadcast, or consumed by the server, with a lifecycle event feed for admin clients`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runBroker(cmd)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hypertcpd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.Flags().StringVar(&flagHost, "host", config.DefaultBrokerHost, "listen host")
	rootCmd.Flags().IntVar(&flagPort, "port", config.DefaultBrokerPort, "listen port")
	rootCmd.Flags().StringVar(&flagToken, "token", "", "shared device auth token")
	rootCmd.Flags().StringVar(&flagAdminToken, "admin-token", "", "admin auth token")
	rootCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Prometheus metrics listen address (empty disables)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&flagLogFormat, "log-format", "", "log format (json, console, auto)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runBroker(cmd *cobra.Command) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "hypertcpd"})

	cfg := config.LoadBroker()
	applyFlags(cmd, &cfg)

	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "hypertcpd"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.MetricsAddr)
	}

	srv := broker.New(cfg, nil, log.Logger)
	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start broker")
	}

	<-ctx.Done()
	log.Info().Msg("Signal received, shutting down")
	srv.Shutdown()
	<-srv.Done()
}

// applyFlags lets explicitly set flags override environment configuration.
func applyFlags(cmd *cobra.Command, cfg *config.BrokerConfig) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = flagHost
	}
	if flags.Changed("port") {
		cfg.Port = flagPort
	}
	if flags.Changed("token") {
		cfg.DeviceToken = flagToken
	}
	if flags.Changed("admin-token") {
		cfg.AdminToken = flagAdminToken
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = flagMetricsAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = flagLogFormat
	}
}
