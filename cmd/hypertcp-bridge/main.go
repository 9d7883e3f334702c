package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hypertcp/hypertcp/internal/bridge"
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
	flagHost       string
	flagPort       int
	flagBrokerAddr string
	flagLogLevel   string
	flagLogFormat  string
)

var rootCmd = &cobra.Command{
	Use:     "hypertcp-bridge",
	Short:   "HyperTCP WebSocket bridge - browser access to the broker",
	Long:    `hypertcp-bridge accepts browser WebSocket connections and relays raw HyperTCP frames to the broker over a paired TCP connection, byte-transparently in both directions`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runBridge(cmd)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hypertcp-bridge %s\n", Version)
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
	rootCmd.Flags().StringVar(&flagHost, "host", config.DefaultBridgeHost, "WebSocket listen host")
	rootCmd.Flags().IntVar(&flagPort, "port", config.DefaultBridgePort, "WebSocket listen port")
	rootCmd.Flags().StringVar(&flagBrokerAddr, "broker", config.DefaultBrokerAddr, "broker TCP address")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&flagLogFormat, "log-format", "", "log format (json, console, auto)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runBridge(cmd *cobra.Command) {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "hypertcp-bridge"})

	cfg := config.LoadBridge()
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = flagHost
	}
	if flags.Changed("port") {
		cfg.Port = flagPort
	}
	if flags.Changed("broker") {
		cfg.BrokerAddr = flagBrokerAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = flagLogFormat
	}

	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "hypertcp-bridge"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bridge.New(cfg, log.Logger)
	if err := b.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bridge")
	}

	<-ctx.Done()
	log.Info().Msg("Signal received, shutting down")
	b.Shutdown()
}
