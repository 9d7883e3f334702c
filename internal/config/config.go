// Package config loads broker and bridge configuration from the environment,
// with an optional .env file for deployment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Defaults.
const (
	DefaultBrokerHost = "0.0.0.0"
	DefaultBrokerPort = 8080
	DefaultBridgeHost = "0.0.0.0"
	DefaultBridgePort = 8081
	DefaultBrokerAddr = "127.0.0.1:8080"

	// DefaultDeviceToken is a placeholder; deployments must override it.
	DefaultDeviceToken = "your_auth_token_here"
)

// BrokerConfig configures the hypertcpd broker process.
type BrokerConfig struct {
	Host        string
	Port        int
	DeviceToken string
	AdminToken  string

	// ReadIdleTimeout closes a connection whose peer sends nothing for this
	// long. Zero disables the timeout.
	ReadIdleTimeout time.Duration

	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string

	LogLevel  string
	LogFormat string
}

// BridgeConfig configures the WebSocket bridge process.
type BridgeConfig struct {
	Host       string
	Port       int
	BrokerAddr string

	LogLevel  string
	LogFormat string
}

// Addr returns the broker listen address.
func (c BrokerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Addr returns the bridge listen address.
func (c BridgeConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadBroker reads the broker configuration from the environment.
func LoadBroker() BrokerConfig {
	loadDotEnv()
	return BrokerConfig{
		Host:            getEnv("HYPERTCP_HOST", DefaultBrokerHost),
		Port:            getEnvInt("HYPERTCP_PORT", DefaultBrokerPort),
		DeviceToken:     getEnv("HYPERTCP_AUTH_TOKEN", DefaultDeviceToken),
		AdminToken:      getEnv("HYPERTCP_ADMIN_TOKEN", ""),
		ReadIdleTimeout: getEnvDuration("HYPERTCP_READ_IDLE_TIMEOUT", 0),
		MetricsAddr:     getEnv("HYPERTCP_METRICS_ADDR", ""),
		LogLevel:        getEnv("HYPERTCP_LOG_LEVEL", "info"),
		LogFormat:       getEnv("HYPERTCP_LOG_FORMAT", "auto"),
	}
}

// LoadBridge reads the bridge configuration from the environment.
func LoadBridge() BridgeConfig {
	loadDotEnv()
	return BridgeConfig{
		Host:       getEnv("HYPERTCP_BRIDGE_HOST", DefaultBridgeHost),
		Port:       getEnvInt("HYPERTCP_BRIDGE_PORT", DefaultBridgePort),
		BrokerAddr: getEnv("HYPERTCP_BROKER_ADDR", DefaultBrokerAddr),
		LogLevel:   getEnv("HYPERTCP_LOG_LEVEL", "info"),
		LogFormat:  getEnv("HYPERTCP_LOG_FORMAT", "auto"),
	}
}

// loadDotEnv pulls in a .env from the working directory when present.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("Failed to load .env file")
	} else {
		log.Info().Msg("Loaded configuration overrides from .env")
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-integer environment value")
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring unparseable duration value")
		return fallback
	}
	return d
}
