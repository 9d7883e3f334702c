package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadBrokerDefaults(t *testing.T) {
	for _, key := range []string{
		"HYPERTCP_HOST", "HYPERTCP_PORT", "HYPERTCP_AUTH_TOKEN",
		"HYPERTCP_ADMIN_TOKEN", "HYPERTCP_READ_IDLE_TIMEOUT",
		"HYPERTCP_METRICS_ADDR", "HYPERTCP_LOG_LEVEL", "HYPERTCP_LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadBroker()
	assert.Equal(t, DefaultBrokerHost, cfg.Host)
	assert.Equal(t, DefaultBrokerPort, cfg.Port)
	assert.Equal(t, DefaultDeviceToken, cfg.DeviceToken)
	assert.Equal(t, "", cfg.AdminToken)
	assert.Equal(t, time.Duration(0), cfg.ReadIdleTimeout)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoadBrokerEnvOverrides(t *testing.T) {
	t.Setenv("HYPERTCP_HOST", "127.0.0.1")
	t.Setenv("HYPERTCP_PORT", "9000")
	t.Setenv("HYPERTCP_AUTH_TOKEN", "secret")
	t.Setenv("HYPERTCP_READ_IDLE_TIMEOUT", "90s")
	t.Setenv("HYPERTCP_METRICS_ADDR", "127.0.0.1:9091")

	cfg := LoadBroker()
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	assert.Equal(t, "secret", cfg.DeviceToken)
	assert.Equal(t, 90*time.Second, cfg.ReadIdleTimeout)
	assert.Equal(t, "127.0.0.1:9091", cfg.MetricsAddr)
}

func TestLoadBrokerIgnoresBadValues(t *testing.T) {
	t.Setenv("HYPERTCP_PORT", "not-a-port")
	t.Setenv("HYPERTCP_READ_IDLE_TIMEOUT", "ninety seconds")

	cfg := LoadBroker()
	assert.Equal(t, DefaultBrokerPort, cfg.Port)
	assert.Equal(t, time.Duration(0), cfg.ReadIdleTimeout)
}

func TestLoadBridgeDefaults(t *testing.T) {
	for _, key := range []string{"HYPERTCP_BRIDGE_HOST", "HYPERTCP_BRIDGE_PORT", "HYPERTCP_BROKER_ADDR"} {
		t.Setenv(key, "")
	}

	cfg := LoadBridge()
	assert.Equal(t, "0.0.0.0:8081", cfg.Addr())
	assert.Equal(t, DefaultBrokerAddr, cfg.BrokerAddr)
}

func TestLoadBridgeEnvOverrides(t *testing.T) {
	t.Setenv("HYPERTCP_BRIDGE_PORT", "8888")
	t.Setenv("HYPERTCP_BROKER_ADDR", "10.0.0.5:8080")

	cfg := LoadBridge()
	assert.Equal(t, 8888, cfg.Port)
	assert.Equal(t, "10.0.0.5:8080", cfg.BrokerAddr)
}
