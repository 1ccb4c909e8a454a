package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Example(t *testing.T) {
	cfg, err := Load("config.example.yaml")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5*time.Second, cfg.Relay.RetryInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Relay.ConnectivityPollInterval)
	assert.Equal(t, 300*time.Second, cfg.Relay.MaxRetryBackoff)
	assert.Equal(t, "REG-", cfg.Registration.Prefix)
	assert.Equal(t, "mqtt", cfg.Hub.Transport)
	assert.Equal(t, byte(1), cfg.Hub.MQTT.QoS)
	assert.Equal(t, "Bearer <token>", cfg.Backend.Headers["Authorization"])
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
hub:
  credentials: derived
  host_name: hub.example.net
  group_key: Z3JvdXA=
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "./data/relay.db", cfg.Database.DSN)
	assert.Equal(t, 20, cfg.Relay.ReplayBatchSize)
	assert.Equal(t, cfg.Relay.RetryInterval, cfg.Relay.BaseBackoff)
	assert.Equal(t, time.Minute, cfg.Relay.Lease)
	assert.Equal(t, 10, cfg.Relay.StuckRetryThreshold)
	assert.Equal(t, []string{"lo", "docker", "br-", "veth"}, cfg.Connectivity.IgnorePrefixes)
	assert.Equal(t, time.Second, cfg.Connectivity.HubProbeTimeout)
	assert.Equal(t, "devices/{device_id}/messages/events/", cfg.Hub.MQTT.TopicTemplate)
	assert.Equal(t, time.Hour, cfg.Hub.CredentialTTL)
	assert.Equal(t, 1, cfg.WorkerPool.Size)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad yaml", "relay: [", "yaml"},
		{"unknown driver", "database: {driver: mysql}\nhub: {credentials: derived, host_name: h, group_key: k}", "database.driver"},
		{"postgres without dsn", "database: {driver: postgres}\nhub: {credentials: derived, host_name: h, group_key: k}", "database.dsn"},
		{"unknown probe", "connectivity: {probe: ping}\nhub: {credentials: derived, host_name: h, group_key: k}", "connectivity.probe"},
		{"qos 2", "hub: {credentials: derived, host_name: h, group_key: k, mqtt: {qos: 2}}", "qos"},
		{"kafka without brokers", "hub: {transport: kafka, credentials: derived, host_name: h, group_key: k}", "hub.kafka.brokers"},
		{"registry without owner", "hub: {host_name: h}", "owner_connection_string"},
		{"derived without key", "hub: {credentials: derived, host_name: h}", "group_key"},
		{"lease shorter than dispatch timeout", "relay: {lease_seconds: 2, dispatch_timeout_s: 30}\nhub: {credentials: derived, host_name: h, group_key: k}", "relay.lease_seconds"},
		{"lease without margin", "relay: {lease_seconds: 15, dispatch_timeout_s: 10}\nhub: {credentials: derived, host_name: h, group_key: k}", "relay.lease_seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
