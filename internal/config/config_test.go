package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestLoad_Defaults(t *testing.T) {
	resetViper(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "mainnet", cfg.Node.Network)
	assert.Equal(t, 16112, cfg.Node.RPCPort)
	assert.Equal(t, []int{16110, 16111}, cfg.Node.FallbackPorts)
	assert.Equal(t, 16111, cfg.Node.P2PPort)
	assert.Empty(t, cfg.Node.PublicEndpoint)

	assert.NotEmpty(t, cfg.State.Path)
	assert.Equal(t, ":8585", cfg.Monitor.Listen)
	assert.Equal(t, 10*time.Second, cfg.Monitor.ServiceInterval)
	assert.Equal(t, 5*time.Second, cfg.Monitor.NodeProbeInterval)
	assert.Equal(t, 30*time.Second, cfg.Monitor.RetryInterval)
	assert.Equal(t, 3, cfg.Monitor.FailureThreshold)

	assert.Equal(t, "auto", cfg.Runtime.Runtime)
	assert.True(t, cfg.Logging.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FromConfigFile(t *testing.T) {
	resetViper(t)

	content := `
[node]
network = "testnet"
rpc_port = 17110
fallback_ports = [17111]
public_endpoint = "rpc.example.com:17110"

[monitor]
listen = ":9000"
failure_threshold = 5

[logging]
level = "debug"
enabled = false
`
	path := filepath.Join(t.TempDir(), "dagstack.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "testnet", cfg.Node.Network)
	assert.Equal(t, 17110, cfg.Node.RPCPort)
	assert.Equal(t, []int{17111}, cfg.Node.FallbackPorts)
	assert.Equal(t, "rpc.example.com:17110", cfg.Node.PublicEndpoint)
	assert.Equal(t, ":9000", cfg.Monitor.Listen)
	assert.Equal(t, 5, cfg.Monitor.FailureThreshold)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Enabled)

	// Unset sections keep their defaults.
	assert.Equal(t, 16111, cfg.Node.P2PPort)
	assert.Equal(t, "auto", cfg.Runtime.Runtime)
}

func TestLoad_RejectsInvalidNetwork(t *testing.T) {
	resetViper(t)
	viper.Set("node.network", "moonnet")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node.network must be one of")
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := &Config{
		Node: NodeConfig{
			Network:       "bogus",
			RPCPort:       0,
			FallbackPorts: []int{70000},
		},
		Runtime: RuntimeConfig{Runtime: "podman"},
		Monitor: MonitorConfig{
			FailureThreshold: 0,
			ServiceInterval:  500 * time.Millisecond,
		},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node.network")
	assert.Contains(t, err.Error(), "node.rpc_port 0 is out of range")
	assert.Contains(t, err.Error(), "node.fallback_ports entry 70000 is out of range")
	assert.Contains(t, err.Error(), "runtime.runtime must be one of")
	assert.Contains(t, err.Error(), "failure_threshold must be at least 1")
	assert.Contains(t, err.Error(), "service_interval must be at least 1s")
}

func TestRPCCandidates_ConfiguredPortFirst(t *testing.T) {
	cfg := &Config{Node: NodeConfig{RPCPort: 16112, FallbackPorts: []int{16110, 16111}}}
	assert.Equal(t, []int{16112, 16110, 16111}, cfg.RPCCandidates())
}

func TestRPCCandidates_SkipsDuplicateOfConfigured(t *testing.T) {
	cfg := &Config{Node: NodeConfig{RPCPort: 16110, FallbackPorts: []int{16110, 16111}}}
	assert.Equal(t, []int{16110, 16111}, cfg.RPCCandidates())
}
