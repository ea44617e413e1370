package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[network]
listen_address = "/ip4/0.0.0.0/tcp/7000"
bootstrap_nodes = ["/ip4/10.0.0.1/tcp/7000/p2p/12D3KooWDYmEobVGYR8UgkxNrBvj7W92ZCvvyYxAeKpJfFGCqGms"]
enable_mdns = false
queue_size = 256
max_conns_per_peer = 3
messages_per_second = 25.0
message_burst = 50

[node]
node_type = "Coordinator"
max_cpu_usage = 50
max_memory_usage = 60
max_storage_usage = 2048
sample_interval_secs = 10
supervision_interval_secs = 15

[storage]
data_dir = "/var/lib/paraloom"

[log]
level = "debug"
format = "json"

[metrics]
listen_address = "127.0.0.1:9100"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad(t *testing.T) {
	settings, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "/ip4/0.0.0.0/tcp/7000", settings.Network.ListenAddress)
	assert.Len(t, settings.Network.BootstrapNodes, 1)
	assert.False(t, settings.Network.EnableMDNS)
	assert.Equal(t, 256, settings.Network.QueueSize)
	assert.Equal(t, 3, settings.Network.MaxConnsPerPeer)
	assert.InDelta(t, 25.0, settings.Network.MessagesPerSecond, 0)
	assert.Equal(t, 50, settings.Network.MessageBurst)

	assert.Equal(t, "Coordinator", settings.Node.NodeType)
	assert.Equal(t, uint8(50), settings.Node.MaxCPUUsage)
	assert.Equal(t, uint8(60), settings.Node.MaxMemoryUsage)
	assert.Equal(t, uint64(2048), settings.Node.MaxStorageUsage)
	assert.Equal(t, "10s", settings.Node.SampleInterval().String())
	assert.Equal(t, "15s", settings.Node.SupervisionInterval().String())

	assert.Equal(t, "/var/lib/paraloom", settings.Storage.DataDir)
	assert.Equal(t, "debug", settings.Log.Level)
	assert.Equal(t, "json", settings.Log.Format)
	assert.Equal(t, "127.0.0.1:9100", settings.Metrics.ListenAddress)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PARALOOM_LISTEN_ADDRESS", "/ip4/127.0.0.1/tcp/7100")
	t.Setenv("PARALOOM_DATA_DIR", "/tmp/paraloom")
	t.Setenv("PARALOOM_NODE_TYPE", "Bridge")

	settings, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "/ip4/127.0.0.1/tcp/7100", settings.Network.ListenAddress)
	assert.Equal(t, "/tmp/paraloom", settings.Storage.DataDir)
	assert.Equal(t, "Bridge", settings.Node.NodeType)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{
			name: "missing file",
			path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent.toml") },
		},
		{
			name: "malformed toml",
			path: func(t *testing.T) string { return writeConfig(t, "[network\nlisten_address = ") },
		},
		{
			name: "wrong field type",
			path: func(t *testing.T) string { return writeConfig(t, "[node]\nmax_cpu_usage = \"high\"\n") },
		},
		{
			name: "missing listen address",
			path: func(t *testing.T) string { return writeConfig(t, "[storage]\ndata_dir = \"./data\"\n") },
		},
		{
			name: "bad log format",
			path: func(t *testing.T) string {
				return writeConfig(t, "[network]\nlisten_address = \"/ip4/127.0.0.1/tcp/0\"\n[storage]\ndata_dir = \"d\"\n[log]\nformat = \"xml\"\n")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path(t))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestDevelopment(t *testing.T) {
	dev := Development()

	assert.Equal(t, "/ip4/127.0.0.1/tcp/0", dev.Network.ListenAddress)
	assert.Empty(t, dev.Network.BootstrapNodes)
	assert.True(t, dev.Network.EnableMDNS)
	assert.Equal(t, "ResourceProvider", dev.Node.NodeType)
	assert.Equal(t, uint8(80), dev.Node.MaxCPUUsage)
	assert.Equal(t, uint8(70), dev.Node.MaxMemoryUsage)
	assert.Equal(t, uint64(10240), dev.Node.MaxStorageUsage)
	assert.Equal(t, "./data", dev.Storage.DataDir)
	assert.NoError(t, dev.Validate())
}
