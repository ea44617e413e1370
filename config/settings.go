// Package config loads node settings from a TOML file, an optional .env file and PARALOOM_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	// DefaultConfigPath is the settings file used when no path is given.
	DefaultConfigPath = "config.toml"
	// DefaultEnvPrefix is the prefix of environment overrides.
	DefaultEnvPrefix = "PARALOOM_"
)

// ErrConfig is wrapped by every settings load or validation failure.
var ErrConfig = errors.New("invalid configuration")

// Settings is the complete node configuration.
type Settings struct {
	Network NetworkSettings `toml:"network"`
	Node    NodeSettings    `toml:"node"`
	Storage StorageSettings `toml:"storage"`
	Log     LogSettings     `toml:"log"`
	Metrics MetricsSettings `toml:"metrics"`
}

// NetworkSettings configures the protocol layer.
type NetworkSettings struct {
	ListenAddress     string   `toml:"listen_address"`      // Multiaddr to listen on
	BootstrapNodes    []string `toml:"bootstrap_nodes"`     // Accepted, not dialed
	EnableMDNS        bool     `toml:"enable_mdns"`         // Accepted, not wired to discovery
	SharedKey         string   `toml:"shared_key"`          // Hex pre-shared key for a private network
	PrivateKey        string   `toml:"private_key"`         // Hex ed25519 key; empty generates a fresh identity
	QueueSize         int      `toml:"queue_size"`          // Outbound message queue capacity
	MaxConnsPerPeer   int      `toml:"max_conns_per_peer"`  // Connection gater limit, 0 disables it
	MessagesPerSecond float64  `toml:"messages_per_second"` // Inbound rate per peer
	MessageBurst      int      `toml:"message_burst"`       // Inbound burst per peer
}

// NodeSettings configures the node role and resource ceilings.
type NodeSettings struct {
	NodeType                string `toml:"node_type"`
	MaxCPUUsage             uint8  `toml:"max_cpu_usage"`     // Percentage
	MaxMemoryUsage          uint8  `toml:"max_memory_usage"`  // Percentage
	MaxStorageUsage         uint64 `toml:"max_storage_usage"` // Megabytes
	SampleIntervalSecs      int    `toml:"sample_interval_secs"`
	SupervisionIntervalSecs int    `toml:"supervision_interval_secs"`
}

// StorageSettings configures the key-value store.
type StorageSettings struct {
	DataDir string `toml:"data_dir"`
}

// LogSettings configures the logger built by the command line.
type LogSettings struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

// MetricsSettings configures the Prometheus endpoint. An empty address disables it.
type MetricsSettings struct {
	ListenAddress string `toml:"listen_address"`
}

// Development returns built-in settings for local development.
func Development() Settings {
	return Settings{
		Network: NetworkSettings{
			ListenAddress:  "/ip4/127.0.0.1/tcp/0",
			BootstrapNodes: []string{},
			EnableMDNS:     true,
		},
		Node: NodeSettings{
			NodeType:        "ResourceProvider",
			MaxCPUUsage:     80,
			MaxMemoryUsage:  70,
			MaxStorageUsage: 10240, // 10 GB
		},
		Storage: StorageSettings{
			DataDir: "./data",
		},
		Log: LogSettings{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads settings from path, applies a .env file from the working directory when present
// and then PARALOOM_ environment overrides.
func Load(path string) (Settings, error) {
	content, err := os.ReadFile(path) // #nosec G304 - path comes from the command line
	if err != nil {
		return Settings{}, fmt.Errorf("[Config] %w: reading %s: %w", ErrConfig, path, err)
	}

	settings, err := Parse(content)
	if err != nil {
		return Settings{}, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Settings{}, fmt.Errorf("[Config] %w: reading .env: %w", ErrConfig, err)
	}

	env := NewEnvLoader(DefaultEnvPrefix)
	env.LoadAll()
	env.Apply(&settings)

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}

	return settings, nil
}

// Parse decodes TOML settings.
func Parse(content []byte) (Settings, error) {
	var settings Settings

	if err := toml.Unmarshal(content, &settings); err != nil {
		return Settings{}, fmt.Errorf("[Config] %w: %w", ErrConfig, err)
	}

	return settings, nil
}

// Validate checks the fields that cannot be defaulted. Ceiling values are not range checked.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Network.ListenAddress) == "" {
		return fmt.Errorf("[Config] %w: network.listen_address is required", ErrConfig)
	}

	if strings.TrimSpace(s.Storage.DataDir) == "" {
		return fmt.Errorf("[Config] %w: storage.data_dir is required", ErrConfig)
	}

	if s.Log.Format != "" && s.Log.Format != "text" && s.Log.Format != "json" {
		return fmt.Errorf("[Config] %w: log.format must be text or json, got %q", ErrConfig, s.Log.Format)
	}

	return nil
}

// SampleInterval returns the configured sampling interval, or zero for the default.
func (n NodeSettings) SampleInterval() time.Duration {
	return time.Duration(n.SampleIntervalSecs) * time.Second
}

// SupervisionInterval returns the configured supervision interval, or zero for the default.
func (n NodeSettings) SupervisionInterval() time.Duration {
	return time.Duration(n.SupervisionIntervalSecs) * time.Second
}
